package plugin

import (
	"sort"
	"strconv"
	"strings"

	"github.com/butter-bot-machines/scribe/pkg/errors"
)

// CheckRequired reports every required parameter missing from params
func CheckRequired(a Action, params map[string]interface{}) error {
	var missing []string
	for _, name := range a.RequiredParams() {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return errors.New(errors.ParamValidation, "missing required params: %s", strings.Join(missing, ", "))
}

// WithDefaults returns a copy of params with optional defaults filled in
func WithDefaults(a Action, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range a.OptionalParams() {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}

// String returns params[key] as a string
func String(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.New(errors.ParamValidation, "param %q must be a string, got %T", key, v)
	}
	return s, nil
}

// Strings returns params[key] as a string list
func Strings(params map[string]interface{}, key string) ([]string, error) {
	switch v := params[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errors.New(errors.ParamValidation, "param %q[%d] must be a string, got %T", key, i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, errors.New(errors.ParamValidation, "param %q must be a list of strings, got %T", key, v)
	}
}

// Int returns params[key] as an int. YAML and JSON numbers are accepted.
func Int(params map[string]interface{}, key string) (int, error) {
	switch v := params[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, errors.New(errors.ParamValidation, "param %q must be an integer, got %v", key, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, errors.New(errors.ParamValidation, "param %q must be an integer, got %q", key, v)
		}
		return n, nil
	default:
		return 0, errors.New(errors.ParamValidation, "param %q must be an integer, got %T", key, v)
	}
}

// Bool returns params[key] as a bool
func Bool(params map[string]interface{}, key string) (bool, error) {
	switch v := params[key].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, errors.New(errors.ParamValidation, "param %q must be a boolean, got %T", key, v)
	}
}
