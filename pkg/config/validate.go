package config

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/go-playground/validator/v10"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/fs"
	"github.com/butter-bot-machines/scribe/pkg/logging"
)

var ruleIDPattern = regexp.MustCompile(`^RULE-\d{3}$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	must(v.RegisterValidation("supported_version", func(fl validator.FieldLevel) bool {
		return SupportedVersions[fl.Field().String()]
	}))
	must(v.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		_, err := logging.ParseLevel(fl.Field().String())
		return err == nil
	}))
	must(v.RegisterValidation("rule_id", func(fl validator.FieldLevel) bool {
		return ruleIDPattern.MatchString(fl.Field().String())
	}))
	must(v.RegisterValidation("glob", func(fl validator.FieldLevel) bool {
		return ValidGlob(fl.Field().String())
	}))
	must(v.RegisterValidation("regex", func(fl validator.FieldLevel) bool {
		_, err := regexp2.Compile(fl.Field().String(), regexp2.None)
		return err == nil
	}))
	v.RegisterStructValidation(validateConfigStruct, Config{})
	return v
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// validateConfigStruct checks constraints that span fields
func validateConfigStruct(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	seen := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if r.ID == "" {
			continue
		}
		if seen[r.ID] {
			sl.ReportError(cfg.Rules[i].ID, fmt.Sprintf("rules[%d].id", i), "ID", "unique_rule_id", r.ID)
		}
		seen[r.ID] = true
	}

	es := cfg.EngineSettings
	if es.MaxDebounceMS > 0 && es.MaxDebounceMS < es.DebounceMS {
		sl.ReportError(es.MaxDebounceMS, "engine_settings.max_debounce_ms", "MaxDebounceMS", "gtefield_debounce_ms", "")
	}
	if es.ActionTimeoutSecs > es.DispatchTimeoutSec {
		sl.ReportError(es.ActionTimeoutSecs, "engine_settings.action_timeout_seconds", "ActionTimeoutSecs", "ltefield_dispatch_timeout_seconds", "")
	}
	if es.DispatchTimeoutSec > es.EventTimeoutSecs {
		sl.ReportError(es.DispatchTimeoutSec, "engine_settings.dispatch_timeout_seconds", "DispatchTimeoutSec", "ltefield_event_timeout_seconds", "")
	}
}

// ValidGlob reports whether pattern is a well-formed file glob
func ValidGlob(pattern string) bool {
	_, err := fs.CompileGlob(pattern)
	return err == nil
}

// Validate checks cfg against the schema. All violations are reported
// together as a config_invalid error.
func Validate(cfg *Config) error {
	err := newValidator().Struct(cfg)
	if err == nil {
		return nil
	}

	agg := errors.NewAggregate()
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			agg.Addf("%s: failed %q (value %v)", fieldPath(fe), fe.Tag(), fe.Value())
		}
	} else {
		agg.Add(err)
	}
	return errors.Wrap(errors.ConfigInvalid, agg, "schema validation failed")
}

// fieldPath strips the root struct name from the namespace
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
