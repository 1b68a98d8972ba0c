package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment gives typed access to process environment variables. Values
// that fail to parse fall back to the zero value or the given default.
type Environment struct {
	lookup func(string) (string, bool)
}

// New creates an environment accessor over os.LookupEnv
func New() *Environment {
	return &Environment{lookup: os.LookupEnv}
}

// FromMap creates an accessor over a fixed set of variables
func FromMap(vars map[string]string) *Environment {
	return &Environment{lookup: func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}}
}

func (e *Environment) get(key string) string {
	v, _ := e.lookup(key)
	return strings.TrimSpace(v)
}

// GetString returns an environment variable as a string
func (e *Environment) GetString(key string) string {
	return e.get(key)
}

// GetStringWithDefault returns an environment variable as a string with a default value
func (e *Environment) GetStringWithDefault(key, defaultValue string) string {
	if val := e.get(key); val != "" {
		return val
	}
	return defaultValue
}

// GetIntWithDefault returns an environment variable as an integer with a default value
func (e *Environment) GetIntWithDefault(key string, defaultValue int) int {
	val, err := strconv.Atoi(e.get(key))
	if err != nil {
		return defaultValue
	}
	return val
}

// GetFloatWithDefault returns an environment variable as a float with a default value
func (e *Environment) GetFloatWithDefault(key string, defaultValue float64) float64 {
	val, err := strconv.ParseFloat(e.get(key), 64)
	if err != nil {
		return defaultValue
	}
	return val
}

// GetBoolWithDefault returns an environment variable as a boolean with a default value
func (e *Environment) GetBoolWithDefault(key string, defaultValue bool) bool {
	val, err := strconv.ParseBool(e.get(key))
	if err != nil {
		return defaultValue
	}
	return val
}

// GetDurationWithDefault returns an environment variable as a duration with a default value
func (e *Environment) GetDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	val, err := time.ParseDuration(e.get(key))
	if err != nil {
		return defaultValue
	}
	return val
}

// Has returns true if an environment variable is set
func (e *Environment) Has(key string) bool {
	_, ok := e.lookup(key)
	return ok
}
