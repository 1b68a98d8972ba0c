package errors

// Kind classifies an engine failure. Kinds are stable strings surfaced in
// telemetry, action results and the health snapshot.
type Kind string

const (
	KindUnknown Kind = ""

	ConfigInvalid     Kind = "config_invalid"
	PluginMissing     Kind = "plugin_missing"
	PluginLoadFailed  Kind = "plugin_load_failed"
	ParamValidation   Kind = "param_validation"
	SecurityViolation Kind = "security_violation"
	ExecutionError    Kind = "execution_error"
	ExecutionTimeout  Kind = "execution_timeout"
	DispatchBlocked   Kind = "dispatch_blocked_circuit_open"
	DispatchTimeout   Kind = "dispatch_timeout"
	UnexpectedSystem  Kind = "unexpected_system_error"
	QuarantineFailed  Kind = "quarantine_failed"
	AtomicWriteFailed Kind = "atomic_write_failed"
)

// codes gives every kind a numeric code for log correlation.
var codes = map[Kind]int{
	ConfigInvalid:     1,
	PluginMissing:     10,
	PluginLoadFailed:  11,
	ParamValidation:   20,
	SecurityViolation: 21,
	ExecutionError:    30,
	ExecutionTimeout:  31,
	DispatchBlocked:   40,
	DispatchTimeout:   41,
	UnexpectedSystem:  50,
	QuarantineFailed:  60,
	AtomicWriteFailed: 61,
}

// String returns the kind name
func (k Kind) String() string {
	if k == KindUnknown {
		return "unknown"
	}
	return string(k)
}

// Code returns the numeric code for the kind, or 0 if it is not registered
func (k Kind) Code() int {
	return codes[k]
}

// Kinds lists every registered kind in code order.
func Kinds() []Kind {
	return []Kind{
		ConfigInvalid,
		PluginMissing,
		PluginLoadFailed,
		ParamValidation,
		SecurityViolation,
		ExecutionError,
		ExecutionTimeout,
		DispatchBlocked,
		DispatchTimeout,
		UnexpectedSystem,
		QuarantineFailed,
		AtomicWriteFailed,
	}
}

// CountsTowardBreaker reports whether a failure of this kind counts as a
// dispatch failure for circuit breaker accounting.
func (k Kind) CountsTowardBreaker() bool {
	switch k {
	case DispatchBlocked, QuarantineFailed:
		return false
	default:
		return true
	}
}
