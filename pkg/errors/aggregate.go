package errors

import (
	"fmt"
	"strings"
)

// Aggregate collects several errors and reports them as one.
type Aggregate struct {
	errs []error
}

// NewAggregate creates an empty aggregate
func NewAggregate() *Aggregate {
	return &Aggregate{}
}

// Add appends err if it is non-nil
func (a *Aggregate) Add(err error) {
	if err != nil {
		a.errs = append(a.errs, err)
	}
}

// Addf appends a formatted error
func (a *Aggregate) Addf(format string, args ...interface{}) {
	a.errs = append(a.errs, fmt.Errorf(format, args...))
}

// HasErrors returns true if any error was added
func (a *Aggregate) HasErrors() bool {
	return len(a.errs) > 0
}

// Errors returns the collected errors
func (a *Aggregate) Errors() []error {
	return a.errs
}

// ErrorOrNil returns the aggregate as an error, or nil when empty.
func (a *Aggregate) ErrorOrNil() error {
	if !a.HasErrors() {
		return nil
	}
	return a
}

func (a *Aggregate) Error() string {
	switch len(a.errs) {
	case 0:
		return ""
	case 1:
		return a.errs[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d errors occurred:", len(a.errs))
	for i, err := range a.errs {
		fmt.Fprintf(&b, "\n[%d] %v", i+1, err)
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (a *Aggregate) Unwrap() []error {
	return a.errs
}
