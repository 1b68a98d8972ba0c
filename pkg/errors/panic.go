package errors

import (
	"fmt"

	"github.com/butter-bot-machines/scribe/pkg/logging"
)

// PanicHandler converts recovered panic values into classified errors.
type PanicHandler struct {
	kind   Kind
	logger logging.Logger
}

// NewPanicHandler creates a handler that classifies panics under kind.
// logger may be nil.
func NewPanicHandler(kind Kind, logger logging.Logger) *PanicHandler {
	return &PanicHandler{kind: kind, logger: logger}
}

// Handle converts a recovered value into an *Error
func (h *PanicHandler) Handle(v interface{}) *Error {
	var msg string
	switch v := v.(type) {
	case string:
		msg = v
	case error:
		msg = v.Error()
	default:
		msg = fmt.Sprintf("%v", v)
	}

	if h.logger != nil {
		h.logger.Error("panic recovered", "error", msg, "kind", h.kind)
	}

	e := New(h.kind, "panic recovered: %s", msg)
	e.Context["recovered"] = true
	return e
}

// Guard runs fn and converts a panic into an error.
func (h *PanicHandler) Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = h.Handle(r)
		}
	}()
	return fn()
}
