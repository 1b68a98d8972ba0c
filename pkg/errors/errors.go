package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Error is a classified error carrying context and the stack at creation.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]interface{}
	Stack   []Frame
}

// Frame is a single captured stack frame
type Frame struct {
	File     string
	Line     int
	Function string
}

func (f Frame) String() string {
	return fmt.Sprintf("%s:%d %s", f.File, f.Line, f.Function)
}

// New creates a new error of the given kind
func New(kind Kind, msg string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: sprintf(msg, args...),
		Context: make(map[string]interface{}),
		Stack:   captureStack(3),
	}
}

// Wrap classifies err under kind. A nil err yields a nil error.
func Wrap(kind Kind, err error, msg string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: sprintf(msg, args...),
		Cause:   err,
		Context: make(map[string]interface{}),
		Stack:   captureStack(3),
	}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString("]")
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so sentinel values such as
// &Error{Kind: SecurityViolation} work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// WithContext adds a context value and returns the same error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Format supports %+v for a detailed rendering with the stack.
func (e *Error) Format(f fmt.State, c rune) {
	switch c {
	case 'v':
		if f.Flag('+') {
			fmt.Fprintf(f, "%s\n", e.Error())
			for _, fr := range e.Stack {
				fmt.Fprintf(f, "  %s\n", fr)
			}
			return
		}
		fmt.Fprint(f, e.Error())
	case 's':
		fmt.Fprint(f, e.Error())
	case 'q':
		fmt.Fprintf(f, "%q", e.Error())
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain
func Is(err error, kind Kind) bool {
	return stderrors.Is(err, &Error{Kind: kind})
}

// As is the standard library errors.As
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

func sprintf(msg string, args ...interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

func captureStack(skip int) []Frame {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var out []Frame
	for {
		fr, more := frames.Next()
		file := fr.File
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		out = append(out, Frame{File: file, Line: fr.Line, Function: fr.Function})
		if !more {
			break
		}
	}
	return out
}
