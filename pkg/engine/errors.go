package engine

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Kind classifies engine failures. A Kind is itself an error so it can be
// used as an errors.Is target.
type Kind int

const (
	// CompileError means the script failed to parse or evaluate at load.
	CompileError Kind = iota + 1
	// ContractViolation means the script is missing its entry point or
	// declared out of range settings.
	ContractViolation
	// RuntimeError means the entry point raised during Process.
	RuntimeError
	// ResourceError means the runtime or its resources could not be created.
	ResourceError
)

func (k Kind) String() string {
	switch k {
	case CompileError:
		return "compile error"
	case ContractViolation:
		return "contract violation"
	case RuntimeError:
		return "runtime error"
	case ResourceError:
		return "resource error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) Error() string {
	return k.String()
}

// Error is a classified engine failure
type Error struct {
	Kind    Kind
	Engine  string
	Message string
	Err     error
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, engine, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Engine: engine, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. Errors that are already classified are returned as is.
func Wrap(kind Kind, engine string, err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: kind, Engine: engine, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Engine == "" {
		return e.Message
	}
	return e.Engine + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Code returns the nonzero status code reported for this failure.
func (e *Error) Code() int {
	return int(e.Kind)
}

// Recover converts a panic in the calling function into a RuntimeError
// stored in *err. Use as `defer engine.Recover(name, &err)`.
func Recover(engine string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	stack := string(debug.Stack())
	if i := strings.Index(stack, "panic("); i > 0 {
		stack = stack[i:]
	}
	*err = &Error{
		Kind:    RuntimeError,
		Engine:  engine,
		Message: fmt.Sprintf("panic: %v", r),
		Err:     fmt.Errorf("recovered panic: %v\n%s", r, stack),
	}
}
