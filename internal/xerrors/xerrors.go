// Package xerrors attaches call-site information to errors.
//
// New, Newf and WithStack record a full stack. Wrap and Wrapf record a single program counter and
// prefix the message. The logger reads both through the StackPCs and PC methods.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the stack captured where the error was created
type stacked struct {
	cause error
	pcs   []uintptr
}

func (s *stacked) Error() string       { return s.cause.Error() }
func (s *stacked) Unwrap() error       { return s.cause }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// annotated prefixes cause with msg and remembers the wrapping call site
type annotated struct {
	cause error
	msg   string
	pc    uintptr
}

func (a *annotated) Error() string     { return a.msg + ": " + a.cause.Error() }
func (a *annotated) Unwrap() error     { return a.cause }
func (a *annotated) PC() uintptr       { return a.pc }
func (a *annotated) IsXerrorsWrapper() {}

// stackFrom captures the stack above the caller of the xerrors function that called it
func stackFrom() []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	// runtime.Callers, stackFrom, stack, exported func
	return pcs[:runtime.Callers(4, pcs)]
}

func stack(err error) error {
	return &stacked{cause: err, pcs: stackFrom()}
}

func callSite() uintptr {
	var pc [1]uintptr
	// runtime.Callers, callSite, exported func
	if runtime.Callers(3, pc[:]) == 0 {
		return 0
	}
	return pc[0]
}

// New returns an error with msg and the caller's stack
func New(msg string) error { return stack(errors.New(msg)) }

// Newf is New with formatting, %w is honoured
func Newf(format string, args ...any) error { return stack(fmt.Errorf(format, args...)) }

// WithStack records the caller's stack on err. Nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return stack(err)
}

// EnsureTrace is WithStack unless something in the chain already carries a stack
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return stack(err)
}

// Wrap prefixes err with msg. Nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: msg, pc: callSite()}
}

// Wrapf is Wrap with a formatted message
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: fmt.Sprintf(format, args...), pc: callSite()}
}
