package errs

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
)

// Coded error with an optional cause and the stack captured at creation.
//
// Use NewErrf(...) or NewErrfCode(...) to instantiate.
type Err struct {
	code   string // error code, e.g., RPC_TIMEOUT.
	msg    string // message visible to the caller.
	detail string // extra context, only useful in logs.
	stack  string
	cause  error
}

func (e *Err) Code() string {
	return e.code
}

func (e *Err) Msg() string {
	return e.msg
}

func (e *Err) Detail() string {
	return e.detail
}

func (e *Err) StackTrace() string {
	return e.stack
}

func (e *Err) Unwrap() error {
	return e.cause
}

func (e *Err) Error() string {
	parts := make([]string, 0, 3)
	if e.msg != "" {
		parts = append(parts, e.msg)
	}
	if e.detail != "" {
		parts = append(parts, e.detail)
	}
	if e.cause != nil {
		parts = append(parts, e.cause.Error())
	}
	return strings.Join(parts, ", ")
}

// Two *Err match when both carry the same non-empty code.
//
//	var ErrTimeout = errs.NewErrfCode("RPC_TIMEOUT", "rpc timeout")
//
//	err := ErrTimeout.WithDetail("call %d", id)
//	errors.Is(err, ErrTimeout) // true
func (e *Err) Is(target error) bool {
	var t *Err
	if errors.As(target, &t) {
		return e.code != "" && e.code == t.code
	}
	return false
}

// Create a copy of e with the given detail message.
func (e *Err) WithDetail(detail string, args ...any) *Err {
	n := e.clone()
	n.detail = format(detail, args...)
	n.stack = stack(3)
	return n
}

// Create a copy of e with a different message.
func (e *Err) WithMsg(msg string, args ...any) *Err {
	n := e.clone()
	n.msg = format(msg, args...)
	n.stack = stack(3)
	return n
}

// Create a copy of e caused by err.
//
// Returns nil if err is nil.
func (e *Err) Wrap(err error) error {
	if err == nil {
		return nil
	}
	n := e.clone()
	n.cause = err
	n.stack = stack(3)
	return n
}

// Create a copy of e caused by err, with detail message.
//
// Returns nil if err is nil.
func (e *Err) Wrapf(err error, detail string, args ...any) error {
	if err == nil {
		return nil
	}
	n := e.clone()
	n.cause = err
	n.detail = format(detail, args...)
	n.stack = stack(3)
	return n
}

func (e *Err) clone() *Err {
	return &Err{code: e.code, msg: e.msg, detail: e.detail, stack: e.stack, cause: e.cause}
}

// Create new *Err with message.
func NewErrf(msg string, args ...any) *Err {
	return &Err{msg: format(msg, args...), stack: stack(3)}
}

// Create new *Err with code and message.
func NewErrfCode(code string, msg string, args ...any) *Err {
	return &Err{code: code, msg: format(msg, args...), stack: stack(3)}
}

// Wrap err with stack trace, *Err is returned as is.
//
// Returns nil if err is nil.
func WrapErr(err error) error {
	if err == nil {
		return nil
	}
	var me *Err
	if errors.As(err, &me) {
		return err
	}
	return &Err{cause: err, stack: stack(3)}
}

// Wrap err with message.
//
// Returns nil if err is nil.
func WrapErrf(err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Err{msg: format(msg, args...), cause: err, stack: stack(3)}
}

// Wrap err with code and message.
//
// Returns nil if err is nil.
func WrapErrfCode(err error, code string, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Err{code: code, msg: format(msg, args...), cause: err, stack: stack(3)}
}

// Find the error code carried by err or any error it wraps.
func CodeOf(err error) (string, bool) {
	for err != nil {
		var me *Err
		if !errors.As(err, &me) {
			return "", false
		}
		if me.code != "" {
			return me.code, true
		}
		err = me.cause
	}
	return "", false
}

// Find the innermost stack trace captured in the chain of err.
func UnwrapErrStack(err error) (string, bool) {
	var st string
	for ue := err; ue != nil; ue = errors.Unwrap(ue) {
		if me, ok := ue.(*Err); ok && me != nil && me.stack != "" {
			st = me.stack
		}
	}
	return st, st != ""
}

// Format err with the stack trace, if any.
func ErrorStackTrace(err error) string {
	if err == nil {
		return "nil"
	}
	m := err.Error()
	if st, ok := UnwrapErrStack(err); ok {
		m += st
	}
	return m
}

func format(msg string, args ...any) string {
	if len(args) > 0 {
		return fmt.Sprintf(msg, args...)
	}
	return msg
}

var pcPool = sync.Pool{
	New: func() any {
		v := make([]uintptr, 32)
		return &v
	},
}

func stack(skip int) string {
	pcs := pcPool.Get().(*[]uintptr)
	defer func() {
		clear(*pcs)
		pcPool.Put(pcs)
	}()

	n := runtime.Callers(skip, *pcs)
	if n < 1 {
		return ""
	}
	frames := runtime.CallersFrames((*pcs)[:n])
	b := strings.Builder{}
	for {
		f, more := frames.Next()
		b.WriteString(fmt.Sprintf("\n\t%v\n\t\t%v:%v", f.Function, f.File, f.Line))
		if !more {
			break
		}
	}
	return b.String()
}
