package async

import (
	"runtime/debug"

	"github.com/NumminorihSF/rabbitmq-herald-client/util/errs"
)

const ErrCodePanic = "PANIC"

// Error returned when a panic is captured.
var ErrPanic = errs.NewErrfCode(ErrCodePanic, "panic recovered")

// Run op, converting a panic into an error carrying the recovered value and the stack.
func CapturePanicErr(op func()) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = toPanicErr(v)
		}
	}()
	op()
	return nil
}

// Run op, converting a panic into an error carrying the recovered value and the stack.
func CapturePanic[T any](op func() (T, error)) (t T, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = toPanicErr(v)
		}
	}()
	return op()
}

// Wrap op so that a panic is passed to onPanic instead of crashing the goroutine.
func PanicSafeFunc(op func(), onPanic func(err error)) func() {
	return func() {
		if err := CapturePanicErr(op); err != nil && onPanic != nil {
			onPanic(err)
		}
	}
}

func PanicSafeRun(op func(), onPanic func(err error)) {
	PanicSafeFunc(op, onPanic)()
}

func toPanicErr(v any) error {
	if ve, ok := v.(error); ok {
		return ErrPanic.Wrapf(ve, "%s", debug.Stack())
	}
	return ErrPanic.WithDetail("%v\n%s", v, debug.Stack())
}
