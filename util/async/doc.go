// Package async provides panic capture for goroutines and a one-time signal.
//
// Use [CapturePanicErr] or [PanicSafeRun] around code that must not crash the calling goroutine,
// recovered panics match [ErrPanic]. See [SignalOnce] for one-time broadcast between goroutines.
package async
