package rail

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/NumminorihSF/rabbitmq-herald-client/util/errs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

const (
	XTraceId = "x-trace-id"
	XSpanId  = "x-span-id"
)

type ctxKey string

// Rail, an object that carries the context and trace information along with the execution.
type Rail struct {
	ctx context.Context
}

// Create new Rail from context, trace id and span id are generated if missing.
func NewRail(ctx context.Context) Rail {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(ctxKey(XSpanId)) == nil {
		ctx = context.WithValue(ctx, ctxKey(XSpanId), NewSpanId())
	}
	if ctx.Value(ctxKey(XTraceId)) == nil {
		ctx = context.WithValue(ctx, ctxKey(XTraceId), NewTraceId())
	}
	return Rail{ctx: ctx}
}

// Create empty Rail.
func EmptyRail() Rail {
	return NewRail(context.Background())
}

// Create Rail that continues the given trace, a new span is always created.
//
// An empty traceId starts a new trace.
func WithTrace(traceId string) Rail {
	ctx := context.Background()
	if traceId != "" {
		ctx = context.WithValue(ctx, ctxKey(XTraceId), traceId)
	}
	return NewRail(ctx)
}

func (r Rail) Context() context.Context {
	return r.ctx
}

func (r Rail) Done() <-chan struct{} {
	return r.ctx.Done()
}

func (r Rail) IsDone() bool {
	return r.ctx.Err() != nil
}

func (r Rail) TraceId() string {
	return r.CtxValStr(XTraceId)
}

func (r Rail) SpanId() string {
	return r.CtxValStr(XSpanId)
}

func (r Rail) CtxValue(key string) any {
	return r.ctx.Value(ctxKey(key))
}

func (r Rail) CtxValStr(key string) string {
	v := r.CtxValue(key)
	if v == nil {
		return ""
	}
	return cast.ToString(v)
}

func (r Rail) WithCtxVal(key string, val any) Rail {
	return Rail{ctx: context.WithValue(r.ctx, ctxKey(key), val)}
}

// Create a new Rail with the same trace id, a new span id and a context detached from cancellation.
func (r Rail) NextSpan() Rail {
	return Rail{ctx: context.WithValue(
		context.WithValue(context.Background(), ctxKey(XTraceId), r.TraceId()),
		ctxKey(XSpanId), NewSpanId())}
}

func (r Rail) WithCancel() (Rail, context.CancelFunc) {
	c, cancel := context.WithCancel(r.ctx)
	return Rail{ctx: c}, cancel
}

func (r Rail) WithTimeout(timeout time.Duration) (Rail, context.CancelFunc) {
	c, cancel := context.WithTimeout(r.ctx, timeout)
	return Rail{ctx: c}, cancel
}

func (r Rail) entry() *logrus.Entry {
	return Logger().WithFields(logrus.Fields{
		XTraceId:    r.TraceId(),
		XSpanId:     r.SpanId(),
		callerField: getCallerFn(),
	})
}

func (r Rail) Debugf(format string, args ...any) {
	if !Logger().IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	r.entry().Debugf(format, args...)
}

func (r Rail) Infof(format string, args ...any) {
	if !Logger().IsLevelEnabled(logrus.InfoLevel) {
		return
	}
	r.entry().Infof(format, args...)
}

func (r Rail) Warnf(format string, args ...any) {
	if !Logger().IsLevelEnabled(logrus.WarnLevel) {
		return
	}
	r.entry().Warn(withErrStack(format, args...))
}

func (r Rail) Errorf(format string, args ...any) {
	if !Logger().IsLevelEnabled(logrus.ErrorLevel) {
		return
	}
	r.entry().Error(withErrStack(format, args...))
}

func (r Rail) Debug(args ...any) {
	if !Logger().IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	r.entry().Debug(args...)
}

func (r Rail) Info(args ...any) {
	if !Logger().IsLevelEnabled(logrus.InfoLevel) {
		return
	}
	r.entry().Info(args...)
}

func (r Rail) Warn(args ...any) {
	if !Logger().IsLevelEnabled(logrus.WarnLevel) {
		return
	}
	r.entry().Warn(args...)
}

func (r Rail) Error(args ...any) {
	if !Logger().IsLevelEnabled(logrus.ErrorLevel) {
		return
	}
	r.entry().Error(args...)
}

// Log at WARN level if err is not nil.
func (r Rail) WarnIf(err error, op string, args ...any) {
	if err != nil {
		r.Warnf(fmt.Sprintf("%v, %v", op, err), args...)
	}
}

// Log at ERROR level if err is not nil.
func (r Rail) ErrorIf(err error, op string, args ...any) {
	if err != nil {
		r.Errorf(fmt.Sprintf("%v, %v", op, err), args...)
	}
}

// Format message, the stack of the last error argument is appended.
func withErrStack(format string, args ...any) string {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	for i := len(args) - 1; i > -1; i-- {
		if err, ok := args[i].(error); ok {
			if st, ok := errs.UnwrapErrStack(err); ok {
				msg += st
			}
			break
		}
	}
	return msg
}

func NewTraceId() string {
	t := [8]byte{}
	binary.NativeEndian.PutUint64(t[:], rand.Uint64())
	return hex.EncodeToString(t[:])
}

func NewSpanId() string {
	s := [8]byte{}
	binary.NativeEndian.PutUint64(s[:], rand.Uint64())
	return hex.EncodeToString(s[:])
}
