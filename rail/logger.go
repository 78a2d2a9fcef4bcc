package rail

import (
	"bytes"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

const (
	callerField = "caller"

	traceIdWidth = 16
	fnWidth      = 30
	levelWidth   = 5
)

var (
	logger   = newDefaultLogger()
	loggerMu sync.RWMutex

	logBufPool = sync.Pool{
		New: func() any {
			return &bytes.Buffer{}
		},
	}

	callerPcPool = sync.Pool{
		New: func() any {
			p := make([]uintptr, 4)
			return &p
		},
	}
)

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&LineFormatter{})
	l.SetReportCaller(false) // caller is resolved by Rail
	return l
}

// Replace the logger used by Rail and the package level funcs.
//
// A nil logger is ignored.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		return
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

// Get the current logger.
func Logger() *logrus.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Formatter that writes one line per entry:
//
//	2006-01-02 15:04:05.000 INFO  [traceId         ,spanId          ] caller                         : message
type LineFormatter struct{}

func (c *LineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var fn, traceId, spanId string
	if v, ok := entry.Data[callerField].(string); ok {
		fn = v
	}
	if v, ok := entry.Data[XTraceId].(string); ok {
		traceId = v
	}
	if v, ok := entry.Data[XSpanId].(string); ok {
		spanId = v
	}

	b := logBufPool.Get().(*bytes.Buffer)
	defer func() {
		b.Reset()
		logBufPool.Put(b)
	}()

	b.WriteString(entry.Time.Format("2006-01-02 15:04:05.000"))
	b.WriteByte(' ')
	writePadded(b, toLevelStr(entry.Level), levelWidth)
	b.WriteString(" [")
	writePadded(b, traceId, traceIdWidth)
	b.WriteByte(',')
	writePadded(b, spanId, traceIdWidth)
	b.WriteString("] ")
	writePadded(b, fn, fnWidth)
	b.WriteString(" : ")
	b.WriteString(entry.Message)
	b.WriteByte('\n')

	// b goes back to the pool
	out := make([]byte, b.Len())
	copy(out, b.Bytes())
	return out, nil
}

func writePadded(b *bytes.Buffer, s string, width int) {
	b.WriteString(s)
	if n := width - len(s); n > 0 {
		b.WriteString(strings.Repeat(" ", n))
	}
}

func toLevelStr(level logrus.Level) string {
	switch level {
	case logrus.TraceLevel:
		return "TRACE"
	case logrus.DebugLevel:
		return "DEBUG"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.WarnLevel:
		return "WARN"
	case logrus.ErrorLevel:
		return "ERROR"
	case logrus.FatalLevel:
		return "FATAL"
	case logrus.PanicLevel:
		return "PANIC"
	}
	return "UNKNOWN"
}

// Parse log level, case insensitive.
func ParseLogLevel(level string) (logrus.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return logrus.TraceLevel, true
	case "DEBUG":
		return logrus.DebugLevel, true
	case "INFO":
		return logrus.InfoLevel, true
	case "WARN":
		return logrus.WarnLevel, true
	case "ERROR":
		return logrus.ErrorLevel, true
	case "FATAL":
		return logrus.FatalLevel, true
	case "PANIC":
		return logrus.PanicLevel, true
	}
	return logrus.InfoLevel, false
}

// Set log level, unknown levels are ignored.
func SetLogLevel(level string) {
	if ll, ok := ParseLogLevel(level); ok {
		Logger().SetLevel(ll)
	}
}

func IsDebugLevel() bool {
	return Logger().IsLevelEnabled(logrus.DebugLevel)
}

type RollingLogFileParam struct {
	Filename   string // filename
	MaxSize    int    // max file size in mb
	MaxAge     int    // max age in day
	MaxBackups int    // max number of files
}

// Create rolling file writer.
func BuildRollingLogFileWriter(p RollingLogFileParam) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   p.Filename,
		MaxSize:    p.MaxSize,
		MaxAge:     p.MaxAge,
		MaxBackups: p.MaxBackups,
		LocalTime:  true,
	}
}

// Write logs to the rolling file as well as to the current output.
func AppendRollingLogFile(p RollingLogFileParam) io.Closer {
	w := BuildRollingLogFileWriter(p)
	l := Logger()
	l.SetOutput(io.MultiWriter(l.Out, w))
	return w
}

func getCallerFn() string {
	pcs := callerPcPool.Get().(*[]uintptr)
	defer callerPcPool.Put(pcs)

	depth := runtime.Callers(3, *pcs)
	if depth < 1 {
		return ""
	}
	f, _ := runtime.CallersFrames((*pcs)[:depth]).Next()
	fn := f.Function
	if j := strings.LastIndexByte(fn, '/'); j > -1 {
		return fn[j+1:]
	}
	return fn
}

func Debugf(format string, args ...any) {
	l := Logger()
	if !l.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	l.WithField(callerField, getCallerFn()).Debugf(format, args...)
}

func Infof(format string, args ...any) {
	l := Logger()
	if !l.IsLevelEnabled(logrus.InfoLevel) {
		return
	}
	l.WithField(callerField, getCallerFn()).Infof(format, args...)
}

func Warnf(format string, args ...any) {
	l := Logger()
	if !l.IsLevelEnabled(logrus.WarnLevel) {
		return
	}
	l.WithField(callerField, getCallerFn()).Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	l := Logger()
	if !l.IsLevelEnabled(logrus.ErrorLevel) {
		return
	}
	l.WithField(callerField, getCallerFn()).Errorf(format, args...)
}
