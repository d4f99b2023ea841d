package log

import (
	"fmt"
	"os"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Logger is what every nanod subsystem takes at construction. Never a
// package-global: each subsystem carries its own, usually narrowed with
// With(...) to identify the component in every line it emits.
type Logger interface {
	Debug(msg string, keyvals ...interface{})
	Info(msg string, keyvals ...interface{})
	Error(msg string, keyvals ...interface{})

	With(keyvals ...interface{}) Logger
}

const (
	LogFormatJSON   = "json"
	LogFormatPlain  = "plain"
	LogLevelDebug   = "debug"
	LogLevelInfo    = "info"
	LogLevelError   = "error"
	LogLevelNone    = "none"
)

type tmLogger struct {
	kitlog.Logger
}

// NewDefaultLogger returns a Logger writing to stdout in the given format,
// filtered to the given minimum level.
func NewDefaultLogger(format, lvl string) (Logger, error) {
	var l kitlog.Logger
	switch format {
	case LogFormatPlain:
		l = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stdout))
	case LogFormatJSON:
		l = kitlog.NewJSONLogger(kitlog.NewSyncWriter(os.Stdout))
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	l = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC)

	var option level.Option
	switch lvl {
	case LogLevelDebug:
		option = level.AllowDebug()
	case LogLevelInfo:
		option = level.AllowInfo()
	case LogLevelError:
		option = level.AllowError()
	case LogLevelNone:
		option = level.AllowNone()
	default:
		return nil, fmt.Errorf("unknown log level %q", lvl)
	}
	return &tmLogger{level.NewFilter(l, option)}, nil
}

func (l *tmLogger) Debug(msg string, keyvals ...interface{}) {
	lg := level.Debug(l.Logger)
	logWithMsg(lg, msg, keyvals...)
}

func (l *tmLogger) Info(msg string, keyvals ...interface{}) {
	lg := level.Info(l.Logger)
	logWithMsg(lg, msg, keyvals...)
}

func (l *tmLogger) Error(msg string, keyvals ...interface{}) {
	lg := level.Error(l.Logger)
	logWithMsg(lg, msg, keyvals...)
}

func logWithMsg(l kitlog.Logger, msg string, keyvals ...interface{}) {
	kvs := append([]interface{}{"msg", msg}, keyvals...)
	if err := l.Log(kvs...); err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
	}
}

func (l *tmLogger) With(keyvals ...interface{}) Logger {
	return &tmLogger{kitlog.With(l.Logger, keyvals...)}
}
