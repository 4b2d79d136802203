//go:build debug
// +build debug

package log

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/kr/pretty"
	"github.com/sirupsen/logrus"
)

var (
	Log = logrus.New()
)

func init() {
	Log.SetOutput(os.Stderr)
	Log.SetLevel(logrus.DebugLevel)
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "01-02 15:04:05",
	})
}

// Config represents the logger configuration.
type Config struct {
	// Level is the minimum log level.
	Level string
	// Format is the log format (text or json).
	Format string
	// Output is the log output file path. If empty, use stderr.
	Output string
	// Debug enables debug mode.
	Debug bool
}

// Init in the debug build always stays at debug level with caller
// reporting; Level and Format from the config are still honoured for
// formatter selection.
func Init(config *Config) error {
	if config == nil {
		return nil
	}

	switch config.Format {
	case "json":
		Log.SetFormatter(&logrus.JSONFormatter{})
	}

	if config.Output != "" {
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		Log.SetOutput(file)
	}

	Log.SetReportCaller(true)
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "01-02 15:04:05",
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			_, file, _, _ := runtime.Caller(0)
			prefix := filepath.Dir(file) + "/"
			function := strings.TrimPrefix(f.Function, prefix) + "()"
			fileLine := strings.TrimPrefix(f.File, prefix) + ":" + strconv.Itoa(f.Line)
			return function, fileLine
		},
	})

	return nil
}

func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

func WithError(err error) *logrus.Entry {
	return Log.WithError(err)
}

func Debug(args ...interface{}) {
	Log.Debug(args...)
}

func Debugf(format string, args ...interface{}) {
	Log.Debugf(format, args...)
}

func Info(args ...interface{}) {
	Log.Info(args...)
}

func Infof(format string, args ...interface{}) {
	Log.Infof(format, args...)
}

func Warn(args ...interface{}) {
	Log.Warn(args...)
}

func Warnf(format string, args ...interface{}) {
	Log.Warnf(format, args...)
}

func Error(args ...interface{}) {
	Log.Error(args...)
}

func Errorf(format string, args ...interface{}) {
	Log.Errorf(format, args...)
}

func Fatal(args ...interface{}) {
	Log.Fatal(args...)
}

func Fatalf(format string, args ...interface{}) {
	Log.Fatalf(format, args...)
}

// Pretty renders every argument through kr/pretty before logging.
// Costy, debug builds only.
func Pretty(format string, args ...interface{}) {
	rendered := make([]interface{}, len(args))
	for i, arg := range args {
		rendered[i] = prettyFormat(arg)
	}
	Log.Debugf(format, rendered...)
}

const maxPrettySize = 10 * 1024

func prettyFormat(arg interface{}) interface{} {
	if arg == nil {
		return "<nil>"
	}

	s := pretty.Sprint(arg)
	if len(s) > maxPrettySize {
		s = s[:maxPrettySize] + "\n... [TRUNCATED]"
	}
	if strings.ContainsRune(s, '\n') {
		s = "\n    " + strings.ReplaceAll(s, "\n", "\n    ")
	}
	return s
}
