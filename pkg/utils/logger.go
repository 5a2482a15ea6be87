// pkg/utils/logger.go
package utils

import (
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls how a Logger is constructed.
type Config struct {
	LogLevel  string
	LogFormat string // "json" or "text"
	Pretty    bool
}

// Logger wraps logrus with the fields/helpers used throughout the engine.
type Logger struct {
	*logrus.Logger
}

// NewLogger builds a Logger from Config, defaulting to info/text.
func NewLogger(cfg Config) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if cfg.LogFormat == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			DisableColors: !cfg.Pretty,
		})
	}

	return &Logger{Logger: base}
}

// WithFunc attaches the calling function's short name as a "func" field,
// matching the call-site-annotated log lines used across the handlers.
func (l *Logger) WithFunc() *logrus.Entry {
	name := "unknown"
	if pc, _, _, ok := runtime.Caller(1); ok {
		full := runtime.FuncForPC(pc).Name()
		if idx := strings.LastIndex(full, "."); idx >= 0 {
			name = full[idx+1:]
		} else {
			name = full
		}
	}
	return l.Logger.WithField("func", name)
}
