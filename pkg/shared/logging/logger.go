package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a *logrus.Logger configured by level/format, matching the
// teacher's logging.level/logging.format config keys.
func NewLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

// WithFields attaches a Fields set to logger, returning the resulting entry.
func WithFields(logger *logrus.Logger, fields Fields) *logrus.Entry {
	return logger.WithFields(fields.ToLogrus())
}
