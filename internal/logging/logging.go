// Package logging builds the logrus loggers used by the engine and the CLI.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"rasterstream/pkg/errdefs"
)

const timestampFormat = "2006-01-02 15:04:05"

// New returns a logger writing to out (stderr when nil). format is "text" or
// "json"; level is any logrus level name.
func New(level, format string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, errdefs.Configuration("logging.level", "%v", err)
	}
	if out == nil {
		out = os.Stderr
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	default:
		return nil, errdefs.Configuration("logging.format", "unknown format %q", format)
	}
	return logger, nil
}

// Discard is the default logger of library components.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}
