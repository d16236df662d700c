// Package common provides the shared logging setup for rivetkit processes.
// Error-level output is routed to stderr while everything else goes to
// stdout, so containerized deployments can treat the two streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout by severity.
// It operates on the final formatter output, so it works with both the JSON
// and the text formatter.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte(`level=error`)) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// LoggerConfig tunes NewLogger.
type LoggerConfig struct {
	// Level is the minimum level, one of the logrus level names.
	Level string
	// Format is "json" or "text".
	Format string
}

// NewLogger builds a logger with split stdout/stderr output. Unparseable
// levels fall back to info.
func NewLogger(cfg LoggerConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger.SetOutput(OutputSplitter{})
	return logger
}

// Logger is the process-wide default logger.
var Logger = NewLogger(LoggerConfig{Level: "info", Format: "text"})
