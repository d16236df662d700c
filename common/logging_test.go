package common

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLoggerLevelParsing(t *testing.T) {
	logger := NewLogger(LoggerConfig{Level: "debug", Format: "text"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger = NewLogger(LoggerConfig{Level: "nope"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestNewLoggerFormats(t *testing.T) {
	logger := NewLogger(LoggerConfig{Format: "json"})
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)

	logger = NewLogger(LoggerConfig{Format: "text"})
	_, ok = logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}
