package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "warning", "error", "INFO", ""} {
		log, err := New(level)
		require.NoError(t, err, "level %q", level)
		require.NotNil(t, log)
		log.Sync()
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("verbose")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verbose")
}

func TestObservedCapturesFormattedMessages(t *testing.T) {
	log, observed := NewObserved(zapcore.DebugLevel)

	log.Info("deploying %s", "demo")
	log.Warn("retry %d of %d", 2, 5)
	log.Debug("interval now %s", "10s")

	entries := observed.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "deploying demo", entries[0].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "retry 2 of 5", entries[1].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[2].Level)
}

func TestObservedRespectsLevel(t *testing.T) {
	log, observed := NewObserved(zapcore.WarnLevel)

	log.Info("ignored")
	log.Debug("also ignored")
	log.Warn("kept")

	require.Len(t, observed.All(), 1)
	assert.Equal(t, "kept", observed.All()[0].Message)
}

func TestNopLoggerDiscards(t *testing.T) {
	log := NewNop()
	log.Info("nothing happens")
	log.Warn("nothing happens")
	log.Debug("nothing happens")
	log.Sync()
}
