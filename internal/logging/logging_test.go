package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		json    bool
		level   string
		enabled zapcore.Level
		muted   zapcore.Level
	}{
		{name: "console default", enabled: zapcore.InfoLevel, muted: zapcore.DebugLevel},
		{name: "json warn", json: true, level: "warn", enabled: zapcore.WarnLevel, muted: zapcore.InfoLevel},
		{name: "console debug upper", level: "DEBUG", enabled: zapcore.DebugLevel, muted: zapcore.DebugLevel - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.json, tt.level)
			require.NoError(t, err)
			core := l.Desugar().Core()
			assert.True(t, core.Enabled(tt.enabled))
			assert.False(t, core.Enabled(tt.muted))
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(false, "loud")
	assert.ErrorContains(t, err, "loud")
}
