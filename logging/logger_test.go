package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in).Level(), "level %q", in)
	}
}

func TestNewBuildsBothEncodings(t *testing.T) {
	for _, env := range []string{"development", "production"} {
		logger, err := New(Config{Environment: env, Level: "warn"})
		require.NoError(t, err, env)
		assert.False(t, logger.Core().Enabled(zapcore.InfoLevel), env)
		assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel), env)
	}
}
