package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("WARN"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.log")
	l := newLogger(&Config{Level: "debug", Format: "json", Output: "file", FilePath: path, MaxSize: 1})

	l.Named("broker").Info("connected", zap.String("topic", "swarm:test:control"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"broker"`)
	assert.Contains(t, string(data), `"topic":"swarm:test:control"`)
}

func TestOr(t *testing.T) {
	own := zap.NewNop()
	assert.Same(t, own, Or(own, "x"))
	assert.NotNil(t, Or(nil, "x"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate([]byte("abc"), 5))
	assert.Equal(t, "ab...", Truncate([]byte("abcdef"), 2))
}
