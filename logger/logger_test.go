package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInit_FileLoggers(t *testing.T) {
	dir := t.TempDir()
	defer createConsoleLogger(false)

	require.NoError(t, Init(true, false, dir, RotateConfig{MaxSize: 1, MaxBackups: 1}))
	assert.True(t, IsDebug())

	WithRun("session-1", 7).Infof("classified %s", "Persian")
	require.NoError(t, CoreLogger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, CoreLogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"classified Persian"`)
	assert.Contains(t, string(data), `"session":"session-1"`)
	assert.Contains(t, string(data), `"run":7`)
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, Init(false, true, "", RotateConfig{}))
	assert.False(t, IsDebug())

	SetLevel(zap.DebugLevel)
	assert.True(t, IsDebug())

	SetLevel(zap.InfoLevel)
	assert.False(t, With("k", "v").IsDebug())
}
