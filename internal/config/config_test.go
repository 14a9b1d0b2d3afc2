package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ward/wardos/kernel"
)

func TestLoadDefaultsMatchKernel(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	want := kernel.DefaultConfig()
	got := cfg.Kernel.Kernel()
	assert.Equal(t, want.Pages, got.Pages)
	assert.Equal(t, want.MailboxDepth, got.MailboxDepth)
	assert.Equal(t, want.InterruptStormLimit, got.InterruptStormLimit)
	assert.True(t, got.KillOnViolation)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WARD_KERNEL_PAGES", "64")
	t.Setenv("WARD_KERNEL_CORES", "2")
	t.Setenv("WARD_LOG_LEVEL", "debug")
	t.Setenv("WARD_METRICS_ADDR", ":9100")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Kernel.Pages)
	assert.Equal(t, 2, cfg.Kernel.Cores)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9100", cfg.MetricsAddr)

	t.Setenv("WARD_KERNEL_PAGES", "lots")
	_, err = Load()
	assert.Error(t, err)
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`
log_level: debug
cores: 2
tasks:
  - name: pingpong
    rounds: 10
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", m.LogLevel)
	assert.Equal(t, 2, m.Cores)
	require.Len(t, m.Tasks, 1)
	assert.Equal(t, Task{Name: "pingpong", Rounds: 10}, m.Tasks[0])

	_, err = ParseManifest([]byte("tasks:\n  - rounds: 1\n"))
	assert.Error(t, err)
	_, err = ParseManifest([]byte("cores: -1\n"))
	assert.Error(t, err)
	_, err = ParseManifest([]byte("tasks: [\n"))
	assert.Error(t, err)
}

func TestLoadManifestEmptyPath(t *testing.T) {
	m, err := LoadManifest("")
	require.NoError(t, err)
	assert.Empty(t, m.Tasks)

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchLogLevel(ctx, path, level, zap.NewNop()) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("log_level: debug\n"), 0o644)
		return level.Level() == zapcore.DebugLevel
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
