package unitmgr_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/axondata/go-unitmgr"
	"github.com/axondata/go-unitmgr/memstore"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "unitmgr.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := unitmgr.LoadConfig(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	require.Equal(t, "system", cfg.Mode)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, unitmgr.LogTargetConsole, cfg.LogTarget)
	require.Equal(t, "journal", cfg.DefaultStandardOutput)
	require.Equal(t, "inherit", cfg.DefaultStandardError)
	require.Equal(t, unitmgr.DefaultWatchDebounce, cfg.WatchDebounce)
	require.Equal(t, "/", cfg.Root)
}

func TestLoadConfig(t *testing.T) {
	root := t.TempDir()
	cfg, err := unitmgr.LoadConfig(writeConfig(t, `
mode: user
log_level: debug
log_target: "null"
environment:
  - LANG=C
  - PATH=/bin
show_status: true
runtime_watchdog: 30s
shutdown_watchdog: 10m
watch_unit_files: true
watch_debounce: 50ms
root: `+root+`
access:
  1000: [start, stop]
`))
	require.NoError(t, err)

	require.Equal(t, "user", cfg.Mode)
	require.Equal(t, []string{"LANG=C", "PATH=/bin"}, cfg.Environment)
	require.True(t, cfg.ShowStatus)
	require.Equal(t, 30*time.Second, cfg.RuntimeWatchdog)
	require.Equal(t, 10*time.Minute, cfg.ShutdownWatchdog)
	require.Equal(t, 50*time.Millisecond, cfg.WatchDebounce)

	p := cfg.Policy()
	user := unitmgr.Caller{UID: 1000}
	require.NoError(t, p.Check(user, unitmgr.ActionStart))
	require.NoError(t, p.Check(user, unitmgr.ActionStatus))
	require.True(t, errors.Is(p.Check(user, unitmgr.ActionReboot), unitmgr.ErrAccessDenied))
	require.True(t, errors.Is(p.Check(unitmgr.Caller{UID: 1001}, unitmgr.ActionStart), unitmgr.ErrAccessDenied))

	logger := quietLogger()
	registry := memstore.NewRegistry()
	m, err := unitmgr.New(registry, memstore.NewJobs(registry), cfg.Options(logger)...)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, unitmgr.ModeUser, m.Mode())
	require.Equal(t, "debug", m.LogLevel())
	require.Equal(t, unitmgr.LogTargetNull, m.LogTarget())
	require.Equal(t, []string{"LANG=C", "PATH=/bin"}, m.Environment())
	require.True(t, m.ShowStatus())
	require.Equal(t, 10*time.Minute, m.ShutdownWatchdog())
	require.True(t, strings.HasPrefix(m.UnitPath()[0], root), "got %v", m.UnitPath())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"mode", "mode: kernel\n", "mode"},
		{"log level", "log_level: loud\n", "log_level"},
		{"log target", "log_target: printer\n", "log_target"},
		{"environment", "environment: [\"1BAD=x\"]\n", "environment"},
		{"watchdog", "runtime_watchdog: -1s\n", "watchdog"},
		{"debounce", "watch_debounce: -5ms\n", "watch_debounce"},
		{"access", "access:\n  1000: [fly]\n", "access for uid 1000"},
		{"yaml", "mode: [\n", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := unitmgr.LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := unitmgr.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
