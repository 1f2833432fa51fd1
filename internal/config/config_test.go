package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Addr, cfg.Addr)
	require.Equal(t, 5*time.Second, cfg.PermissionCacheTTL)
}

func TestLoadOverlaysFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interdesk.yaml")
	doc := "addr: \":9000\"\nreconnect_grace: 3s\noffline_poll_threshold: 4\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("INTERDESK_DB", "/tmp/desk.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, 3*time.Second, cfg.ReconnectGrace)
	require.Equal(t, 4, cfg.OfflinePollThreshold)
	require.Equal(t, "/tmp/desk.db", cfg.DBPath)
	require.Equal(t, zerolog.DebugLevel, cfg.Level())
	require.Equal(t, 15*time.Second, cfg.SteadyPollInterval, "untouched fields keep defaults")
}

func TestValidateRejectsLongPermissionTTL(t *testing.T) {
	cfg := Default()
	cfg.PermissionCacheTTL = 30 * time.Second
	require.ErrorContains(t, cfg.Validate(), "permission_cache_ttl")
}

func TestValidateRejectsBadPageSizes(t *testing.T) {
	cfg := Default()
	cfg.MaxPageSize = 5
	require.Error(t, cfg.Validate())
}

func TestResolvePath(t *testing.T) {
	t.Setenv("INTERDESK_CONFIG", "")
	require.Equal(t, DefaultPath, ResolvePath(""))
	t.Setenv("INTERDESK_CONFIG", "/etc/interdesk.yaml")
	require.Equal(t, "/etc/interdesk.yaml", ResolvePath(""))
	require.Equal(t, "x.yaml", ResolvePath("x.yaml"))
}
