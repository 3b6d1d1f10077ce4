package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/danmuck/sharectl/internal/config"
	"github.com/stretchr/testify/require"
)

func TestConfigInitWritesLoadableAuthorityConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.toml")
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "init", path})
	require.NoError(t, cmd.Execute())

	cfg, err := config.LoadAuthority(path)
	require.NoError(t, err)
	require.Equal(t, config.DefaultAuthorityConfig().PersistentSessions, cfg.PersistentSessions)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := config.LoadAuthority("ex.config.toml")
	require.NoError(t, err)
	require.Equal(t, []string{config.DefaultSessionName, "Lobby"}, cfg.PersistentSessions)
	require.Equal(t, "127.0.0.1:20680", cfg.AdminListenAddr)
	require.Equal(t, uint64(1048576), cfg.Transport.MaxPayloadBytes)
}
