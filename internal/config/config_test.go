package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/sharectl/internal/protocol/transport"
	"github.com/danmuck/sharectl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadClientOverlaysOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
user_name = " alice "
address = "ws://127.0.0.1:20680/ws"
tick_interval = "25ms"

[transport]
ack_timeout = "2s"
security_mode = "development"
`)
	cfg, err := LoadClient(path)
	require.NoError(t, err)
	require.Equal(t, "alice", cfg.UserName)
	require.Equal(t, "ws://127.0.0.1:20680/ws", cfg.Address)
	require.Equal(t, 25*time.Millisecond, cfg.TickInterval)
	require.Equal(t, 2*time.Second, cfg.Transport.AckTimeout)
	require.Equal(t, PairingConnect, cfg.Pairing)
	require.Equal(t, DefaultSessionName, cfg.SessionName)
	require.Equal(t, transport.DefaultConfig().ConnectTimeout, cfg.Transport.ConnectTimeout)
}

func TestLoadClientEnvWinsOverFile(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `user_name = "alice"`)
	t.Setenv("SHARECTL_USER_NAME", "bob")
	t.Setenv("SHARECTL_TICK_INTERVAL", "50ms")
	cfg, err := LoadClient(path)
	require.NoError(t, err)
	require.Equal(t, "bob", cfg.UserName)
	require.Equal(t, 50*time.Millisecond, cfg.TickInterval)
}

func TestLoadClientRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	_, err := LoadClient(writeFile(t, `tick_interval = "soon"`))
	require.ErrorContains(t, err, "tick_interval")

	_, err = LoadClient(writeFile(t, `pairing = "broadcast"`))
	require.ErrorContains(t, err, "invalid pairing")

	_, err = LoadClient(writeFile(t, `
pairing = "receive"
listen_addr = ""
`))
	require.ErrorContains(t, err, "listen_addr")
}

func TestLoadAuthorityTLSAndSessions(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
listen_addr = ":7000"
persistent_sessions = [" Lobby ", "TEST SESSION"]

[transport]
security_mode = "production"

[transport.tls]
enabled = true
`)
	_, err := LoadAuthority(path)
	require.ErrorIs(t, err, transport.ErrMTLSRequired)

	path = writeFile(t, `
listen_addr = ":7000"
persistent_sessions = [" Lobby ", "TEST SESSION"]
`)
	cfg, err := LoadAuthority(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.ListenAddr)
	require.Equal(t, []string{"Lobby", "TEST SESSION"}, cfg.PersistentSessions)
	require.Equal(t, ":20680", cfg.AdminListenAddr)
	require.Empty(t, cfg.AdminToken)

	cfg, err = LoadAuthority(writeFile(t, `
admin_token = " s3cret "
cors_origins = ["https://ops.example"]
`))
	require.NoError(t, err)
	require.Equal(t, "s3cret", cfg.AdminToken)
	require.Equal(t, []string{"https://ops.example"}, cfg.CORSOrigins)
}

func TestTemplatesLoadBackToDefaults(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	clientPath := filepath.Join(dir, "sharectl.toml")
	require.NoError(t, WriteTemplate(clientPath, "client", false))
	require.Error(t, WriteTemplate(clientPath, "client", false))
	client, err := LoadClient(clientPath)
	require.NoError(t, err)
	require.Equal(t, DefaultClientConfig(), client)

	authorityPath := filepath.Join(dir, "sessiond.toml")
	require.NoError(t, WriteTemplate(authorityPath, "sessiond", false))
	authority, err := LoadAuthority(authorityPath)
	require.NoError(t, err)
	require.Equal(t, DefaultAuthorityConfig(), authority)

	_, err = Template("ghost")
	require.Error(t, err)
}
