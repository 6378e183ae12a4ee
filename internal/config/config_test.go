package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadServer_Defaults(t *testing.T) {
	cfg, err := LoadServer("")
	require.NoError(t, err)
	require.Equal(t, DefaultServer, cfg)

	// Target has no default.
	require.Error(t, Validate(cfg))
	cfg.Target = "/srv"
	require.NoError(t, Validate(cfg))
}

func TestLoadServer_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farfsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 7000
target: /data
idle_timeout: 30s
log:
  level: debug
`), 0o644))

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
	require.Equal(t, "/data", cfg.Target)
	require.Equal(t, 30*time.Second, cfg.IdleTimeout)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "logfmt", cfg.Log.Format)
	require.Equal(t, DefaultServer.Workers, cfg.Workers)
	require.NoError(t, Validate(cfg))
}

func TestLoadServer_Env(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farfsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7000\n"), 0o644))

	t.Setenv("FARFS_PORT", "8000")
	t.Setenv("FARFS_LOG_FORMAT", "json")
	t.Setenv("FARFS_REPLY_CACHE_TTL", "1m")

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	require.Equal(t, 8000, cfg.Port)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, time.Minute, cfg.ReplyCacheTTL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := LoadServer(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ssh_port: 2222
identity: ~/.ssh/id_ed25519
attempts: 3
`), 0o644))

	cfg, err := LoadClient(path)
	require.NoError(t, err)
	require.Equal(t, 2222, cfg.SSHPort)
	require.Equal(t, "~/.ssh/id_ed25519", cfg.Identity)
	require.Equal(t, 3, cfg.Attempts)
	require.Equal(t, DefaultClient.Timeout, cfg.Timeout)

	cfg.Remote = "host:/srv"
	cfg.Mountpoint = "/mnt"
	require.NoError(t, Validate(cfg))
}

func TestValidate_Message(t *testing.T) {
	cfg := DefaultServer
	cfg.Target = "/srv"
	cfg.Port = 70000

	err := Validate(cfg)
	require.EqualError(t, err, "Server.Port: validation failed on 'max' tag (value: 70000)")
}

func TestSplitRemote(t *testing.T) {
	host, dir, err := SplitRemote("example.com:/srv/data")
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.Equal(t, "/srv/data", dir)

	host, dir, err = SplitRemote("user@box:relative")
	require.NoError(t, err)
	require.Equal(t, "user@box", host)
	require.Equal(t, "relative", dir)

	for _, bad := range []string{"nohost", ":/dir", "host:"} {
		_, _, err := SplitRemote(bad)
		require.Error(t, err, bad)
	}
}
