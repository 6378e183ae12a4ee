package main

import (
	"flag"
	"testing"
	"time"

	"github.com/rfratto/farfs/internal/config"
	"github.com/stretchr/testify/require"
)

func TestSplitArgs(t *testing.T) {
	cfg := config.DefaultClient
	var configFile string
	fs := newFlagSet("farfs", &cfg, &configFile)

	flags, positional, mountArgs := splitArgs(fs, []string{
		"host:/srv", "-p=2222", "/mnt", "-o", "allow_other,ro",
		"-no-bootstrap", "-data.port", "7000", "nonempty", "-ofsname=x",
	})
	require.Equal(t, []string{"-p=2222", "-no-bootstrap", "-data.port", "7000"}, flags)
	require.Equal(t, []string{"host:/srv", "/mnt"}, positional)
	require.Equal(t, []string{"-o", "allow_other,ro", "nonempty", "-ofsname=x"}, mountArgs)
}

func TestParseArgs(t *testing.T) {
	cfg, err := parseArgs("farfs", []string{"user@example.com:/srv", "/mnt/remote", "-p=2222", "-o", "ro"})
	require.NoError(t, err)
	require.Equal(t, "user@example.com:/srv", cfg.Remote)
	require.Equal(t, "/mnt/remote", cfg.Mountpoint)
	require.Equal(t, 2222, cfg.SSHPort)
	require.Equal(t, 6000, cfg.DataPort)
	require.Equal(t, []string{"-o", "ro"}, cfg.MountArgs)
	require.Equal(t, config.DefaultClient.Timeout, cfg.Timeout)
}

func TestParseArgs_Defaults(t *testing.T) {
	cfg, err := parseArgs("farfs", []string{"-timeout", "2s", "box:data", "/mnt"})
	require.NoError(t, err)
	require.Equal(t, 22, cfg.SSHPort)
	require.Equal(t, 2*time.Second, cfg.Timeout)
	require.Empty(t, cfg.MountArgs)
}

func TestParseArgs_Errors(t *testing.T) {
	_, err := parseArgs("farfs", []string{"host:/srv"})
	require.Error(t, err)

	_, err = parseArgs("farfs", []string{"host:/srv", "/mnt", "-p=0"})
	require.Error(t, err)

	_, err = parseArgs("farfs", []string{"host:/srv", "/mnt", "-h"})
	require.ErrorIs(t, err, flag.ErrHelp)
}

func TestServerAddr(t *testing.T) {
	cfg := config.DefaultClient
	require.Equal(t, "example.com:6000", serverAddr(cfg, "user@example.com"))

	cfg.DataPort = 7000
	require.Equal(t, "box:7000", serverAddr(cfg, "box"))

	cfg.ServerAddr = "127.0.0.1:9000"
	require.Equal(t, "127.0.0.1:9000", serverAddr(cfg, "box"))
}
