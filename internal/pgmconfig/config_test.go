package pgmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, uint32(4096), cfg.Window.TXWSize)
	require.Equal(t, 2, cfg.Timers.NAKNCFRetries)
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network:\n  multicast_group: 239.1.1.1\n  ttl: 4\nwindow:\n  txw_size: 8192\n"), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "239.1.1.1", cfg.Network.MulticastGroup)
	require.Equal(t, 4, cfg.Network.TTL)
	require.Equal(t, uint32(8192), cfg.Window.TXWSize)
	// untouched defaults survive the partial override.
	require.Equal(t, uint32(4096), cfg.Window.RXWSize)
}

func TestFlagsOverrideFileAndDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--group=239.2.2.2", "--ttl=8"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	require.Equal(t, "239.2.2.2", cfg.Network.MulticastGroup)
	require.Equal(t, 8, cfg.Network.TTL)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/pgm.yaml", nil)
	require.Error(t, err)
}
