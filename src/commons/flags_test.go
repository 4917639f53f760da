package commons

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagCmd(t *testing.T, args ...string) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	AddFlags(cmd)
	cmd.Flags().Int("max-workers", 5, "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestConfigFromFlagsOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caption.yml")
	require.NoError(t, os.WriteFile(path, []byte("redis:\n  address: \"file:6379\"\nuploads_dir: /from/file\n"), 0644))

	cmd := newFlagCmd(t, "--config", path, "--redis-address", "flag:6379", "--max-workers", "2", "--release")
	cfg, err := ConfigFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, "flag:6379", cfg.Redis.Address)
	assert.Equal(t, "/from/file", cfg.UploadsDir)
	assert.Equal(t, 2, cfg.Workers.Count)
	assert.True(t, cfg.Release)
}

func TestConfigFromFlagsKeepsDefaults(t *testing.T) {
	cfg, err := ConfigFromFlags(newFlagCmd(t))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Redis, cfg.Redis)
	assert.False(t, cfg.Model.Embedded)
}

func TestConfigFromFlagsValidates(t *testing.T) {
	_, err := ConfigFromFlags(newFlagCmd(t, "--max-workers", "0"))
	assert.Error(t, err)
}
