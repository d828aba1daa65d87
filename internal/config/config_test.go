package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haoxy000/feilong/internal/errdefs"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
volume:
  fcp_list: "1a00-1a03;1b00-1b03"
  get_fcp_pair_with_same_index: true
database:
  path: /tmp/fcp.db
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "1a00-1a03;1b00-1b03", cfg.Volume.FCPList)
	assert.True(t, cfg.Volume.SameIndex)
	assert.Equal(t, "X", cfg.Volume.PunchClass)
	assert.Equal(t, "/tmp/fcp.db", cfg.Database.Path)
	assert.Equal(t, "/opt/zthin/bin", cfg.SMT.ZthinBin)
	assert.Equal(t, "/var/lib/feilong/guests", cfg.SMT.TempDir)
	assert.Equal(t, "debug", cfg.Log.Level)

	opts := cfg.FCPOptions()
	assert.Equal(t, "1a00-1a03;1b00-1b03", opts.FCPList)
	assert.True(t, opts.SameIndex)
}

func TestLoadRejectsBadFCPList(t *testing.T) {
	path := writeConfig(t, "volume:\n  fcp_list: \"1a00-;1b00\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "volume: [\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Volume.FCPList)
	assert.NoError(t, cfg.Validate())

	cfg.Volume.PunchClass = "A"
	assert.Equal(t, "X", Default().Volume.PunchClass)
}
