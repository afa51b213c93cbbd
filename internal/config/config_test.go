package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cojen/tupl"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tupl.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAndToOptionsAppliesOverrides(t *testing.T) {
	path := writeTOML(t, `
base_file = "/var/lib/tupl/db"
page_size = 8192
min_cache_size = "1000"
max_cache_size = "2000"
durability_mode = "no_sync"
lock_timeout = "250ms"
checkpoint_rate = "2s"
checkpoint_size_threshold = "32MB"
direct_page_access = true
read_only = true
`)

	f, err := Load(path)
	require.NoError(t, err)

	opts, err := f.ToOptions()
	require.NoError(t, err)

	assert.Equal(t, 8192, opts.PageSize)
	assert.Equal(t, 1000, opts.MinCacheSize)
	assert.Equal(t, 2000, opts.MaxCacheSize)
	assert.Equal(t, tupl.DurabilityNoSync, opts.DurabilityMode)
	assert.Equal(t, int64(32*1024*1024), opts.CheckpointSizeThreshold)
	assert.True(t, opts.DirectPageAccess)
	assert.True(t, opts.ReadOnly)
}

func TestToOptionsLeavesBlankFieldsAtDefault(t *testing.T) {
	path := writeTOML(t, `base_file = "/tmp/db"`)

	f, err := Load(path)
	require.NoError(t, err)

	opts, err := f.ToOptions()
	require.NoError(t, err)

	def := tupl.DefaultOptions("/tmp/db")
	assert.Equal(t, def.PageSize, opts.PageSize)
	assert.Equal(t, def.DurabilityMode, opts.DurabilityMode)
	assert.Equal(t, def.CheckpointRate, opts.CheckpointRate)
}

func TestParseDurabilityMode(t *testing.T) {
	cases := map[string]tupl.DurabilityMode{
		"sync":     tupl.DurabilitySync,
		"no_sync":  tupl.DurabilityNoSync,
		"no_flush": tupl.DurabilityNoFlush,
		"no_redo":  tupl.DurabilityNoRedo,
	}
	for in, want := range cases {
		got, err := ParseDurabilityMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestParseDurabilityModeRejectsUnknown(t *testing.T) {
	_, err := ParseDurabilityMode("bogus")
	require.Error(t, err)
	var target *InvalidDurabilityModeError
	assert.ErrorAs(t, err, &target)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
