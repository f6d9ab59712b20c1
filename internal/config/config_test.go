package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, EngineLightweight, cfg.EngineMode)
	assert.False(t, cfg.CompressContent)
	assert.False(t, cfg.LegacyFraming)
	assert.Equal(t, 64, cfg.StalenessThreshold)
	assert.Equal(t, 200*time.Millisecond, cfg.DebounceWindow)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
port: 50123
engine_mode: embedded
compress_content: true
exclude_dirs: [generated, .cache]
exclude_globs: ["*.snap"]
staleness_threshold: 10
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50123, cfg.Port)
	assert.Equal(t, EngineEmbedded, cfg.EngineMode)
	assert.True(t, cfg.CompressContent)
	assert.Equal(t, []string{"generated", ".cache"}, cfg.ExcludeDirs)
	assert.Equal(t, 10, cfg.StalenessThreshold)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DECKARD_DAEMON_PORT", "50999")
	t.Setenv("DECKARD_ENGINE_MODE", "embedded")
	t.Setenv("DECKARD_LEGACY_FRAMING", "true")
	t.Setenv("DECKARD_INDEX_WORKERS", "3")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50999, cfg.Port)
	assert.Equal(t, EngineEmbedded, cfg.EngineMode)
	assert.True(t, cfg.LegacyFraming)
	assert.Equal(t, 3, cfg.WorkerCount())
}

func TestValidateRejectsBadEngineMode(t *testing.T) {
	cfg := Default()
	cfg.EngineMode = "warp"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Port = -1
	assert.Error(t, cfg.Validate())
}

func TestWorkerCountMemoryCap(t *testing.T) {
	cfg := Default()
	cfg.IndexWorkers = 8
	cfg.IndexMemMB = 1024
	assert.Equal(t, 2, cfg.WorkerCount(), "one worker per 512MB budget")

	cfg.IndexMemMB = 100
	assert.Equal(t, 1, cfg.WorkerCount(), "never below one worker")
}

func TestWorkspaceDirLayout(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/deckard-test"
	assert.Equal(t, "/tmp/deckard-test/workspaces/root-abcd1234", cfg.WorkspaceDir("root-abcd1234"))
	assert.Equal(t, "/tmp/deckard-test/registry.json", cfg.RegistryPath())
}
