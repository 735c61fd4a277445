package config

import (
	"os"
	"path/filepath"
	"testing"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "~/.cache/meshload", cfg.Cache.Dir)
	assert.Equal(t, 128, cfg.Thumbnail.Size)
	assert.Equal(t, 2, cfg.Thumbnail.Supersample)
	assert.Equal(t, 0, cfg.Parsers.OBJWorkers)
	assert.Empty(t, cfg.Parsers.ForceFallback)
	assert.True(t, cfg.Parsers.PLYSidecar)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Logging.LogFile)
	require.NoError(t, cfg.validate())
}

func TestLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	yamlContent := `
cache:
  enabled: false
  dir: /var/cache/meshload

thumbnail:
  size: 256
  supersample: 4

parsers:
  obj_workers: 3
  force_fallback: [".glb", ".gltf"]
  ply_sidecar: false

logging:
  level: "debug"
  log_file: "meshload.log"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg := Default()
	require.NoError(t, loadFromFile(cfg, configPath))

	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, "/var/cache/meshload", cfg.Cache.Dir)
	assert.Equal(t, 256, cfg.Thumbnail.Size)
	assert.Equal(t, 4, cfg.Thumbnail.Supersample)
	assert.Equal(t, 3, cfg.Parsers.OBJWorkers)
	assert.Equal(t, []string{".glb", ".gltf"}, cfg.Parsers.ForceFallback)
	assert.False(t, cfg.Parsers.PLYSidecar)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "meshload.log", cfg.Logging.LogFile)
}

func TestLoadFromFilePartial(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("thumbnail:\n  size: 64\n"), 0644))

	cfg := Default()
	require.NoError(t, loadFromFile(cfg, configPath))

	assert.Equal(t, 64, cfg.Thumbnail.Size)
	assert.Equal(t, 2, cfg.Thumbnail.Supersample, "unset keys keep their defaults")
	assert.True(t, cfg.Cache.Enabled)
}

func TestLoadFromFileInvalid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")

	invalidYAML := `
thumbnail:
  size: not a number
  invalid syntax here
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	cfg := Default()
	assert.Error(t, loadFromFile(cfg, configPath))
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := Default()
	assert.Error(t, loadFromFile(cfg, "/nonexistent/path/config.yaml"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero size", func(c *Config) { c.Thumbnail.Size = 0 }},
		{"negative supersample", func(c *Config) { c.Thumbnail.Supersample = -1 }},
		{"negative workers", func(c *Config) { c.Parsers.OBJWorkers = -2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestCacheDirExpandsHome(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	cfg := Default()
	dir, err := cfg.CacheDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".cache", "meshload"), dir)

	cfg.Cache.Dir = "/abs/cache"
	dir, err = cfg.CacheDir()
	require.NoError(t, err)
	assert.Equal(t, "/abs/cache", dir)

	cfg.Logging.LogFile = ""
	logFile, err := cfg.LogFile()
	require.NoError(t, err)
	assert.Empty(t, logFile)
}

func TestConfigDir(t *testing.T) {
	dir := ConfigDir()

	// Actual path depends on OS
	require.NotEmpty(t, dir)
	assert.True(t, filepath.IsAbs(dir), "ConfigDir should return absolute path, got %s", dir)
}

func TestFindConfigFile(t *testing.T) {
	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	tmpDir := t.TempDir()
	require.NoError(t, os.Chdir(tmpDir))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg"))
	t.Setenv("HOME", tmpDir)

	// No config file exists - should return empty
	assert.Empty(t, findConfigFile())

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("thumbnail:\n  size: 64\n"), 0644))
	assert.NotEmpty(t, findConfigFile())
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name     string
		setup    func()
		verify   func(*testing.T, *Config)
		teardown func()
	}{
		{
			name:  "debug flag",
			setup: func() { *flagDebug = true },
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Logging.Level)
			},
			teardown: func() { *flagDebug = false },
		},
		{
			name:  "cache dir flag",
			setup: func() { *flagCacheDir = "/tmp/meshes" },
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/meshes", cfg.Cache.Dir)
				assert.True(t, cfg.Cache.Enabled)
			},
			teardown: func() { *flagCacheDir = "" },
		},
		{
			name:  "no cache flag",
			setup: func() { *flagNoCache = true },
			verify: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.Cache.Enabled)
			},
			teardown: func() { *flagNoCache = false },
		},
		{
			name:  "workers flag",
			setup: func() { *flagWorkers = 6 },
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 6, cfg.Parsers.OBJWorkers)
			},
			teardown: func() { *flagWorkers = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			defer tt.teardown()

			cfg := Default()
			applyFlags(cfg)
			tt.verify(t, cfg)
		})
	}
}

func TestLoadPriority(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	yamlContent := `
thumbnail:
  size: 96
parsers:
  obj_workers: 2
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	*flagConfig = configPath
	*flagWorkers = 8
	defer func() {
		*flagConfig = ""
		*flagWorkers = 0
	}()

	cfg, err := Load()
	require.NoError(t, err)

	// Workers from flag, size from file
	assert.Equal(t, 8, cfg.Parsers.OBJWorkers)
	assert.Equal(t, 96, cfg.Thumbnail.Size)
	assert.Equal(t, 2, cfg.Thumbnail.Supersample)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("thumbnail:\n  size: -5\n"), 0644))

	*flagConfig = configPath
	defer func() { *flagConfig = "" }()

	_, err := Load()
	assert.Error(t, err)
}

func TestSaveToRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Parsers.ForceFallback = []string{".glb"}
	cfg.Thumbnail.Size = 200
	require.NoError(t, cfg.SaveTo(path))

	loaded := Default()
	require.NoError(t, loadFromFile(loaded, path))
	assert.Equal(t, cfg, loaded)
}
