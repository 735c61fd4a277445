// Package config handles meshload configuration loading and management.
package config

import homedir "github.com/mitchellh/go-homedir"

// Config holds all meshload settings.
type Config struct {
	Cache     CacheConfig     `yaml:"cache"`
	Thumbnail ThumbnailConfig `yaml:"thumbnail"`
	Parsers   ParsersConfig   `yaml:"parsers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// CacheConfig holds the persistent mesh cache settings.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"` // May start with ~
}

// ThumbnailConfig holds thumbnail rendering settings.
type ThumbnailConfig struct {
	Size        int `yaml:"size"`
	Supersample int `yaml:"supersample"`
}

// ParsersConfig holds per-format parser settings.
type ParsersConfig struct {
	OBJWorkers    int      `yaml:"obj_workers"`    // 0 = GOMAXPROCS
	ForceFallback []string `yaml:"force_fallback"` // Extensions always routed to the fallback importer
	PLYSidecar    bool     `yaml:"ply_sidecar"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Enabled: true,
			Dir:     "~/.cache/meshload",
		},
		Thumbnail: ThumbnailConfig{
			Size:        128,
			Supersample: 2,
		},
		Parsers: ParsersConfig{
			OBJWorkers: 0,
			PLYSidecar: true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}

// CacheDir returns the cache directory with a leading ~ expanded.
func (c *Config) CacheDir() (string, error) {
	return homedir.Expand(c.Cache.Dir)
}

// LogFile returns the log file path with a leading ~ expanded.
func (c *Config) LogFile() (string, error) {
	return homedir.Expand(c.Logging.LogFile)
}
