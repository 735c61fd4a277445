package config

import "flag"

var (
	flagConfig   = flag.String("config", "", "Path to config file")
	flagDebug    = flag.Bool("debug", false, "Enable debug logging")
	flagCacheDir = flag.String("cache-dir", "", "Mesh cache directory")
	flagNoCache  = flag.Bool("no-cache", false, "Disable the persistent mesh cache")
	flagWorkers  = flag.Int("workers", 0, "OBJ parser worker count (0 = GOMAXPROCS)")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagCacheDir != "" {
		cfg.Cache.Dir = *flagCacheDir
	}
	if *flagNoCache {
		cfg.Cache.Enabled = false
	}
	if *flagWorkers > 0 {
		cfg.Parsers.OBJWorkers = *flagWorkers
	}
}
