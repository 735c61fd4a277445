// meshtool is a CLI utility for inspecting model files and managing the
// meshload cache.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Faultbox/meshload/internal/config"
	"github.com/Faultbox/meshload/internal/logger"
)

func main() {
	flag.Usage = printUsage

	// Global flags come before the command: meshtool -debug info model.obj
	config.ParseFlags()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "help", "-h", "--help":
		printUsage()
		return
	case "formats":
		cmdFormats()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	logFile, err := cfg.LogFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging.Level, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Sugar.Debugf("Config: %+v", cfg)

	var code int
	switch command {
	case "info", "load":
		code = cmdInfo(cfg, args)
	case "thumb", "thumbnail":
		code = cmdThumb(cfg, args)
	case "warm":
		code = cmdWarm(cfg, args)
	case "watch":
		code = cmdWatch(cfg, args)
	case "config":
		code = cmdConfig(cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		code = 1
	}

	if code != 0 {
		logger.Sync()
		os.Exit(code)
	}
}

func printUsage() {
	fmt.Println(`meshtool - 3D model loading utility

Usage:
  meshtool [global options] <command> [options]

Commands:
  info <model>                   Parse a model and show its geometry and parts
  thumb <model> [-o out.webp]    Render a WebP thumbnail
  warm <dir> [-j N]              Load every model under a directory into the cache
  watch <dir>                    Keep the cache warm as models change
  formats                        List supported extensions and parsers
  config [-save path]            Show (or save) the effective configuration

Global options:
  -config <path>   Config file (default: ./config.yaml, then the user config dir)
  -debug           Enable debug logging
  -cache-dir <dir> Mesh cache directory
  -no-cache        Disable the persistent mesh cache
  -workers <n>     OBJ parser worker count

Examples:
  meshtool info models/teapot.obj
  meshtool -no-cache thumb scene.glb -o scene.webp
  meshtool warm ./assets -j 4`)
}
