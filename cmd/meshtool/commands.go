package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Faultbox/meshload/internal/config"
	"github.com/Faultbox/meshload/internal/loader"
	"github.com/Faultbox/meshload/internal/logger"
	"github.com/Faultbox/meshload/pkg/formats"
)

func newService(cfg *config.Config) (*loader.Service, bool) {
	svc, err := loader.NewServiceFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return nil, false
	}
	return svc, true
}

func cmdFormats() {
	reg := loader.NewRegistry(loader.RegistryOptions{})
	fmt.Println("Parsers (priority order):")
	for _, p := range reg.Parsers() {
		var exts []string
		for _, ext := range reg.Extensions() {
			if p.CanHandle(ext) {
				exts = append(exts, ext)
			}
		}
		fmt.Printf("  %-10s v%-3d %s\n", p.Kind(), p.FormatVersion(), strings.Join(exts, " "))
	}
}

func cmdInfo(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	parts := fs.Bool("parts", true, "List parts")
	fs.Parse(reorder(args))

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: meshtool info <model>")
		return 1
	}

	svc, ok := newService(cfg)
	if !ok {
		return 1
	}

	path := fs.Arg(0)
	start := time.Now()
	m, err := svc.LoadWithError(path)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, formats.ErrUnsupported) {
			fmt.Fprintf(os.Stderr, "Unsupported: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}

	parser := "-"
	if p := svc.Registry().Lookup(path); p != nil {
		parser = p.Kind().String()
	}
	st := svc.Stats()
	source := "parsed"
	if st.DiskHits > 0 {
		source = "cache"
	}

	fmt.Printf("Model:     %s\n", path)
	fmt.Printf("Name:      %s\n", m.Name)
	fmt.Printf("Parser:    %s (%s in %v)\n", parser, source, elapsed.Round(time.Microsecond))
	fmt.Printf("Vertices:  %d\n", len(m.Vertices))
	fmt.Printf("Triangles: %d\n", m.TriangleCount())
	fmt.Printf("Center:    %.4f %.4f %.4f\n", m.Center[0], m.Center[1], m.Center[2])
	fmt.Printf("Scale:     %.6f\n", m.Scale)
	if m.Comment != "" {
		fmt.Printf("Comment:   %s\n", firstLine(m.Comment))
	}

	if *parts && len(m.Parts) > 0 {
		fmt.Println()
		fmt.Printf("Parts (%d):\n", len(m.Parts))
		for i, p := range m.Parts {
			fmt.Printf("  [%d] %-24s offset=%-8d count=%-8d color=%.2f,%.2f,%.2f,%.2f",
				i, p.Name, p.IndexOffset, p.IndexCount,
				p.BaseColor[0], p.BaseColor[1], p.BaseColor[2], p.BaseColor[3])
			if p.TexturePath != "" {
				fmt.Printf(" texture=%s", p.TexturePath)
			}
			fmt.Println()
		}
	}
	return 0
}

func cmdThumb(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("thumb", flag.ExitOnError)
	output := fs.String("o", "", "Output file (default: <model>.webp)")
	size := fs.Int("size", 0, "Thumbnail size in pixels (default from config)")
	fs.Parse(reorder(args))

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: meshtool thumb <model> [-o out.webp] [-size N]")
		return 1
	}
	if *size > 0 {
		cfg.Thumbnail.Size = *size
	}

	svc, ok := newService(cfg)
	if !ok {
		return 1
	}

	path := fs.Arg(0)
	data := svc.Thumbnail(path)
	if len(data) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no thumbnail for %s (run with -debug for details)\n", path)
		return 1
	}

	outputPath := *output
	if outputPath == "" {
		outputPath = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".webp"
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
		return 1
	}

	fmt.Printf("Wrote: %s (%d bytes)\n", outputPath, len(data))
	return 0
}

func cmdWarm(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("warm", flag.ExitOnError)
	jobs := fs.Int("j", 0, "Concurrent loads (0 = GOMAXPROCS)")
	fs.Parse(reorder(args))

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: meshtool warm <dir> [-j N]")
		return 1
	}
	if !cfg.Cache.Enabled {
		fmt.Fprintln(os.Stderr, "Warning: cache is disabled, models are parsed but not stored")
	}

	svc, ok := newService(cfg)
	if !ok {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	res, err := svc.WarmDir(ctx, fs.Arg(0), *jobs)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Models:  %d\n", res.Files)
	fmt.Printf("Loaded:  %d\n", res.Loaded)
	fmt.Printf("Failed:  %d\n", res.Failed)
	fmt.Printf("Elapsed: %v\n", time.Since(start).Round(time.Millisecond))
	return 0
}

func cmdWatch(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	initial := fs.Bool("warm", true, "Warm the directory before watching")
	fs.Parse(reorder(args))

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: meshtool watch <dir> [-warm=false]")
		return 1
	}

	svc, ok := newService(cfg)
	if !ok {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := fs.Arg(0)
	if *initial {
		if _, err := svc.WarmDir(ctx, root, 0); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	if err := svc.Watch(ctx, root); err != nil {
		logger.Error("watch failed", zap.String("root", root), zap.Error(err))
		return 1
	}

	st := svc.Stats()
	logger.Info("watch stopped",
		zap.Int64("loads", st.Loads),
		zap.Int64("parsed", st.Parsed),
		zap.Int64("failures", st.Failures))
	return 0
}

func cmdConfig(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	save := fs.String("save", "", "Write the effective config to this path")
	fs.Parse(args)

	if *save != "" {
		if err := cfg.SaveTo(*save); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("Saved: %s\n", *save)
		return 0
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("# config dir: %s\n", config.ConfigDir())
	os.Stdout.Write(data)
	return 0
}

// reorder moves flags ahead of positional arguments so that
// "thumb model.obj -o out.webp" parses like "thumb -o out.webp model.obj".
func reorder(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			positional = append(positional, args[i+1:]...)
			i = len(args)
		case strings.HasPrefix(a, "-") && len(a) > 1:
			flags = append(flags, a)
			if !strings.Contains(a, "=") && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") && !isBoolFlag(a) {
				flags = append(flags, args[i+1])
				i++
			}
		default:
			positional = append(positional, a)
		}
	}
	if len(positional) == 0 {
		return flags
	}
	return append(append(flags, "--"), positional...)
}

func isBoolFlag(a string) bool {
	switch strings.TrimLeft(a, "-") {
	case "warm", "parts":
		return true
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
