package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/meshload/internal/config"
	"github.com/Faultbox/meshload/internal/logger"
	"github.com/Faultbox/meshload/internal/meshcache"
	"github.com/Faultbox/meshload/internal/thumbnail"
	"github.com/Faultbox/meshload/pkg/formats"
	"github.com/Faultbox/meshload/pkg/mesh"
)

const defaultMemoryEntries = 64

// Options configures a Service.
type Options struct {
	Registry      *Registry         // nil = NewRegistry with zero options
	Cache         *meshcache.Cache  // nil disables the persistent cache
	Thumbnail     thumbnail.Options // Zero value = thumbnail.DefaultOptions()
	MemoryEntries int               // 0 = default, negative disables the memory tier
}

// Stats counts service activity since creation.
type Stats struct {
	Loads        int64 // Load and LoadWithError calls
	Parsed       int64 // Meshes decoded by a parser
	MemoryHits   int64
	DiskHits     int64
	Failures     int64
	MemoryCached int
}

// Service turns model paths into meshes. It is safe for concurrent use;
// work on one path is serialized.
type Service struct {
	registry *Registry
	cache    *meshcache.Cache
	thumb    thumbnail.Options
	memory   *memoryCache
	locks    *pathLocks
	log      *zap.Logger

	watchDelay time.Duration

	loads      atomic.Int64
	parsed     atomic.Int64
	memoryHits atomic.Int64
	diskHits   atomic.Int64
	failures   atomic.Int64
}

// NewService creates a service from explicit collaborators.
func NewService(opts Options) *Service {
	if opts.Registry == nil {
		opts.Registry = NewRegistry(RegistryOptions{})
	}
	if opts.Thumbnail == (thumbnail.Options{}) {
		opts.Thumbnail = thumbnail.DefaultOptions()
	}
	switch {
	case opts.MemoryEntries == 0:
		opts.MemoryEntries = defaultMemoryEntries
	case opts.MemoryEntries < 0:
		opts.MemoryEntries = 0
	}
	return &Service{
		registry:   opts.Registry,
		cache:      opts.Cache,
		thumb:      opts.Thumbnail,
		memory:     newMemoryCache(opts.MemoryEntries),
		locks:      newPathLocks(),
		log:        logger.Named("loader"),
		watchDelay: 250 * time.Millisecond,
	}
}

// NewServiceFromConfig wires a service from loaded configuration.
func NewServiceFromConfig(cfg *config.Config) (*Service, error) {
	opts := Options{
		Registry: NewRegistry(RegistryOptions{
			OBJWorkers:    cfg.Parsers.OBJWorkers,
			PLYSidecar:    cfg.Parsers.PLYSidecar,
			ForceFallback: cfg.Parsers.ForceFallback,
		}),
		Thumbnail: thumbnail.Options{
			Size:        cfg.Thumbnail.Size,
			Supersample: cfg.Thumbnail.Supersample,
		},
	}
	if cfg.Cache.Enabled {
		dir, err := cfg.CacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving cache directory: %w", err)
		}
		opts.Cache = meshcache.New(dir)
	}
	return NewService(opts), nil
}

// Registry returns the parser registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Load returns the mesh for path, or an empty mesh when it cannot be loaded
// for any reason.
func (s *Service) Load(path string) *mesh.Mesh {
	m, err := s.LoadWithError(path)
	if err != nil {
		if errors.Is(err, formats.ErrUnsupported) {
			s.log.Warn("model uses an unsupported feature", zap.String("path", path), zap.Error(err))
		} else {
			s.log.Debug("model not loaded", zap.String("path", path), zap.Error(err))
		}
		return mesh.Empty()
	}
	return m
}

// LoadWithError is Load with the failure reason. The mesh is empty whenever
// err is non-nil; errors.Is(err, formats.ErrUnsupported) identifies files
// that need a feature no parser implements.
func (s *Service) LoadWithError(path string) (*mesh.Mesh, error) {
	s.loads.Add(1)
	m, _, err := s.load(path)
	if err != nil {
		s.failures.Add(1)
		return mesh.Empty(), err
	}
	return m, nil
}

// Thumbnail returns WebP preview bytes for path, from the cache when
// possible. It returns nil when the model cannot be loaded or drawn.
func (s *Service) Thumbnail(path string) []byte {
	m, key, err := s.load(path)
	if err != nil || m.IsEmpty() {
		return nil
	}

	unlock := s.locks.lock(key.Path)
	defer unlock()

	if e, ok := s.memory.get(key); ok && len(e.thumb) > 0 {
		return e.thumb
	}
	if s.cache != nil {
		if thumb, ok := s.cache.LoadThumbnail(key); ok {
			s.memory.setThumbnail(key, thumb)
			return thumb
		}
	}

	thumb, err := s.renderThumbnail(m, key.Path)
	if err != nil {
		return nil
	}
	s.memory.setThumbnail(key, thumb)
	if s.cache != nil {
		s.cache.SaveThumbnail(key, thumb)
	}
	return thumb
}

// Stats returns activity counters.
func (s *Service) Stats() Stats {
	return Stats{
		Loads:        s.loads.Load(),
		Parsed:       s.parsed.Load(),
		MemoryHits:   s.memoryHits.Load(),
		DiskHits:     s.diskHits.Load(),
		Failures:     s.failures.Load(),
		MemoryCached: s.memory.size(),
	}
}

// Forget drops any cached state for path.
func (s *Service) Forget(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	s.memory.remove(abs)
	if s.cache != nil {
		if err := s.cache.Remove(abs); err != nil {
			s.log.Debug("removing cache entry", zap.String("path", abs), zap.Error(err))
		}
	}
}

// key describes the parse that would serve path right now.
func (s *Service) key(path string) (meshcache.Key, formats.Parser, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return meshcache.Key{}, nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return meshcache.Key{}, nil, fmt.Errorf("reading model: %w", err)
	}
	if info.IsDir() {
		return meshcache.Key{}, nil, fmt.Errorf("reading model %s: is a directory", abs)
	}
	p := s.registry.Lookup(abs)
	if p == nil {
		return meshcache.Key{}, nil, fmt.Errorf("%w: %q", ErrUnknownFormat, formats.Ext(abs))
	}
	return meshcache.Key{
		Path:          abs,
		Mtime:         info.ModTime(),
		Parser:        p.Kind().String(),
		FormatVersion: p.FormatVersion(),
	}, p, nil
}

func (s *Service) load(path string) (*mesh.Mesh, meshcache.Key, error) {
	key, p, err := s.key(path)
	if err != nil {
		return nil, key, err
	}

	unlock := s.locks.lock(key.Path)
	defer unlock()

	if e, ok := s.memory.get(key); ok {
		s.memoryHits.Add(1)
		return e.mesh, key, nil
	}
	if s.cache != nil {
		if m, ok := s.cache.Load(key); ok {
			s.diskHits.Add(1)
			s.memory.set(key, m, nil)
			s.log.Debug("cache hit", zap.String("path", key.Path), zap.String("parser", key.Parser))
			return m, key, nil
		}
	}

	start := time.Now()
	m, err := s.registry.Parse(p, key.Path)
	if err != nil {
		return nil, key, fmt.Errorf("parsing %s as %s: %w", key.Path, p.Kind(), err)
	}
	if m == nil || !m.Validate() {
		return nil, key, fmt.Errorf("parsing %s as %s: parser produced an invalid mesh", key.Path, p.Kind())
	}
	s.parsed.Add(1)
	s.log.Info("model parsed",
		zap.String("path", key.Path),
		zap.String("parser", key.Parser),
		zap.Int("vertices", len(m.Vertices)),
		zap.Int("triangles", m.TriangleCount()),
		zap.Int("parts", len(m.Parts)),
		zap.Duration("elapsed", time.Since(start)))

	// Failed parses are never cached; empty results are.
	var thumb []byte
	if s.cache != nil {
		if !m.IsEmpty() {
			thumb, _ = s.renderThumbnail(m, key.Path)
		}
		s.cache.Save(key, m, thumb)
	}
	s.memory.set(key, m, thumb)
	return m, key, nil
}

func (s *Service) renderThumbnail(m *mesh.Mesh, path string) ([]byte, error) {
	start := time.Now()
	thumb, err := thumbnail.Generate(m, s.thumb)
	if err != nil {
		s.log.Warn("thumbnail failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	s.log.Debug("thumbnail rendered",
		zap.String("path", path),
		zap.Int("bytes", len(thumb)),
		zap.Duration("elapsed", time.Since(start)))
	return thumb, nil
}
