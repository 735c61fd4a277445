// Package loader is the entry point for turning model files into meshes.
// It picks a parser by extension, consults the in-memory and persistent
// caches and renders thumbnails.
package loader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Faultbox/meshload/pkg/formats"
	"github.com/Faultbox/meshload/pkg/mesh"
)

// ErrUnknownFormat is returned for extensions no parser claims.
var ErrUnknownFormat = errors.New("unknown model format")

// RegistryOptions configures the built-in parsers.
type RegistryOptions struct {
	OBJWorkers    int      // 0 = GOMAXPROCS
	PLYSidecar    bool     // Keep <file>.plycache next to PLY sources
	PLYSidecarDir string   // Store sidecars here instead of next to sources
	ImageDir      string   // Destination for images extracted from glTF; "" = os.TempDir()
	ForceFallback []string // Extensions always routed to the fallback importer
}

// Registry holds parsers in priority order plus the fallback importer.
type Registry struct {
	parsers  []formats.Parser
	fallback formats.Parser
	forced   map[string]bool
}

// NewRegistry builds the default parser set.
func NewRegistry(opts RegistryOptions) *Registry {
	parsers := []formats.Parser{
		formats.NewOBJParser(opts.OBJWorkers),
		formats.STLParser{},
		&formats.PLYParser{Sidecar: opts.PLYSidecar, SidecarDir: opts.PLYSidecarDir},
		formats.PMXParser{},
		formats.PMDParser{},
		&formats.GLBParser{ImageDir: opts.ImageDir},
		formats.ThreeMFParser{},
	}
	return NewRegistryWith(parsers, &formats.FallbackImporter{ImageDir: opts.ImageDir}, opts.ForceFallback)
}

// NewRegistryWith builds a registry from explicit parsers. fallback may be nil.
func NewRegistryWith(parsers []formats.Parser, fallback formats.Parser, forceFallback []string) *Registry {
	r := &Registry{
		parsers:  parsers,
		fallback: fallback,
		forced:   make(map[string]bool, len(forceFallback)),
	}
	for _, ext := range forceFallback {
		r.forced[normalizeExt(ext)] = true
	}
	return r
}

// Parsers returns the parsers in priority order, fallback last.
func (r *Registry) Parsers() []formats.Parser {
	out := append([]formats.Parser(nil), r.parsers...)
	if r.fallback != nil {
		out = append(out, r.fallback)
	}
	return out
}

// Lookup returns the parser for path, or nil when no parser handles its
// extension. Forced extensions go to the fallback importer.
func (r *Registry) Lookup(path string) formats.Parser {
	ext := formats.Ext(path)
	if ext == "" {
		return nil
	}
	if r.forced[ext] && r.fallback != nil && r.fallback.CanHandle(ext) {
		return r.fallback
	}
	for _, p := range r.parsers {
		if p.CanHandle(ext) {
			return p
		}
	}
	return nil
}

// Parse decodes path with p. A parser that defers the file hands it to the
// fallback importer.
func (r *Registry) Parse(p formats.Parser, path string) (*mesh.Mesh, error) {
	m, err := p.Parse(path)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, formats.ErrDeferred) || r.fallback == nil || p == r.fallback {
		return nil, err
	}
	m, ferr := r.fallback.Parse(path)
	if ferr != nil {
		return nil, fmt.Errorf("%s deferred (%v), fallback failed: %w", p.Kind(), err, ferr)
	}
	return m, nil
}

// Extensions returns every extension some parser handles.
func (r *Registry) Extensions() []string {
	var out []string
	seen := map[string]bool{}
	for _, ext := range knownExtensions {
		for _, p := range r.Parsers() {
			if p.CanHandle(ext) && !seen[ext] {
				seen[ext] = true
				out = append(out, ext)
			}
		}
	}
	return out
}

var knownExtensions = []string{".obj", ".stl", ".ply", ".pmx", ".pmd", ".glb", ".gltf", ".3mf"}

// normalizeExt accepts "glb", ".glb" or ".GLB".
func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
