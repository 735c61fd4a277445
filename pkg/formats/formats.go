// Package formats provides parsers that decode mesh file formats into the
// shared mesh.Mesh representation.
package formats

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Faultbox/meshload/pkg/mesh"
)

// Shared parser errors.
var (
	// ErrUnsupported marks a file that is well-formed but needs a feature this
	// package does not implement (for example a required compression extension).
	ErrUnsupported = errors.New("unsupported feature")

	// ErrDeferred marks a file the parser recognised as not its own after
	// inspecting it. Callers may retry with another importer.
	ErrDeferred = errors.New("deferred to another importer")

	// ErrTruncatedMeshHeader is returned when a binary model ends inside its
	// fixed header, before any geometry.
	ErrTruncatedMeshHeader = errors.New("truncated model header")
)

// Kind identifies a parser implementation.
type Kind int

const (
	KindOBJ Kind = iota
	KindSTL
	KindPLY
	KindPMX
	KindPMD
	KindGLB
	Kind3MF
	KindFallback
)

// String returns the parser id used in cache keys.
func (k Kind) String() string {
	switch k {
	case KindOBJ:
		return "obj"
	case KindSTL:
		return "stl"
	case KindPLY:
		return "ply"
	case KindPMX:
		return "pmx"
	case KindPMD:
		return "pmd"
	case KindGLB:
		return "glb"
	case Kind3MF:
		return "3mf"
	case KindFallback:
		return "fallback"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Parser decodes one family of file formats.
type Parser interface {
	// Kind identifies the parser.
	Kind() Kind

	// CanHandle reports whether the parser accepts files with this extension.
	// ext is lower-case and includes the leading dot.
	CanHandle(ext string) bool

	// Parse decodes the file at path.
	Parse(path string) (*mesh.Mesh, error)

	// FormatVersion is bumped whenever the parser's output changes, so that
	// cached results produced by older code are discarded.
	FormatVersion() uint32
}

// Ext returns the lower-case extension of path including the dot.
func Ext(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// modelName returns the file base name without its extension.
func modelName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// resolveTexture returns the absolute path of the first existing candidate
// for ref: ref itself when absolute, then ref joined to each directory in
// order. Returns "" when nothing exists.
func resolveTexture(ref string, dirs ...string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	ref = filepath.FromSlash(strings.ReplaceAll(ref, "\\", "/"))

	var candidates []string
	if filepath.IsAbs(ref) {
		candidates = append(candidates, ref)
	}
	for _, dir := range dirs {
		if dir != "" {
			candidates = append(candidates, filepath.Join(dir, ref))
		}
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			if abs, err := filepath.Abs(c); err == nil {
				return abs
			}
			return c
		}
	}
	return ""
}
