package formats

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Faultbox/meshload/pkg/encoding"
	"github.com/Faultbox/meshload/pkg/mesh"
)

// PMD format errors.
var (
	ErrInvalidPMDMagic = errors.New("invalid PMD magic: expected 'Pmd'")
)

const (
	pmdVertexSize   = 38
	pmdMaterialSize = 70

	// PMDVersion is bumped whenever PMD parsing output changes.
	PMDVersion = 1
)

// PMDParser parses MikuMikuDance PMD models.
type PMDParser struct{}

func (PMDParser) Kind() Kind { return KindPMD }
func (PMDParser) CanHandle(ext string) bool { return ext == ".pmd" }
func (PMDParser) FormatVersion() uint32 { return PMDVersion }

func (PMDParser) Parse(path string) (*mesh.Mesh, error) {
	return ParsePMDFile(path)
}

// ParsePMDFile reads and parses a PMD file. Textures resolve against the
// file's directory.
func ParsePMDFile(path string) (*mesh.Mesh, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading PMD file: %w", err)
	}
	return ParsePMD(data, filepath.Dir(path))
}

// ParsePMD parses PMD data.
func ParsePMD(data []byte, dir string) (*mesh.Mesh, error) {
	if len(data) < 3 || !bytes.Equal(data[:3], []byte("Pmd")) {
		return nil, ErrInvalidPMDMagic
	}

	r := newBinReader(data[3:])
	_ = r.f32() // version, always 1.0
	m := mesh.Empty()
	m.Name = encoding.FixedShiftJIS(r.take(20))
	m.Comment = encoding.FixedShiftJIS(r.take(256))
	if r.short {
		return nil, fmt.Errorf("reading PMD header: %w", ErrTruncatedMeshHeader)
	}

	vertexCount := min(int(r.u32()), r.remaining()/pmdVertexSize)
	vertices := make([]mesh.Vertex, vertexCount)
	for i := range vertices {
		v := &vertices[i]
		v.Position = r.vec3()
		v.Normal = r.vec3()
		v.TexCoord = r.vec2()
		v.Color = mesh.White
		r.skip(6) // bone indices, weight, edge flag
	}

	indexCount := min(int(r.u32()), r.remaining()/2)
	indices := make([]uint32, indexCount)
	for i := range indices {
		idx := uint32(r.u16())
		if int(idx) >= vertexCount {
			idx = 0
		}
		indices[i] = idx
	}

	materialCount := min(int(r.u32()), r.remaining()/pmdMaterialSize)
	parts := make([]mesh.Part, 0, materialCount)
	offset := uint32(0)
	for i := 0; i < materialCount; i++ {
		diffuse := r.vec3()
		alpha := r.f32()
		r.skip(4 + 12 + 12) // specular power, specular, ambient
		r.skip(2)           // toon index, edge flag
		count := r.u32()
		tex := encoding.FixedShiftJIS(r.take(20))

		part := mesh.Part{
			Name:        fmt.Sprintf("material%d", i),
			IndexOffset: offset,
			IndexCount:  clampRange(offset, count, len(indices)),
			BaseColor:   [4]float32{diffuse[0], diffuse[1], diffuse[2], alpha},
			Roughness:   1,
		}
		if name := pmdDiffuseTexture(tex); name != "" {
			part.TexturePath = resolveTexture(name, dir)
		}
		parts = append(parts, part)
		offset += part.IndexCount
	}

	if len(vertices) == 0 {
		return m, nil
	}
	m.Vertices = vertices
	m.Indices = indices
	m.Parts = parts
	return m.Finish(false), nil
}

// pmdDiffuseTexture strips a "*sphere" suffix from a PMD texture field and
// drops the name when only a sphere map remains.
func pmdDiffuseTexture(field string) string {
	name, _, _ := strings.Cut(field, "*")
	name = strings.TrimSpace(name)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".sph", ".spa":
		return ""
	}
	return name
}

// clampRange limits count so that offset+count stays within n.
func clampRange(offset, count uint32, n int) uint32 {
	if int64(offset) >= int64(n) {
		return 0
	}
	return uint32(min(int64(count), int64(n)-int64(offset)))
}
