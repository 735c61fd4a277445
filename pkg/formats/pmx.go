package formats

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/Faultbox/meshload/pkg/encoding"
	"github.com/Faultbox/meshload/pkg/mesh"
)

// PMX format errors.
var (
	ErrInvalidPMXMagic       = errors.New("invalid PMX magic: expected 'PMX '")
	ErrUnsupportedPMXVersion = errors.New("unsupported PMX version")
)

// PMXVersion is bumped whenever PMX parsing output changes.
const PMXVersion = 1

// PMX globals block layout.
const (
	pmxGlobalEncoding = iota
	pmxGlobalAdditionalUV
	pmxGlobalVertexIndex
	pmxGlobalTextureIndex
	pmxGlobalMaterialIndex
	pmxGlobalBoneIndex
	pmxGlobalMorphIndex
	pmxGlobalRigidIndex
	pmxGlobalCount
)

// PMX vertex weight deform types.
const (
	pmxWeightBDEF1 = 0
	pmxWeightBDEF2 = 1
	pmxWeightBDEF4 = 2
	pmxWeightSDEF  = 3
	pmxWeightQDEF  = 4
)

// PMXParser parses MikuMikuDance PMX 2.0/2.1 models.
type PMXParser struct{}

func (PMXParser) Kind() Kind { return KindPMX }
func (PMXParser) CanHandle(ext string) bool { return ext == ".pmx" }
func (PMXParser) FormatVersion() uint32 { return PMXVersion }

func (PMXParser) Parse(path string) (*mesh.Mesh, error) {
	return ParsePMXFile(path)
}

// ParsePMXFile reads and parses a PMX file. Textures resolve against the
// file's directory.
func ParsePMXFile(path string) (*mesh.Mesh, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading PMX file: %w", err)
	}
	return ParsePMX(data, filepath.Dir(path))
}

type pmxReader struct {
	*binReader
	utf8    bool
	globals [pmxGlobalCount]int
}

// text reads a length-prefixed string in the model's declared encoding.
func (r *pmxReader) text() string {
	n := r.i32()
	if n <= 0 {
		return ""
	}
	b := r.take(int(n))
	if r.utf8 {
		if !utf8.Valid(b) {
			return string(bytes.ToValidUTF8(b, nil))
		}
		return string(b)
	}
	return encoding.UTF16LEToUTF8(b)
}

func (r *pmxReader) boneIndex() {
	r.skip(r.globals[pmxGlobalBoneIndex])
}

// skipWeights advances over one vertex deform block.
func (r *pmxReader) skipWeights() {
	switch r.u8() {
	case pmxWeightBDEF1:
		r.boneIndex()
	case pmxWeightBDEF2:
		r.boneIndex()
		r.boneIndex()
		r.skip(4)
	case pmxWeightBDEF4, pmxWeightQDEF:
		for range 4 {
			r.boneIndex()
		}
		r.skip(16)
	case pmxWeightSDEF:
		r.boneIndex()
		r.boneIndex()
		r.skip(4 + 36) // weight, C, R0, R1
	default:
		r.short = true
	}
}

// ParsePMX parses PMX data.
func ParsePMX(data []byte, dir string) (*mesh.Mesh, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], []byte("PMX ")) {
		return nil, ErrInvalidPMXMagic
	}

	r := &pmxReader{binReader: newBinReader(data[4:])}
	version := r.f32()
	if version < 2.0 || version >= 2.2 {
		return nil, fmt.Errorf("%w: %.1f", ErrUnsupportedPMXVersion, version)
	}
	globals := r.take(int(r.u8()))
	if len(globals) < pmxGlobalCount {
		return nil, fmt.Errorf("reading PMX globals: %w", ErrTruncatedMeshHeader)
	}
	for i := range r.globals {
		r.globals[i] = int(globals[i])
	}
	r.utf8 = r.globals[pmxGlobalEncoding] == 1
	for _, g := range []int{pmxGlobalVertexIndex, pmxGlobalTextureIndex, pmxGlobalMaterialIndex, pmxGlobalBoneIndex} {
		switch r.globals[g] {
		case 1, 2, 4:
		default:
			return nil, fmt.Errorf("%w: index size %d", ErrUnsupportedPMXVersion, r.globals[g])
		}
	}

	m := mesh.Empty()
	m.Name = r.text()
	_ = r.text() // universal name
	m.Comment = r.text()
	_ = r.text() // universal comment
	if r.short {
		return nil, fmt.Errorf("reading PMX header: %w", ErrTruncatedMeshHeader)
	}

	vertexCount := max(int(r.i32()), 0)
	vertices := make([]mesh.Vertex, 0, min(vertexCount, r.remaining()/32))
	for i := 0; i < vertexCount; i++ {
		var v mesh.Vertex
		v.Position = r.vec3()
		v.Normal = r.vec3()
		v.TexCoord = r.vec2()
		v.Color = mesh.White
		r.skip(16 * r.globals[pmxGlobalAdditionalUV])
		r.skipWeights()
		r.skip(4) // edge scale
		if r.short {
			break
		}
		vertices = append(vertices, v)
	}

	vsize := r.globals[pmxGlobalVertexIndex]
	indexCount := max(int(r.i32()), 0)
	indexCount = min(indexCount, r.remaining()/vsize)
	indices := make([]uint32, indexCount)
	for i := range indices {
		idx := r.sizedIndex(vsize)
		if idx < 0 || idx >= int64(len(vertices)) {
			idx = 0
		}
		indices[i] = uint32(idx)
	}

	textureCount := max(int(r.i32()), 0)
	textures := make([]string, 0, min(textureCount, r.remaining()/4))
	for i := 0; i < textureCount && !r.short; i++ {
		textures = append(textures, r.text())
	}

	tsize := r.globals[pmxGlobalTextureIndex]
	materialCount := max(int(r.i32()), 0)
	var parts []mesh.Part
	offset := uint32(0)
	for i := 0; i < materialCount; i++ {
		name := r.text()
		_ = r.text() // universal name
		diffuse := r.vec4()
		r.skip(12 + 4 + 12) // specular, strength, ambient
		r.skip(1)           // drawing flags
		r.skip(16 + 4)      // edge colour, edge size
		texIdx := r.sizedSignedIndex(tsize)
		_ = r.sizedSignedIndex(tsize) // sphere texture
		r.skip(1)                     // sphere mode
		if shared := r.u8(); shared == 0 {
			_ = r.sizedSignedIndex(tsize)
		} else {
			r.skip(1)
		}
		_ = r.text() // memo
		count := uint32(max(r.i32(), 0))
		if r.short {
			break
		}

		part := mesh.Part{
			Name:        name,
			IndexOffset: offset,
			IndexCount:  clampRange(offset, count, len(indices)),
			BaseColor:   diffuse,
			Roughness:   1,
		}
		if texIdx >= 0 && texIdx < int64(len(textures)) {
			part.TexturePath = resolveTexture(textures[texIdx], dir)
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
