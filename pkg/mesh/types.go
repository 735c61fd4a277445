// Package mesh holds the in-memory model shared by every format parser:
// one vertex buffer, one index buffer and material-bearing parts.
package mesh

// Vertex is a single interleaved vertex.
type Vertex struct {
	Position [3]float32
	Normal   [3]float32
	TexCoord [2]float32
	Color    [4]float32
}

// White is the default vertex and base color.
var White = [4]float32{1, 1, 1, 1}

// Part is one draw range sharing one material.
// IndexOffset and IndexCount address the Mesh's shared index buffer.
type Part struct {
	Name        string
	IndexOffset uint32
	IndexCount  uint32
	BaseColor   [4]float32
	TexturePath string // absolute, or empty
	Metallic    float32
	Roughness   float32
	Center      [3]float32 // local-space bbox center of the part's vertices
}

// Mesh is a decoded model. It is immutable once returned by a parser.
type Mesh struct {
	Vertices []Vertex
	Indices  []uint32
	Parts    []Part
	Center   [3]float32
	Scale    float32
	Name     string
	Comment  string
}

// Empty returns the "not loaded" mesh: no geometry and unit scale.
func Empty() *Mesh {
	return &Mesh{Scale: 1}
}

// IsEmpty reports whether m carries no geometry.
func (m *Mesh) IsEmpty() bool {
	return m == nil || len(m.Vertices) == 0
}

// TriangleCount returns the number of whole triangles in the index buffer.
func (m *Mesh) TriangleCount() int {
	return len(m.Indices) / 3
}

// Validate reports whether every index references an existing vertex and
// every part range lies inside the index buffer.
func (m *Mesh) Validate() bool {
	n := uint32(len(m.Vertices))
	for _, idx := range m.Indices {
		if idx >= n {
			return false
		}
	}
	var covered uint64
	for _, p := range m.Parts {
		if uint64(p.IndexOffset)+uint64(p.IndexCount) > uint64(len(m.Indices)) {
			return false
		}
		covered += uint64(p.IndexCount)
	}
	return covered <= uint64(len(m.Indices))
}

// WholePart returns a single white part covering the whole index buffer.
func WholePart(name string, indexCount int, texturePath string) Part {
	return Part{
		Name:        name,
		IndexOffset: 0,
		IndexCount:  uint32(indexCount),
		BaseColor:   White,
		TexturePath: texturePath,
	}
}

// Finish completes a freshly parsed mesh: it accumulates normals when the
// source had none, computes every part center and the global center/scale.
func (m *Mesh) Finish(computeNormals bool) *Mesh {
	if computeNormals {
		AccumulateNormals(m.Vertices, m.Indices)
	}
	for i := range m.Parts {
		p := &m.Parts[i]
		start := min(int(p.IndexOffset), len(m.Indices))
		end := min(start+int(p.IndexCount), len(m.Indices))
		p.Center = RangeCenter(m.Vertices, m.Indices[start:end])
	}
	m.Center, m.Scale = ComputeBounds(m.Vertices)
	return m
}
