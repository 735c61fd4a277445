package formats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

// cubeTriangles returns a unit cube with outward-facing winding.
func cubeTriangles() [][3][3]float32 {
	c := [8][3]float32{
		{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
		{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
	}
	faces := [12][3]int{
		{0, 3, 2}, {0, 2, 1}, // bottom
		{4, 5, 6}, {4, 6, 7}, // top
		{0, 1, 5}, {0, 5, 4}, // front
		{3, 7, 6}, {3, 6, 2}, // back
		{0, 4, 7}, {0, 7, 3}, // left
		{1, 2, 6}, {1, 6, 5}, // right
	}
	tris := make([][3][3]float32, len(faces))
	for i, f := range faces {
		tris[i] = [3][3]float32{c[f[0]], c[f[1]], c[f[2]]}
	}
	return tris
}

// createTestSTL builds a binary STL with zero stored normals and the given
// declared triangle count.
func createTestSTL(header string, declared uint32, tris [][3][3]float32) []byte {
	buf := new(bytes.Buffer)
	h := make([]byte, stlHeaderSize)
	copy(h, header)
	buf.Write(h)
	binary.Write(buf, binary.LittleEndian, declared)
	for _, tri := range tris {
		binary.Write(buf, binary.LittleEndian, [3]float32{})
		binary.Write(buf, binary.LittleEndian, tri)
		binary.Write(buf, binary.LittleEndian, uint16(0))
	}
	return buf.Bytes()
}

func TestParseSTL_CubeDeduplicates(t *testing.T) {
	tris := cubeTriangles()
	m, err := ParseSTL(createTestSTL("cube", uint32(len(tris)), tris))
	if err != nil {
		t.Fatalf("ParseSTL failed: %v", err)
	}

	if len(m.Vertices) != 8 {
		t.Errorf("expected 8 vertices, got %d", len(m.Vertices))
	}
	if len(m.Indices) != 36 {
		t.Errorf("expected 36 indices, got %d", len(m.Indices))
	}
	for i, v := range m.Vertices {
		n := v.Normal
		l := math.Sqrt(float64(n[0]*n[0] + n[1]*n[1] + n[2]*n[2]))
		if math.Abs(l-1) > 1e-5 {
			t.Errorf("vertex %d: normal %v not unit length (%v)", i, n, l)
		}
		// Outward: normal points away from the cube center.
		d := (v.Position[0]-0.5)*n[0] + (v.Position[1]-0.5)*n[1] + (v.Position[2]-0.5)*n[2]
		if d <= 0 {
			t.Errorf("vertex %d: normal %v points inward", i, n)
		}
	}
	if len(m.Parts) != 1 || m.Parts[0].IndexCount != 36 {
		t.Errorf("expected one part covering 36 indices, got %+v", m.Parts)
	}
	if m.Comment != "cube" {
		t.Errorf("expected header comment 'cube', got %q", m.Comment)
	}
	if !m.Validate() {
		t.Error("mesh has out-of-range indices")
	}
}

func TestParseSTL_IndicesPreserveTriangles(t *testing.T) {
	tris := cubeTriangles()
	m, err := ParseSTL(createTestSTL("", uint32(len(tris)), tris))
	if err != nil {
		t.Fatalf("ParseSTL failed: %v", err)
	}
	for i, tri := range tris {
		for k := 0; k < 3; k++ {
			if got := m.Vertices[m.Indices[3*i+k]].Position; got != tri[k] {
				t.Errorf("triangle %d corner %d: expected %v, got %v", i, k, tri[k], got)
			}
		}
	}
}

func TestParseSTL_SolidHeaderBinary(t *testing.T) {
	tris := cubeTriangles()[:2]
	data := createTestSTL("solid exported-by-cad", 2, tris)

	if IsASCIISTL(data) {
		t.Fatal("binary STL with 'solid' header misdetected as ASCII")
	}
	if _, err := ParseSTL(data); err != nil {
		t.Errorf("ParseSTL failed: %v", err)
	}
}

func TestParseSTL_ASCIIDeferred(t *testing.T) {
	data := []byte("solid x\n facet normal 0 0 1\n  outer loop\n   vertex 0 0 0\n   vertex 1 0 0\n   vertex 0 1 0\n  endloop\n endfacet\nendsolid x\n")

	_, err := ParseSTL(data)
	if !errors.Is(err, ErrDeferred) {
		t.Errorf("expected ErrDeferred, got %v", err)
	}
}

func TestParseSTL_Truncated(t *testing.T) {
	tris := cubeTriangles()[:3]
	data := createTestSTL("", 10, tris)
	data = data[:len(data)-20] // cut into the third record

	m, err := ParseSTL(data)
	if err != nil {
		t.Fatalf("ParseSTL failed: %v", err)
	}
	if len(m.Indices) != 6 {
		t.Errorf("expected 2 complete triangles, got %d indices", len(m.Indices))
	}
}

func TestParseSTL_Empty(t *testing.T) {
	if _, err := ParseSTL(nil); !errors.Is(err, ErrTruncatedSTLData) {
		t.Errorf("expected ErrTruncatedSTLData, got %v", err)
	}

	m, err := ParseSTL(createTestSTL("", 0, nil))
	if err != nil {
		t.Fatalf("ParseSTL failed: %v", err)
	}
	if !m.IsEmpty() {
		t.Error("expected empty mesh for zero triangles")
	}
}
