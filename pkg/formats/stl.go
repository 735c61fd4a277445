package formats

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	mmath "github.com/Faultbox/meshload/pkg/math"
	"github.com/Faultbox/meshload/pkg/mesh"
)

// STL format errors.
var (
	ErrTruncatedSTLData = errors.New("truncated STL data")
)

const (
	stlHeaderSize   = 80
	stlTriangleSize = 50

	// STLVersion is bumped whenever STL parsing output changes, binary or
	// ASCII.
	STLVersion = 2
)

// STLParser parses binary STL files.
type STLParser struct{}

func (STLParser) Kind() Kind { return KindSTL }
func (STLParser) CanHandle(ext string) bool { return ext == ".stl" }
func (STLParser) FormatVersion() uint32 { return STLVersion }

func (STLParser) Parse(path string) (*mesh.Mesh, error) {
	return ParseSTLFile(path)
}

// ParseSTLFile reads and parses a binary STL file.
func ParseSTLFile(path string) (*mesh.Mesh, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading STL file: %w", err)
	}
	m, err := ParseSTL(data)
	if err != nil {
		return nil, err
	}
	m.Name = modelName(path)
	return m, nil
}

// IsASCIISTL reports whether data looks like an ASCII STL: it starts with
// "solid" and its size does not match the binary layout implied by the
// triangle count.
func IsASCIISTL(data []byte) bool {
	if !bytes.HasPrefix(data, []byte("solid")) {
		return false
	}
	if len(data) < stlHeaderSize+4 {
		return true
	}
	count := newBinReader(data[stlHeaderSize:]).u32()
	return int64(len(data)) != stlHeaderSize+4+stlTriangleSize*int64(count)
}

type stlCorner struct {
	pos    [3]float32
	normal [3]float32
	slot   uint32
}

func comparePositions(a, b [3]float32) int {
	if c := cmp.Compare(a[0], b[0]); c != 0 {
		return c
	}
	if c := cmp.Compare(a[1], b[1]); c != 0 {
		return c
	}
	return cmp.Compare(a[2], b[2])
}

// ParseSTL parses binary STL data. ASCII input returns ErrDeferred.
// A triangle count larger than the data holds is truncated to the complete
// records present.
func ParseSTL(data []byte) (*mesh.Mesh, error) {
	if IsASCIISTL(data) {
		return nil, fmt.Errorf("ascii STL: %w", ErrDeferred)
	}
	if len(data) < stlHeaderSize+4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedSTLData, len(data))
	}

	r := newBinReader(data)
	header := r.take(stlHeaderSize)
	count := int(r.u32())
	if avail := r.remaining() / stlTriangleSize; count > avail {
		count = avail
	}

	corners := make([]stlCorner, 0, 3*count)
	for t := 0; t < count; t++ {
		n := r.vec3()
		p := [3][3]float32{r.vec3(), r.vec3(), r.vec3()}
		r.skip(2) // attribute byte count
		corners = stlFacetCorners(corners, n, p)
	}

	comment := strings.ToValidUTF8(strings.TrimSpace(string(bytes.TrimRight(header, "\x00"))), "")
	return buildSTLMesh(corners, comment), nil
}

// stlFacetCorners appends the three corners of a facet, computing the face
// normal when the stored one is zero.
func stlFacetCorners(corners []stlCorner, stored [3]float32, p [3][3]float32) []stlCorner {
	n := mmath.V3(stored)
	if n.LengthSq() < 1e-12 {
		e1 := mmath.V3(p[1]).Sub(mmath.V3(p[0]))
		e2 := mmath.V3(p[2]).Sub(mmath.V3(p[0]))
		n = e1.Cross(e2).Normalize()
	}
	for _, pos := range p {
		corners = append(corners, stlCorner{pos: pos, normal: n.Array(), slot: uint32(len(corners))})
	}
	return corners
}

// buildSTLMesh merges corners with identical positions into one vertex whose
// normal is the normalized sum of the facet normals that share it.
func buildSTLMesh(corners []stlCorner, comment string) *mesh.Mesh {
	m := mesh.Empty()
	m.Comment = comment
	if len(corners) == 0 {
		return m
	}

	slices.SortFunc(corners, func(a, b stlCorner) int {
		return comparePositions(a.pos, b.pos)
	})

	indices := make([]uint32, len(corners))
	var vertices []mesh.Vertex
	var sum mmath.Vec3
	flush := func() {
		vertices[len(vertices)-1].Normal = sum.Normalize().Array()
	}
	for i, c := range corners {
		if i == 0 || comparePositions(corners[i-1].pos, c.pos) != 0 {
			if i > 0 {
				flush()
			}
			vertices = append(vertices, mesh.Vertex{Position: c.pos, Color: mesh.White})
			sum = mmath.Vec3{}
		}
		sum = sum.Add(mmath.V3(c.normal))
		indices[c.slot] = uint32(len(vertices) - 1)
	}
	flush()

	m.Vertices = vertices
	m.Indices = indices
	m.Parts = []mesh.Part{mesh.WholePart("default", len(indices), "")}
	return m.Finish(false)
}
