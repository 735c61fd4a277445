package formats

import (
	"cmp"
	"fmt"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/Faultbox/meshload/pkg/mesh"
)

// OBJVersion is bumped whenever OBJ parsing output changes.
const OBJVersion = 2

const invalidCorner = ^uint32(0)

// OBJParser parses Wavefront OBJ files.
type OBJParser struct {
	// Workers bounds the scanner goroutines; 0 means GOMAXPROCS.
	Workers int
}

// NewOBJParser creates an OBJ parser with the given worker count.
func NewOBJParser(workers int) *OBJParser {
	return &OBJParser{Workers: workers}
}

func (p *OBJParser) Kind() Kind { return KindOBJ }
func (p *OBJParser) CanHandle(ext string) bool { return ext == ".obj" }
func (p *OBJParser) FormatVersion() uint32 { return OBJVersion }

func (p *OBJParser) Parse(path string) (*mesh.Mesh, error) {
	return ParseOBJFile(path, p.Workers)
}

// ParseOBJFile memory-maps path and parses it as OBJ.
func ParseOBJFile(path string, workers int) (*mesh.Mesh, error) {
	data, release, err := mapFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping OBJ file: %w", err)
	}
	scan := scanOBJ(data, objWorkers(workers))
	release()

	m := buildOBJ(scan)
	m.Name = modelName(path)
	if scan.mtllib != "" && len(m.Parts) > 0 {
		m.Parts[0].TexturePath = resolveMtllibTexture(scan.mtllib, filepath.Dir(path))
	}
	return m, nil
}

// ParseOBJ parses OBJ text already in memory. mtllib references are
// ignored since there is no base directory.
func ParseOBJ(data []byte, workers int) *mesh.Mesh {
	return buildOBJ(scanOBJ(data, objWorkers(workers)))
}

func objWorkers(n int) int {
	if n <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}

func compareCorners(a, b objCorner) int {
	if c := cmp.Compare(a.pos, b.pos); c != 0 {
		return c
	}
	if c := cmp.Compare(a.tex, b.tex); c != 0 {
		return c
	}
	return cmp.Compare(a.norm, b.norm)
}

// buildOBJ deduplicates (position, texcoord, normal) triples into vertices
// and drops triangles that reference an invalid position.
func buildOBJ(scan *objScan) *mesh.Mesh {
	corners := scan.corners
	slices.SortFunc(corners, compareCorners)

	nPos, nTex, nNorm := int32(len(scan.positions)), int32(len(scan.texcoords)), int32(len(scan.normals))
	indices := make([]uint32, len(corners))
	vertices := make([]mesh.Vertex, 0, len(scan.positions))

	cur := invalidCorner
	for i, c := range corners {
		if i == 0 || compareCorners(corners[i-1], c) != 0 {
			if c.pos < 1 || c.pos > nPos {
				cur = invalidCorner
			} else {
				v := mesh.Vertex{Position: scan.positions[c.pos-1], Color: mesh.White}
				if c.tex >= 1 && c.tex <= nTex {
					uv := scan.texcoords[c.tex-1]
					v.TexCoord = [2]float32{uv[0], 1 - uv[1]}
				}
				if c.norm >= 1 && c.norm <= nNorm {
					v.Normal = scan.normals[c.norm-1]
				}
				if scan.colors != nil {
					v.Color = scan.colors[c.pos-1]
				}
				cur = uint32(len(vertices))
				vertices = append(vertices, v)
			}
		}
		indices[c.slot] = cur
	}

	kept := indices[:0]
	for t := 0; t+3 <= len(indices); t += 3 {
		a, b, c := indices[t], indices[t+1], indices[t+2]
		if a == invalidCorner || b == invalidCorner || c == invalidCorner {
			continue
		}
		kept = append(kept, a, b, c)
	}

	m := mesh.Empty()
	if len(vertices) == 0 {
		return m
	}
	m.Vertices = vertices
	m.Indices = kept
	m.Parts = []mesh.Part{mesh.WholePart("default", len(kept), "")}
	return m.Finish(nNorm == 0)
}
