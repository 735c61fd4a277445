package formats

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/xml"

	"github.com/Faultbox/meshload/pkg/mesh"
)

// 3MF format errors.
var (
	ErrMissing3MFModel = errors.New("3MF archive has no model document")
)

const (
	threeMFModelPath = "3D/3dmodel.model"

	// ThreeMFVersion is bumped whenever 3MF parsing output changes.
	ThreeMFVersion = 1
)

// ThreeMFParser parses 3MF packages (zip + XML model).
type ThreeMFParser struct{}

func (ThreeMFParser) Kind() Kind { return Kind3MF }
func (ThreeMFParser) CanHandle(ext string) bool { return ext == ".3mf" }
func (ThreeMFParser) FormatVersion() uint32 { return ThreeMFVersion }

func (ThreeMFParser) Parse(path string) (*mesh.Mesh, error) {
	return Parse3MFFile(path)
}

// Parse3MFFile opens a 3MF package and parses its model document.
func Parse3MFFile(filePath string) (*mesh.Mesh, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening 3MF archive: %w", err)
	}
	defer zr.Close()

	m, err := parse3MFArchive(&zr.Reader)
	if err != nil {
		return nil, err
	}
	m.Name = modelName(filePath)
	return m, nil
}

// Parse3MF parses a 3MF package held in memory.
func Parse3MF(data []byte) (*mesh.Mesh, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening 3MF archive: %w", err)
	}
	return parse3MFArchive(zr)
}

// find3MFModel returns the canonical model part, else the first *.model entry.
func find3MFModel(zr *zip.Reader) *zip.File {
	var fallback *zip.File
	for _, f := range zr.File {
		name := strings.TrimPrefix(f.Name, "/")
		if strings.EqualFold(name, threeMFModelPath) {
			return f
		}
		if fallback == nil && strings.EqualFold(path.Ext(name), ".model") {
			fallback = f
		}
	}
	return fallback
}

func parse3MFArchive(zr *zip.Reader) (*mesh.Mesh, error) {
	f := find3MFModel(zr)
	if f == nil {
		return nil, ErrMissing3MFModel
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening 3MF model: %w", err)
	}
	defer rc.Close()
	return parse3MFModel(rc)
}

// localName strips an XML namespace prefix.
func localName(b []byte) string {
	if i := bytes.LastIndexByte(b, ':'); i >= 0 {
		b = b[i+1:]
	}
	return string(b)
}

func unquote(b []byte) string {
	if len(b) >= 2 && (b[0] == '"' || b[0] == '\'') && b[len(b)-1] == b[0] {
		b = b[1 : len(b)-1]
	}
	return string(b)
}

// threeMFBuilder accumulates vertices and triangles across <mesh> elements.
// Triangle indices are relative to the mesh that declares them.
type threeMFBuilder struct {
	vertices  []mesh.Vertex
	indices   []uint32
	meshBase  int // first vertex of the current <mesh>
	meshIndex int // first index of the current <mesh>
}

func (b *threeMFBuilder) startMesh() {
	b.meshBase = len(b.vertices)
	b.meshIndex = len(b.indices)
}

// endMesh drops triangles of the current mesh that reference vertices it
// never declared.
func (b *threeMFBuilder) endMesh() {
	n := uint32(len(b.vertices))
	kept := b.indices[:b.meshIndex]
	tail := b.indices[b.meshIndex:]
	for t := 0; t+3 <= len(tail); t += 3 {
		if tail[t] < n && tail[t+1] < n && tail[t+2] < n {
			kept = append(kept, tail[t], tail[t+1], tail[t+2])
		}
	}
	b.indices = kept
	b.meshIndex = len(b.indices)
}

func (b *threeMFBuilder) element(name string, attrs map[string]string) {
	switch name {
	case "mesh":
		b.startMesh()
	case "vertex":
		var p [3]float32
		for i, key := range [3]string{"x", "y", "z"} {
			v, _ := strconv.ParseFloat(attrs[key], 32)
			p[i] = float32(v)
		}
		b.vertices = append(b.vertices, mesh.Vertex{Position: p, Color: mesh.White})
	case "triangle":
		var tri [3]uint32
		for i, key := range [3]string{"v1", "v2", "v3"} {
			v, err := strconv.ParseUint(attrs[key], 10, 32)
			if err != nil || uint64(b.meshBase)+v > math.MaxUint32 {
				return
			}
			tri[i] = uint32(uint64(b.meshBase) + v)
		}
		b.indices = append(b.indices, tri[:]...)
	}
}

func parse3MFModel(r io.Reader) (*mesh.Mesh, error) {
	l := xml.NewLexer(parse.NewInput(r))
	b := &threeMFBuilder{}

	var tag string
	attrs := make(map[string]string, 4)
	open := false
	flush := func() {
		if open {
			b.element(tag, attrs)
			open = false
		}
	}

	for {
		tt, _ := l.Next()
		switch tt {
		case xml.ErrorToken:
			flush()
			if err := l.Err(); err != nil && err != io.EOF {
				return nil, fmt.Errorf("parsing 3MF model: %w", err)
			}
			return b.finish(), nil
		case xml.StartTagToken:
			flush()
			tag = localName(l.Text())
			clear(attrs)
			open = true
		case xml.AttributeToken:
			if open {
				attrs[localName(l.Text())] = unquote(l.AttrVal())
			}
		case xml.StartTagCloseToken, xml.StartTagCloseVoidToken:
			flush()
		case xml.EndTagToken:
			flush()
			if localName(l.Text()) == "mesh" {
				b.endMesh()
			}
		}
	}
}

func (b *threeMFBuilder) finish() *mesh.Mesh {
	b.endMesh()
	m := mesh.Empty()
	if len(b.vertices) == 0 {
		return m
	}
	m.Vertices = b.vertices
	m.Indices = b.indices
	m.Parts = []mesh.Part{mesh.WholePart("default", len(b.indices), "")}
	return m.Finish(true)
}
