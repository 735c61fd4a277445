package formats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Faultbox/meshload/pkg/mesh"
)

// PLY format errors.
var (
	ErrInvalidPLYHeader = errors.New("invalid PLY header")
)

// PLYVersion is bumped whenever PLY parsing output changes. It is also
// stored in sidecar files.
const PLYVersion = 1

type plyFormat int

const (
	plyASCII plyFormat = iota
	plyBinaryLE
	plyBinaryBE
)

type plyType int

const (
	plyInt8 plyType = iota + 1
	plyUint8
	plyInt16
	plyUint16
	plyInt32
	plyUint32
	plyFloat32
	plyFloat64
)

var plyTypeNames = map[string]plyType{
	"char": plyInt8, "int8": plyInt8,
	"uchar": plyUint8, "uint8": plyUint8,
	"short": plyInt16, "int16": plyInt16,
	"ushort": plyUint16, "uint16": plyUint16,
	"int": plyInt32, "int32": plyInt32,
	"uint": plyUint32, "uint32": plyUint32,
	"float": plyFloat32, "float32": plyFloat32,
	"double": plyFloat64, "float64": plyFloat64,
}

func (t plyType) size() int {
	switch t {
	case plyInt8, plyUint8:
		return 1
	case plyInt16, plyUint16:
		return 2
	case plyInt32, plyUint32, plyFloat32:
		return 4
	default:
		return 8
	}
}

func (t plyType) isFloat() bool {
	return t == plyFloat32 || t == plyFloat64
}

// Vertex property roles.
const (
	plyRoleNone = iota
	plyRoleX
	plyRoleY
	plyRoleZ
	plyRoleNX
	plyRoleNY
	plyRoleNZ
	plyRoleU
	plyRoleV
	plyRoleRed
	plyRoleGreen
	plyRoleBlue
	plyRoleAlpha
)

var plyPropertyAliases = map[string]string{
	"r": "red", "g": "green", "b": "blue", "a": "alpha",
	"diffuse_red": "red", "diffuse_green": "green", "diffuse_blue": "blue", "diffuse_alpha": "alpha",
	"s": "u", "tx": "u", "texture_u": "u", "texture_s": "u",
	"t": "v", "ty": "v", "texture_v": "v", "texture_t": "v",
}

var plyRoles = map[string]int{
	"x": plyRoleX, "y": plyRoleY, "z": plyRoleZ,
	"nx": plyRoleNX, "ny": plyRoleNY, "nz": plyRoleNZ,
	"u": plyRoleU, "v": plyRoleV,
	"red": plyRoleRed, "green": plyRoleGreen, "blue": plyRoleBlue, "alpha": plyRoleAlpha,
}

type plyProperty struct {
	name      string
	typ       plyType
	list      bool
	countType plyType
	role      int
}

type plyElement struct {
	name  string
	count int
	props []plyProperty
}

type plyHeader struct {
	format   plyFormat
	elements []plyElement
	comments []string
	texture  string
	body     int // offset of the first data byte
}

// normalizePLYProperty maps common property spellings onto canonical names.
func normalizePLYProperty(name string) string {
	name = strings.ToLower(name)
	if alias, ok := plyPropertyAliases[name]; ok {
		return alias
	}
	return name
}

func parsePLYHeader(data []byte) (*plyHeader, error) {
	h := &plyHeader{}
	off := 0
	nextLine := func() (string, bool) {
		if off >= len(data) {
			return "", false
		}
		end := bytes.IndexByte(data[off:], '\n')
		var line []byte
		if end < 0 {
			line, off = data[off:], len(data)
		} else {
			line, off = data[off:off+end], off+end+1
		}
		return strings.TrimRight(string(line), "\r"), true
	}

	magic, ok := nextLine()
	if !ok || strings.TrimSpace(magic) != "ply" {
		return nil, fmt.Errorf("%w: missing 'ply' magic", ErrInvalidPLYHeader)
	}

	sawFormat := false
	for {
		line, ok := nextLine()
		if !ok {
			return nil, fmt.Errorf("%w: missing end_header", ErrInvalidPLYHeader)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 {
				return nil, fmt.Errorf("%w: %q", ErrInvalidPLYHeader, line)
			}
			switch fields[1] {
			case "ascii":
				h.format = plyASCII
			case "binary_little_endian":
				h.format = plyBinaryLE
			case "binary_big_endian":
				h.format = plyBinaryBE
			default:
				return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidPLYHeader, fields[1])
			}
			sawFormat = true
		case "comment":
			text := strings.TrimSpace(strings.TrimPrefix(line, "comment"))
			if ref, ok := strings.CutPrefix(text, "TextureFile"); ok {
				if h.texture == "" {
					h.texture = strings.TrimSpace(ref)
				}
				continue
			}
			h.comments = append(h.comments, text)
		case "element":
			if len(fields) < 3 {
				return nil, fmt.Errorf("%w: %q", ErrInvalidPLYHeader, line)
			}
			count, err := strconv.Atoi(fields[2])
			if err != nil || count < 0 {
				return nil, fmt.Errorf("%w: bad element count %q", ErrInvalidPLYHeader, fields[2])
			}
			h.elements = append(h.elements, plyElement{name: fields[1], count: count})
		case "property":
			if len(h.elements) == 0 {
				return nil, fmt.Errorf("%w: property before element", ErrInvalidPLYHeader)
			}
			prop, err := parsePLYProperty(fields)
			if err != nil {
				return nil, err
			}
			el := &h.elements[len(h.elements)-1]
			el.props = append(el.props, prop)
		case "end_header":
			if !sawFormat {
				return nil, fmt.Errorf("%w: missing format line", ErrInvalidPLYHeader)
			}
			h.body = off
			return h, nil
		}
	}
}

func parsePLYProperty(fields []string) (plyProperty, error) {
	var p plyProperty
	if len(fields) >= 5 && fields[1] == "list" {
		ct, ok1 := plyTypeNames[fields[2]]
		it, ok2 := plyTypeNames[fields[3]]
		if !ok1 || !ok2 {
			return p, fmt.Errorf("%w: bad list types %q %q", ErrInvalidPLYHeader, fields[2], fields[3])
		}
		p.list, p.countType, p.typ, p.name = true, ct, it, fields[4]
		return p, nil
	}
	if len(fields) < 3 {
		return p, fmt.Errorf("%w: %q", ErrInvalidPLYHeader, strings.Join(fields, " "))
	}
	t, ok := plyTypeNames[fields[1]]
	if !ok {
		return p, fmt.Errorf("%w: bad property type %q", ErrInvalidPLYHeader, fields[1])
	}
	p.typ, p.name = t, normalizePLYProperty(fields[2])
	p.role = plyRoles[p.name]
	return p, nil
}

// plyValues yields consecutive scalars from the body in declared order.
type plyValues interface {
	next(t plyType) float64
	failed() bool
}

type plyText struct {
	data []byte
	off  int
	bad  bool
}

func (s *plyText) next(t plyType) float64 {
	for s.off < len(s.data) && isPLYSpace(s.data[s.off]) {
		s.off++
	}
	start := s.off
	for s.off < len(s.data) && !isPLYSpace(s.data[s.off]) {
		s.off++
	}
	tok := s.data[start:s.off]
	if len(tok) == 0 {
		s.bad = true
		return 0
	}
	if t.isFloat() {
		return float64(scanFloat(tok))
	}
	v, _ := scanInt(tok, 0)
	return float64(v)
}

func (s *plyText) failed() bool { return s.bad }

func isPLYSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

type plyBinary struct {
	data  []byte
	off   int
	order binary.ByteOrder
	bad   bool
}

func (s *plyBinary) next(t plyType) float64 {
	n := t.size()
	if s.off+n > len(s.data) {
		s.off = len(s.data)
		s.bad = true
		return 0
	}
	b := s.data[s.off : s.off+n]
	s.off += n
	switch t {
	case plyInt8:
		return float64(int8(b[0]))
	case plyUint8:
		return float64(b[0])
	case plyInt16:
		return float64(int16(s.order.Uint16(b)))
	case plyUint16:
		return float64(s.order.Uint16(b))
	case plyInt32:
		return float64(int32(s.order.Uint32(b)))
	case plyUint32:
		return float64(s.order.Uint32(b))
	case plyFloat32:
		return float64(math.Float32frombits(s.order.Uint32(b)))
	default:
		return math.Float64frombits(s.order.Uint64(b))
	}
}

func (s *plyBinary) failed() bool { return s.bad }

// PLYParser parses ASCII and binary PLY files, optionally keeping a sidecar
// cache of the decoded mesh next to the source.
type PLYParser struct {
	// Sidecar enables the <file>.plycache sidecar.
	Sidecar bool
	// SidecarDir stores sidecars in this directory instead of next to the source.
	SidecarDir string
}

func (p *PLYParser) Kind() Kind { return KindPLY }
func (p *PLYParser) CanHandle(ext string) bool { return ext == ".ply" }
func (p *PLYParser) FormatVersion() uint32 { return PLYVersion }

func (p *PLYParser) Parse(path string) (*mesh.Mesh, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading PLY file: %w", err)
	}

	sidecar := PLYSidecarPath(path, p.SidecarDir)
	if p.Sidecar {
		if m, err := ReadPLYSidecar(sidecar, info.ModTime()); err == nil {
			return m, nil
		}
	}

	m, err := ParsePLYFile(path)
	if err != nil {
		return nil, err
	}
	if p.Sidecar {
		_ = WritePLYSidecar(sidecar, info.ModTime(), m)
	}
	return m, nil
}

// ParsePLYFile reads and parses a PLY file without consulting any sidecar.
func ParsePLYFile(path string) (*mesh.Mesh, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading PLY file: %w", err)
	}
	m, err := ParsePLY(data, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	m.Name = modelName(path)
	return m, nil
}

// ParsePLY parses PLY data. A texture named by "comment TextureFile" is
// resolved against dir.
func ParsePLY(data []byte, dir string) (*mesh.Mesh, error) {
	h, err := parsePLYHeader(data)
	if err != nil {
		return nil, err
	}

	var src plyValues
	body := data[h.body:]
	switch h.format {
	case plyASCII:
		src = &plyText{data: body}
	case plyBinaryLE:
		src = &plyBinary{data: body, order: binary.LittleEndian}
	case plyBinaryBE:
		src = &plyBinary{data: body, order: binary.BigEndian}
	}

	var vertices []mesh.Vertex
	var indices []uint32
	hasNormals := false

	for _, el := range h.elements {
		if src.failed() {
			break
		}
		switch el.name {
		case "vertex":
			vertices, hasNormals = readPLYVertices(src, el, len(body))
		case "face":
			indices = readPLYFaces(src, el, len(body))
		default:
			for i := 0; i < el.count && !src.failed(); i++ {
				for _, p := range el.props {
					skipPLYProperty(src, p)
				}
			}
		}
	}

	m := mesh.Empty()
	m.Comment = strings.Join(h.comments, "\n")
	if len(vertices) == 0 {
		return m, nil
	}

	kept := indices[:0]
	for t := 0; t+3 <= len(indices); t += 3 {
		a, b, c := indices[t], indices[t+1], indices[t+2]
		n := uint32(len(vertices))
		if a >= n || b >= n || c >= n {
			continue
		}
		kept = append(kept, a, b, c)
	}

	m.Vertices = vertices
	m.Indices = kept
	m.Parts = []mesh.Part{mesh.WholePart("default", len(kept), resolveTexture(h.texture, dir))}
	return m.Finish(!hasNormals), nil
}

func skipPLYProperty(src plyValues, p plyProperty) {
	if !p.list {
		src.next(p.typ)
		return
	}
	n := int(src.next(p.countType))
	for k := 0; k < n && !src.failed(); k++ {
		src.next(p.typ)
	}
}

func readPLYVertices(src plyValues, el plyElement, bodyLen int) ([]mesh.Vertex, bool) {
	hasNormals := false
	for _, p := range el.props {
		switch p.role {
		case plyRoleNX, plyRoleNY, plyRoleNZ:
			hasNormals = true
		}
	}

	vertices := make([]mesh.Vertex, 0, min(el.count, bodyLen))
	for i := 0; i < el.count; i++ {
		v := mesh.Vertex{Color: mesh.White}
		for _, p := range el.props {
			if p.list {
				skipPLYProperty(src, p)
				continue
			}
			val := src.next(p.typ)
			f := float32(val)
			switch p.role {
			case plyRoleX:
				v.Position[0] = f
			case plyRoleY:
				v.Position[1] = f
			case plyRoleZ:
				v.Position[2] = f
			case plyRoleNX:
				v.Normal[0] = f
			case plyRoleNY:
				v.Normal[1] = f
			case plyRoleNZ:
				v.Normal[2] = f
			case plyRoleU:
				v.TexCoord[0] = f
			case plyRoleV:
				v.TexCoord[1] = 1 - f
			case plyRoleRed, plyRoleGreen, plyRoleBlue, plyRoleAlpha:
				if !p.typ.isFloat() {
					f = float32(val / 255)
				}
				v.Color[p.role-plyRoleRed] = f
			}
		}
		if src.failed() {
			break
		}
		vertices = append(vertices, v)
	}
	return vertices, hasNormals
}

// readPLYFaces fan-triangulates the vertex index list of every face as
// (v0, vPrev, vCur).
func readPLYFaces(src plyValues, el plyElement, bodyLen int) []uint32 {
	indices := make([]uint32, 0, 3*min(el.count, bodyLen))
	var face []int64
	for i := 0; i < el.count && !src.failed(); i++ {
		for _, p := range el.props {
			if !p.list || (p.name != "vertex_indices" && p.name != "vertex_index") {
				skipPLYProperty(src, p)
				continue
			}
			n := int(src.next(p.countType))
			face = face[:0]
			for k := 0; k < n && !src.failed(); k++ {
				face = append(face, int64(src.next(p.typ)))
			}
			if src.failed() {
				return indices
			}
			for k := 2; k < len(face); k++ {
				indices = append(indices, plyIndex(face[0]), plyIndex(face[k-1]), plyIndex(face[k]))
			}
		}
	}
	return indices
}

// plyIndex maps negative indices to an always-invalid value so the triangle
// is dropped.
func plyIndex(v int64) uint32 {
	if v < 0 || v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
