package mesh

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Codec errors.
var (
	ErrTruncatedMeshData = errors.New("truncated mesh data")
	ErrMeshTooLarge      = errors.New("mesh record exceeds size limits")
)

const (
	maxRecordElements = 1 << 28
	maxStringLength   = 1 << 20

	// readChunk is how many elements are allocated per read, so a corrupt
	// count fails on missing data before it can allocate much memory.
	readChunk = 1 << 14
)

// Encode writes m in the private little-endian record layout shared by the
// mesh cache and the PLY sidecar.
//
//	u32 vertexCount, vertexCount * Vertex (12 x f32)
//	u32 indexCount,  indexCount * u32
//	u32 partCount,   partCount * part
//	3 x f32 center, f32 scale, str name, str comment
//
// Strings are a u32 byte length followed by UTF-8 bytes.
func Encode(w io.Writer, m *Mesh) error {
	bw := bufio.NewWriter(w)
	e := &encoder{w: bw}

	e.u32(uint32(len(m.Vertices)))
	e.write(m.Vertices)
	e.u32(uint32(len(m.Indices)))
	e.write(m.Indices)
	e.u32(uint32(len(m.Parts)))
	for _, p := range m.Parts {
		e.str(p.Name)
		e.u32(p.IndexOffset)
		e.u32(p.IndexCount)
		e.write(p.BaseColor)
		e.str(p.TexturePath)
		e.write(p.Metallic)
		e.write(p.Roughness)
		e.write(p.Center)
	}
	e.write(m.Center)
	e.write(m.Scale)
	e.str(m.Name)
	e.str(m.Comment)

	if e.err != nil {
		return fmt.Errorf("encoding mesh: %w", e.err)
	}
	return bw.Flush()
}

// Decode reads a mesh written by Encode.
func Decode(r io.Reader) (*Mesh, error) {
	d := &decoder{r: bufio.NewReader(r)}
	m := &Mesh{}

	if n := d.count(); n > 0 {
		m.Vertices = readSlice[Vertex](d, n)
	}
	if n := d.count(); n > 0 {
		m.Indices = readSlice[uint32](d, n)
	}
	if n := d.count(); n > 0 {
		for i := 0; i < n && d.err == nil; i++ {
			m.Parts = append(m.Parts, Part{})
			p := &m.Parts[i]
			p.Name = d.str()
			d.read(&p.IndexOffset)
			d.read(&p.IndexCount)
			d.read(&p.BaseColor)
			p.TexturePath = d.str()
			d.read(&p.Metallic)
			d.read(&p.Roughness)
			d.read(&p.Center)
		}
	}
	d.read(&m.Center)
	d.read(&m.Scale)
	m.Name = d.str()
	m.Comment = d.str()

	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) write(v any) {
	if e.err == nil {
		e.err = binary.Write(e.w, binary.LittleEndian, v)
	}
}

func (e *encoder) u32(v uint32) {
	e.write(v)
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	if e.err == nil {
		_, e.err = io.WriteString(e.w, s)
	}
}

type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) read(v any) {
	if d.err != nil {
		return
	}
	if err := binary.Read(d.r, binary.LittleEndian, v); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrTruncatedMeshData
		}
		d.err = err
	}
}

// readSlice reads n fixed-size elements, growing the result one chunk at a
// time.
func readSlice[T any](d *decoder, n int) []T {
	out := make([]T, 0, min(n, readChunk))
	for len(out) < n && d.err == nil {
		start := len(out)
		out = append(out, make([]T, min(n-start, readChunk))...)
		d.read(out[start:])
	}
	return out
}

func (d *decoder) count() int {
	var n uint32
	d.read(&n)
	if d.err != nil {
		return 0
	}
	if n > maxRecordElements {
		d.err = ErrMeshTooLarge
		return 0
	}
	return int(n)
}

func (d *decoder) str() string {
	var n uint32
	d.read(&n)
	if d.err != nil || n == 0 {
		return ""
	}
	if n > maxStringLength {
		d.err = ErrMeshTooLarge
		return ""
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.err = ErrTruncatedMeshData
		return ""
	}
	return string(buf)
}
