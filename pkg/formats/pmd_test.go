package formats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Faultbox/meshload/pkg/encoding"
)

type testPMDMaterial struct {
	diffuse [4]float32
	count   uint32
	texture string
}

// createTestPMD builds a PMD with one triangle per three positions.
func createTestPMD(name string, positions [][3]float32, indices []uint16, materials []testPMDMaterial) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString("Pmd")
	binary.Write(buf, binary.LittleEndian, float32(1.0))
	buf.Write(encoding.UTF8ToFixedShiftJIS(name, 20))
	buf.Write(encoding.UTF8ToFixedShiftJIS("comment", 256))

	binary.Write(buf, binary.LittleEndian, uint32(len(positions)))
	for _, p := range positions {
		binary.Write(buf, binary.LittleEndian, p)
		binary.Write(buf, binary.LittleEndian, [3]float32{0, 0, 1})
		binary.Write(buf, binary.LittleEndian, [2]float32{0.5, 0.5})
		buf.Write(make([]byte, 6))
	}

	binary.Write(buf, binary.LittleEndian, uint32(len(indices)))
	binary.Write(buf, binary.LittleEndian, indices)

	binary.Write(buf, binary.LittleEndian, uint32(len(materials)))
	for _, mat := range materials {
		binary.Write(buf, binary.LittleEndian, [3]float32{mat.diffuse[0], mat.diffuse[1], mat.diffuse[2]})
		binary.Write(buf, binary.LittleEndian, mat.diffuse[3])
		buf.Write(make([]byte, 4+12+12+2))
		binary.Write(buf, binary.LittleEndian, mat.count)
		buf.Write(encoding.UTF8ToFixedShiftJIS(mat.texture, 20))
	}
	return buf.Bytes()
}

func TestParsePMD_ValidFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "body.bmp"), []byte("bmp"))

	positions := [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0}}
	indices := []uint16{0, 1, 2, 1, 3, 2}
	materials := []testPMDMaterial{
		{diffuse: [4]float32{1, 0, 0, 1}, count: 3, texture: "body.bmp*shine.sph"},
		{diffuse: [4]float32{0, 1, 0, 0.5}, count: 3, texture: "env.spa"},
	}

	m, err := ParsePMD(createTestPMD("ミク", positions, indices, materials), dir)
	if err != nil {
		t.Fatalf("ParsePMD failed: %v", err)
	}

	if m.Name != "ミク" {
		t.Errorf("expected name 'ミク', got %q", m.Name)
	}
	if m.Comment != "comment" {
		t.Errorf("expected comment, got %q", m.Comment)
	}
	if len(m.Vertices) != 4 || len(m.Indices) != 6 {
		t.Fatalf("expected 4 vertices / 6 indices, got %d / %d", len(m.Vertices), len(m.Indices))
	}
	if len(m.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(m.Parts))
	}
	if m.Parts[0].IndexOffset != 0 || m.Parts[1].IndexOffset != 3 {
		t.Errorf("expected offsets 0 and 3, got %d and %d", m.Parts[0].IndexOffset, m.Parts[1].IndexOffset)
	}
	if want := filepath.Join(dir, "body.bmp"); m.Parts[0].TexturePath != want {
		t.Errorf("expected texture %q, got %q", want, m.Parts[0].TexturePath)
	}
	if m.Parts[1].TexturePath != "" {
		t.Errorf("expected sphere-only texture dropped, got %q", m.Parts[1].TexturePath)
	}
	if m.Parts[1].BaseColor != [4]float32{0, 1, 0, 0.5} {
		t.Errorf("unexpected base color %v", m.Parts[1].BaseColor)
	}
}

func TestParsePMD_ClampsIndices(t *testing.T) {
	positions := [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	data := createTestPMD("m", positions, []uint16{0, 1, 99}, []testPMDMaterial{{count: 3}})

	m, err := ParsePMD(data, "")
	if err != nil {
		t.Fatalf("ParsePMD failed: %v", err)
	}
	if m.Indices[2] != 0 {
		t.Errorf("expected out-of-range index clamped to 0, got %d", m.Indices[2])
	}
}

func TestParsePMD_MaterialCountExceedsIndices(t *testing.T) {
	positions := [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	data := createTestPMD("m", positions, []uint16{0, 1, 2}, []testPMDMaterial{{count: 3}, {count: 30}})

	m, err := ParsePMD(data, "")
	if err != nil {
		t.Fatalf("ParsePMD failed: %v", err)
	}
	if !m.Validate() {
		t.Errorf("part ranges exceed index buffer: %+v", m.Parts)
	}
}

func TestParsePMD_InvalidMagic(t *testing.T) {
	if _, err := ParsePMD([]byte("PMX 0000"), ""); !errors.Is(err, ErrInvalidPMDMagic) {
		t.Errorf("expected ErrInvalidPMDMagic, got %v", err)
	}
}

func TestParsePMD_TruncatedHeader(t *testing.T) {
	data := createTestPMD("m", nil, nil, nil)[:100]
	if _, err := ParsePMD(data, ""); !errors.Is(err, ErrTruncatedMeshHeader) {
		t.Errorf("expected ErrTruncatedMeshHeader, got %v", err)
	}
}

func TestParsePMD_TruncatedVertices(t *testing.T) {
	positions := [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	data := createTestPMD("m", positions, []uint16{0, 1, 2}, nil)
	data = data[:3+4+20+256+4+pmdVertexSize*2+10]

	m, err := ParsePMD(data, "")
	if err != nil {
		t.Fatalf("ParsePMD failed: %v", err)
	}
	if len(m.Vertices) != 2 {
		t.Errorf("expected 2 complete vertices, got %d", len(m.Vertices))
	}
}

func TestPMDDiffuseTexture(t *testing.T) {
	tests := map[string]string{
		"a.bmp":          "a.bmp",
		"a.bmp*b.sph":    "a.bmp",
		"b.sph":          "",
		"c.SPA":          "",
		"":               "",
		"dir\\tex.png*x": "dir\\tex.png",
	}
	for in, want := range tests {
		if got := pmdDiffuseTexture(in); got != want {
			t.Errorf("pmdDiffuseTexture(%q) = %q, want %q", in, got, want)
		}
	}
}
