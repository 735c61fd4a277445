package mesh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func sampleMesh() *Mesh {
	return &Mesh{
		Vertices: []Vertex{
			{Position: [3]float32{0, 0, 0}, Normal: [3]float32{0, 0, 1}, TexCoord: [2]float32{0, 1}, Color: White},
			{Position: [3]float32{1, 0, 0}, Normal: [3]float32{0, 0, 1}, TexCoord: [2]float32{1, 1}, Color: White},
			{Position: [3]float32{0, 1, 0}, Normal: [3]float32{0, 0, 1}, TexCoord: [2]float32{0, 0}, Color: [4]float32{1, 0, 0, 0.5}},
		},
		Indices: []uint32{0, 1, 2},
		Parts: []Part{{
			Name:        "body",
			IndexCount:  3,
			BaseColor:   [4]float32{0.5, 0.5, 0.5, 1},
			TexturePath: "/models/tex/body.png",
			Metallic:    0.25,
			Roughness:   0.75,
			Center:      [3]float32{0.5, 0.5, 0},
		}},
		Center:  [3]float32{0.5, 0.5, 0},
		Scale:   1.5,
		Name:    "triangle",
		Comment: "ミク test",
	}
}

func TestCodecRoundTrip(t *testing.T) {
	m := sampleMesh()
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, m)
	}
}

func TestCodecEmptyMesh(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, Empty()); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !got.IsEmpty() || got.Scale != 1 {
		t.Errorf("decoded empty mesh = %+v", got)
	}
}

func TestDecodeTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, sampleMesh()); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	data := buf.Bytes()

	for _, cut := range []int{0, 3, 20, len(data) / 2, len(data) - 1} {
		_, err := Decode(bytes.NewReader(data[:cut]))
		if !errors.Is(err, ErrTruncatedMeshData) {
			t.Errorf("cut at %d: err = %v, want ErrTruncatedMeshData", cut, err)
		}
	}
}

func TestDecodeOversizedCounts(t *testing.T) {
	u32 := func(vs ...uint32) []byte {
		b := make([]byte, 4*len(vs))
		for i, v := range vs {
			binary.LittleEndian.PutUint32(b[4*i:], v)
		}
		return b
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"vertices", u32(maxRecordElements, 0, 0, 0), ErrTruncatedMeshData},
		{"indices", u32(0, maxRecordElements, 1, 2), ErrTruncatedMeshData},
		{"parts", u32(0, 0, maxRecordElements, 0), ErrTruncatedMeshData},
		{"over limit", u32(maxRecordElements + 1), ErrMeshTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCodecRoundTripAcrossChunks(t *testing.T) {
	m := &Mesh{Scale: 1}
	for i := range 2*readChunk + 5 {
		m.Vertices = append(m.Vertices, Vertex{Position: [3]float32{float32(i), 0, 0}, Color: White})
		m.Indices = append(m.Indices, uint32(i))
	}

	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(got.Vertices, m.Vertices) || !reflect.DeepEqual(got.Indices, m.Indices) {
		t.Error("decoded mesh differs from the encoded one")
	}
}
