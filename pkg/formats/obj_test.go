package formats

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseOBJ_QuadFan(t *testing.T) {
	src := "v 0 0 0\nv 1 0 0\nv 1 1 0\nv 0 1 0\nf 1 2 3 4\n"
	m := ParseOBJ([]byte(src), 1)

	if len(m.Vertices) != 4 {
		t.Fatalf("expected 4 vertices, got %d", len(m.Vertices))
	}
	if len(m.Indices) != 6 {
		t.Fatalf("expected 6 indices, got %d", len(m.Indices))
	}

	want := [][3]float32{
		{0, 0, 0}, {1, 0, 0}, {1, 1, 0},
		{0, 0, 0}, {1, 1, 0}, {0, 1, 0},
	}
	for i, idx := range m.Indices {
		if got := m.Vertices[idx].Position; got != want[i] {
			t.Errorf("corner %d: expected %v, got %v", i, want[i], got)
		}
	}
}

func TestParseOBJ_DeduplicatesSharedCorners(t *testing.T) {
	src := `v 0 0 0
v 1 0 0
v 1 1 0
v 0 1 0
vt 0 0
vn 0 0 1
f 1/1/1 2/1/1 3/1/1
f 1/1/1 3/1/1 4/1/1
`
	m := ParseOBJ([]byte(src), 1)

	if len(m.Vertices) != 4 {
		t.Errorf("expected 4 unique vertices, got %d", len(m.Vertices))
	}
	if m.Indices[0] != m.Indices[3] || m.Indices[2] != m.Indices[4] {
		t.Errorf("shared corners not merged: %v", m.Indices)
	}
	for _, v := range m.Vertices {
		if v.Normal != [3]float32{0, 0, 1} {
			t.Errorf("expected file normal, got %v", v.Normal)
		}
	}
}

func TestParseOBJ_DistinctTexcoordsSplitVertex(t *testing.T) {
	src := "v 0 0 0\nv 1 0 0\nv 0 1 0\nvt 0 0\nvt 1 1\nf 1/1 2/1 3/1\nf 1/2 3/1 2/1\n"
	m := ParseOBJ([]byte(src), 1)

	if len(m.Vertices) != 4 {
		t.Errorf("expected 4 vertices (position 1 split by texcoord), got %d", len(m.Vertices))
	}
}

func TestParseOBJ_NegativeIndices(t *testing.T) {
	pos := ParseOBJ([]byte("v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"), 1)
	neg := ParseOBJ([]byte("v 0 0 0\nv 1 0 0\nv 0 1 0\nf -3 -2 -1\n"), 1)

	if !reflect.DeepEqual(pos.Vertices, neg.Vertices) || !reflect.DeepEqual(pos.Indices, neg.Indices) {
		t.Errorf("negative indices resolved differently\npos: %v %v\nneg: %v %v",
			pos.Vertices, pos.Indices, neg.Vertices, neg.Indices)
	}
}

func TestParseOBJ_InvalidPositionDropsTriangle(t *testing.T) {
	src := "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\nf 1 2 9\nf 0 1 2\n"
	m := ParseOBJ([]byte(src), 1)

	if len(m.Indices) != 3 {
		t.Fatalf("expected only the valid triangle, got %d indices", len(m.Indices))
	}
	if !m.Validate() {
		t.Error("mesh has out-of-range indices")
	}
	if m.Parts[0].IndexCount != 3 {
		t.Errorf("expected part to cover 3 indices, got %d", m.Parts[0].IndexCount)
	}
}

func TestParseOBJ_InvalidTexcoordIsAbsent(t *testing.T) {
	m := ParseOBJ([]byte("v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1/7 2/7 3/7\n"), 1)

	if len(m.Indices) != 3 {
		t.Fatalf("expected triangle to survive, got %d indices", len(m.Indices))
	}
	for _, v := range m.Vertices {
		if v.TexCoord != [2]float32{} {
			t.Errorf("expected zero texcoord, got %v", v.TexCoord)
		}
	}
}

func TestParseOBJ_FlipsV(t *testing.T) {
	m := ParseOBJ([]byte("v 0 0 0\nv 1 0 0\nv 0 1 0\nvt 0.25 0.75\nf 1/1 2/1 3/1\n"), 1)

	if got := m.Vertices[0].TexCoord; got != [2]float32{0.25, 0.25} {
		t.Errorf("expected (0.25, 0.25), got %v", got)
	}
}

func TestParseOBJ_ComputesNormalsWithoutVN(t *testing.T) {
	m := ParseOBJ([]byte("v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"), 1)

	for i, v := range m.Vertices {
		if v.Normal != [3]float32{0, 0, 1} {
			t.Errorf("vertex %d: expected +Z normal, got %v", i, v.Normal)
		}
	}
}

func TestParseOBJ_TabsCRLFAndComments(t *testing.T) {
	src := "# header\r\nv\t0 0 0\r\nv 1\t0 0\r\n  v 0 1 0   \r\n#f 1 2 3\r\nf\t1 2 3\r\n"
	m := ParseOBJ([]byte(src), 1)

	if len(m.Vertices) != 3 || len(m.Indices) != 3 {
		t.Errorf("expected 3 vertices / 3 indices, got %d / %d", len(m.Vertices), len(m.Indices))
	}
}

func TestParseOBJ_VertexColors(t *testing.T) {
	m := ParseOBJ([]byte("v 0 0 0 1 0 0\nv 1 0 0\nv 0 1 0 0 0 1\nf 1 2 3\n"), 1)

	colors := map[[3]float32][4]float32{}
	for _, v := range m.Vertices {
		colors[v.Position] = v.Color
	}
	if colors[[3]float32{0, 0, 0}] != [4]float32{1, 0, 0, 1} {
		t.Errorf("expected red, got %v", colors[[3]float32{0, 0, 0}])
	}
	if colors[[3]float32{1, 0, 0}] != [4]float32{1, 1, 1, 1} {
		t.Errorf("expected white default, got %v", colors[[3]float32{1, 0, 0}])
	}
}

func TestParseOBJ_Empty(t *testing.T) {
	m := ParseOBJ(nil, 4)
	if !m.IsEmpty() || m.Scale != 1 {
		t.Errorf("expected empty mesh with scale 1, got %+v", m)
	}
}

// makeGridOBJ builds an n×n quad grid large enough to split into chunks.
func makeGridOBJ(n int) []byte {
	var buf bytes.Buffer
	for y := 0; y <= n; y++ {
		for x := 0; x <= n; x++ {
			fmt.Fprintf(&buf, "v %d.5 %d.25 -0.125\n", x, y)
		}
	}
	for y := 0; y <= n; y++ {
		for x := 0; x <= n; x++ {
			fmt.Fprintf(&buf, "vt %g %g\n", float64(x)/float64(n), float64(y)/float64(n))
		}
	}
	row := n + 1
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			a := y*row + x + 1
			fmt.Fprintf(&buf, "f %d/%d %d/%d %d/%d %d/%d\n", a, a, a+1, a+1, a+row+1, a+row+1, a+row, a+row)
		}
	}
	return buf.Bytes()
}

func TestParseOBJ_ParallelMatchesSequential(t *testing.T) {
	data := makeGridOBJ(80)
	if len(data) < minParallelOBJBytes {
		t.Fatalf("fixture too small to exercise chunking: %d bytes", len(data))
	}

	seq := ParseOBJ(data, 1)
	par := ParseOBJ(data, 7)

	if len(seq.Vertices) != 81*81 {
		t.Errorf("expected %d vertices, got %d", 81*81, len(seq.Vertices))
	}
	if len(seq.Indices) != 80*80*6 {
		t.Errorf("expected %d indices, got %d", 80*80*6, len(seq.Indices))
	}
	if !reflect.DeepEqual(seq.Vertices, par.Vertices) {
		t.Error("parallel vertices differ from sequential")
	}
	if !reflect.DeepEqual(seq.Indices, par.Indices) {
		t.Error("parallel indices differ from sequential")
	}
}

func TestSplitChunks(t *testing.T) {
	data := makeGridOBJ(40)
	chunks := splitChunks(data, 5)

	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	var joined []byte
	for i, c := range chunks {
		if i < len(chunks)-1 && c[len(c)-1] != '\n' {
			t.Errorf("chunk %d does not end on a newline", i)
		}
		joined = append(joined, c...)
	}
	if !bytes.Equal(joined, data) {
		t.Error("chunks do not cover the input exactly")
	}

	if got := splitChunks([]byte("v 1 2 3\n"), 8); len(got) != 1 {
		t.Errorf("expected single chunk for small input, got %d", len(got))
	}
}

func TestScanFloat(t *testing.T) {
	tests := []struct {
		in   string
		want float32
	}{
		{"0", 0},
		{"1", 1},
		{"-2.5", -2.5},
		{"+.5", 0.5},
		{"1e3", 1000},
		{"3.25E-2", 0.0325},
		{"-0.000001", -0.000001},
		{"123456.789", 123456.789},
		{"1.", 1},
		{"abc", 0},
	}
	for _, tt := range tests {
		if got := scanFloat([]byte(tt.in)); math.Abs(float64(got-tt.want)) > 1e-6*math.Max(1, math.Abs(float64(tt.want))) {
			t.Errorf("scanFloat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if got := scanFloat([]byte("nan")); !math.IsNaN(float64(got)) {
		t.Errorf("scanFloat(nan) = %v, want NaN", got)
	}
	if got := scanFloat([]byte("-inf")); !math.IsInf(float64(got), -1) {
		t.Errorf("scanFloat(-inf) = %v, want -Inf", got)
	}
}

func TestScanFaceCorner(t *testing.T) {
	tests := []struct {
		in      string
		p, t, n int64
	}{
		{"3", 3, 0, 0},
		{"3/4", 3, 4, 0},
		{"3//5", 3, 0, 5},
		{"3/4/5", 3, 4, 5},
		{"-1/-2/-3", -1, -2, -3},
	}
	for _, tt := range tests {
		p, tx, n := scanFaceCorner([]byte(tt.in))
		if p != tt.p || tx != tt.t || n != tt.n {
			t.Errorf("scanFaceCorner(%q) = %d/%d/%d, want %d/%d/%d", tt.in, p, tx, n, tt.p, tt.t, tt.n)
		}
	}
}

func TestParseOBJFile_MaterialTexture(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tex", "diffuse.png"), []byte("png"))
	writeFile(t, filepath.Join(dir, "model.mtl"), []byte("newmtl a\nKd 1 1 1\nmap_Kd -s 1 1 1 tex\\diffuse.png\n"))
	writeFile(t, filepath.Join(dir, "model.obj"), []byte("mtllib model.mtl\nv 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"))

	m, err := ParseOBJFile(filepath.Join(dir, "model.obj"), 0)
	if err != nil {
		t.Fatalf("ParseOBJFile failed: %v", err)
	}
	if m.Name != "model" {
		t.Errorf("expected name 'model', got %q", m.Name)
	}
	want := filepath.Join(dir, "tex", "diffuse.png")
	if m.Parts[0].TexturePath != want {
		t.Errorf("expected texture %q, got %q", want, m.Parts[0].TexturePath)
	}
}

func TestParseOBJFile_MissingMaterial(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "m.obj"), []byte("mtllib nope.mtl\nv 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"))

	m, err := ParseOBJFile(filepath.Join(dir, "m.obj"), 2)
	if err != nil {
		t.Fatalf("ParseOBJFile failed: %v", err)
	}
	if m.Parts[0].TexturePath != "" {
		t.Errorf("expected no texture, got %q", m.Parts[0].TexturePath)
	}
}

func TestParseOBJFile_EmptyAndMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.obj")
	writeFile(t, path, nil)

	m, err := ParseOBJFile(path, 0)
	if err != nil {
		t.Fatalf("ParseOBJFile(empty) failed: %v", err)
	}
	if !m.IsEmpty() {
		t.Error("expected empty mesh")
	}

	if _, err := ParseOBJFile(filepath.Join(dir, "missing.obj"), 0); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLastMTLArg(t *testing.T) {
	tests := map[string]string{
		"diffuse.png":              "diffuse.png",
		"my texture.png":           "my texture.png",
		"-bm 0.5 bump.png":         "bump.png",
		"-s 1 1 1 -o 0 0 0 d.tga ": "d.tga",
	}
	for in, want := range tests {
		if got := lastMTLArg([]byte(in)); got != want {
			t.Errorf("lastMTLArg(%q) = %q, want %q", in, got, want)
		}
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
