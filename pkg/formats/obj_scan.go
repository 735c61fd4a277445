package formats

import (
	"bytes"
	"math"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// minParallelOBJBytes is the input size below which the OBJ scanner uses a
// single chunk.
const minParallelOBJBytes = 64 << 10

// objCorner is one triangle corner: 1-based attribute indices (0 = absent or
// invalid) and the corner's slot in the final index buffer.
type objCorner struct {
	pos, tex, norm int32
	slot           uint32
}

// objCounts is the result of the count pass over one chunk.
type objCounts struct {
	positions int
	colored   int
	texcoords int
	normals   int
	triangles int
}

// objScan holds the flat attribute arrays filled by the parse pass.
type objScan struct {
	positions [][3]float32
	colors    [][4]float32 // nil unless some v line carried RGB
	texcoords [][2]float32
	normals   [][3]float32
	corners   []objCorner
	mtllib    string
}

type objLineKind int

const (
	objLineOther objLineKind = iota
	objLineVertex
	objLineTexCoord
	objLineNormal
	objLineFace
	objLineMtllib
)

// splitChunks cuts data into at most n contiguous ranges, snapping every
// boundary forward past the next newline so no line spans two chunks.
func splitChunks(data []byte, n int) [][]byte {
	if n < 1 || len(data) < minParallelOBJBytes {
		n = 1
	}
	chunks := make([][]byte, 0, n)
	start := 0
	for i := 1; i <= n && start < len(data); i++ {
		end := len(data)
		if i < n {
			end = int(int64(len(data)) * int64(i) / int64(n))
			if end < start {
				end = start
			}
			if j := bytes.IndexByte(data[end:], '\n'); j >= 0 {
				end += j + 1
			} else {
				end = len(data)
			}
		}
		if end > start {
			chunks = append(chunks, data[start:end])
		}
		start = end
	}
	return chunks
}

// scanOBJ runs the parallel count pass, sizes the attribute arrays from the
// per-chunk exclusive prefix sums and runs the parallel parse pass into the
// disjoint regions.
func scanOBJ(data []byte, workers int) *objScan {
	chunks := splitChunks(data, workers)
	counts := make([]objCounts, len(chunks))

	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for i, chunk := range chunks {
		g.Go(func() error {
			counts[i] = countOBJChunk(chunk)
			return nil
		})
	}
	_ = g.Wait()

	regions := make([]objCounts, len(chunks)+1)
	colored := 0
	for i, c := range counts {
		regions[i+1] = objCounts{
			positions: regions[i].positions + c.positions,
			texcoords: regions[i].texcoords + c.texcoords,
			normals:   regions[i].normals + c.normals,
			triangles: regions[i].triangles + c.triangles,
		}
		colored += c.colored
	}
	total := regions[len(chunks)]

	scan := &objScan{
		positions: make([][3]float32, total.positions),
		texcoords: make([][2]float32, total.texcoords),
		normals:   make([][3]float32, total.normals),
		corners:   make([]objCorner, 3*total.triangles),
	}
	if colored > 0 {
		scan.colors = make([][4]float32, total.positions)
	}

	mtllibs := make([]string, len(chunks))
	for i, chunk := range chunks {
		g.Go(func() error {
			mtllibs[i] = parseOBJChunk(chunk, scan, regions[i], regions[i+1])
			return nil
		})
	}
	_ = g.Wait()

	for _, lib := range mtllibs {
		if lib != "" {
			scan.mtllib = lib
			break
		}
	}
	return scan
}

// forEachLine calls fn for every line in chunk with surrounding blanks and
// the trailing CR removed.
func forEachLine(chunk []byte, fn func(line []byte)) {
	for len(chunk) > 0 {
		var line []byte
		if i := bytes.IndexByte(chunk, '\n'); i >= 0 {
			line, chunk = chunk[:i], chunk[i+1:]
		} else {
			line, chunk = chunk, nil
		}
		fn(trimBlank(line))
	}
}

func trimBlank(b []byte) []byte {
	start := 0
	for start < len(b) && isBlank(b[start]) {
		start++
	}
	end := len(b)
	for end > start && (isBlank(b[end-1]) || b[end-1] == '\r') {
		end--
	}
	return b[start:end]
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// classifyOBJLine returns the line kind and the payload after the keyword.
func classifyOBJLine(line []byte) (objLineKind, []byte) {
	if len(line) < 2 || line[0] == '#' {
		return objLineOther, nil
	}
	switch line[0] {
	case 'v':
		switch {
		case isBlank(line[1]):
			return objLineVertex, line[2:]
		case len(line) > 2 && line[1] == 't' && isBlank(line[2]):
			return objLineTexCoord, line[3:]
		case len(line) > 2 && line[1] == 'n' && isBlank(line[2]):
			return objLineNormal, line[3:]
		}
	case 'f':
		if isBlank(line[1]) {
			return objLineFace, line[2:]
		}
	case 'm':
		if len(line) > 7 && bytes.HasPrefix(line, []byte("mtllib")) && isBlank(line[6]) {
			return objLineMtllib, line[7:]
		}
	}
	return objLineOther, nil
}

// nextField returns the next blank-separated field of s starting at i and
// the index just past it.
func nextField(s []byte, i int) ([]byte, int) {
	for i < len(s) && isBlank(s[i]) {
		i++
	}
	start := i
	for i < len(s) && !isBlank(s[i]) {
		i++
	}
	return s[start:i], i
}

func countFields(s []byte) int {
	n := 0
	for i := 0; i < len(s); {
		f, next := nextField(s, i)
		if len(f) == 0 {
			break
		}
		n++
		i = next
	}
	return n
}

func countOBJChunk(chunk []byte) objCounts {
	var c objCounts
	forEachLine(chunk, func(line []byte) {
		kind, rest := classifyOBJLine(line)
		switch kind {
		case objLineVertex:
			c.positions++
			if countFields(rest) >= 6 {
				c.colored++
			}
		case objLineTexCoord:
			c.texcoords++
		case objLineNormal:
			c.normals++
		case objLineFace:
			if n := countFields(rest); n >= 3 {
				c.triangles += n - 2
			}
		}
	})
	return c
}

// parseOBJChunk fills the regions [from, to) of scan and returns the first
// mtllib reference in the chunk.
func parseOBJChunk(chunk []byte, scan *objScan, from, to objCounts) string {
	pos, tex, norm := from.positions, from.texcoords, from.normals
	corner := 3 * from.triangles
	cornerEnd := 3 * to.triangles
	var mtllib string
	var face []objCorner

	forEachLine(chunk, func(line []byte) {
		kind, rest := classifyOBJLine(line)
		switch kind {
		case objLineVertex:
			if pos >= to.positions {
				return
			}
			var vals [6]float32
			n := scanFloats(rest, vals[:])
			scan.positions[pos] = [3]float32{vals[0], vals[1], vals[2]}
			if scan.colors != nil {
				if n >= 6 {
					scan.colors[pos] = [4]float32{vals[3], vals[4], vals[5], 1}
				} else {
					scan.colors[pos] = [4]float32{1, 1, 1, 1}
				}
			}
			pos++
		case objLineTexCoord:
			if tex >= to.texcoords {
				return
			}
			var vals [2]float32
			scanFloats(rest, vals[:])
			scan.texcoords[tex] = vals
			tex++
		case objLineNormal:
			if norm >= to.normals {
				return
			}
			var vals [3]float32
			scanFloats(rest, vals[:])
			scan.normals[norm] = vals
			norm++
		case objLineFace:
			face = face[:0]
			for i := 0; i < len(rest); {
				f, next := nextField(rest, i)
				if len(f) == 0 {
					break
				}
				i = next
				p, t, n := scanFaceCorner(f)
				face = append(face, objCorner{
					pos:  resolveOBJIndex(p, pos),
					tex:  resolveOBJIndex(t, tex),
					norm: resolveOBJIndex(n, norm),
				})
			}
			// Fan triangulation: (c0, ci, ci+1).
			for i := 1; i+1 < len(face); i++ {
				if corner+3 > cornerEnd {
					return
				}
				for _, c := range [3]objCorner{face[0], face[i], face[i+1]} {
					c.slot = uint32(corner)
					scan.corners[corner] = c
					corner++
				}
			}
		case objLineMtllib:
			if mtllib == "" {
				mtllib = string(bytes.TrimSpace(rest))
			}
		}
	})
	return mtllib
}

// resolveOBJIndex maps a raw OBJ index to a 1-based index. Negative indices
// count back from the end of the list so far: count + raw + 1.
// Returns 0 for absent or unresolvable references.
func resolveOBJIndex(raw int64, count int) int32 {
	switch {
	case raw > 0:
		if raw > math.MaxInt32 {
			return 0
		}
		return int32(raw)
	case raw < 0:
		idx := int64(count) + raw + 1
		if idx < 1 {
			return 0
		}
		return int32(idx)
	default:
		return 0
	}
}

// scanFaceCorner parses "p", "p/t", "p//n" or "p/t/n".
func scanFaceCorner(f []byte) (p, t, n int64) {
	var i int
	p, i = scanInt(f, 0)
	if i < len(f) && f[i] == '/' {
		i++
		if i < len(f) && f[i] != '/' {
			t, i = scanInt(f, i)
		}
		if i < len(f) && f[i] == '/' {
			n, _ = scanInt(f, i+1)
		}
	}
	return p, t, n
}

// scanInt parses an optionally signed decimal integer at s[i:].
func scanInt(s []byte, i int) (int64, int) {
	neg := false
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		neg = s[i] == '-'
		i++
	}
	var v int64
	for ; i < len(s) && isDigit(s[i]); i++ {
		if v < math.MaxInt64/10 {
			v = v*10 + int64(s[i]-'0')
		}
	}
	if neg {
		v = -v
	}
	return v, i
}

// scanFloats parses up to len(dst) blank-separated floats from s and returns
// how many fields were present.
func scanFloats(s []byte, dst []float32) int {
	n := 0
	for i := 0; i < len(s) && n < len(dst); {
		f, next := nextField(s, i)
		if len(f) == 0 {
			break
		}
		dst[n] = scanFloat(f)
		n++
		i = next
	}
	return n
}

var pow10tab = [...]float64{
	1e0, 1e1, 1e2, 1e3, 1e4, 1e5, 1e6, 1e7, 1e8, 1e9, 1e10, 1e11,
	1e12, 1e13, 1e14, 1e15, 1e16, 1e17, 1e18, 1e19, 1e20, 1e21, 1e22,
}

func pow10(e int) float64 {
	if e < len(pow10tab) {
		return pow10tab[e]
	}
	return math.Pow10(e)
}

// scanFloat parses a decimal float of the form [+-]digits[.digits][(e|E)[+-]digits].
// Spellings it does not recognise (nan, inf) go through strconv; anything
// unparsable yields 0.
func scanFloat(f []byte) float32 {
	i := 0
	neg := false
	if i < len(f) && (f[i] == '-' || f[i] == '+') {
		neg = f[i] == '-'
		i++
	}

	var mant uint64
	digits, exp := 0, 0
	sawDigit := false
	for ; i < len(f) && isDigit(f[i]); i++ {
		sawDigit = true
		if digits < 19 {
			mant = mant*10 + uint64(f[i]-'0')
			if mant != 0 {
				digits++
			}
		} else {
			exp++
		}
	}
	if i < len(f) && f[i] == '.' {
		i++
		for ; i < len(f) && isDigit(f[i]); i++ {
			sawDigit = true
			if digits < 19 {
				mant = mant*10 + uint64(f[i]-'0')
				if mant != 0 {
					digits++
				}
				exp--
			}
		}
	}
	if !sawDigit {
		v, err := strconv.ParseFloat(string(f), 32)
		if err != nil {
			return 0
		}
		return float32(v)
	}
	if i < len(f) && (f[i] == 'e' || f[i] == 'E') {
		e, _ := scanInt(f, i+1)
		if e > 1000 {
			e = 1000
		} else if e < -1000 {
			e = -1000
		}
		exp += int(e)
	}

	v := float64(mant)
	switch {
	case mant == 0:
	case exp > 0:
		v *= pow10(exp)
	case exp < 0:
		if -exp > 308 {
			v /= pow10(308)
			v /= pow10(-exp - 308)
		} else {
			v /= pow10(-exp)
		}
	}
	if neg {
		v = -v
	}
	return float32(v)
}
