package formats

import (
	"encoding/binary"
	"math"
)

// binReader is a little-endian cursor over a byte slice. Reads past the end
// return zero values and set short, so fixed-layout decoders can stop filling
// arrays without checking every call.
type binReader struct {
	data  []byte
	off   int
	short bool
}

func newBinReader(data []byte) *binReader {
	return &binReader{data: data}
}

func (r *binReader) remaining() int {
	return len(r.data) - r.off
}

func (r *binReader) take(n int) []byte {
	if n < 0 || r.off+n > len(r.data) {
		r.off = len(r.data)
		r.short = true
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binReader) skip(n int) {
	r.take(n)
}

func (r *binReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binReader) i8() int8 {
	return int8(r.u8())
}

func (r *binReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *binReader) i16() int16 {
	return int16(r.u16())
}

func (r *binReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *binReader) i32() int32 {
	return int32(r.u32())
}

func (r *binReader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *binReader) vec2() [2]float32 {
	return [2]float32{r.f32(), r.f32()}
}

func (r *binReader) vec3() [3]float32 {
	return [3]float32{r.f32(), r.f32(), r.f32()}
}

func (r *binReader) vec4() [4]float32 {
	return [4]float32{r.f32(), r.f32(), r.f32(), r.f32()}
}

// sizedIndex reads an index stored in size bytes. Sizes 1 and 2 are unsigned,
// size 4 is signed (-1 means "none" in PMX).
func (r *binReader) sizedIndex(size int) int64 {
	switch size {
	case 1:
		return int64(r.u8())
	case 2:
		return int64(r.u16())
	default:
		return int64(r.i32())
	}
}

// sizedSignedIndex reads a PMX bone/texture/material style index where every
// width is signed.
func (r *binReader) sizedSignedIndex(size int) int64 {
	switch size {
	case 1:
		return int64(r.i8())
	case 2:
		return int64(r.i16())
	default:
		return int64(r.i32())
	}
}
