package thumbnail

import (
	"bufio"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ftrvxmtrx/tga"
	"github.com/h2non/filetype"
	"golang.org/x/image/bmp"
	"golang.org/x/image/webp"

	"github.com/Faultbox/meshload/pkg/mesh"
)

type decodeFunc func(io.Reader) (image.Image, error)

// textureDecoders is keyed by lower-case extension without the dot. The tga
// package registers with an empty magic string, so image.Decode cannot be
// trusted to pick the format.
var textureDecoders = map[string]decodeFunc{
	"png":  png.Decode,
	"jpg":  jpeg.Decode,
	"jpeg": jpeg.Decode,
	"bmp":  bmp.Decode,
	"webp": webp.Decode,
	"tga":  tga.Decode,
}

// averageSamples caps sampling at about 64x64 texels per texture.
const averageSamples = 64

// tintCache memoizes texture averages for one render.
type tintCache struct {
	averages map[string][4]float32
}

func newTintCache() *tintCache {
	return &tintCache{averages: make(map[string][4]float32)}
}

// partTint returns the part base color multiplied by its texture average.
// A missing or undecodable texture counts as white.
func (tc *tintCache) partTint(p mesh.Part) [4]float32 {
	tint := p.BaseColor
	if p.TexturePath == "" {
		return tint
	}
	avg, ok := tc.averages[p.TexturePath]
	if !ok {
		avg = textureAverage(p.TexturePath)
		tc.averages[p.TexturePath] = avg
	}
	for i := range tint {
		tint[i] *= avg[i]
	}
	return tint
}

func textureAverage(path string) [4]float32 {
	f, err := os.Open(path)
	if err != nil {
		return mesh.White
	}
	defer f.Close()

	r := bufio.NewReader(f)
	decode := textureDecoder(path, r)
	if decode == nil {
		return mesh.White
	}
	img, err := decode(r)
	if err != nil {
		return mesh.White
	}
	return averageColor(img)
}

// textureDecoder picks a decoder from the file extension, sniffing the
// content when the extension is unknown.
func textureDecoder(path string, r *bufio.Reader) decodeFunc {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if decode, ok := textureDecoders[ext]; ok {
		return decode
	}
	head, _ := r.Peek(262)
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return nil
	}
	return textureDecoders[kind.Extension]
}

// averageColor returns the mean non-premultiplied color of img on a sparse
// grid. Alpha is averaged too, but fully transparent images count as opaque
// so a cutout texture does not hide the whole part.
func averageColor(img image.Image) [4]float32 {
	b := img.Bounds()
	if b.Empty() {
		return mesh.White
	}
	stepX := max(b.Dx()/averageSamples, 1)
	stepY := max(b.Dy()/averageSamples, 1)

	var sum [4]float64
	var weight float64
	var n int
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			r, g, bl, a := img.At(x, y).RGBA()
			n++
			sum[3] += float64(a)
			if a == 0 {
				continue
			}
			// RGBA() is premultiplied; weight by alpha to undo it.
			sum[0] += float64(r)
			sum[1] += float64(g)
			sum[2] += float64(bl)
			weight += float64(a)
		}
	}
	if weight == 0 {
		return mesh.White
	}
	return [4]float32{
		float32(sum[0] / weight),
		float32(sum[1] / weight),
		float32(sum[2] / weight),
		float32(sum[3] / float64(n) / 0xffff),
	}
}
