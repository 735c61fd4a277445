// Package thumbnail renders small WebP previews of decoded meshes.
//
// The model is drawn with a software z-buffer from a fixed three-quarter
// view (30 degrees yaw, 20 degrees pitch) using flat Lambert shading. Each
// part is tinted by its base color times the average color of its texture.
package thumbnail

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/HugoSmits86/nativewebp"
	"github.com/chewxy/math32"
	"golang.org/x/image/draw"

	rmath "github.com/Faultbox/meshload/pkg/math"
	"github.com/Faultbox/meshload/pkg/mesh"
)

// ErrEmptyMesh is returned when there is nothing to draw.
var ErrEmptyMesh = errors.New("mesh has no geometry")

const (
	viewYaw   = 30 * math32.Pi / 180
	viewPitch = 20 * math32.Pi / 180
	margin    = 0.05
	maxSize   = 2048
)

// Options controls the output raster.
type Options struct {
	Size        int // Output width and height in pixels
	Supersample int // Render scale factor before downsampling
}

// DefaultOptions returns the 128px, 2x supersampled preset.
func DefaultOptions() Options {
	return Options{Size: 128, Supersample: 2}
}

func (o Options) normalized() Options {
	if o.Size <= 0 {
		o.Size = 128
	}
	o.Size = min(o.Size, maxSize)
	if o.Supersample <= 0 {
		o.Supersample = 1
	}
	o.Supersample = min(o.Supersample, maxSize/o.Size)
	return o
}

// Generate renders m and returns lossless WebP bytes.
func Generate(m *mesh.Mesh, opts Options) ([]byte, error) {
	img, err := Render(m, opts)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := nativewebp.Encode(&buf, img, nil); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// Render draws m into an Options.Size square image with a transparent
// background.
func Render(m *mesh.Mesh, opts Options) (*image.NRGBA, error) {
	if m.IsEmpty() || len(m.Indices) < 3 {
		return nil, ErrEmptyMesh
	}
	opts = opts.normalized()
	size := opts.Size * opts.Supersample

	fb := newFrameBuffer(size, size)
	pts := project(m, size)
	tints := newTintCache()

	for _, r := range drawRanges(m) {
		tint := tints.partTint(r.part)
		for t := r.start; t+2 < r.end; t += 3 {
			i0, i1, i2 := m.Indices[t], m.Indices[t+1], m.Indices[t+2]
			if int(max(i0, i1, i2)) >= len(pts) {
				continue
			}
			fb.fillTriangle(pts[i0], pts[i1], pts[i2], tint)
		}
	}

	return downsample(fb.image(), opts.Size), nil
}

// drawRange is a run of the index buffer drawn with one part's material.
type drawRange struct {
	start, end int
	part       mesh.Part
}

// drawRanges returns the part ranges clamped to the index buffer. A mesh
// without parts is drawn as one white range.
func drawRanges(m *mesh.Mesh) []drawRange {
	n := len(m.Indices)
	if len(m.Parts) == 0 {
		return []drawRange{{0, n, mesh.WholePart("", n, "")}}
	}
	ranges := make([]drawRange, 0, len(m.Parts))
	for _, p := range m.Parts {
		start := min(int(p.IndexOffset), n)
		end := min(start+int(p.IndexCount), n)
		ranges = append(ranges, drawRange{start, end, p})
	}
	return ranges
}

// project maps every vertex into pixel space. X grows right, Y grows down
// and Z grows toward the viewer. All three axes share one scale factor so
// face normals keep their direction up to the Y flip.
func project(m *mesh.Mesh, size int) []rmath.Vec3 {
	view := rmath.RotateX(viewPitch).Mul(rmath.RotateY(viewYaw))
	center := rmath.V3(m.Center)

	pts := make([]rmath.Vec3, len(m.Vertices))
	lo := rmath.Vec3{X: math32.MaxFloat32, Y: math32.MaxFloat32, Z: math32.MaxFloat32}
	hi := rmath.Vec3{X: -math32.MaxFloat32, Y: -math32.MaxFloat32, Z: -math32.MaxFloat32}
	for i, v := range m.Vertices {
		p := rmath.V3(v.Position).Sub(center).Scale(m.Scale)
		p = rmath.V3(view.TransformPoint(p.Array()))
		pts[i] = p
		lo = lo.Min(p)
		hi = hi.Max(p)
	}

	extent := max(hi.X-lo.X, hi.Y-lo.Y)
	if extent < 1e-6 {
		extent = 1
	}
	usable := float32(size) * (1 - 2*margin)
	k := usable / extent
	offX := (float32(size) - (hi.X-lo.X)*k) / 2
	offY := (float32(size) - (hi.Y-lo.Y)*k) / 2

	for i, p := range pts {
		pts[i] = rmath.Vec3{
			X: offX + (p.X-lo.X)*k,
			Y: offY + (hi.Y-p.Y)*k,
			Z: p.Z * k,
		}
	}
	return pts
}

// downsample shrinks a supersampled render with premultiplied CatmullRom
// filtering so transparent edges do not darken.
func downsample(img *image.NRGBA, target int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() <= target && b.Dy() <= target {
		return img
	}

	premul := image.NewRGBA(b)
	draw.Draw(premul, b, img, b.Min, draw.Src)

	dst := image.NewRGBA(image.Rect(0, 0, target, target))
	draw.CatmullRom.Scale(dst, dst.Bounds(), premul, premul.Bounds(), draw.Src, nil)

	out := image.NewNRGBA(dst.Bounds())
	draw.Draw(out, out.Bounds(), dst, image.Point{}, draw.Src)
	return out
}
