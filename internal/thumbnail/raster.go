package thumbnail

import (
	"image"

	"github.com/chewxy/math32"

	rmath "github.com/Faultbox/meshload/pkg/math"
)

const (
	ambient = 0.25
	diffuse = 0.75
)

// lightDir points from the surface toward the light in pixel space, where
// negative Y is up. Upper left, in front of the model.
var lightDir = rmath.Vec3{X: -0.35, Y: -0.55, Z: 0.75}.Normalize()

// frameBuffer holds NRGBA pixels and a depth buffer, larger Z is nearer.
type frameBuffer struct {
	width, height int
	color         []uint8
	depth         []float32
}

func newFrameBuffer(w, h int) *frameBuffer {
	depth := make([]float32, w*h)
	for i := range depth {
		depth[i] = math32.Inf(-1)
	}
	return &frameBuffer{
		width:  w,
		height: h,
		color:  make([]uint8, w*h*4),
		depth:  depth,
	}
}

func (fb *frameBuffer) image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    fb.color,
		Stride: fb.width * 4,
		Rect:   image.Rect(0, 0, fb.width, fb.height),
	}
}

// fillTriangle rasterizes one flat-shaded triangle given in pixel space.
// Both windings are drawn.
func (fb *frameBuffer) fillTriangle(a, b, c rmath.Vec3, tint [4]float32) {
	// Shading is two-sided, so the normal's sign does not matter.
	n := b.Sub(a).Cross(c.Sub(a))
	if n.LengthSq() < 1e-12 {
		return
	}
	n = n.Normalize()
	shade := ambient + diffuse*math32.Abs(n.Dot(lightDir))

	r := toByte(tint[0] * shade)
	g := toByte(tint[1] * shade)
	bl := toByte(tint[2] * shade)
	al := toByte(tint[3])
	if al == 0 {
		return
	}

	minX := max(int(math32.Floor(min(a.X, b.X, c.X))), 0)
	maxX := min(int(math32.Ceil(max(a.X, b.X, c.X))), fb.width-1)
	minY := max(int(math32.Floor(min(a.Y, b.Y, c.Y))), 0)
	maxY := min(int(math32.Ceil(max(a.Y, b.Y, c.Y))), fb.height-1)
	if minX > maxX || minY > maxY {
		return
	}

	det := (b.Y-c.Y)*(a.X-c.X) + (c.X-b.X)*(a.Y-c.Y)
	if math32.Abs(det) < 1e-8 {
		return
	}
	inv := 1 / det

	for y := minY; y <= maxY; y++ {
		py := float32(y) + 0.5
		row := y * fb.width
		for x := minX; x <= maxX; x++ {
			px := float32(x) + 0.5
			w0 := ((b.Y-c.Y)*(px-c.X) + (c.X-b.X)*(py-c.Y)) * inv
			w1 := ((c.Y-a.Y)*(px-c.X) + (a.X-c.X)*(py-c.Y)) * inv
			w2 := 1 - w0 - w1
			if w0 < 0 || w1 < 0 || w2 < 0 {
				continue
			}

			z := w0*a.Z + w1*b.Z + w2*c.Z
			i := row + x
			if z <= fb.depth[i] {
				continue
			}
			fb.depth[i] = z

			o := i * 4
			fb.color[o] = r
			fb.color[o+1] = g
			fb.color[o+2] = bl
			fb.color[o+3] = al
		}
	}
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}
