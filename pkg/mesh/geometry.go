package mesh

import (
	"github.com/chewxy/math32"

	"github.com/Faultbox/meshload/pkg/math"
)

// boundsLanes is the batch width used by ComputeBounds.
const boundsLanes = 8

// minNormalLengthSq marks accumulated normals treated as degenerate.
const minNormalLengthSq = 1e-6

// TargetExtent is the largest extent of a mesh after (p-center)*scale.
const TargetExtent = 1.5

// AccumulateNormals sums the unnormalized face normal of every triangle into
// its three vertices and then normalizes each vertex normal. Vertices whose
// accumulated length squared is below 1e-6 keep a zero normal. Triangles with
// an out-of-range index are skipped.
func AccumulateNormals(vertices []Vertex, indices []uint32) {
	acc := make([]math.Vec3, len(vertices))
	n := uint32(len(vertices))

	for t := 0; t+2 < len(indices); t += 3 {
		i1, i2, i3 := indices[t], indices[t+1], indices[t+2]
		if i1 >= n || i2 >= n || i3 >= n {
			continue
		}
		p1 := math.V3(vertices[i1].Position)
		p2 := math.V3(vertices[i2].Position)
		p3 := math.V3(vertices[i3].Position)
		fn := p2.Sub(p1).Cross(p3.Sub(p1))
		acc[i1] = acc[i1].Add(fn)
		acc[i2] = acc[i2].Add(fn)
		acc[i3] = acc[i3].Add(fn)
	}

	for i := range vertices {
		lsq := acc[i].LengthSq()
		if lsq < minNormalLengthSq {
			vertices[i].Normal = [3]float32{}
			continue
		}
		inv := 1 / math32.Sqrt(lsq)
		vertices[i].Normal = acc[i].Scale(inv).Array()
	}
}

// ComputeBounds reduces all positions to a componentwise min/max and returns
// the box center and the scale that maps the largest extent to 1.5.
// Empty or degenerate input yields center 0 and scale 1.
func ComputeBounds(vertices []Vertex) (center [3]float32, scale float32) {
	if len(vertices) == 0 {
		return [3]float32{}, 1
	}
	lo, hi := boundsWide(vertices)
	return centerScale(lo, hi)
}

// MinMax returns the componentwise bounds of all positions.
func MinMax(vertices []Vertex) (lo, hi [3]float32) {
	if len(vertices) == 0 {
		return
	}
	return boundsWide(vertices)
}

func centerScale(lo, hi [3]float32) ([3]float32, float32) {
	center := [3]float32{
		(lo[0] + hi[0]) / 2,
		(lo[1] + hi[1]) / 2,
		(lo[2] + hi[2]) / 2,
	}
	extent := max(hi[0]-lo[0], hi[1]-lo[1], hi[2]-lo[2])
	if extent > 1e-6 {
		return center, TargetExtent / extent
	}
	return center, 1
}

// boundsWide keeps boundsLanes independent min/max accumulators per axis and
// folds them at the end. min/max are exact, so the result is bit-identical to
// boundsScalar.
func boundsWide(vertices []Vertex) (lo, hi [3]float32) {
	if len(vertices) < boundsLanes*2 {
		return boundsScalar(vertices)
	}

	var minX, minY, minZ, maxX, maxY, maxZ [boundsLanes]float32
	for l := 0; l < boundsLanes; l++ {
		p := vertices[l].Position
		minX[l], minY[l], minZ[l] = p[0], p[1], p[2]
		maxX[l], maxY[l], maxZ[l] = p[0], p[1], p[2]
	}

	full := len(vertices) - len(vertices)%boundsLanes
	for base := boundsLanes; base < full; base += boundsLanes {
		batch := vertices[base : base+boundsLanes : base+boundsLanes]
		for l := range batch {
			p := &batch[l].Position
			minX[l] = min(minX[l], p[0])
			minY[l] = min(minY[l], p[1])
			minZ[l] = min(minZ[l], p[2])
			maxX[l] = max(maxX[l], p[0])
			maxY[l] = max(maxY[l], p[1])
			maxZ[l] = max(maxZ[l], p[2])
		}
	}

	lo = [3]float32{minX[0], minY[0], minZ[0]}
	hi = [3]float32{maxX[0], maxY[0], maxZ[0]}
	for l := 1; l < boundsLanes; l++ {
		lo[0], lo[1], lo[2] = min(lo[0], minX[l]), min(lo[1], minY[l]), min(lo[2], minZ[l])
		hi[0], hi[1], hi[2] = max(hi[0], maxX[l]), max(hi[1], maxY[l]), max(hi[2], maxZ[l])
	}

	for _, v := range vertices[full:] {
		p := v.Position
		lo[0], lo[1], lo[2] = min(lo[0], p[0]), min(lo[1], p[1]), min(lo[2], p[2])
		hi[0], hi[1], hi[2] = max(hi[0], p[0]), max(hi[1], p[1]), max(hi[2], p[2])
	}
	return lo, hi
}

func boundsScalar(vertices []Vertex) (lo, hi [3]float32) {
	lo = vertices[0].Position
	hi = lo
	for _, v := range vertices[1:] {
		for k := 0; k < 3; k++ {
			lo[k] = min(lo[k], v.Position[k])
			hi[k] = max(hi[k], v.Position[k])
		}
	}
	return lo, hi
}

// RangeCenter returns the bbox center of the vertices referenced by indices.
// Out-of-range indices are ignored.
func RangeCenter(vertices []Vertex, indices []uint32) [3]float32 {
	n := uint32(len(vertices))
	var lo, hi [3]float32
	seen := false
	for _, idx := range indices {
		if idx >= n {
			continue
		}
		p := vertices[idx].Position
		if !seen {
			lo, hi, seen = p, p, true
			continue
		}
		for k := 0; k < 3; k++ {
			lo[k] = min(lo[k], p[k])
			hi[k] = max(hi[k], p[k])
		}
	}
	if !seen {
		return [3]float32{}
	}
	return [3]float32{(lo[0] + hi[0]) / 2, (lo[1] + hi[1]) / 2, (lo[2] + hi[2]) / 2}
}
