package formats

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"

	mmath "github.com/Faultbox/meshload/pkg/math"
	"github.com/Faultbox/meshload/pkg/mesh"
)

// FallbackVersion is bumped whenever fallback import output changes.
const FallbackVersion = 2

// FallbackImporter imports glTF 2.0 files through github.com/qmuntal/gltf
// and STL files in either encoding, ASCII included. It is selected by the
// loader when a native parser defers or when an extension is configured to
// always use it.
type FallbackImporter struct {
	// ImageDir receives embedded images; "" means os.TempDir().
	ImageDir string
}

func (f *FallbackImporter) Kind() Kind { return KindFallback }
func (f *FallbackImporter) FormatVersion() uint32 { return FallbackVersion }

func (f *FallbackImporter) CanHandle(ext string) bool {
	return ext == ".gltf" || ext == ".glb" || ext == ".stl"
}

func (f *FallbackImporter) Parse(path string) (*mesh.Mesh, error) {
	if !f.CanHandle(Ext(path)) {
		return nil, fmt.Errorf("fallback import of %s: %w", Ext(path), ErrUnsupported)
	}
	if Ext(path) == ".stl" {
		return importSTL(path)
	}
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening glTF document: %w", err)
	}
	for _, ext := range doc.ExtensionsRequired {
		if gltfUnsupportedExtensions[ext] {
			return nil, fmt.Errorf("glTF requires %s: %w", ext, ErrUnsupported)
		}
	}

	imp := &fallbackImport{
		doc:      doc,
		dir:      filepath.Dir(path),
		imageDir: f.ImageDir,
		images:   make(map[int]string),
		visited:  make([]bool, len(doc.Nodes)),
		m:        mesh.Empty(),
	}
	if len(doc.Scenes) > 0 {
		scene := 0
		if doc.Scene != nil && *doc.Scene >= 0 && *doc.Scene < len(doc.Scenes) {
			scene = *doc.Scene
		}
		for _, n := range doc.Scenes[scene].Nodes {
			imp.walk(n, mmath.Identity(), 0)
		}
	} else {
		for i := range doc.Meshes {
			imp.addMesh(i, mmath.Identity())
		}
	}

	if len(imp.m.Vertices) == 0 {
		return mesh.Empty(), nil
	}
	imp.m.Name = modelName(path)
	return imp.m.Finish(!imp.hasNormals), nil
}

func importSTL(path string) (*mesh.Mesh, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading STL file: %w", err)
	}
	var m *mesh.Mesh
	if IsASCIISTL(data) {
		m, err = ParseASCIISTL(data)
	} else {
		m, err = ParseSTL(data)
	}
	if err != nil {
		return nil, err
	}
	m.Name = modelName(path)
	return m, nil
}

type fallbackImport struct {
	doc      *gltf.Document
	dir      string
	imageDir string
	images   map[int]string
	visited  []bool

	m          *mesh.Mesh
	hasNormals bool
}

func fallbackLocal(n *gltf.Node) mmath.Mat4 {
	if mat := n.MatrixOrDefault(); mat != gltf.DefaultMatrix {
		var m mmath.Mat4
		for i, v := range mat {
			m[i] = float32(v)
		}
		return m
	}
	t := n.TranslationOrDefault()
	r := n.RotationOrDefault()
	s := n.ScaleOrDefault()
	return mmath.FromTRS(
		mmath.Vec3{X: float32(t[0]), Y: float32(t[1]), Z: float32(t[2])},
		mmath.Quat{X: float32(r[0]), Y: float32(r[1]), Z: float32(r[2]), W: float32(r[3])},
		mmath.Vec3{X: float32(s[0]), Y: float32(s[1]), Z: float32(s[2])},
	)
}

func (f *fallbackImport) walk(idx int, parent mmath.Mat4, depth int) {
	if idx < 0 || idx >= len(f.doc.Nodes) || depth > maxNodeDepth || f.visited[idx] {
		return
	}
	f.visited[idx] = true
	n := f.doc.Nodes[idx]
	world := parent.Mul(fallbackLocal(n))
	if n.Mesh != nil {
		f.addMesh(*n.Mesh, world)
	}
	for _, child := range n.Children {
		f.walk(child, world, depth+1)
	}
}

// accessor returns the accessor at idx, or nil when it is out of range or
// declares more elements than the data behind it can hold.
func (f *fallbackImport) accessor(idx int) *gltf.Accessor {
	if idx < 0 || idx >= len(f.doc.Accessors) {
		return nil
	}
	acc := f.doc.Accessors[idx]
	size := int64(acc.ComponentType.ByteSize()) * int64(acc.Type.Components())
	if size == 0 {
		return nil
	}
	if acc.Sparse != nil && acc.Sparse.Count > acc.Count {
		return nil
	}
	limit := int64(max(f.bufferBytes(), zeroAccessorBytes))
	if acc.BufferView != nil {
		if *acc.BufferView < 0 || *acc.BufferView >= len(f.doc.BufferViews) {
			return nil
		}
		limit = int64(f.doc.BufferViews[*acc.BufferView].ByteLength) - int64(acc.ByteOffset)
	}
	if acc.ByteOffset < 0 || int64(acc.Count)*size > limit {
		return nil
	}
	return acc
}

func (f *fallbackImport) bufferBytes() int {
	n := 0
	for _, b := range f.doc.Buffers {
		n += len(b.Data)
	}
	return n
}

func (f *fallbackImport) addMesh(idx int, world mmath.Mat4) {
	if idx < 0 || idx >= len(f.doc.Meshes) {
		return
	}
	gm := f.doc.Meshes[idx]
	for pi, prim := range gm.Primitives {
		_ = f.addPrimitive(gm, pi, prim, world)
	}
}

func (f *fallbackImport) addPrimitive(gm *gltf.Mesh, pi int, prim *gltf.Primitive, world mmath.Mat4) error {
	if prim.Mode != gltf.PrimitiveTriangles {
		return nil
	}
	posIdx, ok := prim.Attributes[gltf.POSITION]
	if !ok || f.accessor(posIdx) == nil {
		return nil
	}
	positions, err := modeler.ReadPosition(f.doc, f.accessor(posIdx), nil)
	if err != nil {
		return err
	}

	var normals [][3]float32
	if i, ok := prim.Attributes[gltf.NORMAL]; ok && f.accessor(i) != nil {
		normals, _ = modeler.ReadNormal(f.doc, f.accessor(i), nil)
	}
	var texcoords [][2]float32
	if i, ok := prim.Attributes[gltf.TEXCOORD_0]; ok && f.accessor(i) != nil {
		texcoords, _ = modeler.ReadTextureCoord(f.doc, f.accessor(i), nil)
	}
	var colors [][4]uint8
	if i, ok := prim.Attributes[gltf.COLOR_0]; ok && f.accessor(i) != nil {
		colors, _ = modeler.ReadColor(f.doc, f.accessor(i), nil)
	}

	count := len(positions)
	var local []uint32
	if prim.Indices != nil && f.accessor(*prim.Indices) != nil {
		if local, err = modeler.ReadIndices(f.doc, f.accessor(*prim.Indices), nil); err != nil {
			return err
		}
	} else {
		local = make([]uint32, count)
		for i := range local {
			local[i] = uint32(i)
		}
	}

	withNormals := len(normals) >= count
	if withNormals {
		f.hasNormals = true
	}
	base := uint32(len(f.m.Vertices))
	for i, p := range positions {
		v := mesh.Vertex{Position: world.TransformPoint(p), Color: mesh.White}
		if withNormals {
			v.Normal = mmath.V3(world.TransformDirection(normals[i])).Normalize().Array()
		}
		if i < len(texcoords) {
			v.TexCoord = texcoords[i]
		}
		if i < len(colors) {
			c := colors[i]
			v.Color = [4]float32{float32(c[0]) / 255, float32(c[1]) / 255, float32(c[2]) / 255, float32(c[3]) / 255}
		}
		f.m.Vertices = append(f.m.Vertices, v)
	}

	offset := uint32(len(f.m.Indices))
	for t := 0; t+3 <= len(local); t += 3 {
		a, b, c := local[t], local[t+1], local[t+2]
		if int(a) >= count || int(b) >= count || int(c) >= count {
			continue
		}
		f.m.Indices = append(f.m.Indices, base+a, base+b, base+c)
	}

	part := mesh.Part{
		Name:        fmt.Sprintf("%s/%d", gm.Name, pi),
		IndexOffset: offset,
		IndexCount:  uint32(len(f.m.Indices)) - offset,
		BaseColor:   mesh.White,
		Metallic:    1,
		Roughness:   1,
	}
	if prim.Material != nil && *prim.Material >= 0 && *prim.Material < len(f.doc.Materials) {
		f.applyMaterial(&part, f.doc.Materials[*prim.Material])
	}
	f.m.Parts = append(f.m.Parts, part)
	return nil
}

func (f *fallbackImport) applyMaterial(part *mesh.Part, mat *gltf.Material) {
	if mat.Name != "" {
		part.Name = mat.Name
	}
	pbr := mat.PBRMetallicRoughness
	if pbr == nil {
		return
	}
	c := pbr.BaseColorFactorOrDefault()
	part.BaseColor = [4]float32{float32(c[0]), float32(c[1]), float32(c[2]), float32(c[3])}
	part.Metallic = float32(pbr.MetallicFactorOrDefault())
	part.Roughness = float32(pbr.RoughnessFactorOrDefault())
	if pbr.BaseColorTexture != nil {
		ti := pbr.BaseColorTexture.Index
		if ti >= 0 && ti < len(f.doc.Textures) && f.doc.Textures[ti].Source != nil {
			part.TexturePath = f.imagePath(*f.doc.Textures[ti].Source)
		}
	}
}

func (f *fallbackImport) imagePath(idx int) string {
	if path, ok := f.images[idx]; ok {
		return path
	}
	if idx < 0 || idx >= len(f.doc.Images) {
		return ""
	}
	img := f.doc.Images[idx]

	path := ""
	switch {
	case img.BufferView != nil:
		if data := f.bufferView(*img.BufferView); len(data) > 0 {
			path, _ = writeEmbeddedImage(f.imageDir, data, img.MimeType)
		}
	case strings.HasPrefix(img.URI, "data:"):
		if data, err := decodeDataURI(img.URI); err == nil {
			path, _ = writeEmbeddedImage(f.imageDir, data, img.MimeType)
		}
	case img.URI != "":
		ref := img.URI
		if unescaped, err := url.PathUnescape(ref); err == nil {
			ref = unescaped
		}
		path = resolveTexture(ref, f.dir)
	}
	f.images[idx] = path
	return path
}

func (f *fallbackImport) bufferView(idx int) []byte {
	if idx < 0 || idx >= len(f.doc.BufferViews) {
		return nil
	}
	bv := f.doc.BufferViews[idx]
	if bv.Buffer < 0 || bv.Buffer >= len(f.doc.Buffers) {
		return nil
	}
	data := f.doc.Buffers[bv.Buffer].Data
	end := bv.ByteOffset + bv.ByteLength
	if bv.ByteOffset < 0 || end > len(data) {
		return nil
	}
	return data[bv.ByteOffset:end]
}
