package formats

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"golang.org/x/crypto/blake2b"

	mmath "github.com/Faultbox/meshload/pkg/math"
	"github.com/Faultbox/meshload/pkg/mesh"
)

// GLB / glTF format errors.
var (
	ErrInvalidGLBMagic    = errors.New("invalid GLB magic: expected 'glTF'")
	ErrInvalidGLBVersion  = errors.New("invalid GLB version: must be 2")
	ErrInvalidGLTFVersion = errors.New("invalid glTF version: must be 2.x")
	ErrMissingJSONChunk   = errors.New("GLB file missing JSON chunk")
	ErrTruncatedGLBData   = errors.New("truncated GLB data")
	ErrInvalidAccessor    = errors.New("invalid glTF accessor")
	errInvalidDataURI     = errors.New("invalid data URI")
)

// GLBVersion is bumped whenever GLB parsing output changes.
const GLBVersion = 1

// maxNodeDepth bounds node graph recursion. Each node is also expanded at
// most once per scene, so cycles and shared children cannot multiply work.
const maxNodeDepth = 256

// GLBParser parses binary glTF containers and plain .gltf JSON documents.
type GLBParser struct {
	// ImageDir receives images extracted from the file; "" means os.TempDir().
	ImageDir string
}

func (p *GLBParser) Kind() Kind { return KindGLB }
func (p *GLBParser) CanHandle(ext string) bool { return ext == ".glb" || ext == ".gltf" }
func (p *GLBParser) FormatVersion() uint32 { return GLBVersion }

func (p *GLBParser) Parse(path string) (*mesh.Mesh, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading glTF file: %w", err)
	}
	var m *mesh.Mesh
	if Ext(path) == ".gltf" {
		m, err = decodeGLTF(data, nil, filepath.Dir(path), p.ImageDir)
	} else {
		m, err = ParseGLB(data, filepath.Dir(path), p.ImageDir)
	}
	if err != nil {
		return nil, err
	}
	m.Name = modelName(path)
	return m, nil
}

// ParseGLBFile reads and parses a .glb or .gltf file.
func ParseGLBFile(path string) (*mesh.Mesh, error) {
	return (&GLBParser{}).Parse(path)
}

// ParseGLB parses a GLB container. External URIs resolve against dir and
// extracted images are written under imageDir ("" for os.TempDir()).
func ParseGLB(data []byte, dir, imageDir string) (*mesh.Mesh, error) {
	if len(data) < glbHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedGLBData, len(data))
	}

	r := bytes.NewReader(data)
	var header glbHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("reading GLB header: %w", err)
	}
	if header.Magic != glbMagic {
		return nil, ErrInvalidGLBMagic
	}
	if header.Version != glbVersion {
		return nil, ErrInvalidGLBVersion
	}

	var jsonData, binData []byte
	body := data[glbHeaderSize:]
	for len(body) >= 8 {
		length := binary.LittleEndian.Uint32(body)
		typ := binary.LittleEndian.Uint32(body[4:])
		body = body[8:]
		if uint64(length) > uint64(len(body)) {
			return nil, fmt.Errorf("%w: chunk of %d bytes", ErrTruncatedGLBData, length)
		}
		chunk := body[:length]
		body = body[length:]

		switch typ {
		case glbChunkJSON:
			if jsonData == nil {
				jsonData = chunk
			}
		case glbChunkBIN:
			if binData == nil {
				binData = chunk
			}
		}
	}
	if jsonData == nil {
		return nil, ErrMissingJSONChunk
	}
	return decodeGLTF(jsonData, binData, dir, imageDir)
}

// gltfDecoder walks one glTF document into a mesh.
type gltfDecoder struct {
	doc      *gltfDocument
	dir      string
	imageDir string
	images   map[int]string
	visited  []bool

	m          *mesh.Mesh
	hasNormals bool
}

func decodeGLTF(jsonData, bin []byte, dir, imageDir string) (*mesh.Mesh, error) {
	var doc gltfDocument
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, fmt.Errorf("parsing glTF JSON: %w", err)
	}
	if !strings.HasPrefix(doc.Asset.Version, "2.") {
		return nil, ErrInvalidGLTFVersion
	}
	for _, ext := range doc.ExtensionsRequired {
		if gltfUnsupportedExtensions[ext] {
			return nil, fmt.Errorf("glTF requires %s: %w", ext, ErrUnsupported)
		}
	}

	d := &gltfDecoder{
		doc:      &doc,
		dir:      dir,
		imageDir: imageDir,
		images:   make(map[int]string),
		visited:  make([]bool, len(doc.Nodes)),
		m:        mesh.Empty(),
	}
	if err := d.loadBuffers(bin); err != nil {
		return nil, fmt.Errorf("loading glTF buffers: %w", err)
	}

	if len(doc.Scenes) > 0 {
		scene := 0
		if doc.Scene != nil && *doc.Scene >= 0 && *doc.Scene < len(doc.Scenes) {
			scene = *doc.Scene
		}
		for _, n := range doc.Scenes[scene].Nodes {
			d.walkNode(n, mmath.Identity(), 0)
		}
	} else {
		for i := range doc.Meshes {
			d.appendMesh(i, mmath.Identity())
		}
	}

	if len(d.m.Vertices) == 0 {
		return mesh.Empty(), nil
	}
	return d.m.Finish(!d.hasNormals), nil
}

func (d *gltfDecoder) loadBuffers(bin []byte) error {
	for i := range d.doc.Buffers {
		buf := &d.doc.Buffers[i]
		var err error
		switch {
		case buf.URI == "" && i == 0 && bin != nil:
			buf.data = bin
		case buf.URI == "":
			return fmt.Errorf("buffer %d has no URI and no binary chunk", i)
		default:
			buf.data, err = d.loadURI(buf.URI)
			if err != nil {
				return fmt.Errorf("buffer %d: %w", i, err)
			}
		}
		if len(buf.data) < buf.ByteLength {
			return fmt.Errorf("buffer %d: %w: have %d of %d bytes", i, ErrTruncatedGLBData, len(buf.data), buf.ByteLength)
		}
	}
	return nil
}

func (d *gltfDecoder) loadURI(uri string) ([]byte, error) {
	if strings.HasPrefix(uri, "data:") {
		return decodeDataURI(uri)
	}
	if unescaped, err := url.PathUnescape(uri); err == nil {
		uri = unescaped
	}
	return os.ReadFile(filepath.Join(d.dir, filepath.FromSlash(uri)))
}

func decodeDataURI(uri string) ([]byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, errInvalidDataURI
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 data URI: %w", err)
	}
	return data, nil
}

// localTransform returns the node matrix, either explicit or composed from
// T * R * S with glTF defaults for missing components.
func localTransform(n *gltfNode) mmath.Mat4 {
	if len(n.Matrix) == 16 {
		var m mmath.Mat4
		copy(m[:], n.Matrix)
		return m
	}
	t := mmath.Vec3{}
	if len(n.Translation) == 3 {
		t = mmath.Vec3{X: n.Translation[0], Y: n.Translation[1], Z: n.Translation[2]}
	}
	r := mmath.QuatIdentity()
	if len(n.Rotation) == 4 {
		r = mmath.Quat{X: n.Rotation[0], Y: n.Rotation[1], Z: n.Rotation[2], W: n.Rotation[3]}
	}
	s := mmath.Vec3{X: 1, Y: 1, Z: 1}
	if len(n.Scale) == 3 {
		s = mmath.Vec3{X: n.Scale[0], Y: n.Scale[1], Z: n.Scale[2]}
	}
	return mmath.FromTRS(t, r, s)
}

func (d *gltfDecoder) walkNode(idx int, parent mmath.Mat4, depth int) {
	if idx < 0 || idx >= len(d.doc.Nodes) || depth > maxNodeDepth || d.visited[idx] {
		return
	}
	d.visited[idx] = true
	n := &d.doc.Nodes[idx]
	// Column-major parent * local applies the child transform first.
	world := parent.Mul(localTransform(n))
	if n.Mesh != nil {
		d.appendMesh(*n.Mesh, world)
	}
	for _, child := range n.Children {
		d.walkNode(child, world, depth+1)
	}
}

func (d *gltfDecoder) appendMesh(idx int, world mmath.Mat4) {
	if idx < 0 || idx >= len(d.doc.Meshes) {
		return
	}
	gm := &d.doc.Meshes[idx]
	for pi := range gm.Primitives {
		// A broken primitive is skipped; the rest of the scene still loads.
		_ = d.appendPrimitive(gm, pi, world)
	}
}

func (d *gltfDecoder) appendPrimitive(gm *gltfMesh, pi int, world mmath.Mat4) error {
	prim := &gm.Primitives[pi]
	if prim.Mode != nil && *prim.Mode != gltfModeTriangles {
		return nil
	}
	posIdx, ok := prim.Attributes["POSITION"]
	if !ok {
		return nil
	}

	positions, comps, err := d.readFloats(posIdx, false)
	if err != nil {
		return err
	}
	if comps < 3 {
		return fmt.Errorf("%w: POSITION has %d components", ErrInvalidAccessor, comps)
	}
	count := len(positions) / comps

	var normals, texcoords, colors []float32
	var normalComps, texComps, colorComps int
	if i, ok := prim.Attributes["NORMAL"]; ok {
		normals, normalComps, _ = d.readFloats(i, false)
	}
	if i, ok := prim.Attributes["TEXCOORD_0"]; ok {
		texcoords, texComps, _ = d.readFloats(i, true)
	}
	if i, ok := prim.Attributes["COLOR_0"]; ok {
		colors, colorComps, _ = d.readFloats(i, true)
	}

	var local []uint32
	if prim.Indices != nil {
		if local, err = d.readIndices(*prim.Indices); err != nil {
			return err
		}
	} else {
		local = make([]uint32, count)
		for i := range local {
			local[i] = uint32(i)
		}
	}

	m := d.m
	base := uint32(len(m.Vertices))
	primHasNormals := normalComps >= 3 && len(normals)/normalComps >= count
	if primHasNormals {
		d.hasNormals = true
	}
	for i := 0; i < count; i++ {
		p := positions[i*comps : i*comps+3]
		v := mesh.Vertex{
			Position: world.TransformPoint([3]float32{p[0], p[1], p[2]}),
			Color:    mesh.White,
		}
		if primHasNormals {
			n := normals[i*normalComps : i*normalComps+3]
			v.Normal = mmath.V3(world.TransformDirection([3]float32{n[0], n[1], n[2]})).Normalize().Array()
		}
		if texComps >= 2 && (i+1)*texComps <= len(texcoords) {
			v.TexCoord = [2]float32{texcoords[i*texComps], texcoords[i*texComps+1]}
		}
		if colorComps >= 3 && (i+1)*colorComps <= len(colors) {
			c := colors[i*colorComps:]
			v.Color = [4]float32{c[0], c[1], c[2], 1}
			if colorComps >= 4 {
				v.Color[3] = c[3]
			}
		}
		m.Vertices = append(m.Vertices, v)
	}

	offset := uint32(len(m.Indices))
	for t := 0; t+3 <= len(local); t += 3 {
		a, b, c := local[t], local[t+1], local[t+2]
		if int(a) >= count || int(b) >= count || int(c) >= count {
			continue
		}
		m.Indices = append(m.Indices, base+a, base+b, base+c)
	}

	part := mesh.Part{
		Name:        fmt.Sprintf("%s/%d", gm.Name, pi),
		IndexOffset: offset,
		IndexCount:  uint32(len(m.Indices)) - offset,
		BaseColor:   mesh.White,
		Metallic:    1,
		Roughness:   1,
	}
	if prim.Material != nil {
		d.applyMaterial(&part, *prim.Material)
	}
	m.Parts = append(m.Parts, part)
	return nil
}

func (d *gltfDecoder) applyMaterial(part *mesh.Part, idx int) {
	if idx < 0 || idx >= len(d.doc.Materials) {
		return
	}
	mat := &d.doc.Materials[idx]
	if mat.Name != "" {
		part.Name = mat.Name
	}
	pbr := mat.PBRMetallicRoughness
	if pbr == nil {
		return
	}
	if len(pbr.BaseColorFactor) == 4 {
		copy(part.BaseColor[:], pbr.BaseColorFactor)
	}
	if pbr.MetallicFactor != nil {
		part.Metallic = *pbr.MetallicFactor
	}
	if pbr.RoughnessFactor != nil {
		part.Roughness = *pbr.RoughnessFactor
	}
	if pbr.BaseColorTexture != nil {
		ti := pbr.BaseColorTexture.Index
		if ti >= 0 && ti < len(d.doc.Textures) && d.doc.Textures[ti].Source != nil {
			part.TexturePath = d.imagePath(*d.doc.Textures[ti].Source)
		}
	}
}

// imagePath returns a file path for an image: external URIs resolve on disk,
// embedded images are written once to a content-addressed file.
func (d *gltfDecoder) imagePath(idx int) string {
	if path, ok := d.images[idx]; ok {
		return path
	}
	if idx < 0 || idx >= len(d.doc.Images) {
		return ""
	}
	img := &d.doc.Images[idx]

	var data []byte
	switch {
	case img.BufferView != nil:
		data, _ = d.bufferViewBytes(*img.BufferView)
	case strings.HasPrefix(img.URI, "data:"):
		data, _ = decodeDataURI(img.URI)
	case img.URI != "":
		ref := img.URI
		if unescaped, err := url.PathUnescape(ref); err == nil {
			ref = unescaped
		}
		path := resolveTexture(ref, d.dir)
		d.images[idx] = path
		return path
	}

	path := ""
	if len(data) > 0 {
		path, _ = writeEmbeddedImage(d.imageDir, data, img.MimeType)
	}
	d.images[idx] = path
	return path
}

// writeEmbeddedImage writes data to <dir>/meshload-<hash>.<ext> unless such a
// file already exists.
func writeEmbeddedImage(dir string, data []byte, mimeType string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	sum := blake2b.Sum256(data)
	name := "meshload-" + hex.EncodeToString(sum[:12]) + "." + imageExtension(data, mimeType)
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp, err := os.CreateTemp(dir, name+".tmp*")
	if err != nil {
		return "", fmt.Errorf("creating image file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing image file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// imageExtension sniffs the image type from its bytes, then mimeType.
func imageExtension(data []byte, mimeType string) string {
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return kind.Extension
	}
	switch mimeType {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/ktx2":
		return "ktx2"
	}
	return "bin"
}

func (d *gltfDecoder) bufferViewBytes(idx int) ([]byte, error) {
	if idx < 0 || idx >= len(d.doc.BufferViews) {
		return nil, fmt.Errorf("%w: bufferView %d out of range", ErrInvalidAccessor, idx)
	}
	bv := &d.doc.BufferViews[idx]
	if bv.Buffer < 0 || bv.Buffer >= len(d.doc.Buffers) {
		return nil, fmt.Errorf("%w: buffer %d out of range", ErrInvalidAccessor, bv.Buffer)
	}
	data := d.doc.Buffers[bv.Buffer].data
	end := int64(bv.ByteOffset) + int64(bv.ByteLength)
	if bv.ByteOffset < 0 || bv.ByteLength < 0 || end > int64(len(data)) {
		return nil, fmt.Errorf("%w: bufferView %d exceeds buffer", ErrInvalidAccessor, idx)
	}
	return data[bv.ByteOffset:end], nil
}

// accessorView locates the elements of one accessor. Accessors without a
// bufferView read every element from zero.
type accessorView struct {
	acc      *gltfAccessor
	data     []byte
	offset   int
	stride   int
	elemSize int
	zero     []byte
}

func (v *accessorView) count() int { return v.acc.Count }

func (v *accessorView) element(i int) []byte {
	if v.zero != nil {
		return v.zero
	}
	off := v.offset + i*v.stride
	return v.data[off : off+v.elemSize]
}

// zeroAccessorBytes caps the size of accessors without a bufferView when the
// document's buffers are smaller than this.
const zeroAccessorBytes = 1 << 16

// accessor validates an accessor and its bufferView bounds.
func (d *gltfDecoder) accessor(idx int) (*accessorView, error) {
	if idx < 0 || idx >= len(d.doc.Accessors) {
		return nil, fmt.Errorf("%w: accessor %d out of range", ErrInvalidAccessor, idx)
	}
	acc := &d.doc.Accessors[idx]
	csize := gltfComponentSize(acc.ComponentType)
	ccount := gltfComponentCount(acc.Type)
	if csize == 0 || ccount == 0 || acc.Count < 0 {
		return nil, fmt.Errorf("%w: accessor %d has type %s/%d", ErrInvalidAccessor, idx, acc.Type, acc.ComponentType)
	}
	elemSize := csize * ccount

	if acc.BufferView == nil {
		// Sparse-only or zero-initialised accessor. It may not describe more
		// data than the document actually carries.
		limit := int64(max(d.bufferBytes(), zeroAccessorBytes))
		if int64(acc.Count)*int64(elemSize) > limit {
			return nil, fmt.Errorf("%w: accessor %d declares %d elements without a bufferView", ErrInvalidAccessor, idx, acc.Count)
		}
		return &accessorView{acc: acc, elemSize: elemSize, zero: make([]byte, elemSize)}, nil
	}

	view, err := d.bufferViewBytes(*acc.BufferView)
	if err != nil {
		return nil, err
	}
	stride := elemSize
	if s := d.doc.BufferViews[*acc.BufferView].ByteStride; s > 0 {
		stride = s
	}
	if acc.ByteOffset < 0 {
		return nil, fmt.Errorf("%w: negative byteOffset", ErrInvalidAccessor)
	}
	if acc.Count > 0 {
		last := int64(acc.ByteOffset) + int64(acc.Count-1)*int64(stride) + int64(elemSize)
		if last > int64(len(view)) {
			return nil, fmt.Errorf("%w: accessor %d exceeds its bufferView", ErrInvalidAccessor, idx)
		}
	}
	return &accessorView{acc: acc, data: view, offset: acc.ByteOffset, stride: stride, elemSize: elemSize}, nil
}

func (d *gltfDecoder) bufferBytes() int {
	n := 0
	for i := range d.doc.Buffers {
		n += len(d.doc.Buffers[i].data)
	}
	return n
}

// readFloats decodes an accessor into a flat float slice. Integer components
// are divided by their type maximum when the accessor is normalized or
// normalize is set (colour and texcoord semantics).
func (d *gltfDecoder) readFloats(idx int, normalize bool) ([]float32, int, error) {
	v, err := d.accessor(idx)
	if err != nil {
		return nil, 0, err
	}
	acc := v.acc
	comps := gltfComponentCount(acc.Type)
	csize := gltfComponentSize(acc.ComponentType)
	norm := normalize || acc.Normalized

	out := make([]float32, 0, v.count()*comps)
	for i := 0; i < v.count(); i++ {
		e := v.element(i)
		for c := 0; c < comps; c++ {
			out = append(out, gltfComponent(e[c*csize:], acc.ComponentType, norm))
		}
	}
	return out, comps, nil
}

func gltfComponent(b []byte, componentType int, normalize bool) float32 {
	switch componentType {
	case gltfComponentFloat:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case gltfComponentUnsignedByte:
		if normalize {
			return float32(b[0]) / 255
		}
		return float32(b[0])
	case gltfComponentByte:
		v := float32(int8(b[0]))
		if normalize {
			return max(v/127, -1)
		}
		return v
	case gltfComponentUnsignedShort:
		v := binary.LittleEndian.Uint16(b)
		if normalize {
			return float32(v) / 65535
		}
		return float32(v)
	case gltfComponentShort:
		v := float32(int16(binary.LittleEndian.Uint16(b)))
		if normalize {
			return max(v/32767, -1)
		}
		return v
	case gltfComponentUnsignedInt:
		v := binary.LittleEndian.Uint32(b)
		if normalize {
			return float32(float64(v) / math.MaxUint32)
		}
		return float32(v)
	}
	return 0
}

func (d *gltfDecoder) readIndices(idx int) ([]uint32, error) {
	v, err := d.accessor(idx)
	if err != nil {
		return nil, err
	}
	ct := v.acc.ComponentType
	if ct != gltfComponentUnsignedByte && ct != gltfComponentUnsignedShort && ct != gltfComponentUnsignedInt {
		return nil, fmt.Errorf("%w: index component type %d", ErrInvalidAccessor, ct)
	}
	out := make([]uint32, v.count())
	for i := range out {
		e := v.element(i)
		switch ct {
		case gltfComponentUnsignedByte:
			out[i] = uint32(e[0])
		case gltfComponentUnsignedShort:
			out[i] = uint32(binary.LittleEndian.Uint16(e))
		default:
			out[i] = binary.LittleEndian.Uint32(e)
		}
	}
	return out, nil
}
