package formats

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Faultbox/meshload/pkg/mesh"
)

// PLY sidecar errors.
var (
	ErrInvalidSidecarMagic = errors.New("invalid PLY sidecar magic: expected 'PLYC'")
	ErrStaleSidecar        = errors.New("stale PLY sidecar")
)

const (
	plySidecarMagic   = "PLYC"
	plySidecarVersion = 1
	plySidecarExt     = ".plycache"
)

// plySidecarHeader precedes the encoded mesh in a sidecar file.
type plySidecarHeader struct {
	Magic         [4]byte
	Version       uint32
	FormatVersion uint32
	SourceMtime   int64
}

// PLYSidecarPath returns the sidecar location for a PLY source. An empty dir
// places it next to the source.
func PLYSidecarPath(source, dir string) string {
	if dir == "" {
		return source + plySidecarExt
	}
	return filepath.Join(dir, filepath.Base(source)+plySidecarExt)
}

// WritePLYSidecar stores m together with the source modification time.
// The file is written to a temporary name and renamed into place.
func WritePLYSidecar(path string, mtime time.Time, m *mesh.Mesh) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating PLY sidecar: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	hdr := plySidecarHeader{
		Version:       plySidecarVersion,
		FormatVersion: PLYVersion,
		SourceMtime:   mtime.UnixNano(),
	}
	copy(hdr.Magic[:], plySidecarMagic)
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		tmp.Close()
		return fmt.Errorf("writing PLY sidecar header: %w", err)
	}
	if err := mesh.Encode(w, m); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing PLY sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing PLY sidecar: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// ReadPLYSidecar loads a sidecar written for a source with the given
// modification time. A different mtime or parser version is ErrStaleSidecar.
func ReadPLYSidecar(path string, mtime time.Time) (*mesh.Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var hdr plySidecarHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("reading PLY sidecar header: %w", err)
	}
	if string(hdr.Magic[:]) != plySidecarMagic {
		return nil, ErrInvalidSidecarMagic
	}
	if hdr.Version != plySidecarVersion || hdr.FormatVersion != PLYVersion || hdr.SourceMtime != mtime.UnixNano() {
		return nil, ErrStaleSidecar
	}
	return mesh.Decode(r)
}
