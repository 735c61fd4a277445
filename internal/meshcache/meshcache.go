// Package meshcache persists decoded meshes and their thumbnails between
// runs. Entries are keyed by source path and only returned when the source
// modification time, parser and parser format version still match.
//
// The cache is best effort: every read failure is a miss and every write
// failure is logged and dropped.
package meshcache

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/Faultbox/meshload/internal/logger"
	"github.com/Faultbox/meshload/pkg/mesh"
)

// Entry file errors.
var (
	ErrInvalidEntryMagic = errors.New("invalid cache entry magic: expected 'MSHC'")
	ErrEntryVersion      = errors.New("unsupported cache entry version")
	ErrKeyMismatch       = errors.New("cache entry key mismatch")
)

const (
	entryMagic    = "MSHC"
	entryVersion  = 1
	entryExt      = ".meshcache"
	maxThumbBytes = 16 << 20
	maxKeyString  = 1 << 16
)

// Key identifies the parse result a cache entry stands for.
type Key struct {
	Path          string
	Mtime         time.Time
	Parser        string
	FormatVersion uint32
}

// Cache stores entries as one file per source path under a directory.
// Writers to the same key must be serialized by the caller.
type Cache struct {
	dir string
	log *zap.Logger
}

// New returns a cache rooted at dir. The directory is created on first save.
func New(dir string) *Cache {
	return &Cache{dir: dir, log: logger.Named("meshcache")}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// EntryPath returns the file that holds the entry for a source path.
func (c *Cache) EntryPath(source string) string {
	if abs, err := filepath.Abs(source); err == nil {
		source = abs
	}
	sum := blake2b.Sum256([]byte(source))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:16])+entryExt)
}

// Load returns the cached mesh for key, or false on any miss.
func (c *Cache) Load(key Key) (*mesh.Mesh, bool) {
	m, _, err := c.read(key)
	if err != nil {
		c.miss(key, err)
		return nil, false
	}
	return m, true
}

// LoadThumbnail returns the cached thumbnail for key. It reports false when
// there is no valid entry or the entry has no thumbnail.
func (c *Cache) LoadThumbnail(key Key) ([]byte, bool) {
	_, thumb, err := c.read(key)
	if err != nil {
		c.miss(key, err)
		return nil, false
	}
	return thumb, len(thumb) > 0
}

// Save writes or replaces the entry for key. thumb may be empty.
func (c *Cache) Save(key Key, m *mesh.Mesh, thumb []byte) {
	if err := c.write(key, m, thumb); err != nil {
		c.log.Warn("cache write failed", zap.String("path", key.Path), zap.Error(err))
		return
	}
	c.log.Debug("cache entry saved", zap.String("path", key.Path), zap.Int("thumbnail_bytes", len(thumb)))
}

// SaveThumbnail attaches thumb to the existing entry for key. It is a no-op
// when no valid entry exists.
func (c *Cache) SaveThumbnail(key Key, thumb []byte) {
	m, _, err := c.read(key)
	if err != nil {
		c.miss(key, err)
		return
	}
	c.Save(key, m, thumb)
}

// Remove deletes the entry for a source path.
func (c *Cache) Remove(source string) error {
	err := os.Remove(c.EntryPath(source))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (c *Cache) miss(key Key, err error) {
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	c.log.Debug("cache miss", zap.String("path", key.Path), zap.Error(err))
}

func (c *Cache) read(key Key) (*mesh.Mesh, []byte, error) {
	f, err := os.Open(c.EntryPath(key.Path))
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var hdr [8]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, nil, fmt.Errorf("reading cache entry header: %w", err)
	}
	if string(hdr[:4]) != entryMagic {
		return nil, nil, ErrInvalidEntryMagic
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != entryVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrEntryVersion, v)
	}

	zr, err := zlib.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, nil, fmt.Errorf("opening cache entry: %w", err)
	}
	defer zr.Close()
	r := bufio.NewReader(zr)

	stored, err := readKey(r)
	if err != nil {
		return nil, nil, err
	}
	if !stored.matches(key) {
		return nil, nil, ErrKeyMismatch
	}

	// Decode reuses r since it is already buffered.
	m, err := mesh.Decode(r)
	if err != nil {
		return nil, nil, err
	}

	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, fmt.Errorf("reading thumbnail length: %w", err)
	}
	if n > maxThumbBytes {
		return nil, nil, fmt.Errorf("thumbnail too large: %d bytes", n)
	}
	var thumb []byte
	if n > 0 {
		thumb = make([]byte, n)
		if _, err := io.ReadFull(r, thumb); err != nil {
			return nil, nil, fmt.Errorf("reading thumbnail: %w", err)
		}
	}
	return m, thumb, nil
}

func (c *Cache) write(key Key, m *mesh.Mesh, thumb []byte) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	var body bytes.Buffer
	zw := zlib.NewWriter(&body)
	if err := writeKey(zw, key); err != nil {
		return err
	}
	if err := mesh.Encode(zw, m); err != nil {
		return err
	}
	if err := binary.Write(zw, binary.LittleEndian, uint32(len(thumb))); err != nil {
		return err
	}
	if _, err := zw.Write(thumb); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compressing cache entry: %w", err)
	}

	path := c.EntryPath(key.Path)
	tmp, err := os.CreateTemp(c.dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating cache entry: %w", err)
	}
	defer os.Remove(tmp.Name())

	var hdr [8]byte
	copy(hdr[:4], entryMagic)
	binary.LittleEndian.PutUint32(hdr[4:], entryVersion)
	if _, err := tmp.Write(hdr[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if _, err := body.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing cache entry: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// storedKey is the key as recorded in an entry. Mtime is kept at nanosecond
// resolution.
type storedKey struct {
	path          string
	mtime         int64
	parser        string
	formatVersion uint32
}

func (s storedKey) matches(k Key) bool {
	path := k.Path
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return s.path == path &&
		s.mtime == k.Mtime.UnixNano() &&
		s.parser == k.Parser &&
		s.formatVersion == k.FormatVersion
}

func writeKey(w io.Writer, k Key) error {
	path := k.Path
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if err := writeString(w, path); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, k.Mtime.UnixNano()); err != nil {
		return err
	}
	if err := writeString(w, k.Parser); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, k.FormatVersion)
}

func readKey(r io.Reader) (storedKey, error) {
	var s storedKey
	var err error
	if s.path, err = readString(r); err != nil {
		return s, err
	}
	if err := binary.Read(r, binary.LittleEndian, &s.mtime); err != nil {
		return s, fmt.Errorf("reading cache key: %w", err)
	}
	if s.parser, err = readString(r); err != nil {
		return s, err
	}
	if err := binary.Read(r, binary.LittleEndian, &s.formatVersion); err != nil {
		return s, fmt.Errorf("reading cache key: %w", err)
	}
	return s, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", fmt.Errorf("reading cache key: %w", err)
	}
	if n > maxKeyString {
		return "", fmt.Errorf("cache key string too long: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading cache key: %w", err)
	}
	return string(buf), nil
}
