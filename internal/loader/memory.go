package loader

import (
	"sync"

	"github.com/Faultbox/meshload/internal/meshcache"
	"github.com/Faultbox/meshload/pkg/mesh"
)

// memoryEntry is a mesh held in process memory together with the key it was
// produced under.
type memoryEntry struct {
	key   meshcache.Key
	mesh  *mesh.Mesh
	thumb []byte
}

// memoryCache keeps recently loaded meshes in memory. When full, an
// arbitrary entry is evicted.
type memoryCache struct {
	data  map[string]*memoryEntry
	limit int
	mu    sync.RWMutex
}

func newMemoryCache(limit int) *memoryCache {
	return &memoryCache{
		data:  make(map[string]*memoryEntry),
		limit: limit,
	}
}

// get returns a copy of the entry for key.Path if it was produced under the
// same key. Stale entries are dropped.
func (c *memoryCache) get(key meshcache.Key) (memoryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key.Path]
	if ok && !sameKey(e.key, key) {
		delete(c.data, key.Path)
		ok = false
	}
	if !ok {
		return memoryEntry{}, false
	}
	return *e, true
}

func (c *memoryCache) set(key meshcache.Key, m *mesh.Mesh, thumb []byte) {
	if c.limit <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key.Path]; !ok && len(c.data) >= c.limit {
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}
	c.data[key.Path] = &memoryEntry{key: key, mesh: m, thumb: thumb}
}

// setThumbnail attaches thumb to an existing entry with the same key.
func (c *memoryCache) setThumbnail(key meshcache.Key, thumb []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.data[key.Path]; ok && sameKey(e.key, key) {
		e.thumb = thumb
	}
}

func (c *memoryCache) remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, path)
}

func (c *memoryCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func sameKey(a, b meshcache.Key) bool {
	return a.Path == b.Path && a.Mtime.Equal(b.Mtime) &&
		a.Parser == b.Parser && a.FormatVersion == b.FormatVersion
}

// pathLocks serializes work on the same source path.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLock)}
}

// lock blocks until path is free and returns its unlock function.
func (p *pathLocks) lock(path string) func() {
	p.mu.Lock()
	l, ok := p.locks[path]
	if !ok {
		l = &pathLock{}
		p.locks[path] = l
	}
	l.refs++
	p.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, path)
		}
		p.mu.Unlock()
	}
}
