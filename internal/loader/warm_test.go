package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarmDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.obj"), []byte(triangleOBJ))
	writeFile(t, filepath.Join(root, "sub", "b.stl"), createTestSTL())
	writeFile(t, filepath.Join(root, "sub", "broken.glb"), []byte("not a glb"))
	writeFile(t, filepath.Join(root, "notes.txt"), []byte("ignored"))
	writeFile(t, filepath.Join(root, ".hidden", "c.obj"), []byte(triangleOBJ))

	cacheDir := t.TempDir()
	s := newTestService(t, cacheDir)

	res, err := s.WarmDir(context.Background(), root, 2)
	require.NoError(t, err)
	assert.Equal(t, WarmResult{Files: 3, Loaded: 2, Failed: 1}, res)

	// Warmed entries come back from disk, thumbnails included.
	other := newTestService(t, cacheDir)
	assert.False(t, other.Load(filepath.Join(root, "sub", "b.stl")).IsEmpty())
	assert.NotEmpty(t, other.Thumbnail(filepath.Join(root, "a.obj")))
	assert.Zero(t, other.Stats().Parsed)
	assert.Equal(t, int64(2), other.Stats().DiskHits)
}

func TestWarmDirMissingRoot(t *testing.T) {
	s := newTestService(t, "")
	_, err := s.WarmDir(context.Background(), filepath.Join(t.TempDir(), "nope"), 0)
	assert.Error(t, err)
}

func TestWarmDirCancelled(t *testing.T) {
	root := t.TempDir()
	for i := range 5 {
		writeFile(t, filepath.Join(root, fmt.Sprintf("m%d.obj", i)), []byte(triangleOBJ))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestService(t, "")
	res, err := s.WarmDir(ctx, root, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Files)
}

func TestWatch(t *testing.T) {
	root := t.TempDir()
	s := newTestService(t, "")
	s.watchDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, root) }()

	cached := func(path string) bool {
		s.memory.mu.RLock()
		defer s.memory.mu.RUnlock()
		_, ok := s.memory.data[path]
		return ok
	}

	// Rewrite until the watcher is installed and picks up a change.
	first := filepath.Join(root, "first.obj")
	require.Eventually(t, func() bool {
		if err := os.WriteFile(first, []byte(triangleOBJ), 0644); err != nil {
			return false
		}
		return cached(first)
	}, 5*time.Second, 50*time.Millisecond)

	// Files in directories created after Watch started are seen too.
	sub := filepath.Join(root, "later")
	require.NoError(t, os.Mkdir(sub, 0755))
	second := filepath.Join(sub, "second.obj")
	require.Eventually(t, func() bool {
		if err := os.WriteFile(second, []byte(quadOBJ), 0644); err != nil {
			return false
		}
		return cached(second)
	}, 5*time.Second, 50*time.Millisecond)
	assert.Len(t, s.Load(second).Vertices, 4)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchMissingRoot(t *testing.T) {
	s := newTestService(t, "")
	err := s.Watch(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
