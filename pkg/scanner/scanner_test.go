package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/bucket-mirror/pkg/checksum"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
	return root
}

func relPaths(entries []Entry) []string {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.RelPath)
	}
	return paths
}

func TestScan(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt":     "hello",
		"sub/b.txt": "world",
		"a/c.txt":   "",
	})

	s, err := New(root, Options{Workers: 2})
	require.NoError(t, err)

	entries, err := s.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt", "a/c.txt", "sub/b.txt"}, relPaths(entries))
	for _, e := range entries {
		assert.NoError(t, e.Err, e.RelPath)
		assert.Equal(t, filepath.Join(root, filepath.FromSlash(e.RelPath)), e.AbsPath)
	}

	assert.Equal(t, int64(5), entries[0].Size)
	assert.Equal(t, checksum.Bytes([]byte("hello")), entries[0].Fingerprint)
	assert.Equal(t, checksum.Bytes(nil), entries[1].Fingerprint)
	assert.Equal(t, checksum.Bytes([]byte("world")), entries[2].Fingerprint)
	assert.Equal(t, []string{"sub", "b.txt"}, entries[2].Segments())
}

func TestScanEmptyRoot(t *testing.T) {
	s, err := New(t.TempDir(), Options{})
	require.NoError(t, err)

	entries, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewInvalidRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), Options{})
	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.ErrorIs(t, err, os.ErrNotExist)

	root := writeTree(t, map[string]string{"file": "x"})
	_, err = New(filepath.Join(root, "file"), Options{})
	require.ErrorAs(t, err, &scanErr)
}

func TestNewInvalidExclude(t *testing.T) {
	_, err := New(t.TempDir(), Options{Excludes: []string{"[bad"}})
	assert.Error(t, err)
}

func TestScanExcludes(t *testing.T) {
	root := writeTree(t, map[string]string{
		"keep.txt":              "1",
		"skip.log":              "2",
		"node_modules/x/y.js":   "3",
		"src/node_modules/z.js": "4",
		"src/main.go":           "5",
	})

	s, err := New(root, Options{Excludes: []string{"*.log", "**/node_modules/"}})
	require.NoError(t, err)

	entries, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt", "src/main.go"}, relPaths(entries))
}

func TestScanIncludes(t *testing.T) {
	root := writeTree(t, map[string]string{
		"skip.log":                "1",
		"keep.log":                "2",
		"node_modules/x/y.js":     "3",
		"node_modules/LICENSE.md": "4",
	})

	s, err := New(root, Options{
		Excludes: []string{"*.log", "node_modules/"},
		Includes: []string{"keep.log", "**/*.md"},
	})
	require.NoError(t, err)

	entries, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.log", "node_modules/LICENSE.md"}, relPaths(entries))
}

func TestScanSymlinks(t *testing.T) {
	root := writeTree(t, map[string]string{
		"real/file.txt": "data",
	})
	outside := writeTree(t, map[string]string{"ext.txt": "ext"})

	require.NoError(t, os.Symlink(filepath.Join(root, "real", "file.txt"), filepath.Join(root, "link.txt")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "ext")))
	// cycle: real/loop -> root
	require.NoError(t, os.Symlink(root, filepath.Join(root, "real", "loop")))

	t.Run("skipped by default", func(t *testing.T) {
		s, err := New(root, Options{})
		require.NoError(t, err)
		entries, err := s.Scan(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"real/file.txt"}, relPaths(entries))
	})

	t.Run("followed with cycle detection", func(t *testing.T) {
		s, err := New(root, Options{FollowSymlinks: true})
		require.NoError(t, err)
		entries, err := s.Scan(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"ext/ext.txt", "link.txt", "real/file.txt"}, relPaths(entries))
		assert.Equal(t, checksum.Bytes([]byte("data")), entries[1].Fingerprint)
	})

	t.Run("dangling link is degraded", func(t *testing.T) {
		dangling := writeTree(t, map[string]string{"ok.txt": "ok"})
		require.NoError(t, os.Symlink(filepath.Join(dangling, "nowhere"), filepath.Join(dangling, "broken")))

		s, err := New(dangling, Options{FollowSymlinks: true})
		require.NoError(t, err)
		entries, err := s.Scan(context.Background())
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "broken", entries[0].RelPath)
		assert.True(t, entries[0].Degraded())
		assert.False(t, entries[1].Degraded())
	})
}

func TestScanUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	root := writeTree(t, map[string]string{
		"ok.txt":     "ok",
		"secret.txt": "secret",
		"locked/x":   "x",
	})
	require.NoError(t, os.Chmod(filepath.Join(root, "secret.txt"), 0))
	require.NoError(t, os.Chmod(filepath.Join(root, "locked"), 0))
	t.Cleanup(func() {
		_ = os.Chmod(filepath.Join(root, "locked"), 0o755)
	})

	s, err := New(root, Options{})
	require.NoError(t, err)
	entries, err := s.Scan(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"locked", "ok.txt", "secret.txt"}, relPaths(entries))
	assert.True(t, entries[0].Degraded())
	assert.False(t, entries[1].Degraded())
	assert.True(t, entries[2].Degraded())

	var scanErr *ScanError
	assert.ErrorAs(t, entries[2].Err, &scanErr)
	assert.Empty(t, entries[2].Fingerprint)
}

func TestScanCancelled(t *testing.T) {
	root := writeTree(t, map[string]string{"a": "1", "b": "2"})
	s, err := New(root, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWalkStopsOnCallbackError(t *testing.T) {
	root := writeTree(t, map[string]string{"a": "1", "b": "2"})
	s, err := New(root, Options{})
	require.NoError(t, err)

	stop := assert.AnError
	seen := 0
	err = s.Walk(context.Background(), func(Entry) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)
}
