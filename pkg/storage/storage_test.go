package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256("hello")
const helloHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "hello.txt", []byte("hello"))

	hash, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, helloHash, hash)
	assert.Equal(t, helloHash, HashChunk([]byte("hello")))

	_, err = HashFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestBuildIndex(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "movie.mp4", []byte("hello"))
	writeFile(t, dir, "notes.txt", []byte("other content"))
	writeFile(t, dir, ".hidden.mp4", []byte("secret"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))
	writeFile(t, filepath.Join(dir, "nested"), "deep.mp4", []byte("deep"))

	idx, err := BuildIndex(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())

	e, ok := idx.Lookup(helloHash)
	require.True(t, ok)
	assert.Equal(t, "movie.mp4", e.Name)
	assert.Equal(t, int64(5), e.Size)
	assert.Equal(t, filepath.Join(dir, "movie.mp4"), e.Path)

	_, ok = idx.Lookup(HashChunk([]byte("secret")))
	assert.False(t, ok, "hidden files are not indexed")
	_, ok = idx.Lookup(HashChunk([]byte("deep")))
	assert.False(t, ok, "scan is not recursive")

	names := []string{}
	for _, e := range idx.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"movie.mp4", "notes.txt"}, names)
}

func TestBuildIndexMissingRoot(t *testing.T) {
	_, err := BuildIndex(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestFilterCatalog(t *testing.T) {
	entries := []IndexEntry{
		{Hash: "a", Name: "clip.MKV", Size: 10},
		{Hash: "b", Name: "notes.txt", Size: 20},
		{Hash: "c", Name: "movie.mp4", Size: 30},
	}

	catalog := FilterCatalog(entries, []string{"mp4", ".mkv"})
	require.Len(t, catalog, 2)
	assert.Equal(t, "a", catalog[0].Hash)
	assert.Equal(t, uint64(30), catalog[1].Size)

	assert.Len(t, FilterCatalog(entries, nil), 3)
}
