package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tarun-kavipurapu/swarm-stream/pkg/logger"
	"tarun-kavipurapu/swarm-stream/pkg/protocol"
)

// IndexEntry is one locally held file.
type IndexEntry struct {
	Hash string
	Name string
	Path string
	Size int64
}

// Index maps content hashes to local files. It is immutable once built,
// so concurrent lookups need no locking.
type Index struct {
	root    string
	entries map[string]IndexEntry
}

// BuildIndex scans root (non-recursive), skipping directories and hidden
// entries, and hashes every remaining file. Files that cannot be hashed are
// logged and left out.
func BuildIndex(root string) (*Index, error) {
	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read root dir %s: %w", root, err)
	}

	idx := &Index{root: root, entries: make(map[string]IndexEntry)}
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		path := filepath.Join(root, de.Name())
		hash, err := HashFile(path)
		if err != nil {
			logger.Sugar.Warnf("[Index] skipping %s: %v", path, err)
			continue
		}
		idx.entries[hash] = IndexEntry{Hash: hash, Name: de.Name(), Path: path, Size: info.Size()}
		logger.Sugar.Debugf("[Index] indexed: %s -> %s", de.Name(), hash)
	}
	logger.Sugar.Infof("[Index] indexed %d files in %s", len(idx.entries), root)
	return idx, nil
}

// Root is the directory the index was built from.
func (idx *Index) Root() string {
	return idx.root
}

// Lookup returns the file stored under hash.
func (idx *Index) Lookup(hash string) (IndexEntry, bool) {
	if idx == nil {
		return IndexEntry{}, false
	}
	e, ok := idx.entries[hash]
	return e, ok
}

func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.entries)
}

// Entries returns all indexed files sorted by name.
func (idx *Index) Entries() []IndexEntry {
	if idx == nil {
		return nil
	}
	out := make([]IndexEntry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Hash < out[j].Hash
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// FilterCatalog turns index entries into catalog entries, keeping only names
// with one of the allowed extensions (case-insensitive, without the dot).
// An empty allow-list keeps everything.
func FilterCatalog(entries []IndexEntry, extensions []string) []protocol.CatalogEntry {
	catalog := make([]protocol.CatalogEntry, 0, len(entries))
	for _, e := range entries {
		if !HasAllowedExtension(e.Name, extensions) {
			continue
		}
		catalog = append(catalog, protocol.CatalogEntry{Hash: e.Hash, Name: e.Name, Size: uint64(e.Size)})
	}
	return catalog
}

// HasAllowedExtension reports whether name ends in ".<ext>" for one of extensions.
func HasAllowedExtension(name string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
		if ext != "" && strings.HasSuffix(lower, "."+ext) {
			return true
		}
	}
	return false
}
