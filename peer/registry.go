package peer

import (
	"sort"
	"strings"
	"sync"

	"tarun-kavipurapu/swarm-stream/pkg/protocol"
	"tarun-kavipurapu/swarm-stream/pkg/storage"
)

// RemoteFile is what the swarm advertised for one content hash.
type RemoteFile struct {
	Hash  string   `json:"hash"`
	Name  string   `json:"name"`
	Names []string `json:"names"`
	Size  uint64   `json:"size"`
	Peers []string `json:"peers"`
}

type remoteEntry struct {
	name  string
	names map[string]struct{}
	size  uint64
	peers map[string]struct{}
}

// Registry collects HELLO catalogs: which peers hold which hash.
type Registry struct {
	mu    sync.RWMutex
	files map[string]*remoteEntry
}

func NewRegistry() *Registry {
	return &Registry{files: make(map[string]*remoteEntry)}
}

// Add records every entry of a peer's catalog. The last advertised name and
// size win.
func (r *Registry) Add(peer string, catalog []protocol.CatalogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range catalog {
		entry, ok := r.files[e.Hash]
		if !ok {
			entry = &remoteEntry{
				names: make(map[string]struct{}),
				peers: make(map[string]struct{}),
			}
			r.files[e.Hash] = entry
		}
		entry.name = e.Name
		entry.names[e.Name] = struct{}{}
		entry.size = e.Size
		entry.peers[peer] = struct{}{}
	}
}

func (r *Registry) Lookup(hash string) (RemoteFile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.files[hash]
	if !ok {
		return RemoteFile{}, false
	}
	return entry.snapshot(hash), true
}

// Files returns every known file sorted by name.
func (r *Registry) Files() []RemoteFile {
	r.mu.RLock()
	out := make([]RemoteFile, 0, len(r.files))
	for hash, entry := range r.files {
		out = append(out, entry.snapshot(hash))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Hash < out[j].Hash
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Search returns files with an allowed extension whose advertised names
// contain query, ignoring case. An empty query matches everything.
func (r *Registry) Search(query string, extensions []string) []RemoteFile {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []RemoteFile
	for _, f := range r.Files() {
		for _, name := range f.Names {
			if storage.HasAllowedExtension(name, extensions) && strings.Contains(strings.ToLower(name), q) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.files)
}

func (e *remoteEntry) snapshot(hash string) RemoteFile {
	f := RemoteFile{Hash: hash, Name: e.name, Size: e.size}
	for n := range e.names {
		f.Names = append(f.Names, n)
	}
	for p := range e.peers {
		f.Peers = append(f.Peers, p)
	}
	sort.Strings(f.Names)
	sort.Strings(f.Peers)
	return f
}
