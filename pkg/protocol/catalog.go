package protocol

import (
	"strconv"
	"strings"
)

// CatalogEntry advertises one locally held file inside a HELLO payload.
type CatalogEntry struct {
	Hash string
	Name string
	Size uint64
}

func (e CatalogEntry) String() string {
	return e.Hash + ":" + e.Name + ":" + strconv.FormatUint(e.Size, 10)
}

// FormatCatalog joins entries as comma-separated hash:name:size triples.
func FormatCatalog(entries []CatalogEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, ",")
}

// ParseCatalog splits a HELLO payload. Malformed entries are skipped.
func ParseCatalog(payload string) []CatalogEntry {
	entries := make([]CatalogEntry, 0)
	if payload == "" {
		return entries
	}
	for _, raw := range strings.Split(payload, ",") {
		entry, ok := ParseCatalogEntry(raw)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// ParseCatalogEntry parses a single hash:name:size triple. A name containing
// colons is kept intact: the hash is the first field and the size the last.
func ParseCatalogEntry(raw string) (CatalogEntry, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 3 {
		return CatalogEntry{}, false
	}
	hash := parts[0]
	name := strings.Join(parts[1:len(parts)-1], ":")
	size, err := strconv.ParseUint(parts[len(parts)-1], 10, 64)
	if err != nil || hash == "" {
		return CatalogEntry{}, false
	}
	return CatalogEntry{Hash: hash, Name: name, Size: size}, true
}
