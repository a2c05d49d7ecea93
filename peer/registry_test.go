package peer

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/swarm-stream/pkg/protocol"
)

func TestRegistryAdd(t *testing.T) {
	r := NewRegistry()
	r.Add("10.0.0.1:8889", protocol.ParseCatalog("abc123:clip.mkv:900000,broken,def456:talk.mp4:42"))
	r.Add("10.0.0.2:8889", protocol.ParseCatalog("abc123:clip-copy.mkv:900001"))
	r.Add("10.0.0.1:8889", protocol.ParseCatalog("abc123:clip.mkv:900000"))

	assert.Equal(t, 2, r.Len())

	f, ok := r.Lookup("abc123")
	require.True(t, ok)
	assert.Equal(t, "clip.mkv", f.Name, "last advertised name wins")
	assert.Equal(t, uint64(900000), f.Size)
	assert.Equal(t, []string{"clip-copy.mkv", "clip.mkv"}, f.Names)
	assert.Equal(t, []string{"10.0.0.1:8889", "10.0.0.2:8889"}, f.Peers)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistrySearch(t *testing.T) {
	r := NewRegistry()
	r.Add("p:1", protocol.ParseCatalog("h1:Holiday.MKV:10,h2:notes.txt:5,h3:lecture.mp4:7"))

	tests := []struct {
		query string
		exts  []string
		want  []string
	}{
		{query: "", exts: DefaultExtensions, want: []string{"h1", "h3"}},
		{query: "holi", exts: DefaultExtensions, want: []string{"h1"}},
		{query: "NOTES", exts: DefaultExtensions, want: nil},
		{query: "notes", exts: []string{"txt"}, want: []string{"h2"}},
	}
	for _, tt := range tests {
		var got []string
		for _, f := range r.Search(tt.query, tt.exts) {
			got = append(got, f.Hash)
		}
		assert.Equal(t, tt.want, got, "query=%q exts=%v", tt.query, tt.exts)
	}
}

func TestPeerActivityWindow(t *testing.T) {
	mock := clock.NewMock()
	a := NewPeerActivity(mock)

	a.Touch("a:1", "Downloading Chunk #0")
	mock.Add(3 * time.Second)
	a.Touch("b:1", "Failed Chunk #1")
	assert.Equal(t, map[string]string{"a:1": "Downloading Chunk #0", "b:1": "Failed Chunk #1"}, a.Active())

	mock.Add(2 * time.Second)
	assert.Equal(t, map[string]string{"b:1": "Failed Chunk #1"}, a.Active())

	mock.Add(5 * time.Second)
	assert.Empty(t, a.Active())
}
