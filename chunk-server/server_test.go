package chunkserver

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/swarm-stream/pkg/monitor"
	"tarun-kavipurapu/swarm-stream/pkg/storage"
	"tarun-kavipurapu/swarm-stream/pkg/transport/tcp"
)

func movieBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func startServer(t *testing.T, files map[string][]byte) (*FileChunkServer, *monitor.Metrics) {
	t.Helper()
	root := t.TempDir()
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), data, 0644))
	}
	metrics := monitor.NewMetrics()
	srv := New(Options{Addr: "127.0.0.1:0", RootDir: root, Metrics: metrics})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv, metrics
}

func TestServeMovieChunks(t *testing.T) {
	movie := movieBytes(600000)
	srv, metrics := startServer(t, map[string][]byte{"movie.mp4": movie})
	hash := storage.HashChunk(movie)
	client := tcp.NewClient("")
	ctx := context.Background()

	tests := []struct {
		name  string
		hash  string
		index int
		want  []byte
		err   error
	}{
		{name: "first chunk", hash: hash, index: 0, want: movie[:262144]},
		{name: "last partial chunk", hash: hash, index: 2, want: movie[524288:]},
		{name: "past end", hash: hash, index: 3, err: tcp.ErrNoSuchChunk},
		{name: "unknown hash", hash: "deadbeef", index: 0, err: tcp.ErrUnknownHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := client.FetchChunk(ctx, srv.Addr(), tt.hash, tt.index, 2*time.Second)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, data)
		})
	}

	s := metrics.Snapshot()
	assert.Equal(t, int64(2), s.ChunksServed)
	assert.Equal(t, int64(262144+75712), s.BytesServed)
}

func TestNegativeIndexIsPastEnd(t *testing.T) {
	movie := movieBytes(1000)
	srv, _ := startServer(t, map[string][]byte{"movie.mp4": movie})

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, tcp.WriteChunkRequest(conn, storage.HashChunk(movie), -1))
	status, data, err := tcp.ReadChunkReply(conn)
	require.NoError(t, err)
	assert.Equal(t, int32(0), status)
	assert.Nil(t, data)
}

func TestMissingFileAnswersUnknownHash(t *testing.T) {
	movie := movieBytes(1000)
	srv, _ := startServer(t, map[string][]byte{"movie.mp4": movie})
	require.NoError(t, os.Remove(filepath.Join(srv.RootDir(), "movie.mp4")))

	_, err := tcp.NewClient("").FetchChunk(context.Background(), srv.Addr(), storage.HashChunk(movie), 0, time.Second)
	assert.ErrorIs(t, err, tcp.ErrUnknownHash)
}

func TestReindexPicksUpNewFiles(t *testing.T) {
	srv, _ := startServer(t, nil)
	assert.Equal(t, 0, srv.Index().Len())

	data := []byte("late arrival")
	require.NoError(t, os.WriteFile(filepath.Join(srv.RootDir(), "late.mkv"), data, 0644))
	_, ok := srv.Index().Lookup(storage.HashChunk(data))
	assert.False(t, ok, "index is not refreshed automatically")

	require.NoError(t, srv.Reindex())
	entry, ok := srv.Index().Lookup(storage.HashChunk(data))
	require.True(t, ok)
	assert.Equal(t, "late.mkv", entry.Name)
	assert.Contains(t, srv.GetStatus(), "late.mkv")
}

func TestStartCreatesRootAndStopIsIdempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "shared")
	srv := New(Options{Addr: "127.0.0.1:0", RootDir: root})
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Start())

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
}
