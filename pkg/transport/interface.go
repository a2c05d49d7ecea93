package transport

import (
	"context"
	"time"
)

// ChunkFetcher pulls one chunk of a content-addressed file from a peer's chunk server.
// A nil slice with a nil error means the peer has no such chunk.
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, addr, hash string, index int, timeout time.Duration) ([]byte, error)
}
