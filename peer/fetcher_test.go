package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"tarun-kavipurapu/swarm-stream/pkg/protocol"
)

// fakeFetcher serves chunks of in-memory files per peer address.
type fakeFetcher struct {
	mu      sync.Mutex
	files   map[string][]byte // peer -> content
	failing map[string]bool
	delay   time.Duration
	block   bool
	calls   []fetchCall
}

type fetchCall struct {
	peer    string
	index   int
	timeout time.Duration
}

var errFakeDown = errors.New("peer down")

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		files:   make(map[string][]byte),
		failing: make(map[string]bool),
	}
}

func (f *fakeFetcher) serve(peer string, content []byte) *fakeFetcher {
	f.files[peer] = content
	return f
}

func (f *fakeFetcher) fail(peer string) *fakeFetcher {
	f.failing[peer] = true
	return f
}

func (f *fakeFetcher) FetchChunk(ctx context.Context, addr, hash string, index int, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{peer: addr, index: index, timeout: timeout})
	content, ok := f.files[addr]
	failing := f.failing[addr]
	delay, block := f.delay, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if failing || !ok {
		return nil, errFakeDown
	}
	offset := protocol.ChunkOffset(index)
	if index < 0 || offset >= int64(len(content)) {
		return nil, errFakeDown
	}
	end := min(offset+protocol.ChunkSize, int64(len(content)))
	out := make([]byte, end-offset)
	copy(out, content[offset:end])
	return out, nil
}

func (f *fakeFetcher) history() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

func (f *fakeFetcher) callsTo(peer string) int {
	n := 0
	for _, c := range f.history() {
		if c.peer == peer {
			n++
		}
	}
	return n
}

func patterned(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%241) ^ seed
	}
	return data
}
