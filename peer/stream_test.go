package peer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/swarm-stream/pkg/monitor"
	"tarun-kavipurapu/swarm-stream/pkg/protocol"
	"tarun-kavipurapu/swarm-stream/pkg/storage"
)

func newTestStream(t *testing.T, fetcher *fakeFetcher, size int64, peers ...string) *StreamManager {
	t.Helper()
	sm, err := NewStreamManager(StreamConfig{
		Hash:      "filehash",
		FileName:  "clip.mkv",
		Size:      size,
		Peers:     peers,
		OutputDir: t.TempDir(),
		Fetcher:   fetcher,
		Metrics:   monitor.NewMetrics(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })
	return sm
}

func waitDone(t *testing.T, sm *StreamManager, timeout time.Duration) {
	t.Helper()
	select {
	case <-sm.Done():
	case <-time.After(timeout):
		t.Fatalf("stream did not finish, progress=%d%%", sm.Progress())
	}
}

func TestStreamDownloadsWholeFile(t *testing.T) {
	content := patterned(1048576+1234, 0)
	fetcher := newFakeFetcher().serve("a:1", content).serve("b:1", content).serve("c:1", content)
	sm := newTestStream(t, fetcher, int64(len(content)), "a:1", "b:1", "c:1")

	info, err := os.Stat(sm.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), info.Size(), "output preallocated to full size")
	assert.Equal(t, 5, sm.TotalChunks())
	assert.Equal(t, 0, sm.Progress())
	assert.False(t, sm.IsReadyToPlay())

	sm.Start()
	waitDone(t, sm, 10*time.Second)

	assert.Equal(t, 100, sm.Progress())
	assert.True(t, sm.IsReadyToPlay())
	require.NoError(t, sm.Close())

	got, err := os.ReadFile(sm.Path())
	require.NoError(t, err)
	assert.Equal(t, content, got)

	for i := 0; i < sm.TotalChunks(); i++ {
		hash, ok := sm.ChunkHash(i)
		require.True(t, ok)
		off := protocol.ChunkOffset(i)
		assert.Equal(t, storage.HashChunk(content[off:off+int64(protocol.ChunkLength(i, int64(len(content))))]), hash)
	}
}

func TestPriorityChunksFetchedFirstInOrder(t *testing.T) {
	content := patterned(8*protocol.ChunkSize, 1)
	fetcher := newFakeFetcher().serve("a:1", content).serve("b:1", content).serve("c:1", content)
	sm := newTestStream(t, fetcher, int64(len(content)), "a:1", "b:1", "c:1")

	sm.Start()
	waitDone(t, sm, 10*time.Second)

	// second-peer verification re-fetches early chunks, so only look at
	// the first request for every index
	var firstSeen []int
	seen := make(map[int]bool)
	for _, c := range fetcher.history() {
		if !seen[c.index] {
			seen[c.index] = true
			firstSeen = append(firstSeen, c.index)
		}
	}
	require.Len(t, firstSeen, 8)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, firstSeen[:5])
}

func TestPriorityCoversSmallFile(t *testing.T) {
	content := patterned(1048576, 2)
	fetcher := newFakeFetcher().serve("a:1", content)
	sm := newTestStream(t, fetcher, int64(len(content)), "a:1")

	sm.Start()
	waitDone(t, sm, 10*time.Second)

	var order []int
	for _, c := range fetcher.history() {
		order = append(order, c.index)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestPriorityCoversSmallFileAcrossPeers(t *testing.T) {
	content := patterned(1048576, 5)
	fetcher := newFakeFetcher().serve("a:1", content).serve("b:1", content).serve("c:1", content)
	sm := newTestStream(t, fetcher, int64(len(content)), "a:1", "b:1", "c:1")
	require.Equal(t, 4, sm.TotalChunks())

	sm.Start()
	waitDone(t, sm, 10*time.Second)
	assert.Equal(t, 100, sm.Progress())

	var firstSeen []int
	seen := make(map[int]bool)
	for _, c := range fetcher.history() {
		if !seen[c.index] {
			seen[c.index] = true
			firstSeen = append(firstSeen, c.index)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3}, firstSeen)
	assert.Zero(t, sm.scheduled.Load(), "every chunk was fetched in the priority prefix")

	// early chunks are re-fetched from a second peer
	require.Eventually(t, func() bool {
		n := 0
		for _, c := range fetcher.history() {
			if c.index == 0 {
				n++
			}
		}
		return n >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulePassSkipsReceivedAndInFlight(t *testing.T) {
	content := patterned(3*protocol.ChunkSize, 6)
	fetcher := newFakeFetcher().serve("a:1", content)
	sm := newTestStream(t, fetcher, int64(len(content)), "a:1")

	submitted, ok := sm.schedulePass()
	require.True(t, ok)
	assert.Equal(t, 3, submitted)

	require.Eventually(t, func() bool {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		return sm.received.Count() == 3 && sm.inFlight.None()
	}, 5*time.Second, 10*time.Millisecond)

	submitted, ok = sm.schedulePass()
	assert.True(t, ok)
	assert.Zero(t, submitted, "an idle pass submits nothing, so the loop sleeps")

	require.NoError(t, sm.Close())
	_, ok = sm.schedulePass()
	assert.False(t, ok)
}

func TestFetchTimeoutFollowsBufferTarget(t *testing.T) {
	content := patterned(2*protocol.ChunkSize, 7)
	fetcher := newFakeFetcher().serve("a:1", content)
	mock := clock.NewMock()
	sm, err := NewStreamManager(StreamConfig{
		Hash:      "filehash",
		FileName:  "clip.mkv",
		Size:      int64(len(content)),
		Peers:     []string{"a:1"},
		OutputDir: t.TempDir(),
		Fetcher:   fetcher,
		Clock:     mock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })

	assert.Equal(t, 5*time.Second, sm.fetchTimeout())

	// one failed attempt per elapsed window raises the target by one
	for i := 0; i < 4; i++ {
		mock.Add(bufferAdjustWindow + time.Millisecond)
		sm.policy.Record(0, false)
	}
	require.Equal(t, 6, sm.BufferTarget())
	assert.Equal(t, 10*time.Second, sm.fetchTimeout())

	sm.Start()
	waitDone(t, sm, 10*time.Second)

	calls := fetcher.history()
	require.NotEmpty(t, calls)
	for _, c := range calls {
		assert.Equal(t, 10*time.Second, c.timeout, "chunk %d", c.index)
	}
}

func TestRetryMovesToNextPeer(t *testing.T) {
	content := patterned(3*protocol.ChunkSize, 3)
	fetcher := newFakeFetcher().fail("down:1").serve("up:1", content)
	sm := newTestStream(t, fetcher, int64(len(content)), "down:1", "up:1")

	sm.Start()
	waitDone(t, sm, 10*time.Second)

	assert.Equal(t, 100, sm.Progress())
	assert.Positive(t, fetcher.callsTo("down:1"))
	assert.Positive(t, sm.metrics.Snapshot().FetchFailures)

	_, _, _, _, failed := sm.Tracker().GetProgress()
	assert.Positive(t, failed)
}

func TestReceivedAndInFlightNeverOverlap(t *testing.T) {
	content := patterned(12*protocol.ChunkSize, 4)
	fetcher := newFakeFetcher().serve("a:1", content).serve("b:1", content)
	fetcher.delay = 5 * time.Millisecond
	sm := newTestStream(t, fetcher, int64(len(content)), "a:1", "b:1")

	sm.Start()
	deadline := time.After(10 * time.Second)
	for {
		sm.mu.Lock()
		overlap := sm.received.IntersectionCardinality(sm.inFlight)
		sm.mu.Unlock()
		require.Zero(t, overlap)

		select {
		case <-sm.Done():
			assert.Equal(t, 100, sm.Progress())
			return
		case <-deadline:
			t.Fatal("stream did not finish")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestReadinessIsMonotone(t *testing.T) {
	content := patterned(6*protocol.ChunkSize, 5)
	fetcher := newFakeFetcher().serve("a:1", content)
	fetcher.delay = 10 * time.Millisecond
	sm := newTestStream(t, fetcher, int64(len(content)), "a:1")

	sm.Start()
	ready := false
	for {
		now := sm.IsReadyToPlay()
		if ready {
			require.True(t, now, "readiness flipped back")
		}
		ready = now

		select {
		case <-sm.Done():
			assert.True(t, sm.IsReadyToPlay())
			return
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func TestVerificationMismatchKeepsFirstData(t *testing.T) {
	good := patterned(2*protocol.ChunkSize, 6)
	bad := patterned(2*protocol.ChunkSize, 7)
	fetcher := newFakeFetcher().serve("a:1", good).serve("b:1", bad)
	sm := newTestStream(t, fetcher, int64(len(good)), "a:1", "b:1")

	sm.Start()
	waitDone(t, sm, 10*time.Second)
	// let the async verification run
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, sm.Close())

	got, err := os.ReadFile(sm.Path())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		hash, ok := sm.ChunkHash(i)
		require.True(t, ok)
		off := protocol.ChunkOffset(i)
		assert.Equal(t, hash, storage.HashChunk(got[off:off+protocol.ChunkSize]))
	}
}

func TestOversizedChunkRejected(t *testing.T) {
	fetcher := newFakeFetcher().serve("a:1", patterned(protocol.ChunkSize, 8))
	// declared size is smaller than what the peer serves
	sm := newTestStream(t, fetcher, 1000, "a:1")

	sm.Start()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, sm.Progress())
	assert.False(t, sm.IsReadyToPlay())
	assert.GreaterOrEqual(t, fetcher.callsTo("a:1"), 2)
}

func TestCloseCancelsBlockedFetches(t *testing.T) {
	fetcher := newFakeFetcher().serve("a:1", patterned(protocol.ChunkSize, 9))
	fetcher.block = true
	sm := newTestStream(t, fetcher, protocol.ChunkSize, "a:1")

	sm.Start()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, sm.Close())
	assert.Less(t, time.Since(start), 3*time.Second)
	waitDone(t, sm, 2*time.Second)
	require.NoError(t, sm.Close())
}

func TestWaitReady(t *testing.T) {
	content := patterned(4*protocol.ChunkSize, 10)
	fetcher := newFakeFetcher().serve("a:1", content)
	sm := newTestStream(t, fetcher, int64(len(content)), "a:1")
	sm.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path, err := sm.WaitReady(ctx)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, "clip.mkv", filepath.Base(path))
}

func TestWaitReadyHonoursContext(t *testing.T) {
	fetcher := newFakeFetcher().fail("a:1")
	sm := newTestStream(t, fetcher, 4*protocol.ChunkSize, "a:1")
	sm.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := sm.WaitReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewStreamManagerErrors(t *testing.T) {
	_, err := NewStreamManager(StreamConfig{Hash: "h", Size: 10, OutputDir: t.TempDir(), Fetcher: newFakeFetcher()})
	assert.ErrorIs(t, err, ErrNoPeers)

	// output dir is a regular file
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	_, err = NewStreamManager(StreamConfig{
		Hash: "h", Size: 10, Peers: []string{"a:1"}, OutputDir: blocker, Fetcher: newFakeFetcher(),
	})
	assert.Error(t, err)
}

func TestEmptyFile(t *testing.T) {
	sm := newTestStream(t, newFakeFetcher(), 0, "a:1")
	assert.Equal(t, 0, sm.TotalChunks())
	assert.Equal(t, 0, sm.Progress())
	assert.True(t, sm.IsReadyToPlay())

	sm.Start()
	waitDone(t, sm, time.Second)
}

func TestActivePeers(t *testing.T) {
	content := patterned(protocol.ChunkSize, 11)
	fetcher := newFakeFetcher().serve("a:1", content)
	sm := newTestStream(t, fetcher, int64(len(content)), "a:1")
	sm.Start()
	waitDone(t, sm, 5*time.Second)

	assert.Equal(t, map[string]string{"a:1": "Completed Chunk #0"}, sm.ActivePeers())
}
