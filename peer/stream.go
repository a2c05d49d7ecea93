package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/bits-and-blooms/bitset"
	"go.uber.org/multierr"

	"tarun-kavipurapu/swarm-stream/pkg/logger"
	"tarun-kavipurapu/swarm-stream/pkg/monitor"
	"tarun-kavipurapu/swarm-stream/pkg/protocol"
	"tarun-kavipurapu/swarm-stream/pkg/storage"
	"tarun-kavipurapu/swarm-stream/pkg/transport"
	"tarun-kavipurapu/swarm-stream/pkg/workerpool"
)

var (
	ErrNoPeers       = errors.New("no peers hold this file")
	ErrUnknownFile   = errors.New("file hash is not in the swarm catalog")
	errChunkTooLarge = errors.New("chunk larger than expected")
	errEmptyChunk    = errors.New("peer returned an empty chunk")
)

const (
	priorityChunks  = 5
	fetchWorkers    = 4
	verifyChunks    = 3
	scheduleSleep   = 150 * time.Millisecond
	shortTimeout    = 5 * time.Second
	longTimeout     = 10 * time.Second
	closeGrace      = 2 * time.Second
	readyPollPeriod = 200 * time.Millisecond
)

type StreamConfig struct {
	Hash     string
	FileName string
	Size     int64
	// Peers are chunk server addresses ("host:port").
	Peers []string
	// OutputDir receives the output file, named after FileName.
	OutputDir string
	Fetcher   transport.ChunkFetcher
	// Clock drives the buffer policy and peer activity. Defaults to wall time.
	Clock   clock.Clock
	Metrics *monitor.Metrics
}

// StreamManager downloads one file from a set of peers into a preallocated
// output file. Leading chunks are fetched first and in order so playback can
// begin before the whole file is present.
type StreamManager struct {
	hash        string
	fileName    string
	size        int64
	totalChunks int
	peers       []string
	path        string
	file        *os.File

	fetcher  transport.ChunkFetcher
	metrics  *monitor.Metrics
	policy   *BufferPolicy
	activity *PeerActivity
	tracker  *DownloadTracker

	// mu guards received and inFlight together so a chunk is never in both.
	mu       sync.Mutex
	received *bitset.BitSet
	inFlight *bitset.BitSet

	chunkHashes sync.Map // int -> string

	rr        atomic.Uint64
	scheduled atomic.Int64
	pool      *workerpool.Pool

	ctx       context.Context
	cancel    context.CancelFunc
	started   atomic.Bool
	startTime time.Time
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewStreamManager shuffles the peers and allocates the output file at its
// full size. Failing to create the file is the only error besides ErrNoPeers.
func NewStreamManager(cfg StreamConfig) (*StreamManager, error) {
	if len(cfg.Peers) == 0 {
		return nil, ErrNoPeers
	}
	if cfg.Hash == "" {
		return nil, errors.New("stream requires a file hash")
	}
	if cfg.Size < 0 {
		return nil, fmt.Errorf("invalid file size %d", cfg.Size)
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("stream requires a chunk fetcher")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	name := filepath.Base(cfg.FileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = cfg.Hash
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create buffer dir %s: %w", cfg.OutputDir, err)
	}
	path, err := filepath.Abs(filepath.Join(cfg.OutputDir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output path: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	if err := file.Truncate(cfg.Size); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to size output file %s: %w", path, err)
	}

	peers := make([]string, len(cfg.Peers))
	copy(peers, cfg.Peers)
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	total := protocol.TotalChunks(cfg.Size)
	ctx, cancel := context.WithCancel(context.Background())

	return &StreamManager{
		hash:        cfg.Hash,
		fileName:    name,
		size:        cfg.Size,
		totalChunks: total,
		peers:       peers,
		path:        path,
		file:        file,
		fetcher:     cfg.Fetcher,
		metrics:     cfg.Metrics,
		policy:      NewBufferPolicy(cfg.Clock),
		activity:    NewPeerActivity(cfg.Clock),
		tracker:     NewDownloadTracker(cfg.Hash, name, uint64(cfg.Size), total),
		received:    bitset.New(uint(total)),
		inFlight:    bitset.New(uint(total)),
		pool:        workerpool.New(fetchWorkers, 0),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}, nil
}

// Start launches the download loop. Later calls are no-ops.
func (s *StreamManager) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.startTime = time.Now()
	logger.Sugar.Infof("[Stream] starting download: file=%s hash=%s size=%d chunks=%d peers=%v",
		s.fileName, s.hash, s.size, s.totalChunks, s.peers)
	go s.downloadLoop()
}

func (s *StreamManager) downloadLoop() {
	defer s.finish()

	for i := 0; i < min(priorityChunks, s.totalChunks); i++ {
		if s.stopped() {
			return
		}
		s.fetchWithRetry(i)
	}

	for !s.stopped() && !s.IsComplete() {
		submitted, ok := s.schedulePass()
		if !ok {
			return
		}
		if submitted > 0 {
			continue
		}
		logger.Sugar.Debugf("[Stream] nothing to schedule, %d/%d chunks received", s.ReceivedCount(), s.totalChunks)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(scheduleSleep):
		}
	}
}

// schedulePass submits every chunk that is neither received nor in flight.
// ok is false once the stream stopped or the pool refused work.
func (s *StreamManager) schedulePass() (submitted int, ok bool) {
	for i := 0; i < s.totalChunks; i++ {
		if s.stopped() {
			return submitted, false
		}
		if !s.tryMarkInFlight(i) {
			continue
		}
		index := i
		err := s.pool.Submit(s.ctx, func(ctx context.Context) {
			defer s.clearInFlight(index)
			s.fetchWithRetry(index)
		})
		if err != nil {
			s.clearInFlight(index)
			return submitted, false
		}
		s.scheduled.Add(1)
		submitted++
	}
	return submitted, true
}

func (s *StreamManager) finish() {
	if s.IsComplete() {
		s.tracker.MarkComplete()
		logger.Sugar.Infof("[Stream] download complete: file=%s path=%s pooled=%d", s.fileName, s.path, s.scheduled.Load())
		monitor.RecordTransfer(s.fileName, s.size, s.startTime)
	}
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *StreamManager) stopped() bool {
	return s.ctx.Err() != nil
}

func (s *StreamManager) tryMarkInFlight(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := uint(index)
	if s.received.Test(i) || s.inFlight.Test(i) {
		return false
	}
	s.inFlight.Set(i)
	return true
}

func (s *StreamManager) clearInFlight(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight.Clear(uint(index))
}

func (s *StreamManager) isReceived(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.Test(uint(index))
}

// markReceived flips a chunk from in-flight to received atomically and
// reports whether it was newly received.
func (s *StreamManager) markReceived(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := uint(index)
	if s.received.Test(i) {
		return false
	}
	s.received.Set(i)
	s.inFlight.Clear(i)
	return true
}

func (s *StreamManager) nextPeer() string {
	n := s.rr.Add(1) - 1
	return s.peers[n%uint64(len(s.peers))]
}

func (s *StreamManager) fetchTimeout() time.Duration {
	if s.policy.Target() > 5 {
		return longTimeout
	}
	return shortTimeout
}

// fetchWithRetry walks the peers round-robin until the chunk is stored,
// the stream stops, or every peer had two chances.
func (s *StreamManager) fetchWithRetry(index int) {
	maxAttempts := 2 * len(s.peers)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if s.stopped() || s.isReceived(index) {
			return
		}

		peer := s.nextPeer()
		s.activity.Touch(peer, fmt.Sprintf("Downloading Chunk #%d", index))
		s.tracker.StartChunk(index, peer)

		started := time.Now()
		err := s.fetchAndStore(index, peer)
		s.policy.Record(time.Since(started), err == nil)

		if err == nil {
			s.activity.Touch(peer, fmt.Sprintf("Completed Chunk #%d", index))
			return
		}
		s.activity.Touch(peer, fmt.Sprintf("Failed Chunk #%d", index))
		s.tracker.FailChunk(index)
		s.metrics.RecordFetchFailure()
		logger.Sugar.Debugf("[Stream] chunk %d from %s failed (attempt %d/%d): %v", index, peer, attempt+1, maxAttempts, err)
	}
}

func (s *StreamManager) fetchAndStore(index int, peer string) error {
	data, err := s.fetcher.FetchChunk(s.ctx, peer, s.hash, index, s.fetchTimeout())
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errEmptyChunk
	}
	if len(data) > protocol.ChunkLength(index, s.size) {
		return fmt.Errorf("%w: chunk %d got %d bytes", errChunkTooLarge, index, len(data))
	}
	return s.saveChunk(index, data, peer)
}

func (s *StreamManager) saveChunk(index int, data []byte, from string) error {
	incoming := storage.HashChunk(data)

	if s.isReceived(index) {
		if old, ok := s.ChunkHash(index); ok && old != incoming {
			logger.Sugar.Warnf("[Stream] chunk mismatch: chunk=%d from=%s old=%s new=%s", index, from, old, incoming)
		}
		return nil
	}

	if _, err := s.file.WriteAt(data, protocol.ChunkOffset(index)); err != nil {
		return fmt.Errorf("failed to write chunk %d: %w", index, err)
	}
	s.chunkHashes.Store(index, incoming)
	if !s.markReceived(index) {
		return nil
	}
	s.tracker.CompleteChunk(index, len(data))
	s.metrics.RecordFetched(len(data))

	if index < verifyChunks && len(s.peers) > 1 {
		go s.verifyWithSecondPeer(index, incoming, from)
	}
	return nil
}

// verifyWithSecondPeer fetches an early chunk again from another peer and
// logs whether both copies agree. The downloaded data is never replaced.
func (s *StreamManager) verifyWithSecondPeer(index int, hash, from string) {
	var other string
	for _, p := range s.peers {
		if p != from {
			other = p
			break
		}
	}
	if other == "" {
		return
	}

	data, err := s.fetcher.FetchChunk(s.ctx, other, s.hash, index, s.fetchTimeout())
	if err != nil || len(data) == 0 {
		return
	}
	otherHash := storage.HashChunk(data)
	if otherHash != hash {
		logger.Sugar.Warnf("[Stream] verify failed: chunk=%d from=%s vs %s %s != %s", index, from, other, hash, otherHash)
		return
	}
	logger.Sugar.Infof("[Stream] verify ok: chunk=%d from=%s matches %s", index, from, other)
}

// Progress is the percentage of chunks received, rounded down.
func (s *StreamManager) Progress() int {
	if s.totalChunks == 0 {
		return 0
	}
	return s.ReceivedCount() * 100 / s.totalChunks
}

func (s *StreamManager) ReceivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.received.Count())
}

func (s *StreamManager) IsComplete() bool {
	return s.ReceivedCount() >= s.totalChunks
}

// IsReadyToPlay reports whether an unbroken prefix of at least the current
// buffer target has been received.
func (s *StreamManager) IsReadyToPlay() bool {
	need := min(s.totalChunks, s.policy.Target())
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < need; i++ {
		if !s.received.Test(uint(i)) {
			return false
		}
	}
	return true
}

// WaitReady blocks until the stream is ready to play and returns the
// absolute path of the output file, which may still be growing.
func (s *StreamManager) WaitReady(ctx context.Context) (string, error) {
	ticker := time.NewTicker(readyPollPeriod)
	defer ticker.Stop()
	for {
		if s.IsReadyToPlay() {
			return s.path, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.done:
			if s.IsReadyToPlay() {
				return s.path, nil
			}
			return "", errors.New("stream stopped before it was ready to play")
		case <-ticker.C:
		}
	}
}

// ActivePeers maps peers active in the last five seconds to their last action.
func (s *StreamManager) ActivePeers() map[string]string {
	return s.activity.Active()
}

// ChunkHash is the sha256 of the data stored for a chunk.
func (s *StreamManager) ChunkHash(index int) (string, bool) {
	v, ok := s.chunkHashes.Load(index)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (s *StreamManager) BufferTarget() int         { return s.policy.Target() }
func (s *StreamManager) Hash() string              { return s.hash }
func (s *StreamManager) FileName() string          { return s.fileName }
func (s *StreamManager) Size() int64               { return s.size }
func (s *StreamManager) TotalChunks() int          { return s.totalChunks }
func (s *StreamManager) Path() string              { return s.path }
func (s *StreamManager) Tracker() *DownloadTracker { return s.tracker }
func (s *StreamManager) Done() <-chan struct{}     { return s.done }

// Close stops scheduling, cancels pending fetches, waits up to two seconds
// for workers and closes the output file.
func (s *StreamManager) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if !s.pool.Stop(closeGrace) {
			s.closeErr = multierr.Append(s.closeErr, errors.New("fetch workers did not stop in time"))
		}
		if !s.started.Load() {
			s.doneOnce.Do(func() { close(s.done) })
		}
		if err := s.file.Close(); err != nil {
			s.closeErr = multierr.Append(s.closeErr, fmt.Errorf("failed to close %s: %w", s.path, err))
		}
		logger.Sugar.Infof("[Stream] closed: file=%s progress=%d%%", s.fileName, s.Progress())
	})
	return s.closeErr
}
