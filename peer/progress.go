package peer

import (
	"sync"
	"time"
)

// ChunkState represents the current state of a chunk download
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkDownloading
	ChunkCompleted
	ChunkFailed
)

// String returns a string representation of the chunk state
func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkDownloading:
		return "downloading"
	case ChunkCompleted:
		return "completed"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Icon returns an icon representation of the chunk state
func (s ChunkState) Icon() string {
	switch s {
	case ChunkPending:
		return "⏳"
	case ChunkDownloading:
		return "↓"
	case ChunkCompleted:
		return "✓"
	case ChunkFailed:
		return "✗"
	default:
		return "?"
	}
}

// ChunkProgress tracks the progress of a single chunk
type ChunkProgress struct {
	State     ChunkState
	PeerAddr  string
	Bytes     uint64
	StartTime time.Time
	EndTime   time.Time
}

// DownloadTracker keeps display-oriented statistics for one stream session.
// The StreamManager's bit-sets stay authoritative for what was received.
type DownloadTracker struct {
	mu              sync.RWMutex
	FileHash        string
	FileName        string
	FileSize        uint64
	TotalChunks     int
	Chunks          []ChunkProgress
	ActivePeers     map[string]int // peerAddr -> attempts in progress
	StartTime       time.Time
	EndTime         time.Time
	BytesDownloaded uint64

	// Speed calculation
	lastBytes    uint64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec

	completed      int
	failedAttempts uint32
}

// NewDownloadTracker creates a new download tracker
func NewDownloadTracker(fileHash, fileName string, fileSize uint64, totalChunks int) *DownloadTracker {
	now := time.Now()
	return &DownloadTracker{
		FileHash:    fileHash,
		FileName:    fileName,
		FileSize:    fileSize,
		TotalChunks: totalChunks,
		Chunks:      make([]ChunkProgress, totalChunks),
		ActivePeers: make(map[string]int),
		StartTime:   now,
		lastTime:    now,
	}
}

// StartChunk marks an attempt on a chunk from the given peer
func (dt *DownloadTracker) StartChunk(index int, peerAddr string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if index < 0 || index >= len(dt.Chunks) {
		return
	}
	chunk := &dt.Chunks[index]
	if chunk.State == ChunkCompleted {
		return
	}
	chunk.State = ChunkDownloading
	chunk.PeerAddr = peerAddr
	chunk.StartTime = time.Now()
	dt.ActivePeers[peerAddr]++
}

// CompleteChunk marks a chunk as completed with the number of bytes written
func (dt *DownloadTracker) CompleteChunk(index int, bytes int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if index < 0 || index >= len(dt.Chunks) {
		return
	}
	chunk := &dt.Chunks[index]
	if chunk.State == ChunkCompleted {
		return
	}
	dt.releasePeer(chunk)
	chunk.State = ChunkCompleted
	chunk.Bytes = uint64(bytes)
	chunk.EndTime = time.Now()
	dt.BytesDownloaded += uint64(bytes)
	dt.completed++
}

// FailChunk records a failed attempt. The chunk goes back to pending
// once the attempt is over, failures are kept as a counter.
func (dt *DownloadTracker) FailChunk(index int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.failedAttempts++
	if index < 0 || index >= len(dt.Chunks) {
		return
	}
	chunk := &dt.Chunks[index]
	if chunk.State == ChunkCompleted {
		return
	}
	dt.releasePeer(chunk)
	chunk.State = ChunkFailed
	chunk.EndTime = time.Now()
}

func (dt *DownloadTracker) releasePeer(chunk *ChunkProgress) {
	if chunk.State != ChunkDownloading {
		return
	}
	dt.ActivePeers[chunk.PeerAddr]--
	if dt.ActivePeers[chunk.PeerAddr] <= 0 {
		delete(dt.ActivePeers, chunk.PeerAddr)
	}
}

// UpdateSpeed calculates and updates the current download speed
func (dt *DownloadTracker) UpdateSpeed() float64 {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(dt.lastTime).Seconds()

	if elapsed >= 0.5 { // Update every 0.5 seconds
		bytesDiff := dt.BytesDownloaded - dt.lastBytes
		dt.currentSpeed = float64(bytesDiff) / elapsed
		dt.lastBytes = dt.BytesDownloaded
		dt.lastTime = now
	}

	return dt.currentSpeed
}

// GetProgress returns current progress statistics
// Returns: completed count, total count, speed (bytes/s), active peer count, failed attempts
func (dt *DownloadTracker) GetProgress() (completed, total int, speed float64, peerCount int, failed uint32) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.completed, dt.TotalChunks, dt.currentSpeed, len(dt.ActivePeers), dt.failedAttempts
}

// GetETA returns the estimated time remaining
func (dt *DownloadTracker) GetETA() time.Duration {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if dt.currentSpeed <= 0 || dt.BytesDownloaded >= dt.FileSize {
		return 0
	}
	remaining := float64(dt.FileSize - dt.BytesDownloaded)
	return time.Duration(remaining/dt.currentSpeed) * time.Second
}

// GetBytesDownloaded returns the total bytes downloaded
func (dt *DownloadTracker) GetBytesDownloaded() uint64 {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.BytesDownloaded
}

// IsComplete returns true if all chunks are completed
func (dt *DownloadTracker) IsComplete() bool {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.completed == dt.TotalChunks
}

// MarkComplete marks the download as complete
func (dt *DownloadTracker) MarkComplete() {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.EndTime = time.Now()
}

// GetElapsedTime returns the elapsed time since download started
func (dt *DownloadTracker) GetElapsedTime() time.Duration {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if !dt.EndTime.IsZero() {
		return dt.EndTime.Sub(dt.StartTime)
	}
	return time.Since(dt.StartTime)
}

// GetChunkStatus returns the status of a specific chunk
func (dt *DownloadTracker) GetChunkStatus(index int) (ChunkState, bool) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if index < 0 || index >= len(dt.Chunks) {
		return ChunkPending, false
	}
	return dt.Chunks[index].State, true
}

// ChunkMap renders one icon per chunk, e.g. "✓✓↓⏳".
func (dt *DownloadTracker) ChunkMap() string {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	out := make([]byte, 0, len(dt.Chunks)*3)
	for _, c := range dt.Chunks {
		out = append(out, c.State.Icon()...)
	}
	return string(out)
}
