package monitor

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"tarun-kavipurapu/swarm-stream/pkg/logger"
)

// Metrics holds transfer counters for one node. Every component of the node
// shares the same instance.
type Metrics struct {
	// Chunks and bytes handed out by the chunk server
	ChunksServed int64
	BytesServed  int64
	// Chunks and bytes written by download sessions
	ChunksFetched int64
	BytesFetched  int64
	// Fetch attempts that did not yield data
	FetchFailures int64

	start time.Time
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ChunksServed  int64         `json:"chunksServed"`
	BytesServed   int64         `json:"bytesServed"`
	ChunksFetched int64         `json:"chunksFetched"`
	BytesFetched  int64         `json:"bytesFetched"`
	FetchFailures int64         `json:"fetchFailures"`
	Uptime        time.Duration `json:"uptime"`
}

func NewMetrics() *Metrics {
	return &Metrics{start: time.Now()}
}

func (m *Metrics) RecordServed(bytes int) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.ChunksServed, 1)
	atomic.AddInt64(&m.BytesServed, int64(bytes))
}

func (m *Metrics) RecordFetched(bytes int) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.ChunksFetched, 1)
	atomic.AddInt64(&m.BytesFetched, int64(bytes))
}

func (m *Metrics) RecordFetchFailure() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.FetchFailures, 1)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		ChunksServed:  atomic.LoadInt64(&m.ChunksServed),
		BytesServed:   atomic.LoadInt64(&m.BytesServed),
		ChunksFetched: atomic.LoadInt64(&m.ChunksFetched),
		BytesFetched:  atomic.LoadInt64(&m.BytesFetched),
		FetchFailures: atomic.LoadInt64(&m.FetchFailures),
		Uptime:        time.Since(m.start),
	}
}

// LogPeriodic logs runtime and transfer metrics at the specified interval
// until ctx is done.
func (m *Metrics) LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		s := m.Snapshot()

		var throughput float64
		if secs := s.Uptime.Seconds(); secs > 0 {
			throughput = float64(s.BytesServed+s.BytesFetched) / secs
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%s | Served=%d (%s) | Fetched=%d (%s) | Failures=%d | Throughput=%s/s",
			runtime.NumGoroutine(),
			humanize.IBytes(mem.HeapAlloc),
			s.ChunksServed, humanize.IBytes(uint64(s.BytesServed)),
			s.ChunksFetched, humanize.IBytes(uint64(s.BytesFetched)),
			s.FetchFailures,
			humanize.IBytes(uint64(throughput)),
		)
	}
}

// RecordTransfer logs a completed file download.
func RecordTransfer(name string, bytes int64, started time.Time) {
	duration := time.Since(started).Seconds()
	var speed float64
	if duration > 0 {
		speed = float64(bytes) / duration
	}

	logger.Sugar.Infof("[Transfer] File=%s | Size=%s | Duration=%.2fs | Speed=%s/s",
		name, humanize.IBytes(uint64(bytes)), duration, humanize.IBytes(uint64(speed)))
}
