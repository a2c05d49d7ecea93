package peer

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDownloadTracker(t *testing.T) {
	dt := NewDownloadTracker("h", "clip.mkv", 600000, 3)

	dt.StartChunk(0, "a:1")
	dt.StartChunk(1, "b:1")
	_, _, _, peers, _ := dt.GetProgress()
	assert.Equal(t, 2, peers)

	dt.CompleteChunk(0, 262144)
	dt.FailChunk(1)
	dt.StartChunk(1, "a:1")
	dt.CompleteChunk(1, 262144)
	// duplicate completion is ignored
	dt.CompleteChunk(1, 262144)

	completed, total, _, peers, failed := dt.GetProgress()
	assert.Equal(t, 2, completed)
	assert.Equal(t, 3, total)
	assert.Equal(t, 0, peers)
	assert.Equal(t, uint32(1), failed)
	assert.Equal(t, uint64(524288), dt.GetBytesDownloaded())
	assert.False(t, dt.IsComplete())
	assert.Equal(t, "✓✓⏳", dt.ChunkMap())

	state, ok := dt.GetChunkStatus(1)
	assert.True(t, ok)
	assert.Equal(t, ChunkCompleted, state)
	_, ok = dt.GetChunkStatus(7)
	assert.False(t, ok)

	dt.CompleteChunk(2, 75712)
	assert.True(t, dt.IsComplete())
}

func TestProgressRendererFinalLine(t *testing.T) {
	dt := NewDownloadTracker("h", "clip.mkv", 100, 1)
	var out bytes.Buffer
	pr := NewProgressRenderer(dt, &out, false)
	pr.refreshRate = 5 * time.Millisecond

	go pr.Start()
	dt.StartChunk(0, "a:1")
	dt.CompleteChunk(0, 100)
	time.Sleep(20 * time.Millisecond)
	pr.StopAndWait()

	assert.Contains(t, out.String(), "[clip.mkv]")
	assert.Contains(t, out.String(), "100% (1/1 chunks")
	assert.Contains(t, out.String(), "Completed in")
}

func TestProgressRendererIncomplete(t *testing.T) {
	dt := NewDownloadTracker("h", "clip.mkv", 600000, 3)
	var out bytes.Buffer
	pr := NewProgressRenderer(dt, &out, false)

	go pr.Start()
	dt.FailChunk(0)
	pr.StopAndWait()

	assert.Contains(t, out.String(), "Download stopped: 0/3 completed, 1 failed attempts")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "<1s", formatDuration(10*time.Millisecond))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h1m", formatDuration(61*time.Minute))
	assert.Equal(t, "∞", formatETA(0))
}
