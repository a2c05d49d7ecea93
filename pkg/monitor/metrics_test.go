package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordServed(100)
	m.RecordServed(50)
	m.RecordFetched(262144)
	m.RecordFetchFailure()

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.ChunksServed)
	assert.Equal(t, int64(150), s.BytesServed)
	assert.Equal(t, int64(1), s.ChunksFetched)
	assert.Equal(t, int64(262144), s.BytesFetched)
	assert.Equal(t, int64(1), s.FetchFailures)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordServed(1)
	m.RecordFetched(1)
	m.RecordFetchFailure()
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestLogPeriodicStopsWithContext(t *testing.T) {
	m := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.LogPeriodic(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LogPeriodic did not return after cancel")
	}
}
