package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(4, 16)
	defer p.Stop(time.Second)

	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(0))
}

func TestPoolStopCancelsTasks(t *testing.T) {
	p := New(1, 0)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started

	assert.True(t, p.Stop(time.Second))
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled")
	}

	assert.True(t, p.Closed())
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) {}), ErrPoolClosed)
}

func TestPoolSubmitHonoursContext(t *testing.T) {
	p := New(1, 0)
	defer p.Stop(time.Second)

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopGracePeriodExpires(t *testing.T) {
	p := New(1, 0)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	assert.False(t, p.Stop(20*time.Millisecond))
	close(release)
}
