package peer

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"tarun-kavipurapu/swarm-stream/pkg/logger"
)

const (
	MinBufferChunks    = 2
	MaxBufferChunks    = 15
	bufferAdjustWindow = 2 * time.Second
	highLatencyMs      = 1500
	lowLatencyMs       = 500
	highLossRate       = 0.15
	lowLossRate        = 0.05
)

// BufferPolicy adapts how many leading chunks must be present before
// playback may start. Fetch outcomes are folded into rolling counters and
// evaluated at most once per window, on the next outcome after the window
// elapsed.
type BufferPolicy struct {
	clock clock.Clock

	mu           sync.Mutex
	target       int
	totalLatency time.Duration
	successes    int
	failures     int
	lastAdjust   time.Time
}

func NewBufferPolicy(clk clock.Clock) *BufferPolicy {
	if clk == nil {
		clk = clock.New()
	}
	return &BufferPolicy{
		clock:      clk,
		target:     MinBufferChunks,
		lastAdjust: clk.Now(),
	}
}

// Target is the current minimum buffer in chunks.
func (p *BufferPolicy) Target() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Record folds one fetch attempt into the counters. Latency only counts for
// successful attempts.
func (p *BufferPolicy) Record(latency time.Duration, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if success {
		p.totalLatency += latency
		p.successes++
	} else {
		p.failures++
	}

	now := p.clock.Now()
	if now.Sub(p.lastAdjust) > bufferAdjustWindow {
		p.adjust()
		p.lastAdjust = now
	}
}

func (p *BufferPolicy) adjust() {
	total := p.successes + p.failures
	if total == 0 {
		return
	}

	divisor := p.successes
	if divisor == 0 {
		divisor = 1
	}
	avgLatency := float64(p.totalLatency.Milliseconds()) / float64(divisor)
	lossRate := float64(p.failures) / float64(total)

	old := p.target
	switch {
	case avgLatency > highLatencyMs || lossRate > highLossRate:
		p.target = min(MaxBufferChunks, p.target+1)
	case avgLatency < lowLatencyMs && lossRate < lowLossRate:
		p.target = max(MinBufferChunks, p.target-1)
	}

	p.totalLatency = 0
	p.successes = 0
	p.failures = 0

	if old != p.target {
		logger.Sugar.Infof("[Stream] buffer target adjusted: latency=%dms loss=%.2f target=%d->%d",
			int(avgLatency), lossRate, old, p.target)
	}
}
