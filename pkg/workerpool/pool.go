package workerpool

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a unit of work. The context is cancelled when the pool stops.
type Task func(ctx context.Context)

// Pool runs submitted tasks on a fixed number of goroutines.
type Pool struct {
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts a pool with the given number of workers and queue capacity.
func New(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan Task, queue),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			task(p.ctx)
		}
	}
}

// Submit queues a task, blocking while the queue is full. It fails once the
// pool is stopped or ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if p.ctx.Err() != nil {
		return ErrPoolClosed
	}
	select {
	case <-p.ctx.Done():
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- task:
		return nil
	}
}

// Stop cancels queued and running tasks and waits up to grace for workers
// to return. It reports whether all workers finished in time.
func (p *Pool) Stop(grace time.Duration) bool {
	p.once.Do(p.cancel)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// Closed reports whether Stop was called.
func (p *Pool) Closed() bool {
	return p.ctx.Err() != nil
}
