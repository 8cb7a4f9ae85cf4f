// Package worker decouples the accept loop from session startup. Accepted
// sockets go onto a bounded queue; a fixed set of workers hands each one
// to the dispatch handler.
package worker

import (
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ospreyproxy/osprey/internal/logging"
)

// Handler receives an accepted client socket.
type Handler func(nc net.Conn)

// Config contains configuration for the pool.
type Config struct {
	WorkerCount int
	QueueSize   int
	EnableDebug bool
}

// Pool fans accepted connections out to a fixed number of workers.
type Pool struct {
	workerCount int
	queue       chan net.Conn
	handler     Handler
	shutdown    chan struct{}
	wg          sync.WaitGroup
	enableDebug bool
	started     int32

	dispatched int64
	rejected   int64
}

// NewPool creates a pool. A zero worker count defaults to twice the CPU
// count; a zero queue size to 32 slots per worker.
func NewPool(config *Config, handler Handler) *Pool {
	workers := config.WorkerCount
	if workers == 0 {
		workers = runtime.NumCPU() * 2
	}
	queue := config.QueueSize
	if queue == 0 {
		queue = workers * 32
	}
	return &Pool{
		workerCount: workers,
		queue:       make(chan net.Conn, queue),
		handler:     handler,
		shutdown:    make(chan struct{}),
		enableDebug: config.EnableDebug,
	}
}

// Start launches the workers.
func (p *Pool) Start() error {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return fmt.Errorf("worker pool already started")
	}
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	if p.enableDebug {
		logging.Debug("Worker pool started with %d workers, queue size %d", p.workerCount, cap(p.queue))
	}
	return nil
}

// Dispatch queues a connection for handling. A full queue rejects the
// connection so the accept loop can close it rather than block.
func (p *Pool) Dispatch(nc net.Conn) error {
	if atomic.LoadInt32(&p.started) == 0 {
		return fmt.Errorf("worker pool not started")
	}
	select {
	case p.queue <- nc:
		atomic.AddInt64(&p.dispatched, 1)
		return nil
	default:
		atomic.AddInt64(&p.rejected, 1)
		return fmt.Errorf("worker pool queue is full")
	}
}

// Stop drains the queue and waits for workers, up to the timeout.
func (p *Pool) Stop(timeout time.Duration) error {
	if !atomic.CompareAndSwapInt32(&p.started, 1, 0) {
		return nil
	}
	close(p.shutdown)
	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool stop timeout after %v", timeout)
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		select {
		case nc, ok := <-p.queue:
			if !ok {
				return
			}
			p.handler(nc)
		case <-p.shutdown:
			return
		}
	}
}

// StatsSnapshot is a point-in-time view of pool activity.
type StatsSnapshot struct {
	Workers    int   `json:"workers"`
	Dispatched int64 `json:"dispatched"`
	Rejected   int64 `json:"rejected"`
	QueueLen   int   `json:"queue_len"`
}

// GetStats returns current pool counters.
func (p *Pool) GetStats() StatsSnapshot {
	return StatsSnapshot{
		Workers:    p.workerCount,
		Dispatched: atomic.LoadInt64(&p.dispatched),
		Rejected:   atomic.LoadInt64(&p.rejected),
		QueueLen:   len(p.queue),
	}
}
