package worker

import (
	"net"
	"sync"
	"testing"
	"time"
)

func TestPoolDispatchesConnections(t *testing.T) {
	var mu sync.Mutex
	handled := 0
	done := make(chan struct{}, 4)

	pool := NewPool(&Config{WorkerCount: 2, QueueSize: 4}, func(nc net.Conn) {
		mu.Lock()
		handled++
		mu.Unlock()
		nc.Close()
		done <- struct{}{}
	})
	if err := pool.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer pool.Stop(time.Second)

	for i := 0; i < 4; i++ {
		a, b := net.Pipe()
		defer a.Close()
		if err := pool.Dispatch(b); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("handler never ran")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if handled != 4 {
		t.Fatalf("handled = %d, want 4", handled)
	}
	if stats := pool.GetStats(); stats.Dispatched != 4 || stats.Rejected != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPoolRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(&Config{WorkerCount: 1, QueueSize: 1}, func(nc net.Conn) {
		<-block
		nc.Close()
	})
	if err := pool.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		close(block)
		pool.Stop(time.Second)
	}()

	// One in the worker, one in the queue; the next must be rejected.
	rejected := false
	for i := 0; i < 3; i++ {
		a, b := net.Pipe()
		defer a.Close()
		if err := pool.Dispatch(b); err != nil {
			rejected = true
			b.Close()
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !rejected {
		t.Fatal("expected a rejection with a full queue")
	}
}

func TestPoolDispatchBeforeStart(t *testing.T) {
	pool := NewPool(&Config{WorkerCount: 1}, func(nc net.Conn) { nc.Close() })
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if err := pool.Dispatch(b); err == nil {
		t.Fatal("expected error before Start")
	}
}

func TestPoolDoubleStart(t *testing.T) {
	pool := NewPool(&Config{WorkerCount: 1}, func(nc net.Conn) { nc.Close() })
	if err := pool.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer pool.Stop(time.Second)
	if err := pool.Start(); err == nil {
		t.Fatal("expected error on second Start")
	}
}
