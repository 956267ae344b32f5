package retrieve

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(context.Background(), 2)

	var running, peak atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		if err := pool.Submit(func(ctx context.Context) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		}); err != nil {
			t.Fatalf("submit error: %v", err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	pool.Close()

	if peak.Load() > 2 {
		t.Fatalf("pool exceeded its limit: %d", peak.Load())
	}
}

func TestPoolRejectsAfterClose(t *testing.T) {
	pool := NewPool(context.Background(), 1)
	pool.Close()
	if err := pool.Submit(func(context.Context) {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolPassesContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, 1)
	done := make(chan error, 1)
	if err := pool.Submit(func(ctx context.Context) {
		<-ctx.Done()
		done <- ctx.Err()
	}); err != nil {
		t.Fatalf("submit error: %v", err)
	}
	cancel()
	pool.Close()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected task to observe cancellation, got %v", err)
	}
}
