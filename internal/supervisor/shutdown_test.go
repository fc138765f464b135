package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingTeardown struct {
	name  string
	mu    *sync.Mutex
	order *[]string
	calls atomic.Int32
	fn    func(ctx context.Context) error
}

func (r *recordingTeardown) Teardown(ctx context.Context) error {
	r.calls.Add(1)
	r.mu.Lock()
	*r.order = append(*r.order, r.name)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ctx)
	}
	return nil
}

type stopCounter struct{ n atomic.Int32 }

func (s *stopCounter) Stop() { s.n.Add(1) }

func TestCoordinator_RunsOnceInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	tok := NewToken()
	loop := &stopCounter{}
	rpc := &recordingTeardown{name: "rpc", mu: &mu, order: &order, fn: func(context.Context) error {
		if !tok.IsSet() {
			return errors.New("token not set before rpc teardown")
		}
		return nil
	}}
	storage := &recordingTeardown{name: "storage", mu: &mu, order: &order}
	c := NewCoordinator(ShutdownOptions{Loop: loop, Token: tok, RPC: rpc, Storage: storage})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Shutdown(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}
	if loop.n.Load() != 1 || rpc.calls.Load() != 1 || storage.calls.Load() != 1 {
		t.Fatalf("loop=%d rpc=%d storage=%d", loop.n.Load(), rpc.calls.Load(), storage.calls.Load())
	}
	if len(order) != 2 || order[0] != "rpc" || order[1] != "storage" {
		t.Fatalf("order = %v", order)
	}
	if !tok.IsSet() {
		t.Fatal("token not set")
	}
	// a late caller gets the same result without rerunning
	if err := c.Shutdown(context.Background()); err != nil || storage.calls.Load() != 1 {
		t.Fatalf("late shutdown: err=%v calls=%d", err, storage.calls.Load())
	}
}

func TestCoordinator_StepFailuresDoNotStopSequence(t *testing.T) {
	var mu sync.Mutex
	var order []string
	rpc := &recordingTeardown{name: "rpc", mu: &mu, order: &order, fn: func(context.Context) error {
		panic("rpc teardown exploded")
	}}
	storage := &recordingTeardown{name: "storage", mu: &mu, order: &order, fn: func(context.Context) error {
		return errors.New("storage teardown failed")
	}}
	c := NewCoordinator(ShutdownOptions{RPC: rpc, Storage: storage})
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if storage.calls.Load() != 1 {
		t.Fatal("storage step skipped after rpc panic")
	}
}

func TestCoordinator_TimesOut(t *testing.T) {
	var mu sync.Mutex
	var order []string
	hang := make(chan struct{})
	defer close(hang)
	storage := &recordingTeardown{name: "storage", mu: &mu, order: &order, fn: func(context.Context) error {
		<-hang // a child that never exits and ignores the deadline
		return nil
	}}
	c := NewCoordinator(ShutdownOptions{Storage: storage, MaxWait: 150 * time.Millisecond})

	start := time.Now()
	err := c.Shutdown(context.Background())
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("expected ErrShutdownTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("shutdown took %s", elapsed)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed after timeout")
	}
}

func TestCoordinator_CallerContextBoundsWaitOnly(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	storage := &recordingTeardown{name: "storage", mu: &mu, order: &order, fn: func(context.Context) error {
		<-release
		return nil
	}}
	c := NewCoordinator(ShutdownOptions{Storage: storage})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}
	close(release)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if storage.calls.Load() != 1 {
		t.Fatalf("storage teardown ran %d times", storage.calls.Load())
	}
}
