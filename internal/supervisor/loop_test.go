package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPollLoop_TicksAndSurvivesErrors(t *testing.T) {
	var ticks atomic.Int32
	l := NewPollLoop(20*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return errors.New("always failing")
	}, nil)
	l.Start(context.Background())
	defer l.Stop()
	if !waitUntil(2*time.Second, 10*time.Millisecond, func() bool { return ticks.Load() >= 3 }) {
		t.Fatalf("only %d ticks", ticks.Load())
	}
}

func TestPollLoop_StopEndsTicks(t *testing.T) {
	var ticks atomic.Int32
	l := NewPollLoop(10*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	}, nil)
	l.Start(context.Background())
	waitUntil(time.Second, 5*time.Millisecond, func() bool { return ticks.Load() > 0 })
	l.Stop()
	l.Stop()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not finish after stop")
	}
	n := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	if ticks.Load() != n {
		t.Fatal("tick after stop")
	}
	// restarting a stopped loop is a no-op
	l.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	if ticks.Load() != n {
		t.Fatal("stopped loop restarted")
	}
}

func TestPollLoop_KickRunsImmediately(t *testing.T) {
	ticked := make(chan struct{}, 1)
	l := NewPollLoop(time.Hour, func(context.Context) error {
		ticked <- struct{}{}
		return nil
	}, nil)
	l.Start(context.Background())
	defer l.Stop()
	l.Kick()
	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("kick did not tick")
	}
}

func TestPollLoop_StopBeforeStart(t *testing.T) {
	l := NewPollLoop(0, func(context.Context) error { return nil }, nil)
	if l.interval != DefaultPollInterval {
		t.Fatalf("interval = %s", l.interval)
	}
	l.Stop()
	select {
	case <-l.Done():
	default:
		t.Fatal("done not closed for a loop that never started")
	}
}

func TestPollLoop_ContextCancelEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewPollLoop(10*time.Millisecond, func(context.Context) error { return nil }, nil)
	l.Start(ctx)
	cancel()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop ignored context cancel")
	}
}
