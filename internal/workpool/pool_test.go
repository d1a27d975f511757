package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestMapKeepsOrderUnderLimit(t *testing.T) {
	const limit = 3
	pool := NewPool(limit)

	var running, peak atomic.Int64
	items := []int{5, 1, 4, 2, 3, 0, 6, 7, 9, 8}
	out, err := Map(context.Background(), pool, items, func(_ context.Context, n int) (string, error) {
		cur := running.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		if s := pool.Stats(); s.InFlight > limit {
			t.Errorf("in flight %d exceeds limit", s.InFlight)
		}
		time.Sleep(time.Duration(n) * time.Millisecond)
		running.Add(-1)
		return fmt.Sprint(n), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, n := range items {
		if out[i] != fmt.Sprint(n) {
			t.Fatalf("out = %v, want items order %v", out, items)
		}
	}
	if p := peak.Load(); p > limit {
		t.Errorf("max concurrent = %d, want <= %d", p, limit)
	}
	if s := pool.Stats(); s != (Stats{Limit: limit}) {
		t.Errorf("stats after Map = %+v", s)
	}
}

func TestMapNilPoolIsSequential(t *testing.T) {
	var running atomic.Int64
	out, err := Map(context.Background(), nil, []int{1, 2, 3}, func(_ context.Context, n int) (int, error) {
		if running.Add(1) > 1 {
			t.Error("nil pool ran calls concurrently")
		}
		defer running.Add(-1)
		return n * n, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 || out[0] != 1 || out[1] != 4 || out[2] != 9 {
		t.Fatalf("out = %v", out)
	}
}

func TestMapStopsOnFirstError(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int64
	_, err := Map(context.Background(), nil, []int{0, 1, 2, 3}, func(_ context.Context, n int) (int, error) {
		calls.Add(1)
		if n == 1 {
			return 0, boom
		}
		return n, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if c := calls.Load(); c != 2 {
		t.Fatalf("calls after the failure should be skipped, got %d calls", c)
	}
}

func TestDoWaitsForSlot(t *testing.T) {
	pool := NewPool(1)

	occupied := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Do(context.Background(), func(context.Context) error {
			close(occupied)
			<-release
			return nil
		})
	}()
	<-occupied

	ctx, cancel := context.WithCancel(context.Background())
	waited := make(chan error, 1)
	go func() {
		waited <- pool.Do(ctx, func(context.Context) error {
			t.Error("fn should not have been called")
			return nil
		})
	}()

	deadline := time.Now().Add(time.Second)
	for pool.Stats().Waiting != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("stats = %+v, want one waiter", pool.Stats())
		}
		time.Sleep(time.Millisecond)
	}
	if s := pool.Stats(); s.InFlight != 1 {
		t.Fatalf("stats = %+v, want one in flight", s)
	}

	cancel()
	if err := <-waited; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	close(release)
	<-done
	if s := pool.Stats(); s.InFlight != 0 || s.Waiting != 0 {
		t.Errorf("stats after release = %+v", s)
	}
}

func TestNewPoolClampsLimit(t *testing.T) {
	if s := NewPool(0).Stats(); s.Limit != 1 {
		t.Fatalf("limit = %d, want 1", s.Limit)
	}
	var p *Pool
	if s := p.Stats(); s != (Stats{}) {
		t.Fatalf("nil pool stats = %+v", s)
	}
}
