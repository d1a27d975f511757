package tiered_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/GridForge/internal/adapter/tiered"
)

// memCache is a map-backed cache that can fail on demand, block its Get
// until release is closed, and count Get calls.
type memCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	err     error
	release chan struct{}
	gets    atomic.Int32
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	m.gets.Add(1)
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.data, key)
	return nil
}

func (m *memCache) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func TestTiered_Get(t *testing.T) {
	tests := []struct {
		name       string
		inL1, inL2 bool
		wantFound  bool
		wantFill   bool
	}{
		{name: "l1 hit", inL1: true, wantFound: true},
		{name: "l2 hit backfills l1", inL2: true, wantFound: true, wantFill: true},
		{name: "miss"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l1, l2 := newMemCache(), newMemCache()
			if tt.inL1 {
				l1.data["obj"] = []byte("bytes")
			}
			if tt.inL2 {
				l2.data["obj"] = []byte("bytes")
			}
			c := tiered.New(l1, l2, time.Minute)

			val, found, err := c.Get(context.Background(), "obj")
			if err != nil {
				t.Fatal(err)
			}
			if found != tt.wantFound {
				t.Fatalf("found = %v, want %v", found, tt.wantFound)
			}
			if found && string(val) != "bytes" {
				t.Fatalf("val = %q", val)
			}
			if tt.wantFill && !l1.has("obj") {
				t.Fatal("expected l1 backfill")
			}
			if tt.inL1 && l2.gets.Load() != 0 {
				t.Fatal("l1 hit should not consult l2")
			}
		})
	}
}

func TestTiered_SetAndDeleteReachBothLevels(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	c := tiered.New(l1, l2, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "obj", []byte("bytes"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if !l1.has("obj") || !l2.has("obj") {
		t.Fatal("expected obj in both levels")
	}
	if err := c.Delete(ctx, "obj"); err != nil {
		t.Fatal(err)
	}
	if l1.has("obj") || l2.has("obj") {
		t.Fatal("expected obj removed from both levels")
	}
}

func TestTiered_ConcurrentMissesShareOneL2Lookup(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	l2.data["dep"] = []byte("payload")
	l2.release = make(chan struct{})
	c := tiered.New(l1, l2, time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, found, err := c.Get(context.Background(), "dep")
			if err != nil || !found || string(val) != "payload" {
				errs <- errors.New("unexpected result")
			}
		}()
	}

	// Wait until the first lookup is parked in l2, then give the others a
	// moment to join it before releasing.
	for l2.gets.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(l2.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatal(err)
	}
	if got := l2.gets.Load(); got >= callers {
		t.Fatalf("l2 Get called %d times for %d callers", got, callers)
	}
}

func TestTiered_L2DownDegradesToL1(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	l2.err = errors.New("kv unavailable")
	c := tiered.New(l1, l2, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "obj", []byte("bytes"), time.Minute); err != nil {
		t.Fatalf("set should tolerate l2 failure: %v", err)
	}
	val, found, err := c.Get(ctx, "obj")
	if err != nil || !found || string(val) != "bytes" {
		t.Fatalf("expected l1 hit, got %q found=%v err=%v", val, found, err)
	}
	if _, found, err := c.Get(ctx, "other"); err != nil || found {
		t.Fatalf("expected miss on l2 error, got found=%v err=%v", found, err)
	}
	if err := c.Delete(ctx, "obj"); err == nil {
		t.Fatal("expected delete to report l2 failure")
	}
}
