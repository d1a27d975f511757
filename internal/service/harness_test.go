package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/GridForge/internal/adapter/memory"
	"github.com/Strob0t/GridForge/internal/config"
	"github.com/Strob0t/GridForge/internal/domain/partition"
	"github.com/Strob0t/GridForge/internal/domain/session"
	"github.com/Strob0t/GridForge/internal/domain/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingObjects counts fetches and deletes on top of the in-memory object
// store. The hooks, when set before a test runs, may fail an operation.
type countingObjects struct {
	*memory.Objects
	deletes atomic.Int32
	fetches atomic.Int32

	onFetch func(id string) error
	onStore func(id string) error
}

func (o *countingObjects) Fetch(ctx context.Context, id string) ([][]byte, error) {
	o.fetches.Add(1)
	if o.onFetch != nil {
		if err := o.onFetch(id); err != nil {
			return nil, err
		}
	}
	return o.Objects.Fetch(ctx, id)
}

func (o *countingObjects) Store(ctx context.Context, id string, chunks [][]byte) error {
	if o.onStore != nil {
		if err := o.onStore(id); err != nil {
			return err
		}
	}
	return o.Objects.Store(ctx, id, chunks)
}

func (o *countingObjects) Delete(ctx context.Context, id string) error {
	o.deletes.Add(1)
	return o.Objects.Delete(ctx, id)
}

type harness struct {
	store     *memory.Store
	objects   *countingObjects
	queue     *memory.Queue
	clock     *fakeClock
	dispatch  *DispatchService
	lifecycle *LifecycleService
	wait      *WaitService
	prefetch  *DataPrefetcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	if err := store.CreatePartitions(ctx, []partition.Partition{{ID: "default"}, {ID: "gpu"}}); err != nil {
		t.Fatal(err)
	}
	objects := &countingObjects{Objects: memory.NewObjects()}
	queue := memory.NewQueue(10 * time.Millisecond)
	t.Cleanup(func() { _ = queue.Close() })
	clock := newFakeClock()

	dispatchSvc := NewDispatchService(store, &config.Dispatch{TimeToLive: time.Minute, RefreshPeriod: 20 * time.Second})
	dispatchSvc.now = clock.Now

	lifecycle := NewLifecycleService(store, objects, NewPushQueue(queue, nil), NewEventPublisher(queue), &config.Submitter{
		DefaultPartition: "default",
		MaxPriority:      4,
		MaxChunkSize:     8,
	})
	lifecycle.now = clock.Now
	lifecycle.background = func(fn func()) { fn() }

	wait := NewWaitService(store, &config.Polling{DelayMin: time.Second, DelayMax: 10 * time.Second})

	return &harness{
		store:     store,
		objects:   objects,
		queue:     queue,
		clock:     clock,
		dispatch:  dispatchSvc,
		lifecycle: lifecycle,
		wait:      wait,
		prefetch:  NewDataPrefetcher(store, objects, lifecycle.assembler),
	}
}

func (h *harness) newSession(t *testing.T, defaults task.Options) string {
	t.Helper()
	sess, err := h.lifecycle.CreateSession(context.Background(), session.CreateRequest{
		PartitionIDs:   []string{"default", "gpu"},
		DefaultOptions: defaults,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess.ID
}

func (h *harness) submit(t *testing.T, sessionID string, reqs ...task.Request) []task.CreationRequest {
	t.Helper()
	created, err := h.lifecycle.CreateTasks(context.Background(), sessionID, "", nil, reqs)
	if err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	return created
}

// run moves a submitted task to Processing and returns it.
func (h *harness) run(t *testing.T, id string) *task.Task {
	t.Helper()
	ctx := context.Background()
	if ok, err := h.store.ClaimTask(ctx, id, "pod-test", h.clock.Now()); err != nil || !ok {
		t.Fatalf("claim %s: ok=%v err=%v", id, ok, err)
	}
	if ok, err := h.store.StartTask(ctx, id, h.clock.Now()); err != nil || !ok {
		t.Fatalf("start %s: ok=%v err=%v", id, ok, err)
	}
	got, err := h.store.ReadTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func (h *harness) task(t *testing.T, id string) *task.Task {
	t.Helper()
	got, err := h.store.ReadTask(context.Background(), id)
	if err != nil {
		t.Fatalf("read task %s: %v", id, err)
	}
	return got
}
