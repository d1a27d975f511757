package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/GridForge/internal/config"
	"github.com/Strob0t/GridForge/internal/domain/compute"
	"github.com/Strob0t/GridForge/internal/domain/dispatch"
	"github.com/Strob0t/GridForge/internal/domain/result"
	"github.com/Strob0t/GridForge/internal/domain/task"
)

type processorFunc func(ctx context.Context, t *task.Task, units []compute.Unit) (Outcome, error)

func (f processorFunc) Process(ctx context.Context, t *task.Task, units []compute.Unit) (Outcome, error) {
	return f(ctx, t, units)
}

// echo writes the replayed payload followed by every dependency to each
// expected output.
var echo = processorFunc(func(_ context.Context, t *task.Task, units []compute.Unit) (Outcome, error) {
	var buf bytes.Buffer
	for _, u := range units {
		switch u.Kind {
		case compute.KindInit, compute.KindPayloadChunk, compute.KindDependencyChunk:
			buf.Write(u.Chunk)
		}
	}
	results := make(map[string][][]byte, len(t.ExpectedOutputIDs))
	for _, id := range t.ExpectedOutputIDs {
		results[id] = [][]byte{buf.Bytes()}
	}
	return Outcome{Output: task.Output{Success: true}, Results: results}, nil
})

func (h *harness) pollster(p Processor) *Pollster {
	return NewPollster(h.queue, h.store, h.dispatch, h.lifecycle, h.prefetch, p,
		&config.Pollster{Partition: "default", PodName: "pod-1"},
		&config.Dispatch{TimeToLive: time.Minute, RefreshPeriod: 5 * time.Millisecond},
	)
}

func readResult(t *testing.T, h *harness, sessionID, id string) string {
	t.Helper()
	reply, err := h.lifecycle.TryGetResult(context.Background(), sessionID, id)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Chunks == nil {
		t.Fatalf("result %s not available: %+v", id, reply)
	}
	return string(bytes.Join(reply.Chunks, nil))
}

func TestPollsterCompletesTask(t *testing.T) {
	h := newHarness(t)
	sid := h.newSession(t, task.Options{})
	ctx := context.Background()
	created := h.submit(t, sid, task.Request{Payload: []byte("hello, grid"), ExpectedOutputIDs: []string{"r"}})[0]

	if err := h.pollster(echo).ProcessTask(ctx, created.TaskID); err != nil {
		t.Fatal(err)
	}

	got := h.task(t, created.TaskID)
	if got.Status != task.StatusCompleted || got.OwnerPod != "pod-1" {
		t.Fatalf("expected completed by pod-1, got %s by %q", got.Status, got.OwnerPod)
	}
	if data := readResult(t, h, sid, "r"); data != "hello, grid" {
		t.Fatalf("unexpected result %q", data)
	}

	leases, _ := h.dispatch.ListDispatches(ctx, created.TaskID)
	if len(leases) != 1 {
		t.Fatalf("expected one lease, got %d", len(leases))
	}
	want := []dispatch.Status{dispatch.StatusAcquired, dispatch.StatusProcessing, dispatch.StatusSucceeded}
	for i, st := range want {
		if i >= len(leases[0].Statuses) || leases[0].Statuses[i].Status != st {
			t.Fatalf("unexpected lease history %+v", leases[0].Statuses)
		}
	}

	// Redelivery of a finished task is acknowledged without work.
	if err := h.pollster(echo).ProcessTask(ctx, created.TaskID); err != nil {
		t.Fatal(err)
	}
}

func TestPollsterLeaseHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	sid := h.newSession(t, task.Options{})
	ctx := context.Background()
	created := h.submit(t, sid, task.Request{ExpectedOutputIDs: []string{"r"}})[0]

	if _, err := h.dispatch.Acquire(ctx, sid, created.TaskID, "other-worker", nil); err != nil {
		t.Fatal(err)
	}
	err := h.pollster(echo).ProcessTask(ctx, created.TaskID)
	if !errors.Is(err, errLeaseHeld) {
		t.Fatalf("expected errLeaseHeld, got %v", err)
	}
	if got := h.task(t, created.TaskID); got.Status != task.StatusSubmitted {
		t.Fatalf("task should stay submitted, got %s", got.Status)
	}
}

func TestPollsterWaitsForDependencies(t *testing.T) {
	h := newHarness(t)
	sid := h.newSession(t, task.Options{})
	ctx := context.Background()
	a := h.submit(t, sid, task.Request{Payload: []byte("A"), ExpectedOutputIDs: []string{"ra"}})[0]
	b := h.submit(t, sid, task.Request{Payload: []byte("B"), ExpectedOutputIDs: []string{"rb"}, DependencyIDs: []string{"ra"}})[0]
	p := h.pollster(echo)

	if err := p.ProcessTask(ctx, b.TaskID); !errors.Is(err, errDependenciesPending) {
		t.Fatalf("expected errDependenciesPending, got %v", err)
	}
	if leases, _ := h.dispatch.ListDispatches(ctx, b.TaskID); len(leases) != 0 {
		t.Fatalf("lease should be released while waiting, got %d", len(leases))
	}

	if err := p.ProcessTask(ctx, a.TaskID); err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessTask(ctx, b.TaskID); err != nil {
		t.Fatal(err)
	}
	if data := readResult(t, h, sid, "rb"); data != "BA" {
		t.Fatalf("expected payload then dependency, got %q", data)
	}
}

func TestPollsterAbortsOnMissingDependency(t *testing.T) {
	h := newHarness(t)
	sid := h.newSession(t, task.Options{})
	ctx := context.Background()
	created := h.submit(t, sid, task.Request{ExpectedOutputIDs: []string{"r"}, DependencyIDs: []string{"ghost"}})[0]

	if err := h.pollster(echo).ProcessTask(ctx, created.TaskID); err != nil {
		t.Fatal(err)
	}
	got := h.task(t, created.TaskID)
	if got.Status != task.StatusError || !got.Output.IsUpstreamAbort() {
		t.Fatalf("expected upstream abort, got %s %q", got.Status, got.Output.Error)
	}
	r, _ := h.store.GetResult(ctx, sid, "r")
	if r.Status != result.StatusAborted {
		t.Fatalf("expected aborted result, got %s", r.Status)
	}
}

func TestPollsterResubmitsFailure(t *testing.T) {
	h := newHarness(t)
	sid := h.newSession(t, task.Options{MaxRetries: 1})
	ctx := context.Background()
	created := h.submit(t, sid, task.Request{ExpectedOutputIDs: []string{"r"}})[0]

	failing := processorFunc(func(context.Context, *task.Task, []compute.Unit) (Outcome, error) {
		return Outcome{}, errors.New("worker crashed")
	})
	if err := h.pollster(failing).ProcessTask(ctx, created.TaskID); err != nil {
		t.Fatal(err)
	}

	got := h.task(t, created.TaskID)
	if got.Status != task.StatusRetried || got.Output.Error != "worker crashed" {
		t.Fatalf("expected retried with detail, got %s %q", got.Status, got.Output.Error)
	}
	retries, _ := h.store.ListTasks(ctx, task.Filter{SessionID: sid, Statuses: []task.Status{task.StatusSubmitted}})
	if len(retries) != 1 {
		t.Fatalf("expected one retry, got %d", len(retries))
	}

	if err := h.pollster(echo).ProcessTask(ctx, retries[0].ID); err != nil {
		t.Fatal(err)
	}
	if got := h.task(t, retries[0].ID); got.Status != task.StatusCompleted {
		t.Fatalf("retry should complete, got %s", got.Status)
	}
}

func TestPollsterTimeout(t *testing.T) {
	h := newHarness(t)
	sid := h.newSession(t, task.Options{MaxDuration: 20 * time.Millisecond})
	ctx := context.Background()
	created := h.submit(t, sid, task.Request{ExpectedOutputIDs: []string{"r"}})[0]

	blocking := processorFunc(func(ctx context.Context, _ *task.Task, _ []compute.Unit) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})
	if err := h.pollster(blocking).ProcessTask(ctx, created.TaskID); err != nil {
		t.Fatal(err)
	}
	got := h.task(t, created.TaskID)
	if got.Status != task.StatusTimeout || !got.Output.Timeout {
		t.Fatalf("expected timeout, got %s %+v", got.Status, got.Output)
	}
}

func TestPollsterDropsAttemptOnLeaseLoss(t *testing.T) {
	h := newHarness(t)
	sid := h.newSession(t, task.Options{})
	ctx := context.Background()
	created := h.submit(t, sid, task.Request{ExpectedOutputIDs: []string{"r"}})[0]

	stolen := processorFunc(func(ctx context.Context, t *task.Task, _ []compute.Unit) (Outcome, error) {
		_ = h.dispatch.DeleteDispatchesForTask(context.Background(), t.ID)
		<-ctx.Done()
		return Outcome{Output: task.Output{Success: true}}, nil
	})
	if err := h.pollster(stolen).ProcessTask(ctx, created.TaskID); err != nil {
		t.Fatal(err)
	}
	got := h.task(t, created.TaskID)
	if got.Status != task.StatusProcessing {
		t.Fatalf("task should be left for the next lease holder, got %s", got.Status)
	}
	r, _ := h.store.GetResult(ctx, sid, "r")
	if r.Status != result.StatusCreated {
		t.Fatalf("result must not be set by a lost attempt, got %s", r.Status)
	}
}

func TestPollsterCancelledWhileProcessing(t *testing.T) {
	h := newHarness(t)
	sid := h.newSession(t, task.Options{})
	ctx := context.Background()
	created := h.submit(t, sid, task.Request{ExpectedOutputIDs: []string{"r"}})[0]

	cancelling := processorFunc(func(ctx context.Context, t *task.Task, units []compute.Unit) (Outcome, error) {
		if err := h.lifecycle.CancelSession(ctx, t.SessionID); err != nil {
			return Outcome{}, err
		}
		return echo(ctx, t, units)
	})
	if err := h.pollster(cancelling).ProcessTask(ctx, created.TaskID); err != nil {
		t.Fatal(err)
	}
	if got := h.task(t, created.TaskID); got.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	r, _ := h.store.GetResult(ctx, sid, "r")
	if r.Status != result.StatusCreated {
		t.Fatalf("cancelled task must not publish results, got %s", r.Status)
	}
}

func TestPollsterRunConsumesQueue(t *testing.T) {
	h := newHarness(t)
	sid := h.newSession(t, task.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.pollster(echo).Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	created := h.submit(t, sid, task.Request{Payload: []byte("queued"), ExpectedOutputIDs: []string{"r"}})[0]

	deadline := time.Now().Add(5 * time.Second)
	for h.task(t, created.TaskID).Status != task.StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("task not completed, status %s", h.task(t, created.TaskID).Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestPollsterPrefetchFailureResubmits(t *testing.T) {
	h := newHarness(t)
	sid := h.newSession(t, task.Options{MaxRetries: 1})
	ctx := context.Background()
	created := h.submit(t, sid, task.Request{Payload: []byte("x"), ExpectedOutputIDs: []string{"r"}})[0]

	h.objects.onFetch = func(string) error { return errors.New("object store unavailable") }
	if err := h.pollster(echo).ProcessTask(ctx, created.TaskID); err != nil {
		t.Fatal(err)
	}
	got := h.task(t, created.TaskID)
	if got.Status != task.StatusRetried || !strings.Contains(got.Output.Error, "object store unavailable") {
		t.Fatalf("expected retried with fetch error, got %s %q", got.Status, got.Output.Error)
	}
	leases, _ := h.dispatch.ListDispatches(ctx, created.TaskID)
	if len(leases) != 1 || leases[0].Statuses[len(leases[0].Statuses)-1].Status != dispatch.StatusFailed {
		t.Fatalf("expected failed lease, got %+v", leases)
	}
}

func TestPollsterPrefetchFailureAfterLeaseTakeover(t *testing.T) {
	h := newHarness(t)
	sid := h.newSession(t, task.Options{MaxRetries: 2})
	ctx := context.Background()
	created := h.submit(t, sid, task.Request{Payload: []byte("x"), ExpectedOutputIDs: []string{"r"}})[0]

	// While the payload is being fetched the lease expires and another
	// worker takes the task over and starts it.
	var takeover error
	h.objects.onFetch = func(id string) error {
		if id != created.PayloadID {
			return nil
		}
		h.clock.Advance(2 * time.Minute)
		won, err := h.dispatch.AcquireDispatch(ctx, sid, created.TaskID, "worker-b", nil)
		if err != nil || !won {
			takeover = fmt.Errorf("acquire: won=%v err=%v", won, err)
			return errors.New("object store unavailable")
		}
		if ok, err := h.store.ClaimTask(ctx, created.TaskID, "pod-b", h.clock.Now()); err != nil || !ok {
			takeover = fmt.Errorf("claim: ok=%v err=%v", ok, err)
		}
		if ok, err := h.store.StartTask(ctx, created.TaskID, h.clock.Now()); err != nil || !ok {
			takeover = fmt.Errorf("start: ok=%v err=%v", ok, err)
		}
		return errors.New("object store unavailable")
	}

	if err := h.pollster(echo).ProcessTask(ctx, created.TaskID); err != nil {
		t.Fatal(err)
	}
	if takeover != nil {
		t.Fatal(takeover)
	}

	got := h.task(t, created.TaskID)
	if got.Status != task.StatusProcessing || got.OwnerPod != "pod-b" {
		t.Fatalf("task must stay with worker-b, got %s by %q", got.Status, got.OwnerPod)
	}
	if r, _ := h.store.GetResult(ctx, sid, "r"); r.Status != result.StatusCreated || r.OwnerTaskID != created.TaskID {
		t.Fatalf("result must be untouched, got %s owned by %s", r.Status, r.OwnerTaskID)
	}
	if retries, _ := h.store.ListTasks(ctx, task.Filter{SessionID: sid, Statuses: []task.Status{task.StatusSubmitted}}); len(retries) != 0 {
		t.Fatalf("expired attempt must not resubmit, got %d retries", len(retries))
	}
	d, err := h.dispatch.GetDispatch(ctx, "worker-b")
	if err != nil {
		t.Fatal(err)
	}
	last := d.Statuses[len(d.Statuses)-1].Status
	if d.Attempt != 2 || last != dispatch.StatusAcquired {
		t.Fatalf("worker-b lease changed: attempt %d status %s", d.Attempt, last)
	}
}

func TestPollsterSkipsTaskCancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	sid := h.newSession(t, task.Options{})
	ctx := context.Background()
	created := h.submit(t, sid, task.Request{Payload: []byte("x"), ExpectedOutputIDs: []string{"r"}})[0]

	h.objects.onFetch = func(string) error {
		return h.lifecycle.CancelSession(ctx, sid)
	}
	var calls int
	counting := processorFunc(func(ctx context.Context, t *task.Task, units []compute.Unit) (Outcome, error) {
		calls++
		return echo(ctx, t, units)
	})

	if err := h.pollster(counting).ProcessTask(ctx, created.TaskID); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("processor ran %d times for a cancelled task", calls)
	}
	if got := h.task(t, created.TaskID); got.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if leases, _ := h.dispatch.ListDispatches(ctx, created.TaskID); len(leases) != 0 {
		t.Fatalf("lease should be released, got %d", len(leases))
	}
}

func TestPollsterRetriesAfterPartialResultWrite(t *testing.T) {
	h := newHarness(t)
	sid := h.newSession(t, task.Options{MaxRetries: 2})
	ctx := context.Background()
	created := h.submit(t, sid, task.Request{Payload: []byte("data"), ExpectedOutputIDs: []string{"r1", "r2"}})[0]

	failed := false
	h.objects.onStore = func(id string) error {
		if strings.HasPrefix(id, "r2/") && !failed {
			failed = true
			return errors.New("store unavailable")
		}
		return nil
	}
	before := h.objects.Len()

	p := h.pollster(echo)
	if err := p.ProcessTask(ctx, created.TaskID); err != nil {
		t.Fatal(err)
	}
	if got := h.task(t, created.TaskID); got.Status != task.StatusRetried {
		t.Fatalf("expected retried, got %s %q", got.Status, got.Output.Error)
	}
	if n := h.objects.Len(); n != before {
		t.Fatalf("objects of the failed write must be discarded, have %d want %d", n, before)
	}

	retries, _ := h.store.ListTasks(ctx, task.Filter{SessionID: sid, Statuses: []task.Status{task.StatusSubmitted}})
	if len(retries) != 1 {
		t.Fatalf("expected one retry, got %d", len(retries))
	}
	for _, id := range []string{"r1", "r2"} {
		r, _ := h.store.GetResult(ctx, sid, id)
		if r.Status != result.StatusCreated || r.OwnerTaskID != retries[0].ID {
			t.Fatalf("%s: status %s owner %s, want created and owned by the retry", id, r.Status, r.OwnerTaskID)
		}
	}

	if err := p.ProcessTask(ctx, retries[0].ID); err != nil {
		t.Fatal(err)
	}
	if got := h.task(t, retries[0].ID); got.Status != task.StatusCompleted {
		t.Fatalf("retry should complete, got %s %q", got.Status, got.Output.Error)
	}
	for _, id := range []string{"r1", "r2"} {
		if data := readResult(t, h, sid, id); data != "data" {
			t.Fatalf("%s = %q", id, data)
		}
	}
}
