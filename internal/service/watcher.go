package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Strob0t/GridForge/internal/domain/event"
	"github.com/Strob0t/GridForge/internal/domain/task"
	"github.com/Strob0t/GridForge/internal/port/broadcast"
	"github.com/Strob0t/GridForge/internal/port/messagequeue"
)

// watchBuffer bounds each watcher's backlog. Events beyond it are dropped
// for that watcher; the store stays authoritative.
const watchBuffer = 256

// WatchService streams task events from the queue's event subjects.
type WatchService struct {
	queue messagequeue.Queue
}

// NewWatchService creates a WatchService.
func NewWatchService(queue messagequeue.Queue) *WatchService {
	return &WatchService{queue: queue}
}

// WatchNewTasks streams tasks created in sessionID. The channel closes when
// ctx is done.
func (s *WatchService) WatchNewTasks(ctx context.Context, sessionID string) (<-chan event.TaskEvent, error) {
	return s.watch(ctx, messagequeue.EventSubject(sessionID), func(ev *event.TaskEvent) bool {
		return ev.Type == event.TypeTaskCreated
	})
}

// WatchTaskStatus streams status changes of tasks in sessionID, restricted
// to statuses when non-empty.
func (s *WatchService) WatchTaskStatus(ctx context.Context, sessionID string, statuses []task.Status) (<-chan event.TaskEvent, error) {
	filter := task.Filter{SessionID: sessionID, Statuses: statuses}
	return s.watch(ctx, messagequeue.EventSubject(sessionID), func(ev *event.TaskEvent) bool {
		if ev.Type != event.TypeTaskStatusChanged {
			return false
		}
		return filter.Matches(&task.Task{ID: ev.TaskID, SessionID: ev.SessionID, Status: ev.Status})
	})
}

// ForwardTo relays events of every session to hub until ctx is done.
func (s *WatchService) ForwardTo(ctx context.Context, hub broadcast.Broadcaster) error {
	ch, err := s.watch(ctx, messagequeue.SubjectTaskEvents+".>", func(*event.TaskEvent) bool { return true })
	if err != nil {
		return err
	}
	go func() {
		for ev := range ch {
			hub.BroadcastEvent(ctx, ev)
		}
	}()
	return nil
}

func (s *WatchService) watch(ctx context.Context, subject string, keep func(*event.TaskEvent) bool) (<-chan event.TaskEvent, error) {
	out := make(chan event.TaskEvent, watchBuffer)
	var (
		mu     sync.Mutex
		closed bool
	)

	cancel, err := s.queue.Subscribe(ctx, subject, func(_ context.Context, _ string, data []byte) error {
		ev, err := decodeEvent(data)
		if err != nil {
			slog.Warn("discarding malformed task event", "subject", subject, "error", err)
			return nil
		}
		if !keep(&ev) {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}
		select {
		case out <- ev:
		default:
			slog.Warn("watcher backlog full, dropping event", "subject", subject, "type", ev.Type)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		cancel()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}
