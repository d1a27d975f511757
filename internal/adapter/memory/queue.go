package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/GridForge/internal/port/messagequeue"
)

var _ messagequeue.Queue = (*Queue)(nil)

type message struct {
	subject string
	data    []byte
}

type subscriber struct {
	id      int64
	pattern string
	handler messagequeue.Handler
}

type workGroup struct {
	pattern string
	ch      chan message
}

// Queue is an in-process message queue. Subscribe fans out synchronously;
// Consume shares a buffered channel per durable name between consumers.
type Queue struct {
	mu       sync.Mutex
	subs     []subscriber
	groups   map[string]*workGroup
	nextID   atomic.Int64
	closed   atomic.Bool
	nakDelay time.Duration
}

// NewQueue creates a Queue. Messages a handler rejects are redelivered after nakDelay.
func NewQueue(nakDelay time.Duration) *Queue {
	return &Queue{groups: make(map[string]*workGroup), nakDelay: nakDelay}
}

func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	subs := make([]subscriber, 0, len(q.subs))
	for _, s := range q.subs {
		if matchSubject(s.pattern, subject) {
			subs = append(subs, s)
		}
	}
	var groups []*workGroup
	for _, g := range q.groups {
		if matchSubject(g.pattern, subject) {
			groups = append(groups, g)
		}
	}
	q.mu.Unlock()

	for _, s := range subs {
		if err := s.handler(ctx, subject, data); err != nil {
			slog.Warn("memory subscriber failed", "subject", subject, "error", err)
		}
	}
	for _, g := range groups {
		select {
		case g.ch <- message{subject: subject, data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *Queue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	id := q.nextID.Add(1)
	q.mu.Lock()
	q.subs = append(q.subs, subscriber{id: id, pattern: subject, handler: handler})
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, s := range q.subs {
			if s.id == id {
				q.subs = append(q.subs[:i], q.subs[i+1:]...)
				return
			}
		}
	}, nil
}

func (q *Queue) Consume(ctx context.Context, subject, durable string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	g, ok := q.groups[durable]
	if !ok {
		g = &workGroup{pattern: subject, ch: make(chan message, 1024)}
		q.groups[durable] = g
	}
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-g.ch:
				if err := handler(ctx, msg.subject, msg.data); err != nil {
					slog.Debug("memory consumer redelivery", "subject", msg.subject, "error", err)
					go q.redeliver(ctx, g, msg)
				}
			}
		}
	}()
	return cancel, nil
}

func (q *Queue) redeliver(ctx context.Context, g *workGroup, msg message) {
	t := time.NewTimer(q.nakDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		select {
		case g.ch <- msg:
		case <-ctx.Done():
		}
	}
}

func (q *Queue) Drain() error { return q.Close() }

func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}

func (q *Queue) IsConnected() bool { return !q.closed.Load() }

// matchSubject implements NATS-style matching: "*" matches one token and a
// trailing ">" matches the rest.
func matchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
