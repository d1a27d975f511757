package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// recordingHandler collects slog.Records for test assertions.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
	delay   time.Duration // optional per-record processing delay
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func info(msg string) slog.Record {
	return slog.NewRecord(time.Now(), slog.LevelInfo, msg, 0)
}

func TestAsyncHandler_FlushOnClose(t *testing.T) {
	tests := []struct {
		name       string
		workers    int
		goroutines int
		perG       int
	}{
		{"single", 1, 1, 1},
		{"sequential burst", 2, 1, 200},
		{"concurrent", 4, 50, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &recordingHandler{}
			total := tt.goroutines * tt.perG
			ah := NewAsyncHandler(inner, total, tt.workers)

			var wg sync.WaitGroup
			for range tt.goroutines {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range tt.perG {
						if err := ah.Handle(context.Background(), info("rec")); err != nil {
							t.Error(err)
						}
					}
				}()
			}
			wg.Wait()
			ah.Close()

			if got := inner.count(); got != total {
				t.Fatalf("flushed %d records, want %d", got, total)
			}
			if ah.DroppedCount() != 0 {
				t.Fatalf("dropped %d", ah.DroppedCount())
			}
		})
	}
}

func TestAsyncHandler_DropsWhenFullAndReports(t *testing.T) {
	inner := &recordingHandler{delay: 10 * time.Millisecond}
	ah := NewAsyncHandler(inner, 1, 1)

	for range 50 {
		_ = ah.Handle(context.Background(), info("flood"))
	}
	ah.Close()

	dropped := ah.DroppedCount()
	if dropped == 0 {
		t.Fatal("expected drops with a one-slot channel and a slow writer")
	}

	inner.mu.Lock()
	last := inner.records[len(inner.records)-1]
	inner.mu.Unlock()
	if last.Message != "async log records dropped" || last.Level != slog.LevelWarn {
		t.Fatalf("last record = %s %q", last.Level, last.Message)
	}
	var n int64
	last.Attrs(func(a slog.Attr) bool {
		if a.Key == "dropped" {
			n = a.Value.Int64()
		}
		return true
	})
	if n != dropped {
		t.Fatalf("reported %d dropped, counter says %d", n, dropped)
	}
}

func TestAsyncHandler_DerivedHandlersShareWorkers(t *testing.T) {
	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, 100, 1)

	_ = ah.WithAttrs([]slog.Attr{slog.String("pod", "p1")}).Handle(context.Background(), info("attrs"))
	_ = ah.WithGroup("g").Handle(context.Background(), info("group"))

	ah.Close()
	ah.Close()

	if got := inner.count(); got != 2 {
		t.Fatalf("expected 2 records through derived handlers, got %d", got)
	}
}
