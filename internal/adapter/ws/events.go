package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/GridForge/internal/domain/event"
	"github.com/Strob0t/GridForge/internal/port/broadcast"
)

var _ broadcast.Broadcaster = (*Hub)(nil)

// BroadcastEvent queues a task event for the clients watching its session.
func (h *Hub) BroadcastEvent(_ context.Context, ev event.TaskEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal ws event payload", "type", ev.Type, "error", err)
		return
	}

	h.Send(ev.SessionID, Message{
		Type:    string(ev.Type),
		Payload: json.RawMessage(data),
	})
}
