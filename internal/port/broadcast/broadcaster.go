// Package broadcast defines the port for pushing task events to connected clients.
package broadcast

import (
	"context"

	"github.com/Strob0t/GridForge/internal/domain/event"
)

// Broadcaster sends task events to clients watching the event's session.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, ev event.TaskEvent)
}
