package mcp

import (
	"context"
	"log/slog"

	"github.com/rendis/tagflow/internal/streaming"
	"github.com/rendis/tagflow/pkg/schema"
)

// ForwardedEvents are the hub events pushed to connected MCP clients.
var ForwardedEvents = []string{
	schema.EventRunCompleted,
	schema.EventRunFailed,
	schema.EventRunCancelled,
	schema.EventMetricsSnapshot,
}

// ForwardEvents subscribes to the hub and pushes matching events to every
// connected client as notifications/message until ctx is done.
// Best-effort: clients that are not connected simply miss events.
func (s *TagflowServer) ForwardEvents(ctx context.Context) error {
	if s.hub == nil {
		<-ctx.Done()
		return nil
	}
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: ForwardedEvents})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.logger.Debug("forwarding event", slog.String("event_type", ev.EventType), slog.String("run_id", ev.RunID))
			s.mcpServer.SendNotificationToAllClients("notifications/message", map[string]any{
				"level":  "info",
				"logger": "tagflow",
				"data":   ev,
			})
		}
	}
}
