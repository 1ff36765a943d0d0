package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dshills/routeforge/engine/emit"
	"github.com/google/uuid"
)

// sseClientBuffer bounds per-client queued events. A client that falls
// this far behind is evicted by the bus.
const sseClientBuffer = 256

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// sseClient adapts one SSE connection to emit.Sink. Send queues
// without blocking the bus; a full queue reports an error so the bus
// evicts the client instead of stalling producers.
type sseClient struct {
	id     string
	events chan emit.Event
}

func (c *sseClient) ID() string { return c.id }

func (c *sseClient) Send(event emit.Event) error {
	select {
	case c.events <- event:
		return nil
	default:
		return errors.New("client event buffer full")
	}
}

// streamEvents serves the SSE event stream. The first frame is
// `connected` carrying {message, clientId}; every domain event follows
// as `event: <TYPE>` with the JSON event as data, in emission order.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := &sseClient{
		id:     uuid.NewString(),
		events: make(chan emit.Event, sseClientBuffer),
	}

	connected, _ := json.Marshal(map[string]string{
		"message":  "connected to event stream",
		"clientId": client.id,
	})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
	flusher.Flush()

	s.bus.Register(client)
	defer s.bus.Unregister(client.id)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event := <-client.events:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) eventsHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := s.engine.Store.Ping(r.Context()); err != nil {
		status = "degraded: " + err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"clients":  s.bus.SinkCount(),
		"buffered": s.bus.Buffered(),
	})
}

func (s *Server) clientCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.bus.SinkCount()})
}
