// Package emit provides the domain event model and fan-out for the
// exchange engine: every lifecycle transition is published as an Event
// and relayed to subscribed sinks (SSE clients, logs, traces).
package emit

import "time"

// EventType identifies a lifecycle transition or approval action.
type EventType string

// Event types published by the engine. The per-exchange sequence of
// types follows the exchange state machine edges.
const (
	ExchangeCreated    EventType = "EXCHANGE_CREATED"
	ExchangeStarted    EventType = "EXCHANGE_STARTED"
	ExchangeCheckpoint EventType = "EXCHANGE_CHECKPOINT"
	ExchangePaused     EventType = "EXCHANGE_PAUSED"
	ExchangeResumed    EventType = "EXCHANGE_RESUMED"
	ExchangeWaiting    EventType = "EXCHANGE_WAITING_APPROVAL"
	ExchangeCancelled  EventType = "EXCHANGE_CANCELLED"
	ExchangeCompleted  EventType = "EXCHANGE_COMPLETED"
	ExchangeFailed     EventType = "EXCHANGE_FAILED"
	ExchangeRecovering EventType = "EXCHANGE_RECOVERING"
	ExchangeStalled    EventType = "EXCHANGE_STALLED"

	ApprovalRequested EventType = "APPROVAL_REQUESTED"
	ApprovalGranted   EventType = "APPROVAL_GRANTED"
	ApprovalRejected  EventType = "APPROVAL_REJECTED"
)

// Event is one domain event. Data carries event-specific string
// key/value pairs (step names, error messages, approval ids).
type Event struct {
	Type       EventType         `json:"type"`
	RouteID    string            `json:"routeId"`
	ExchangeID string            `json:"exchangeId,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Emitter receives domain events from the engine.
//
// Implementations must be non-blocking and safe for concurrent use;
// Emit must never panic. Failures are handled internally (dropped,
// buffered or logged) so they cannot stall a worker.
type Emitter interface {
	Emit(event Event)
}
