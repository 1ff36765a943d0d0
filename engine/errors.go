// Package engine implements the durable exchange execution engine:
// the exchange state machine, the idempotent checkpoint log, blocking
// approval gates, the step runner and crash recovery.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/dshills/routeforge/engine/store"
)

// EngineError represents a configuration or wiring error from engine
// operations.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// InvalidTransitionError is returned when a requested exchange status
// change is not an edge of the state machine, including any attempt to
// transition an already-terminal exchange.
type InvalidTransitionError struct {
	ExchangeID string
	From       store.Status
	To         store.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for exchange %s: %s -> %s", e.ExchangeID, e.From, e.To)
}

// ValidationError is returned for bad caller input: empty payloads,
// oversize payloads, unknown routes or status filters.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Message
	}
	return e.Message
}

// ApprovalRejectedError is returned from a blocking approval wait when
// the operator rejects the request. The route surfaces it by
// transitioning the exchange to FAILED.
type ApprovalRejectedError struct {
	ApprovalID string
	Reason     string
}

func (e *ApprovalRejectedError) Error() string {
	return "Approval rejected: " + e.Reason
}

// ApprovalTimeoutError is returned from a blocking approval wait when
// no decision arrives within the configured timeout. The approval row
// has already been moved to REJECTED when this is returned.
type ApprovalTimeoutError struct {
	ApprovalID string
	Timeout    time.Duration
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval %s timed out after %s", e.ApprovalID, e.Timeout)
}

// isPermanent reports whether err must not be retried by the step
// error handler. Validation failures, approval rejections and approval
// timeouts describe a decided outcome; retrying them cannot change it.
func isPermanent(err error) bool {
	var ve *ValidationError
	var re *ApprovalRejectedError
	var te *ApprovalTimeoutError
	var ite *InvalidTransitionError
	return errors.As(err, &ve) || errors.As(err, &re) || errors.As(err, &te) || errors.As(err, &ite)
}
