// Package store provides persistence for exchanges, checkpoints,
// approvals, route logs and route metrics.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested exchange, checkpoint or
// approval does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotPending is returned when deciding an approval that is no longer
// in the PENDING state. Terminal approval statuses are immutable.
var ErrNotPending = errors.New("approval is not pending")

// Status is the lifecycle state of an exchange.
type Status string

// Exchange lifecycle states. PENDING moves to RUNNING when a worker
// picks the exchange up; RUNNING can suspend (PAUSED, WAITING_APPROVAL)
// or terminate (COMPLETED, FAILED, CANCELLED). Terminal states never
// transition again.
const (
	StatusPending         Status = "PENDING"
	StatusRunning         Status = "RUNNING"
	StatusPaused          Status = "PAUSED"
	StatusWaitingApproval Status = "WAITING_APPROVAL"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal reports whether s is a terminal exchange status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known exchange status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusWaitingApproval,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

// Approval request states. PENDING approvals block their exchange;
// APPROVED and REJECTED are terminal.
const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// ExchangeState is the persisted state of one route invocation.
//
// CurrentStep never decreases; LastCheckpoint is bumped on every
// successful checkpoint insert. Context holds the original
// non-internal headers as JSON and is overwritten with the final
// result on COMPLETED (or the failure message on FAILED).
type ExchangeState struct {
	ExchangeID      string     `json:"exchangeId"`
	RouteID         string     `json:"routeId"`
	Status          Status     `json:"status"`
	CurrentStep     int        `json:"currentStep"`
	CurrentStepName string     `json:"currentStepName,omitempty"`
	Payload         string     `json:"payload"`
	Context         string     `json:"context,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	LastCheckpoint  time.Time  `json:"lastCheckpoint"`
}

// Checkpoint is one row of the append-only step log. The pair
// (ExchangeID, StepName) is unique; this is what makes step execution
// idempotent on recovery.
type Checkpoint struct {
	ID         int64     `json:"id"`
	ExchangeID string    `json:"exchangeId"`
	StepIndex  int       `json:"stepIndex"`
	StepName   string    `json:"stepName"`
	StepData   string    `json:"stepData,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ApprovalRequest is a persisted human-in-the-loop decision point.
// Response holds the approver's response text (on APPROVED) or the
// rejection reason (on REJECTED).
type ApprovalRequest struct {
	ID          string         `json:"id"`
	ExchangeID  string         `json:"exchangeId"`
	RouteID     string         `json:"routeId"`
	Payload     string         `json:"payload"`
	Status      ApprovalStatus `json:"status"`
	Response    string         `json:"response,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// RouteLog is one append-only audit row.
type RouteLog struct {
	ID         int64     `json:"id"`
	RouteID    string    `json:"routeId"`
	ExchangeID string    `json:"exchangeId,omitempty"`
	StepName   string    `json:"stepName,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// RouteMetric holds per-route completion counters.
type RouteMetric struct {
	RouteID   string    `json:"routeId"`
	Total     int64     `json:"total"`
	Success   int64     `json:"success"`
	Failure   int64     `json:"failure"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ExchangeFilter selects exchanges for listing. Zero values mean "no
// filter"; Limit defaults to 100 when zero.
type ExchangeFilter struct {
	Status  Status
	RouteID string
	Limit   int
	Offset  int
}

// ExchangeUpdate is a partial update of an exchange row. Nil fields are
// left untouched. The state machine validation lives in the engine;
// the store only applies what it is told.
type ExchangeUpdate struct {
	Status      *Status
	StartedAt   *time.Time
	CompletedAt *time.Time
	Context     *string
}

// Store persists the engine's durable state.
//
// Every method runs a short, committing transaction; no method blocks
// on anything but the database itself. Implementations must tolerate a
// transient "busy" error on the checkpoint insert path with bounded
// retry, because the embedded database serializes writers.
type Store interface {
	// CreateExchange inserts a new exchange row.
	CreateExchange(ctx context.Context, ex *ExchangeState) error

	// GetExchange returns the exchange or ErrNotFound.
	GetExchange(ctx context.Context, exchangeID string) (ExchangeState, error)

	// ListExchanges returns matching exchanges ordered by creation
	// time (newest first) plus the total match count before paging.
	ListExchanges(ctx context.Context, f ExchangeFilter) ([]ExchangeState, int, error)

	// UpdateExchange applies a partial update to an exchange row.
	// Returns ErrNotFound for unknown exchanges.
	UpdateExchange(ctx context.Context, exchangeID string, upd ExchangeUpdate) error

	// ListExchangesByStatus returns all exchanges in the given status,
	// oldest first.
	ListExchangesByStatus(ctx context.Context, status Status) ([]ExchangeState, error)

	// ListStalledExchanges returns RUNNING exchanges whose last
	// checkpoint is older than cutoff.
	ListStalledExchanges(ctx context.Context, cutoff time.Time) ([]ExchangeState, error)

	// InsertCheckpoint atomically inserts a checkpoint row and bumps
	// the owning exchange's current_step, current_step_name and
	// last_checkpoint. If (exchangeID, stepName) already exists it
	// returns false and leaves the exchange row untouched.
	InsertCheckpoint(ctx context.Context, cp *Checkpoint) (bool, error)

	// GetCheckpoint returns the checkpoint for (exchangeID, stepName)
	// or ErrNotFound.
	GetCheckpoint(ctx context.Context, exchangeID, stepName string) (Checkpoint, error)

	// ListCheckpoints returns all checkpoints for an exchange ordered
	// by step index.
	ListCheckpoints(ctx context.Context, exchangeID string) ([]Checkpoint, error)

	// CreateApproval inserts a PENDING approval row and transitions
	// the owning exchange to WAITING_APPROVAL in the same transaction.
	CreateApproval(ctx context.Context, ap *ApprovalRequest) error

	// GetApproval returns the approval or ErrNotFound.
	GetApproval(ctx context.Context, approvalID string) (ApprovalRequest, error)

	// LatestApprovalByExchange returns the most recently created
	// approval for an exchange, or ErrNotFound.
	LatestApprovalByExchange(ctx context.Context, exchangeID string) (ApprovalRequest, error)

	// ListPendingApprovals returns PENDING approvals oldest first.
	ListPendingApprovals(ctx context.Context) ([]ApprovalRequest, error)

	// ListPendingApprovalsOlderThan returns PENDING approvals created
	// before cutoff, oldest first.
	ListPendingApprovalsOlderThan(ctx context.Context, cutoff time.Time) ([]ApprovalRequest, error)

	// DecideApproval moves a PENDING approval to a terminal status,
	// records the response text and completion time, and (when
	// exchangeStatus is non-nil) updates the owning exchange's status
	// in the same transaction. The bool reports whether the exchange
	// row was actually updated; it stays false when the exchange had
	// already left WAITING_APPROVAL. Returns ErrNotPending if the
	// approval is already decided, ErrNotFound if it does not exist.
	DecideApproval(ctx context.Context, approvalID string, status ApprovalStatus, response string, exchangeStatus *Status) (ApprovalRequest, bool, error)

	// AppendRouteLog appends one audit row.
	AppendRouteLog(ctx context.Context, rl *RouteLog) error

	// ListRouteLogs returns the most recent audit rows for a route,
	// newest first, capped at limit (100 when zero).
	ListRouteLogs(ctx context.Context, routeID string, limit int) ([]RouteLog, error)

	// ListRouteLogsByExchange returns all audit rows for an exchange
	// in insertion order.
	ListRouteLogsByExchange(ctx context.Context, exchangeID string) ([]RouteLog, error)

	// BumpRouteMetric increments the per-route total plus the success
	// or failure counter.
	BumpRouteMetric(ctx context.Context, routeID string, success bool) error

	// GetRouteMetric returns counters for one route or ErrNotFound.
	GetRouteMetric(ctx context.Context, routeID string) (RouteMetric, error)

	// ListRouteMetrics returns counters for every route seen so far.
	ListRouteMetrics(ctx context.Context) ([]RouteMetric, error)

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing database. Double-close is a no-op.
	Close() error
}
