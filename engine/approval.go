package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/routeforge/engine/emit"
	"github.com/dshills/routeforge/engine/store"
	"github.com/google/uuid"
)

// DefaultApprovalTimeout bounds a blocking approval wait when no
// explicit timeout is configured.
const DefaultApprovalTimeout = 60 * time.Minute

// decision is the outcome delivered to a blocked approval waiter.
type decision struct {
	granted  bool
	response string
}

// ApprovalService creates approval requests and coordinates the
// blocking wait between the executing step and the operator's REST
// decision.
//
// The wait is an in-memory signal keyed by approval id, never a held
// database transaction. Signals are buffered (capacity 1) so a
// decision committed while no executor is waiting is not lost; on
// startup RestorePendingApprovals reinstalls signals for persisted
// PENDING rows.
//
// Ordering guarantee: the committed row transition happens-before the
// signal completion, which happens-before the executor observing the
// outcome. Approve and Reject therefore signal only after their
// transaction has committed.
type ApprovalService struct {
	store   store.Store
	states  *StateManager
	emitter emit.Emitter
	metrics *Metrics

	mu      sync.Mutex
	signals map[string]chan decision

	defaultTimeout time.Duration
}

// NewApprovalService creates an ApprovalService. defaultTimeout <= 0
// selects DefaultApprovalTimeout.
func NewApprovalService(st store.Store, states *StateManager, emitter emit.Emitter, metrics *Metrics, defaultTimeout time.Duration) *ApprovalService {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultApprovalTimeout
	}
	return &ApprovalService{
		store:          st,
		states:         states,
		emitter:        emitter,
		metrics:        metrics,
		signals:        make(map[string]chan decision),
		defaultTimeout: defaultTimeout,
	}
}

// RequestApproval blocks the calling step until an operator decides or
// the timeout expires.
//
// A new PENDING row is inserted and the exchange moved to
// WAITING_APPROVAL in one short transaction, then the caller waits on
// the in-memory signal. Re-entry after a restart is handled first: an
// already-APPROVED latest row grants immediately, a restored PENDING
// row is re-used and waited on.
//
// Returns the approver's response text on grant. Rejection returns
// ApprovalRejectedError; expiry marks the row REJECTED in a separate
// transaction and returns ApprovalTimeoutError.
func (s *ApprovalService) RequestApproval(ctx context.Context, exchangeID, routeID, payload string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	latest, err := s.store.LatestApprovalByExchange(ctx, exchangeID)
	switch {
	case err == nil && latest.Status == store.ApprovalApproved:
		// Recovery re-entry: the decision already happened.
		return latest.Response, nil
	case err == nil && latest.Status == store.ApprovalPending:
		return s.wait(ctx, latest.ID, timeout)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("load latest approval for %s: %w", exchangeID, err)
	}

	id, err := s.create(ctx, exchangeID, routeID, payload)
	if err != nil {
		return "", err
	}
	return s.wait(ctx, id, timeout)
}

// CreateApprovalRequest is the non-blocking variant: it inserts the
// PENDING row, moves the exchange to WAITING_APPROVAL, installs a
// signal and returns the approval id. The executing route stops
// cleanly; recovery re-submits the exchange after the decision.
func (s *ApprovalService) CreateApprovalRequest(ctx context.Context, exchangeID, routeID, payload string) (string, error) {
	return s.create(ctx, exchangeID, routeID, payload)
}

func (s *ApprovalService) create(ctx context.Context, exchangeID, routeID, payload string) (string, error) {
	ap := store.ApprovalRequest{
		ID:         uuid.NewString(),
		ExchangeID: exchangeID,
		RouteID:    routeID,
		Payload:    payload,
		Status:     store.ApprovalPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateApproval(ctx, &ap); err != nil {
		return "", fmt.Errorf("create approval for %s: %w", exchangeID, err)
	}
	s.installSignal(ap.ID)

	s.emit(emit.ExchangeWaiting, routeID, exchangeID, map[string]string{"approvalId": ap.ID})
	s.emit(emit.ApprovalRequested, routeID, exchangeID, map[string]string{"approvalId": ap.ID})
	return ap.ID, nil
}

// Approve moves a PENDING approval to APPROVED and the owning exchange
// back to RUNNING in one short transaction, then completes the signal
// and publishes APPROVAL_GRANTED. Returns store.ErrNotFound or
// store.ErrNotPending for the REST layer to map.
func (s *ApprovalService) Approve(ctx context.Context, approvalID, response string) error {
	running := store.StatusRunning
	ap, resumed, err := s.store.DecideApproval(ctx, approvalID, store.ApprovalApproved, response, &running)
	if err != nil {
		return err
	}

	// The row is committed; waking the executor is now safe.
	s.completeSignal(approvalID, decision{granted: true, response: response})
	s.metrics.RecordApprovalDecision("approved")
	if resumed {
		// The exchange only resumes when it was still WAITING_APPROVAL;
		// a grant on a cancelled or failed exchange takes no edge.
		s.emit(emit.ExchangeResumed, ap.RouteID, ap.ExchangeID, map[string]string{"approvalId": approvalID})
	}
	s.emit(emit.ApprovalGranted, ap.RouteID, ap.ExchangeID, map[string]string{"approvalId": approvalID})
	return nil
}

// Reject moves a PENDING approval to REJECTED, completes the signal
// with the rejection, publishes APPROVAL_REJECTED and fails the owning
// exchange with "Approval rejected: <reason>".
func (s *ApprovalService) Reject(ctx context.Context, approvalID, reason string) error {
	ap, _, err := s.store.DecideApproval(ctx, approvalID, store.ApprovalRejected, reason, nil)
	if err != nil {
		return err
	}

	s.completeSignal(approvalID, decision{granted: false, response: reason})
	s.metrics.RecordApprovalDecision("rejected")
	s.emit(emit.ApprovalRejected, ap.RouteID, ap.ExchangeID, map[string]string{
		"approvalId": approvalID,
		"reason":     reason,
	})

	// A blocked executor fails the exchange itself on wake; this covers
	// the non-blocking and post-restart cases. Already-terminal is fine.
	if err := s.states.Fail(ctx, ap.ExchangeID, "Approval rejected: "+reason); err != nil {
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			return fmt.Errorf("fail exchange %s after rejection: %w", ap.ExchangeID, err)
		}
	}
	return nil
}

// RestorePendingApprovals reinstalls in-memory signals for every
// persisted PENDING approval so a later Approve or Reject can unblock
// a future executor. Returns the number of restored signals.
func (s *ApprovalService) RestorePendingApprovals(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingApprovals(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending approvals: %w", err)
	}
	for _, ap := range pending {
		s.installSignal(ap.ID)
	}
	return len(pending), nil
}

// wait blocks on the approval's signal until a decision, the timeout
// or context cancellation.
func (s *ApprovalService) wait(ctx context.Context, approvalID string, timeout time.Duration) (string, error) {
	ch := s.installSignal(approvalID)

	// A decision committed before this channel was installed was
	// delivered to a channel nobody holds. The row is the source of
	// truth; consult it once before blocking.
	if ap, err := s.store.GetApproval(ctx, approvalID); err == nil && ap.Status != store.ApprovalPending {
		s.removeSignal(approvalID)
		if ap.Status == store.ApprovalApproved {
			return ap.Response, nil
		}
		return "", &ApprovalRejectedError{ApprovalID: approvalID, Reason: ap.Response}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		s.removeSignal(approvalID)
		if d.granted {
			return d.response, nil
		}
		return "", &ApprovalRejectedError{ApprovalID: approvalID, Reason: d.response}

	case <-timer.C:
		return "", s.expire(ctx, approvalID, timeout)

	case <-ctx.Done():
		// Leave the signal installed: a decision arriving later is
		// still recorded and picked up by recovery.
		return "", ctx.Err()
	}
}

// expire marks a timed-out approval REJECTED in its own transaction.
// Losing the race against a concurrent operator decision honors the
// operator's outcome instead.
func (s *ApprovalService) expire(ctx context.Context, approvalID string, timeout time.Duration) error {
	ap, _, err := s.store.DecideApproval(ctx, approvalID, store.ApprovalRejected, "Approval timed out", nil)
	if errors.Is(err, store.ErrNotPending) {
		decided, gerr := s.store.GetApproval(ctx, approvalID)
		if gerr != nil {
			return fmt.Errorf("approval %s timed out but cannot be read back: %w", approvalID, gerr)
		}
		s.removeSignal(approvalID)
		if decided.Status == store.ApprovalApproved {
			return nil
		}
		return &ApprovalRejectedError{ApprovalID: approvalID, Reason: decided.Response}
	}
	if err != nil {
		return fmt.Errorf("expire approval %s: %w", approvalID, err)
	}

	s.removeSignal(approvalID)
	s.metrics.RecordApprovalDecision("timed_out")
	s.emit(emit.ApprovalRejected, ap.RouteID, ap.ExchangeID, map[string]string{
		"approvalId": approvalID,
		"reason":     "Approval timed out",
	})
	return &ApprovalTimeoutError{ApprovalID: approvalID, Timeout: timeout}
}

// installSignal returns the approval's signal channel, creating it if
// absent. Capacity 1 so a decision never blocks the decider.
func (s *ApprovalService) installSignal(approvalID string) chan decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.signals[approvalID]
	if !ok {
		ch = make(chan decision, 1)
		s.signals[approvalID] = ch
	}
	return ch
}

// completeSignal delivers a decision to the waiter, if any signal is
// installed. The buffered send keeps the value readable by a waiter
// that already holds the channel.
func (s *ApprovalService) completeSignal(approvalID string, d decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.signals[approvalID]
	if !ok {
		return
	}
	select {
	case ch <- d:
	default:
	}
	delete(s.signals, approvalID)
}

func (s *ApprovalService) removeSignal(approvalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signals, approvalID)
}

// SignalCount reports how many approval signals are installed.
func (s *ApprovalService) SignalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signals)
}

func (s *ApprovalService) emit(eventType emit.EventType, routeID, exchangeID string, data map[string]string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(emit.Event{
		Type:       eventType,
		RouteID:    routeID,
		ExchangeID: exchangeID,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	})
}
