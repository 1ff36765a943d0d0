package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/routeforge/engine/emit"
	"github.com/dshills/routeforge/engine/store"
	"github.com/google/uuid"
)

// StateManager owns the exchange lifecycle state machine and the
// idempotent checkpoint log.
//
// All status changes go through it so that every transition is
// validated against the machine's edges and published on the event
// bus. Checkpoints are delegated to the store, which enforces the
// (exchangeId, stepName) uniqueness that makes recovery idempotent.
type StateManager struct {
	store   store.Store
	emitter emit.Emitter
	metrics *Metrics
}

// NewStateManager creates a StateManager. emitter may be nil; metrics
// may be nil.
func NewStateManager(st store.Store, emitter emit.Emitter, metrics *Metrics) *StateManager {
	return &StateManager{store: st, emitter: emitter, metrics: metrics}
}

// Create persists a new PENDING exchange and publishes
// EXCHANGE_CREATED. If exchangeID is empty a UUID is generated.
// headersJSON (may be empty) is stored as the exchange context.
func (m *StateManager) Create(ctx context.Context, exchangeID, routeID, payload, headersJSON string) (store.ExchangeState, error) {
	if exchangeID == "" {
		exchangeID = uuid.NewString()
	}
	now := time.Now().UTC()
	ex := store.ExchangeState{
		ExchangeID:     exchangeID,
		RouteID:        routeID,
		Status:         store.StatusPending,
		Payload:        payload,
		Context:        headersJSON,
		CreatedAt:      now,
		LastCheckpoint: now,
	}
	if err := m.store.CreateExchange(ctx, &ex); err != nil {
		return store.ExchangeState{}, fmt.Errorf("create exchange: %w", err)
	}
	m.emit(emit.ExchangeCreated, ex.RouteID, ex.ExchangeID, nil)
	return ex, nil
}

// Get returns the current exchange state.
func (m *StateManager) Get(ctx context.Context, exchangeID string) (store.ExchangeState, error) {
	return m.store.GetExchange(ctx, exchangeID)
}

// Start transitions PENDING -> RUNNING and records startedAt.
func (m *StateManager) Start(ctx context.Context, exchangeID string) error {
	now := time.Now().UTC()
	_, err := m.transition(ctx, exchangeID, store.StatusRunning, emit.ExchangeStarted, nil,
		func(ex store.ExchangeState, upd *store.ExchangeUpdate) {
			if ex.StartedAt == nil {
				upd.StartedAt = &now
			}
		}, store.StatusPending)
	return err
}

// Pause transitions RUNNING -> PAUSED (operator command).
func (m *StateManager) Pause(ctx context.Context, exchangeID string) error {
	_, err := m.transition(ctx, exchangeID, store.StatusPaused, emit.ExchangePaused, nil, nil,
		store.StatusRunning)
	return err
}

// Resume transitions PAUSED -> RUNNING (operator command). The caller
// re-submits the exchange through the recovery path afterwards.
func (m *StateManager) Resume(ctx context.Context, exchangeID string) error {
	_, err := m.transition(ctx, exchangeID, store.StatusRunning, emit.ExchangeResumed, nil, nil,
		store.StatusPaused)
	return err
}

// ResumeAfterApproval transitions WAITING_APPROVAL -> RUNNING.
func (m *StateManager) ResumeAfterApproval(ctx context.Context, exchangeID string) error {
	_, err := m.transition(ctx, exchangeID, store.StatusRunning, emit.ExchangeResumed, nil, nil,
		store.StatusWaitingApproval)
	return err
}

// Cancel transitions any suspendable status to CANCELLED. Cancelling a
// terminal exchange returns InvalidTransitionError.
func (m *StateManager) Cancel(ctx context.Context, exchangeID string) error {
	now := time.Now().UTC()
	ex, err := m.transition(ctx, exchangeID, store.StatusCancelled, emit.ExchangeCancelled, nil,
		func(_ store.ExchangeState, upd *store.ExchangeUpdate) {
			upd.CompletedAt = &now
		}, store.StatusPending, store.StatusRunning, store.StatusPaused, store.StatusWaitingApproval)
	if err != nil {
		return err
	}
	m.metrics.RecordTerminal(ex.RouteID, store.StatusCancelled)
	return nil
}

// Complete transitions RUNNING -> COMPLETED and overwrites the
// exchange context with the final result.
func (m *StateManager) Complete(ctx context.Context, exchangeID, result string) error {
	now := time.Now().UTC()
	ex, err := m.transition(ctx, exchangeID, store.StatusCompleted, emit.ExchangeCompleted, nil,
		func(_ store.ExchangeState, upd *store.ExchangeUpdate) {
			upd.CompletedAt = &now
			upd.Context = &result
		}, store.StatusRunning)
	if err != nil {
		return err
	}
	m.metrics.RecordTerminal(ex.RouteID, store.StatusCompleted)
	return nil
}

// Fail transitions any non-terminal status to FAILED, recording the
// failure message. Failing an already-terminal exchange is a
// no-op-with-error (InvalidTransitionError).
func (m *StateManager) Fail(ctx context.Context, exchangeID, message string) error {
	now := time.Now().UTC()
	ex, err := m.transition(ctx, exchangeID, store.StatusFailed, emit.ExchangeFailed,
		map[string]string{"error": message},
		func(_ store.ExchangeState, upd *store.ExchangeUpdate) {
			upd.CompletedAt = &now
			upd.Context = &message
		}, store.StatusPending, store.StatusRunning, store.StatusPaused, store.StatusWaitingApproval)
	if err != nil {
		return err
	}
	m.metrics.RecordTerminal(ex.RouteID, store.StatusFailed)
	// The failure counter is bumped here rather than in the runner so
	// rejection and timeout paths are counted too.
	_ = m.store.BumpRouteMetric(ctx, ex.RouteID, false)
	return nil
}

// Checkpoint records that a named step succeeded.
//
// If (exchangeID, stepName) already exists it returns false and the
// exchange row is untouched; otherwise the checkpoint is inserted and
// currentStep, currentStepName and lastCheckpoint are updated in the
// same transaction. A created checkpoint publishes EXCHANGE_CHECKPOINT.
func (m *StateManager) Checkpoint(ctx context.Context, exchangeID string, stepIndex int, stepName, stepData string) (bool, error) {
	ex, err := m.store.GetExchange(ctx, exchangeID)
	if err != nil {
		return false, err
	}
	created, err := m.store.InsertCheckpoint(ctx, &store.Checkpoint{
		ExchangeID: exchangeID,
		StepIndex:  stepIndex,
		StepName:   stepName,
		StepData:   stepData,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("checkpoint %s/%s: %w", exchangeID, stepName, err)
	}
	m.metrics.RecordCheckpoint(ex.RouteID, created)
	if created {
		m.emit(emit.ExchangeCheckpoint, ex.RouteID, exchangeID, map[string]string{
			"step":      stepName,
			"stepIndex": fmt.Sprintf("%d", stepIndex),
		})
	}
	return created, nil
}

// ShouldContinue reports whether the exchange should keep executing
// steps: true iff its status is RUNNING or WAITING_APPROVAL. The
// runner consults this before every step and stops cleanly on false.
func (m *StateManager) ShouldContinue(ctx context.Context, exchangeID string) (bool, error) {
	ex, err := m.store.GetExchange(ctx, exchangeID)
	if err != nil {
		return false, err
	}
	return ex.Status == store.StatusRunning || ex.Status == store.StatusWaitingApproval, nil
}

// transition loads the exchange, validates the edge against
// allowedFrom, applies the update plus any extra field mutation, and
// publishes the event. Returns the pre-transition state.
func (m *StateManager) transition(ctx context.Context, exchangeID string, to store.Status, eventType emit.EventType, data map[string]string, mutate func(store.ExchangeState, *store.ExchangeUpdate), allowedFrom ...store.Status) (store.ExchangeState, error) {
	ex, err := m.store.GetExchange(ctx, exchangeID)
	if err != nil {
		return store.ExchangeState{}, err
	}

	allowed := false
	for _, from := range allowedFrom {
		if ex.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return ex, &InvalidTransitionError{ExchangeID: exchangeID, From: ex.Status, To: to}
	}

	upd := store.ExchangeUpdate{Status: &to}
	if mutate != nil {
		mutate(ex, &upd)
	}
	if err := m.store.UpdateExchange(ctx, exchangeID, upd); err != nil {
		return ex, fmt.Errorf("update exchange %s: %w", exchangeID, err)
	}

	m.emit(eventType, ex.RouteID, exchangeID, data)
	return ex, nil
}

func (m *StateManager) emit(eventType emit.EventType, routeID, exchangeID string, data map[string]string) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(emit.Event{
		Type:       eventType,
		RouteID:    routeID,
		ExchangeID: exchangeID,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	})
}
