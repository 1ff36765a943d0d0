package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/routeforge/engine/emit"
	"github.com/dshills/routeforge/engine/model"
	"github.com/dshills/routeforge/engine/store"
)

// DefaultMaxPayloadLen bounds submitted payloads when not configured.
const DefaultMaxPayloadLen = 50000

// Config configures an Engine.
//
// Zero values are valid; sensible defaults are applied.
type Config struct {
	// Workers is the number of concurrent exchange workers.
	Workers int

	// MaxPayloadLen is the maximum accepted payload length in
	// characters. Zero selects DefaultMaxPayloadLen.
	MaxPayloadLen int

	// ApprovalTimeout is the default blocking approval wait. Zero
	// selects DefaultApprovalTimeout.
	ApprovalTimeout time.Duration

	// Recovery configures the recovery timers.
	Recovery RecoveryConfig
}

// Engine wires the durable execution subsystems together: store,
// state machine, approval service, step runner and crash recovery.
//
// Construct with New, register routes, then Start. Submission is
// asynchronous: SubmitExchange persists a PENDING exchange and hands
// it to the worker pool; outcomes are observed through the store and
// the event bus, never returned to the submitter.
type Engine struct {
	Store     store.Store
	States    *StateManager
	Approvals *ApprovalService
	Runner    *Runner
	Recovery  *RecoveryService
	Registry  *Registry
	Metrics   *Metrics

	maxPayloadLen int
}

// New creates an Engine over the given store, chat model and emitter.
// emitter and metrics may be nil.
func New(st store.Store, chat model.ChatModel, emitter emit.Emitter, metrics *Metrics, cfg Config) *Engine {
	if cfg.MaxPayloadLen <= 0 {
		cfg.MaxPayloadLen = DefaultMaxPayloadLen
	}

	registry := NewRegistry()
	states := NewStateManager(st, emitter, metrics)
	approvals := NewApprovalService(st, states, emitter, metrics, cfg.ApprovalTimeout)
	runner := NewRunner(st, states, approvals, registry, chat, metrics, RunnerConfig{Workers: cfg.Workers})
	recovery := NewRecoveryService(st, states, approvals, runner, emitter, cfg.Recovery)

	return &Engine{
		Store:         st,
		States:        states,
		Approvals:     approvals,
		Runner:        runner,
		Recovery:      recovery,
		Registry:      registry,
		Metrics:       metrics,
		maxPayloadLen: cfg.MaxPayloadLen,
	}
}

// RegisterRoute adds a route to the engine. Routes are registered at
// startup; there is no dynamic route definition at runtime.
func (e *Engine) RegisterRoute(r *Route) error {
	return e.Registry.Register(r)
}

// Start launches the worker pool, runs the one-time crash recovery
// pass and starts the recovery timers.
func (e *Engine) Start(ctx context.Context) error {
	e.Runner.Start()
	if err := e.Recovery.OnStartup(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	e.Recovery.Start()
	return nil
}

// Stop halts the recovery timers and drains the worker pool.
func (e *Engine) Stop(ctx context.Context) error {
	e.Recovery.Stop()
	return e.Runner.Stop(ctx)
}

// MaxPayloadLen reports the configured payload limit.
func (e *Engine) MaxPayloadLen() int {
	return e.maxPayloadLen
}

// SubmitExchange validates the request, persists a PENDING exchange
// and enqueues it. Returns the created exchange; execution outcomes
// are not reported here.
func (e *Engine) SubmitExchange(ctx context.Context, routeID, payload, headersJSON string) (store.ExchangeState, error) {
	if _, ok := e.Registry.Get(routeID); !ok {
		return store.ExchangeState{}, &ValidationError{Field: "routeId", Message: "unknown route: " + routeID}
	}
	if payload == "" {
		return store.ExchangeState{}, &ValidationError{Field: "payload", Message: "payload cannot be empty"}
	}
	if len(payload) > e.maxPayloadLen {
		return store.ExchangeState{}, &ValidationError{
			Field:   "payload",
			Message: fmt.Sprintf("payload exceeds maximum length of %d characters", e.maxPayloadLen),
		}
	}

	ex, err := e.States.Create(ctx, "", routeID, payload, headersJSON)
	if err != nil {
		return store.ExchangeState{}, err
	}
	e.Runner.Submit(ex.ExchangeID)
	return ex, nil
}

// Pause suspends a RUNNING exchange; the worker stops cleanly at the
// next step boundary.
func (e *Engine) Pause(ctx context.Context, exchangeID string) error {
	return e.States.Pause(ctx, exchangeID)
}

// Resume moves a PAUSED exchange back to RUNNING and re-submits it
// through the recovery path so prior checkpoints are honored.
func (e *Engine) Resume(ctx context.Context, exchangeID string) error {
	if err := e.States.Resume(ctx, exchangeID); err != nil {
		return err
	}
	e.Runner.SubmitRecovery(exchangeID)
	return nil
}

// Cancel terminates a non-terminal exchange.
func (e *Engine) Cancel(ctx context.Context, exchangeID string) error {
	return e.States.Cancel(ctx, exchangeID)
}
