package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dshills/routeforge/engine/model"
	"github.com/dshills/routeforge/engine/store"
)

const (
	// maxStepAttempts bounds redeliveries of a failing step.
	maxStepAttempts = 3

	// stepRetryDelay is the pause between redeliveries.
	stepRetryDelay = time.Second

	// defaultWorkers is used when RunnerConfig.Workers is zero.
	defaultWorkers = 4

	// submitQueueSize buffers fire-and-forget submissions.
	submitQueueSize = 1024
)

// errStopRoute signals a clean stop of the route without failing the
// exchange (pause, cancel, non-blocking approval gate).
var errStopRoute = errors.New("route execution stopped")

// submission is one unit of work for the worker pool.
type submission struct {
	exchangeID string
	recovery   bool
}

// RunnerConfig configures the worker pool.
type RunnerConfig struct {
	// Workers is the number of concurrent exchange workers.
	Workers int
}

// Runner executes routes step-by-step against persisted exchanges.
//
// Submission is fire-and-forget: workers pull exchange ids from a
// queue and each exchange is processed by at most one worker at a
// time. For every step the runner consults ShouldContinue, executes
// the action under the retry policy, and checkpoints the result; on a
// recovery submission, already-checkpointed side-effectful steps are
// short-circuited from the prior checkpoint's stepData instead of
// being re-executed.
type Runner struct {
	store     store.Store
	states    *StateManager
	approvals *ApprovalService
	registry  *Registry
	chat      model.ChatModel
	metrics   *Metrics

	queue chan submission

	mu     sync.Mutex
	active map[string]bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers int
}

// NewRunner creates a Runner. chat may be nil if no registered route
// contains an LLM step; metrics may be nil.
func NewRunner(st store.Store, states *StateManager, approvals *ApprovalService, registry *Registry, chat model.ChatModel, metrics *Metrics, cfg RunnerConfig) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:     st,
		states:    states,
		approvals: approvals,
		registry:  registry,
		chat:      chat,
		metrics:   metrics,
		queue:     make(chan submission, submitQueueSize),
		active:    make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
		workers:   workers,
	}
}

// Start launches the worker pool.
func (r *Runner) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Stop shuts the pool down, waiting for in-flight exchanges up to the
// context deadline. Blocked approval waits are abandoned; their
// exchanges stay WAITING_APPROVAL and are restored on the next start.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues an exchange for execution. Fire-and-forget: errors
// during execution transition the exchange to FAILED and are published
// on the event bus, never returned here.
func (r *Runner) Submit(exchangeID string) {
	r.enqueue(submission{exchangeID: exchangeID})
}

// SubmitRecovery enqueues an exchange through the recovery path:
// already-present checkpoints are skipped and side-effectful steps
// replay their persisted stepData.
func (r *Runner) SubmitRecovery(exchangeID string) {
	r.metrics.RecordRecovery()
	r.enqueue(submission{exchangeID: exchangeID, recovery: true})
}

// Active reports whether a worker currently holds the exchange.
func (r *Runner) Active(exchangeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[exchangeID]
}

func (r *Runner) enqueue(sub submission) {
	select {
	case r.queue <- sub:
	default:
		// Queue full; hand off without blocking the caller.
		go func() {
			select {
			case r.queue <- sub:
			case <-r.ctx.Done():
			}
		}()
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case sub := <-r.queue:
			r.process(sub)
		}
	}
}

// process enforces keyed exclusivity: an exchange already held by a
// worker is not picked up again. The holder observes any concurrent
// status change through ShouldContinue; a dropped re-submission is
// replayed by the periodic recovery tick if still needed.
func (r *Runner) process(sub submission) {
	r.mu.Lock()
	if r.active[sub.exchangeID] {
		r.mu.Unlock()
		return
	}
	r.active[sub.exchangeID] = true
	r.mu.Unlock()

	r.metrics.WorkerStarted()
	defer func() {
		r.mu.Lock()
		delete(r.active, sub.exchangeID)
		r.mu.Unlock()
		r.metrics.WorkerFinished()
	}()

	r.run(r.ctx, sub)
}

func (r *Runner) run(ctx context.Context, sub submission) {
	ex, err := r.states.Get(ctx, sub.exchangeID)
	if err != nil {
		r.log(sub.exchangeID, "submitted exchange cannot be loaded: "+err.Error())
		return
	}
	if ex.Status.Terminal() || ex.Status == store.StatusPaused {
		return
	}

	route, ok := r.registry.Get(ex.RouteID)
	if !ok {
		r.failExchange(ctx, ex, fmt.Errorf("unknown route: %s", ex.RouteID))
		return
	}

	if ex.Status == store.StatusPending {
		if err := r.states.Start(ctx, ex.ExchangeID); err != nil {
			r.log(ex.ExchangeID, "cannot start exchange: "+err.Error())
			return
		}
	}

	// Any exchange that has already left PENDING runs with recovery
	// semantics, so duplicate submissions never redo side effects.
	recovery := sub.recovery || ex.Status != store.StatusPending

	done := map[string]store.Checkpoint{}
	if recovery {
		cps, err := r.store.ListCheckpoints(ctx, ex.ExchangeID)
		if err != nil {
			r.log(ex.ExchangeID, "cannot load checkpoints: "+err.Error())
			return
		}
		for _, cp := range cps {
			done[cp.StepName] = cp
		}
	}

	body := ex.Payload
	stepIndex := 0

	for _, step := range route.Steps {
		cont, err := r.states.ShouldContinue(ctx, ex.ExchangeID)
		if err != nil {
			r.log(ex.ExchangeID, "shouldContinue failed: "+err.Error())
			return
		}
		if !cont {
			return
		}

		start := time.Now()
		data, err := r.executeStep(ctx, &body, ex, step, recovery, done)
		r.metrics.RecordStepLatency(ex.RouteID, step.Name, time.Since(start))
		if errors.Is(err, errStopRoute) {
			return
		}
		if err != nil {
			r.failExchange(ctx, ex, fmt.Errorf("step %s: %w", step.Name, err))
			return
		}

		candidate := stepIndex + 1
		created, err := r.states.Checkpoint(ctx, ex.ExchangeID, candidate, step.Name, data)
		if err != nil {
			r.failExchange(ctx, ex, err)
			return
		}
		if created {
			stepIndex = candidate
			continue
		}
		// Idempotent skip: advance to the index already recorded.
		if cp, err := r.store.GetCheckpoint(ctx, ex.ExchangeID, step.Name); err == nil {
			stepIndex = cp.StepIndex
		} else {
			stepIndex = candidate
		}
	}

	if err := r.states.Complete(ctx, ex.ExchangeID, body); err != nil {
		// The exchange may have been cancelled during the last step.
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			r.log(ex.ExchangeID, "cannot complete exchange: "+err.Error())
		}
	}
}

// executeStep runs one step under the redelivery policy: up to
// maxStepAttempts attempts with stepRetryDelay between them. Permanent
// errors and clean stops are never retried.
func (r *Runner) executeStep(ctx context.Context, body *string, ex store.ExchangeState, step Step, recovery bool, done map[string]store.Checkpoint) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxStepAttempts; attempt++ {
		data, err := r.runAction(ctx, body, ex, step, recovery, done)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, errStopRoute) || isPermanent(err) || ctx.Err() != nil {
			return "", err
		}
		lastErr = err
		if attempt < maxStepAttempts {
			select {
			case <-time.After(stepRetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

func (r *Runner) runAction(ctx context.Context, body *string, ex store.ExchangeState, step Step, recovery bool, done map[string]store.Checkpoint) (string, error) {
	switch action := step.Action.(type) {
	case Transform:
		out, err := action.Fn(ctx, *body)
		if err != nil {
			return "", err
		}
		*body = out
		return out, nil

	case AuditLog:
		// Re-running a checkpointed audit step would append a duplicate
		// route_logs row; replay the recorded message instead.
		if cp, ok := done[step.Name]; ok && recovery {
			return cp.StepData, nil
		}
		message := step.Name
		if action.Message != nil {
			message = action.Message(*body)
		}
		err := r.store.AppendRouteLog(ctx, &store.RouteLog{
			RouteID:    ex.RouteID,
			ExchangeID: ex.ExchangeID,
			StepName:   step.Name,
			Message:    message,
			Timestamp:  time.Now().UTC(),
		})
		if err != nil {
			return "", err
		}
		return message, nil

	case LLMCall:
		// Re-calling the model on recovery is unsafe; replay the
		// persisted response instead.
		if cp, ok := done[step.Name]; ok && recovery {
			*body = cp.StepData
			return cp.StepData, nil
		}
		if r.chat == nil {
			return "", &EngineError{Message: "no chat model configured", Code: "NO_CHAT_MODEL"}
		}
		out, err := r.chat.Chat(ctx, action.Prompt(*body))
		if err != nil {
			return "", err
		}
		*body = out.Text
		return out.Text, nil

	case ApprovalGate:
		if cp, ok := done[step.Name]; ok && recovery {
			return cp.StepData, nil
		}
		if action.Blocking {
			return r.approvals.RequestApproval(ctx, ex.ExchangeID, ex.RouteID, *body, action.Timeout)
		}
		// Non-blocking gates stop before checkpointing, so re-entry must
		// consume an earlier request's outcome instead of creating a
		// duplicate.
		latest, err := r.store.LatestApprovalByExchange(ctx, ex.ExchangeID)
		switch {
		case err == nil && latest.Status == store.ApprovalApproved:
			return latest.Response, nil
		case err == nil && latest.Status == store.ApprovalPending:
			return "", errStopRoute
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return "", err
		}
		if _, err := r.approvals.CreateApprovalRequest(ctx, ex.ExchangeID, ex.RouteID, *body); err != nil {
			return "", err
		}
		return "", errStopRoute

	case MetricUpdate:
		// Same dedup as AuditLog: a checkpointed bump already counted.
		if _, ok := done[step.Name]; ok && recovery {
			return "", nil
		}
		if err := r.store.BumpRouteMetric(ctx, ex.RouteID, true); err != nil {
			return "", err
		}
		return "", nil

	default:
		return "", &EngineError{Message: "unknown step action: " + step.Name, Code: "UNKNOWN_ACTION"}
	}
}

// failExchange transitions the exchange to FAILED, tolerating a lost
// race against another failure or cancellation.
func (r *Runner) failExchange(ctx context.Context, ex store.ExchangeState, cause error) {
	if err := r.states.Fail(ctx, ex.ExchangeID, cause.Error()); err != nil {
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			r.log(ex.ExchangeID, "cannot fail exchange: "+err.Error())
		}
	}
}

func (r *Runner) log(exchangeID, message string) {
	log.Printf("[runner] exchange %s: %s", exchangeID, message)
}
