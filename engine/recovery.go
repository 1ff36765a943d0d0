package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dshills/routeforge/engine/emit"
	"github.com/dshills/routeforge/engine/store"
)

// Default recovery cadence and thresholds.
const (
	DefaultResumeInterval          = 30 * time.Second
	DefaultStalledInterval         = 5 * time.Minute
	DefaultStalledAfter            = 30 * time.Minute
	DefaultApprovalTimeoutInterval = 10 * time.Minute
	DefaultApprovalExpiry          = 60 * time.Minute
)

// RecoveryConfig configures the recovery timers. Zero values select
// the defaults above.
type RecoveryConfig struct {
	// ResumeInterval is the cadence of the approved-waiter resume scan.
	ResumeInterval time.Duration

	// StalledInterval is the cadence of the stalled-exchange scan.
	StalledInterval time.Duration

	// StalledAfter is how long a RUNNING exchange may go without a new
	// checkpoint before it is reported stalled.
	StalledAfter time.Duration

	// ApprovalTimeoutInterval is the cadence of the approval expiry scan.
	ApprovalTimeoutInterval time.Duration

	// ApprovalExpiry is the age after which a PENDING approval is
	// auto-rejected.
	ApprovalExpiry time.Duration
}

func (c *RecoveryConfig) applyDefaults() {
	if c.ResumeInterval <= 0 {
		c.ResumeInterval = DefaultResumeInterval
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = DefaultStalledInterval
	}
	if c.StalledAfter <= 0 {
		c.StalledAfter = DefaultStalledAfter
	}
	if c.ApprovalTimeoutInterval <= 0 {
		c.ApprovalTimeoutInterval = DefaultApprovalTimeoutInterval
	}
	if c.ApprovalExpiry <= 0 {
		c.ApprovalExpiry = DefaultApprovalExpiry
	}
}

// RecoveryStats summarizes recovery activity since startup.
type RecoveryStats struct {
	StartupRecovered     int       `json:"startupRecovered"`
	RestoredSignals      int       `json:"restoredSignals"`
	Resubmitted          int       `json:"resubmitted"`
	ResumedAfterApproval int       `json:"resumedAfterApproval"`
	StalledDetected      int       `json:"stalledDetected"`
	ApprovalsExpired     int       `json:"approvalsExpired"`
	LastResumeScan       time.Time `json:"lastResumeScan,omitempty"`
	LastStalledScan      time.Time `json:"lastStalledScan,omitempty"`
	LastApprovalScan     time.Time `json:"lastApprovalScan,omitempty"`
}

// RecoveryService makes exchanges durable across process restarts.
//
// On startup it re-submits every persisted RUNNING exchange through
// the runner's recovery path and restores approval signals. While
// running, three timers keep the system converging: a resume tick that
// picks up approved waiters (and RUNNING exchanges no worker holds), a
// stalled-exchange scan, and an approval expiry scan.
type RecoveryService struct {
	store     store.Store
	states    *StateManager
	approvals *ApprovalService
	runner    *Runner
	emitter   emit.Emitter
	cfg       RecoveryConfig

	mu    sync.Mutex
	stats RecoveryStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecoveryService creates a RecoveryService.
func NewRecoveryService(st store.Store, states *StateManager, approvals *ApprovalService, runner *Runner, emitter emit.Emitter, cfg RecoveryConfig) *RecoveryService {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &RecoveryService{
		store:     st,
		states:    states,
		approvals: approvals,
		runner:    runner,
		emitter:   emitter,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnStartup runs the one-time crash recovery pass: every persisted
// RUNNING exchange is published as EXCHANGE_RECOVERING and re-submitted
// with its prior checkpoints honored, then pending approval signals
// are reinstalled.
func (s *RecoveryService) OnStartup(ctx context.Context) error {
	running, err := s.store.ListExchangesByStatus(ctx, store.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running exchanges: %w", err)
	}
	for _, ex := range running {
		s.emitRecovering(ex)
		s.runner.SubmitRecovery(ex.ExchangeID)
	}

	restored, err := s.approvals.RestorePendingApprovals(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.stats.StartupRecovered = len(running)
	s.stats.RestoredSignals = restored
	s.mu.Unlock()
	return nil
}

// Start launches the recovery timers.
func (s *RecoveryService) Start() {
	s.tick(s.cfg.ResumeInterval, s.resumeScan)
	s.tick(s.cfg.StalledInterval, s.stalledScan)
	s.tick(s.cfg.ApprovalTimeoutInterval, s.approvalScan)
}

// Stop halts the timers and waits for in-flight scans.
func (s *RecoveryService) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Stats returns a snapshot of the recovery counters.
func (s *RecoveryService) Stats() RecoveryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *RecoveryService) tick(interval time.Duration, scan func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				scan(s.ctx)
			}
		}
	}()
}

// resumeScan re-submits exchanges that can make progress without a
// worker: WAITING_APPROVAL exchanges whose latest approval is APPROVED,
// and RUNNING exchanges no worker currently holds (the blocking waiter
// died with a previous process).
func (s *RecoveryService) resumeScan(ctx context.Context) {
	s.mu.Lock()
	s.stats.LastResumeScan = time.Now().UTC()
	s.mu.Unlock()

	waiting, err := s.store.ListExchangesByStatus(ctx, store.StatusWaitingApproval)
	if err != nil {
		log.Printf("[recovery] resume scan: %v", err)
		return
	}
	for _, ex := range waiting {
		latest, err := s.store.LatestApprovalByExchange(ctx, ex.ExchangeID)
		if err != nil || latest.Status != store.ApprovalApproved {
			continue
		}
		if err := s.states.ResumeAfterApproval(ctx, ex.ExchangeID); err != nil {
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				log.Printf("[recovery] resume %s: %v", ex.ExchangeID, err)
			}
			continue
		}
		s.runner.SubmitRecovery(ex.ExchangeID)
		s.mu.Lock()
		s.stats.ResumedAfterApproval++
		s.mu.Unlock()
	}

	running, err := s.store.ListExchangesByStatus(ctx, store.StatusRunning)
	if err != nil {
		log.Printf("[recovery] resume scan: %v", err)
		return
	}
	for _, ex := range running {
		if s.runner.Active(ex.ExchangeID) {
			continue
		}
		s.emitRecovering(ex)
		s.runner.SubmitRecovery(ex.ExchangeID)
		s.mu.Lock()
		s.stats.Resubmitted++
		s.mu.Unlock()
	}
}

// stalledScan reports RUNNING exchanges with no recent checkpoint. No
// automatic transition: the operator decides.
func (s *RecoveryService) stalledScan(ctx context.Context) {
	s.mu.Lock()
	s.stats.LastStalledScan = time.Now().UTC()
	s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-s.cfg.StalledAfter)
	stalled, err := s.store.ListStalledExchanges(ctx, cutoff)
	if err != nil {
		log.Printf("[recovery] stalled scan: %v", err)
		return
	}
	for _, ex := range stalled {
		if s.emitter != nil {
			s.emitter.Emit(emit.Event{
				Type:       emit.ExchangeStalled,
				RouteID:    ex.RouteID,
				ExchangeID: ex.ExchangeID,
				Data: map[string]string{
					"lastCheckpoint": ex.LastCheckpoint.Format(time.RFC3339),
				},
				Timestamp: time.Now().UTC(),
			})
		}
		s.mu.Lock()
		s.stats.StalledDetected++
		s.mu.Unlock()
	}
}

// approvalScan auto-rejects PENDING approvals past the expiry age.
func (s *RecoveryService) approvalScan(ctx context.Context) {
	s.mu.Lock()
	s.stats.LastApprovalScan = time.Now().UTC()
	s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-s.cfg.ApprovalExpiry)
	expired, err := s.store.ListPendingApprovalsOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("[recovery] approval scan: %v", err)
		return
	}
	for _, ap := range expired {
		if err := s.approvals.Reject(ctx, ap.ID, "Approval timed out"); err != nil {
			// A concurrent operator decision or waiter expiry wins.
			if !errors.Is(err, store.ErrNotPending) {
				log.Printf("[recovery] expire approval %s: %v", ap.ID, err)
			}
			continue
		}
		s.mu.Lock()
		s.stats.ApprovalsExpired++
		s.mu.Unlock()
	}
}

func (s *RecoveryService) emitRecovering(ex store.ExchangeState) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(emit.Event{
		Type:       emit.ExchangeRecovering,
		RouteID:    ex.RouteID,
		ExchangeID: ex.ExchangeID,
		Data: map[string]string{
			"currentStep":     fmt.Sprintf("%d", ex.CurrentStep),
			"currentStepName": ex.CurrentStepName,
		},
		Timestamp: time.Now().UTC(),
	})
}
