package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/routeforge/engine/model"
	"github.com/dshills/routeforge/engine/store"
)

func newTestEngine(t *testing.T, chat model.ChatModel, cfg Config, routes ...*Route) *Engine {
	t.Helper()
	st := newTestStore(t)
	eng := New(st, chat, nil, nil, cfg)
	for _, r := range routes {
		if err := eng.RegisterRoute(r); err != nil {
			t.Fatalf("RegisterRoute(%s) error = %v", r.ID, err)
		}
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return eng
}

func waitForStatus(t *testing.T, eng *Engine, exchangeID string, want store.Status) store.ExchangeState {
	t.Helper()
	var last store.ExchangeState
	waitFor(t, 5*time.Second, "exchange to reach "+string(want), func() bool {
		ex, err := eng.States.Get(context.Background(), exchangeID)
		if err != nil {
			return false
		}
		last = ex
		return ex.Status == want
	})
	return last
}

func upper() Transform {
	return Transform{Fn: func(_ context.Context, body string) (string, error) {
		return strings.ToUpper(body), nil
	}}
}

func llmEcho() LLMCall {
	return LLMCall{Prompt: func(body string) []model.Message {
		return []model.Message{{Role: model.RoleUser, Content: body}}
	}}
}

func TestRunnerCompletesRoute(t *testing.T) {
	chat := model.NewMockModel("model says hi")
	route := &Route{
		ID: "r-complete",
		Steps: []Step{
			{Name: "uppercase", Action: upper()},
			{Name: "log-request", Action: AuditLog{}},
			{Name: "call-llm", Action: llmEcho()},
			{Name: "bump-metrics", Action: MetricUpdate{}},
		},
	}
	eng := newTestEngine(t, chat, Config{}, route)
	ctx := context.Background()

	ex, err := eng.SubmitExchange(ctx, "r-complete", "hello", "")
	if err != nil {
		t.Fatalf("SubmitExchange() error = %v", err)
	}

	final := waitForStatus(t, eng, ex.ExchangeID, store.StatusCompleted)
	if final.Context != "model says hi" {
		t.Errorf("final context = %q, want model response", final.Context)
	}
	if chat.Calls() != 1 {
		t.Errorf("model calls = %d, want 1", chat.Calls())
	}

	cps, err := eng.Store.ListCheckpoints(ctx, ex.ExchangeID)
	if err != nil {
		t.Fatalf("ListCheckpoints() error = %v", err)
	}
	if len(cps) != len(route.Steps) {
		t.Fatalf("checkpoints = %d, want %d", len(cps), len(route.Steps))
	}
	for i, cp := range cps {
		if cp.StepIndex != i+1 {
			t.Errorf("checkpoint %s index = %d, want %d", cp.StepName, cp.StepIndex, i+1)
		}
	}

	metric, err := eng.Store.GetRouteMetric(ctx, "r-complete")
	if err != nil {
		t.Fatalf("GetRouteMetric() error = %v", err)
	}
	if metric.Success != 1 {
		t.Errorf("success count = %d, want 1", metric.Success)
	}

	logs, err := eng.Store.ListRouteLogsByExchange(ctx, ex.ExchangeID)
	if err != nil {
		t.Fatalf("ListRouteLogsByExchange() error = %v", err)
	}
	if len(logs) != 1 || logs[0].StepName != "log-request" {
		t.Errorf("route logs = %+v, want one log-request entry", logs)
	}
}

func TestRunnerBlockingApprovalGate(t *testing.T) {
	chat := model.NewMockModel("approved answer")
	route := &Route{
		ID: "r-gated",
		Steps: []Step{
			{Name: "uppercase", Action: upper()},
			{Name: "approval-gate", Action: ApprovalGate{Blocking: true, Timeout: time.Minute}},
			{Name: "call-llm", Action: llmEcho()},
		},
	}
	eng := newTestEngine(t, chat, Config{}, route)
	ctx := context.Background()

	ex, err := eng.SubmitExchange(ctx, "r-gated", "need sign-off", "")
	if err != nil {
		t.Fatalf("SubmitExchange() error = %v", err)
	}
	waitForStatus(t, eng, ex.ExchangeID, store.StatusWaitingApproval)

	ap, err := eng.Store.LatestApprovalByExchange(ctx, ex.ExchangeID)
	if err != nil {
		t.Fatalf("LatestApprovalByExchange() error = %v", err)
	}
	// The gate payload is the body at the time of the request.
	if ap.Payload != "NEED SIGN-OFF" {
		t.Errorf("approval payload = %q", ap.Payload)
	}

	if err := eng.Approvals.Approve(ctx, ap.ID, "go ahead"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	final := waitForStatus(t, eng, ex.ExchangeID, store.StatusCompleted)
	if final.Context != "approved answer" {
		t.Errorf("final context = %q", final.Context)
	}

	cps, _ := eng.Store.ListCheckpoints(ctx, ex.ExchangeID)
	if len(cps) != 3 {
		t.Fatalf("checkpoints = %d, want 3", len(cps))
	}
	if cps[1].StepName != "approval-gate" || cps[1].StepData != "go ahead" {
		t.Errorf("gate checkpoint = %+v, want approver response as stepData", cps[1])
	}
}

func TestRunnerRejectedApprovalFailsExchange(t *testing.T) {
	route := &Route{
		ID: "r-rejected",
		Steps: []Step{
			{Name: "approval-gate", Action: ApprovalGate{Blocking: true, Timeout: time.Minute}},
			{Name: "uppercase", Action: upper()},
		},
	}
	eng := newTestEngine(t, model.NewMockModel(), Config{}, route)
	ctx := context.Background()

	ex, err := eng.SubmitExchange(ctx, "r-rejected", "risky thing", "")
	if err != nil {
		t.Fatalf("SubmitExchange() error = %v", err)
	}
	waitForStatus(t, eng, ex.ExchangeID, store.StatusWaitingApproval)

	ap, _ := eng.Store.LatestApprovalByExchange(ctx, ex.ExchangeID)
	if err := eng.Approvals.Reject(ctx, ap.ID, "too risky"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	final := waitForStatus(t, eng, ex.ExchangeID, store.StatusFailed)
	if !strings.Contains(final.Context, "Approval rejected: too risky") {
		t.Errorf("final context = %q", final.Context)
	}

	// The step after the gate never ran.
	if _, err := eng.Store.GetCheckpoint(ctx, ex.ExchangeID, "uppercase"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("post-gate step checkpointed after rejection (err = %v)", err)
	}
}

func TestRunnerNonBlockingGateResumesViaRecovery(t *testing.T) {
	route := &Route{
		ID: "r-async-gate",
		Steps: []Step{
			{Name: "approval-gate", Action: ApprovalGate{Blocking: false}},
			{Name: "uppercase", Action: upper()},
		},
	}
	cfg := Config{Recovery: RecoveryConfig{ResumeInterval: 30 * time.Millisecond}}
	eng := newTestEngine(t, model.NewMockModel(), cfg, route)
	ctx := context.Background()

	ex, err := eng.SubmitExchange(ctx, "r-async-gate", "async body", "")
	if err != nil {
		t.Fatalf("SubmitExchange() error = %v", err)
	}
	waitForStatus(t, eng, ex.ExchangeID, store.StatusWaitingApproval)

	// The worker released the exchange after creating the request.
	waitFor(t, 2*time.Second, "worker to release the exchange", func() bool {
		return !eng.Runner.Active(ex.ExchangeID)
	})

	ap, _ := eng.Store.LatestApprovalByExchange(ctx, ex.ExchangeID)
	if err := eng.Approvals.Approve(ctx, ap.ID, "fine"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	// The resume scan picks up the decided approval and re-submits.
	final := waitForStatus(t, eng, ex.ExchangeID, store.StatusCompleted)
	if final.Context != "ASYNC BODY" {
		t.Errorf("final context = %q", final.Context)
	}

	cps, _ := eng.Store.ListCheckpoints(ctx, ex.ExchangeID)
	if len(cps) != 2 {
		t.Errorf("checkpoints = %d, want 2 (no duplicates)", len(cps))
	}
}

func TestRunnerPermanentErrorFailsWithoutRetry(t *testing.T) {
	var attempts atomic.Int32
	route := &Route{
		ID: "r-invalid",
		Steps: []Step{
			{Name: "validate-input", Action: Transform{Fn: func(_ context.Context, body string) (string, error) {
				attempts.Add(1)
				return "", &ValidationError{Field: "payload", Message: "payload cannot be blank"}
			}}},
		},
	}
	eng := newTestEngine(t, model.NewMockModel(), Config{}, route)
	ctx := context.Background()

	ex, err := eng.SubmitExchange(ctx, "r-invalid", "   ", "")
	if err != nil {
		t.Fatalf("SubmitExchange() error = %v", err)
	}

	final := waitForStatus(t, eng, ex.ExchangeID, store.StatusFailed)
	if !strings.Contains(final.Context, "payload cannot be blank") {
		t.Errorf("final context = %q", final.Context)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("validation step attempts = %d, want 1 (permanent errors are not retried)", got)
	}

	metric, err := eng.Store.GetRouteMetric(ctx, "r-invalid")
	if err != nil {
		t.Fatalf("GetRouteMetric() error = %v", err)
	}
	if metric.Failure != 1 {
		t.Errorf("failure count = %d, want 1", metric.Failure)
	}
}

func TestRunnerRetriesTransientStepFailure(t *testing.T) {
	var attempts atomic.Int32
	route := &Route{
		ID: "r-flaky",
		Steps: []Step{
			{Name: "flaky", Action: Transform{Fn: func(_ context.Context, body string) (string, error) {
				if attempts.Add(1) < 3 {
					return "", errors.New("transient upstream error")
				}
				return body + " eventually", nil
			}}},
		},
	}
	eng := newTestEngine(t, model.NewMockModel(), Config{}, route)
	ctx := context.Background()

	ex, err := eng.SubmitExchange(ctx, "r-flaky", "worked", "")
	if err != nil {
		t.Fatalf("SubmitExchange() error = %v", err)
	}

	final := waitForStatus(t, eng, ex.ExchangeID, store.StatusCompleted)
	if final.Context != "worked eventually" {
		t.Errorf("final context = %q", final.Context)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRunnerPauseAndResume(t *testing.T) {
	release := make(chan struct{})
	route := &Route{
		ID: "r-pausable",
		Steps: []Step{
			{Name: "first", Action: upper()},
			{Name: "slow", Action: Transform{Fn: func(ctx context.Context, body string) (string, error) {
				select {
				case <-release:
				case <-ctx.Done():
					return "", ctx.Err()
				}
				return body, nil
			}}},
			{Name: "last", Action: Transform{Fn: func(_ context.Context, body string) (string, error) {
				return body + "!", nil
			}}},
		},
	}
	eng := newTestEngine(t, model.NewMockModel(), Config{}, route)
	ctx := context.Background()

	ex, err := eng.SubmitExchange(ctx, "r-pausable", "slowly", "")
	if err != nil {
		t.Fatalf("SubmitExchange() error = %v", err)
	}

	// Pause while the slow step is executing; it takes effect at the
	// next step boundary.
	waitFor(t, 2*time.Second, "first checkpoint", func() bool {
		_, err := eng.Store.GetCheckpoint(ctx, ex.ExchangeID, "first")
		return err == nil
	})
	if err := eng.Pause(ctx, ex.ExchangeID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	close(release)

	waitForStatus(t, eng, ex.ExchangeID, store.StatusPaused)
	if _, err := eng.Store.GetCheckpoint(ctx, ex.ExchangeID, "last"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("step after pause boundary was executed (err = %v)", err)
	}

	if err := eng.Resume(ctx, ex.ExchangeID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	final := waitForStatus(t, eng, ex.ExchangeID, store.StatusCompleted)
	if final.Context != "SLOWLY!" {
		t.Errorf("final context = %q", final.Context)
	}

	cps, _ := eng.Store.ListCheckpoints(ctx, ex.ExchangeID)
	if len(cps) != 3 {
		t.Errorf("checkpoints = %d, want 3 (resume must not duplicate)", len(cps))
	}
}

func TestRunnerCancelWhileWaitingApproval(t *testing.T) {
	route := &Route{
		ID: "r-cancel",
		Steps: []Step{
			{Name: "approval-gate", Action: ApprovalGate{Blocking: true, Timeout: time.Minute}},
			{Name: "uppercase", Action: upper()},
		},
	}
	eng := newTestEngine(t, model.NewMockModel(), Config{}, route)
	ctx := context.Background()

	ex, err := eng.SubmitExchange(ctx, "r-cancel", "cancel me", "")
	if err != nil {
		t.Fatalf("SubmitExchange() error = %v", err)
	}
	waitForStatus(t, eng, ex.ExchangeID, store.StatusWaitingApproval)

	if err := eng.Cancel(ctx, ex.ExchangeID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	// A late grant must not resurrect the cancelled exchange.
	ap, _ := eng.Store.LatestApprovalByExchange(ctx, ex.ExchangeID)
	if err := eng.Approvals.Approve(ctx, ap.ID, "too late"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	got, _ := eng.States.Get(ctx, ex.ExchangeID)
	if got.Status != store.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED to stick", got.Status)
	}
	if _, err := eng.Store.GetCheckpoint(ctx, ex.ExchangeID, "uppercase"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("step ran after cancellation (err = %v)", err)
	}
}

func TestRecoveryReplaysCheckpointedSteps(t *testing.T) {
	chat := model.NewMockModel("fresh response")
	route := &Route{
		ID: "r-recover",
		Steps: []Step{
			{Name: "uppercase", Action: upper()},
			{Name: "call-llm", Action: llmEcho()},
			{Name: "trim", Action: Transform{Fn: func(_ context.Context, body string) (string, error) {
				return strings.TrimSpace(body), nil
			}}},
		},
	}

	// Simulate a crash: an exchange left RUNNING mid-route with the LLM
	// step already checkpointed.
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ex := &store.ExchangeState{
		ExchangeID:     "ex-crashed",
		RouteID:        "r-recover",
		Status:         store.StatusRunning,
		Payload:        "original",
		CreatedAt:      now,
		StartedAt:      &now,
		LastCheckpoint: now,
	}
	if err := st.CreateExchange(ctx, ex); err != nil {
		t.Fatalf("CreateExchange() error = %v", err)
	}
	seed := []store.Checkpoint{
		{ExchangeID: "ex-crashed", StepIndex: 1, StepName: "uppercase", StepData: "ORIGINAL", Timestamp: now},
		{ExchangeID: "ex-crashed", StepIndex: 2, StepName: "call-llm", StepData: "  stored response  ", Timestamp: now},
	}
	for i := range seed {
		if _, err := st.InsertCheckpoint(ctx, &seed[i]); err != nil {
			t.Fatalf("InsertCheckpoint() error = %v", err)
		}
	}

	eng := New(st, chat, nil, nil, Config{})
	if err := eng.RegisterRoute(route); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}
	// Start runs the one-time recovery pass, which re-submits the
	// RUNNING exchange through the recovery path.
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(sctx)
	})

	final := waitForStatus(t, eng, "ex-crashed", store.StatusCompleted)
	if final.Context != "stored response" {
		t.Errorf("final context = %q, want trimmed stored response", final.Context)
	}
	if chat.Calls() != 0 {
		t.Errorf("model calls = %d, want 0 (response replayed from checkpoint)", chat.Calls())
	}

	cps, _ := st.ListCheckpoints(ctx, "ex-crashed")
	if len(cps) != 3 {
		t.Errorf("checkpoints = %d, want 3 (recovery must not duplicate)", len(cps))
	}
	if cps[1].StepData != "  stored response  " {
		t.Errorf("llm checkpoint stepData overwritten: %q", cps[1].StepData)
	}
}

func TestRecoverySkipsCheckpointedSideEffects(t *testing.T) {
	route := &Route{
		ID: "r-audited",
		Steps: []Step{
			{Name: "uppercase", Action: upper()},
			{Name: "log-request", Action: AuditLog{}},
			{Name: "bump-metrics", Action: MetricUpdate{}},
			{Name: "finish", Action: Transform{Fn: func(_ context.Context, body string) (string, error) {
				return body + "!", nil
			}}},
		},
	}

	// A crash left the exchange RUNNING with the audit and metric steps
	// already checkpointed and their side effects applied.
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ex := &store.ExchangeState{
		ExchangeID:     "ex-audited",
		RouteID:        "r-audited",
		Status:         store.StatusRunning,
		Payload:        "original",
		CreatedAt:      now,
		StartedAt:      &now,
		LastCheckpoint: now,
	}
	if err := st.CreateExchange(ctx, ex); err != nil {
		t.Fatalf("CreateExchange() error = %v", err)
	}
	seed := []store.Checkpoint{
		{ExchangeID: "ex-audited", StepIndex: 1, StepName: "uppercase", StepData: "ORIGINAL", Timestamp: now},
		{ExchangeID: "ex-audited", StepIndex: 2, StepName: "log-request", StepData: "log-request", Timestamp: now},
		{ExchangeID: "ex-audited", StepIndex: 3, StepName: "bump-metrics", StepData: "", Timestamp: now},
	}
	for i := range seed {
		if _, err := st.InsertCheckpoint(ctx, &seed[i]); err != nil {
			t.Fatalf("InsertCheckpoint() error = %v", err)
		}
	}
	if err := st.AppendRouteLog(ctx, &store.RouteLog{
		RouteID: "r-audited", ExchangeID: "ex-audited",
		StepName: "log-request", Message: "log-request", Timestamp: now,
	}); err != nil {
		t.Fatalf("AppendRouteLog() error = %v", err)
	}
	if err := st.BumpRouteMetric(ctx, "r-audited", true); err != nil {
		t.Fatalf("BumpRouteMetric() error = %v", err)
	}

	eng := New(st, model.NewMockModel(), nil, nil, Config{})
	if err := eng.RegisterRoute(route); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(sctx)
	})

	final := waitForStatus(t, eng, "ex-audited", store.StatusCompleted)
	if final.Context != "ORIGINAL!" {
		t.Errorf("final context = %q", final.Context)
	}

	logs, err := st.ListRouteLogsByExchange(ctx, "ex-audited")
	if err != nil {
		t.Fatalf("ListRouteLogsByExchange() error = %v", err)
	}
	if len(logs) != 1 {
		t.Errorf("route log rows after recovery = %d, want 1 (audit step must not re-run)", len(logs))
	}

	metric, err := st.GetRouteMetric(ctx, "r-audited")
	if err != nil {
		t.Fatalf("GetRouteMetric() error = %v", err)
	}
	if metric.Success != 1 {
		t.Errorf("success count after recovery = %d, want 1 (metric step must not re-run)", metric.Success)
	}
}

func TestSubmitExchangeValidation(t *testing.T) {
	route := &Route{
		ID:    "r-small",
		Steps: []Step{{Name: "uppercase", Action: upper()}},
	}
	eng := newTestEngine(t, model.NewMockModel(), Config{MaxPayloadLen: 10}, route)
	ctx := context.Background()

	tests := []struct {
		name    string
		routeID string
		payload string
	}{
		{"unknown route", "no-such-route", "hello"},
		{"empty payload", "r-small", ""},
		{"oversize payload", "r-small", strings.Repeat("x", 11)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.SubmitExchange(ctx, tt.routeID, tt.payload, "")
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
		})
	}

	// The limit is inclusive.
	if _, err := eng.SubmitExchange(ctx, "r-small", strings.Repeat("x", 10), ""); err != nil {
		t.Errorf("payload at the limit rejected: %v", err)
	}
}
