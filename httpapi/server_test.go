package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dshills/routeforge/engine"
	"github.com/dshills/routeforge/engine/emit"
	"github.com/dshills/routeforge/engine/model"
	"github.com/dshills/routeforge/engine/store"
	"github.com/dshills/routeforge/httpapi"
	"github.com/dshills/routeforge/routes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	eng *engine.Engine
	srv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := emit.NewBus()
	eng := engine.New(st, model.NewMockModel("mock answer"), bus, nil, engine.Config{})
	require.NoError(t, eng.RegisterRoute(routes.ChatDurable(routes.ChatConfig{})))
	require.NoError(t, eng.RegisterRoute(routes.ChatSimple(routes.ChatConfig{})))
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})

	api := httpapi.New(eng, bus, ":0", nil)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &harness{eng: eng, srv: srv}
}

func (h *harness) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(h.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (h *harness) waitStatus(t *testing.T, exchangeID string, want store.Status) store.ExchangeState {
	t.Helper()
	var last store.ExchangeState
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ex, err := h.eng.States.Get(context.Background(), exchangeID)
		if err == nil {
			last = ex
			if ex.Status == want {
				return ex
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("exchange %s stuck in %s, want %s", exchangeID, last.Status, want)
	return last
}

func (h *harness) submit(t *testing.T, routeID, payload string) string {
	t.Helper()
	resp := h.post(t, "/api/exchanges", map[string]any{"routeId": routeID, "payload": payload})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created struct {
		ExchangeID string `json:"exchangeId"`
		RouteID    string `json:"routeId"`
		Message    string `json:"message"`
	}
	decode(t, resp, &created)
	require.NotEmpty(t, created.ExchangeID)
	require.Equal(t, routeID, created.RouteID)
	return created.ExchangeID
}

func TestCreateExchangeAndComplete(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, routes.ChatSimpleID, "hello there")
	h.waitStatus(t, id, store.StatusCompleted)

	resp := h.get(t, "/api/exchanges/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ex store.ExchangeState
	decode(t, resp, &ex)
	assert.Equal(t, store.StatusCompleted, ex.Status)
	assert.Equal(t, "mock answer", ex.Context)
	assert.NotNil(t, ex.CompletedAt)
}

func TestCreateExchangeValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown route", map[string]any{"routeId": "nope", "payload": "hi"}},
		{"empty payload", map[string]any{"routeId": routes.ChatSimpleID, "payload": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.post(t, "/api/exchanges", tt.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		resp, err := http.Post(h.srv.URL+"/api/exchanges", "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetExchangeNotFound(t *testing.T) {
	h := newHarness(t)
	resp := h.get(t, "/api/exchanges/no-such-exchange")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListExchanges(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, routes.ChatSimpleID, "list me")
	h.waitStatus(t, id, store.StatusCompleted)

	resp := h.get(t, "/api/exchanges/?status=completed&routeId="+routes.ChatSimpleID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Exchanges []store.ExchangeState `json:"exchanges"`
		Total     int                   `json:"total"`
	}
	decode(t, resp, &listed)
	require.Len(t, listed.Exchanges, 1)
	assert.Equal(t, 1, listed.Total)
	assert.Equal(t, id, listed.Exchanges[0].ExchangeID)

	bad := h.get(t, "/api/exchanges/?status=bogus")
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestPauseRequiresRunning(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, routes.ChatSimpleID, "quick")
	h.waitStatus(t, id, store.StatusCompleted)

	resp := h.post(t, "/api/exchanges/"+id+"/pause", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelTerminalRejected(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, routes.ChatSimpleID, "done soon")
	h.waitStatus(t, id, store.StatusCompleted)

	resp := h.post(t, "/api/exchanges/"+id+"/cancel", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, routes.ChatDurableID, "needs sign-off")
	h.waitStatus(t, id, store.StatusWaitingApproval)

	resp := h.get(t, "/api/approvals/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending struct {
		Approvals []store.ApprovalRequest `json:"approvals"`
	}
	decode(t, resp, &pending)
	require.Len(t, pending.Approvals, 1)
	apID := pending.Approvals[0].ID
	assert.Equal(t, id, pending.Approvals[0].ExchangeID)

	byExchange := h.get(t, "/api/approvals/by-exchange/"+id)
	require.Equal(t, http.StatusOK, byExchange.StatusCode)
	var latest store.ApprovalRequest
	decode(t, byExchange, &latest)
	assert.Equal(t, apID, latest.ID)

	grant := h.post(t, "/api/approvals/"+apID+"/approve", map[string]string{"response": "ship it"})
	defer grant.Body.Close()
	require.Equal(t, http.StatusOK, grant.StatusCode)

	// Deciding twice is a client error, not a crash.
	again := h.post(t, "/api/approvals/"+apID+"/approve", nil)
	defer again.Body.Close()
	assert.Equal(t, http.StatusBadRequest, again.StatusCode)

	final := h.waitStatus(t, id, store.StatusCompleted)
	assert.Equal(t, "mock answer", final.Context)

	cpResp := h.get(t, "/api/exchanges/"+id+"/checkpoints")
	require.Equal(t, http.StatusOK, cpResp.StatusCode)
	var cps struct {
		Checkpoints []store.Checkpoint `json:"checkpoints"`
	}
	decode(t, cpResp, &cps)
	assert.Len(t, cps.Checkpoints, 8)
}

func TestRejectFailsExchange(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, routes.ChatDurableID, "reject this")
	h.waitStatus(t, id, store.StatusWaitingApproval)

	var latest store.ApprovalRequest
	decode(t, h.get(t, "/api/approvals/by-exchange/"+id), &latest)

	resp := h.post(t, "/api/approvals/"+latest.ID+"/reject", map[string]string{"reason": "not today"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	final := h.waitStatus(t, id, store.StatusFailed)
	assert.Contains(t, final.Context, "Approval rejected: not today")
}

func TestApprovalNotFound(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/api/approvals/missing/approve", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouteEndpoints(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, routes.ChatSimpleID, "for metrics")
	h.waitStatus(t, id, store.StatusCompleted)

	resp := h.get(t, "/api/routes/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Routes []struct {
			RouteID string   `json:"routeId"`
			Steps   []string `json:"steps"`
		} `json:"routes"`
	}
	decode(t, resp, &listed)
	require.Len(t, listed.Routes, 2)
	assert.Equal(t, routes.ChatDurableID, listed.Routes[0].RouteID)
	assert.Equal(t, routes.ChatSimpleID, listed.Routes[1].RouteID)

	status := h.get(t, "/api/routes/"+routes.ChatSimpleID+"/status")
	require.Equal(t, http.StatusOK, status.StatusCode)
	var routeStatus struct {
		Route struct {
			RouteID string `json:"routeId"`
		} `json:"route"`
		Metrics store.RouteMetric `json:"metrics"`
	}
	decode(t, status, &routeStatus)
	assert.Equal(t, routes.ChatSimpleID, routeStatus.Route.RouteID)
	assert.Equal(t, int64(1), routeStatus.Metrics.Success)

	missing := h.get(t, "/api/routes/no-such-route/metrics")
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	stats := h.get(t, "/api/routes/recovery-stats")
	require.Equal(t, http.StatusOK, stats.StatusCode)
	var recovery engine.RecoveryStats
	decode(t, stats, &recovery)
	assert.Equal(t, 0, recovery.StartupRecovered)

	logs := h.get(t, "/api/routes/logs/exchange/"+id)
	require.Equal(t, http.StatusOK, logs.StatusCode)
	var logged struct {
		Logs []store.RouteLog `json:"logs"`
	}
	decode(t, logs, &logged)
	require.Len(t, logged.Logs, 1)
	assert.Contains(t, logged.Logs[0].Message, "received request")
}

func TestEventStreamConnectedFrame(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/api/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), "unexpected frame: %q", line)
	var frame struct {
		Message  string `json:"message"`
		ClientID string `json:"clientId"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &frame))
	assert.Equal(t, "connected to event stream", frame.Message)
	assert.NotEmpty(t, frame.ClientID)

	// Domain events follow the connected frame on the same stream.
	id := h.submit(t, routes.ChatSimpleID, "streamed")
	h.waitStatus(t, id, store.StatusCompleted)

	sawEvent := false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if line == fmt.Sprintf("event: %s\n", emit.ExchangeCreated) {
			sawEvent = true
			break
		}
	}
	assert.True(t, sawEvent, "no EXCHANGE_CREATED frame observed on the stream")
}

func TestEventsHealthAndClientCount(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/api/events/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	decode(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.Clients)

	count := h.get(t, "/api/events/clients/count")
	require.Equal(t, http.StatusOK, count.StatusCode)
	var counted map[string]int
	decode(t, count, &counted)
	assert.Equal(t, 0, counted["count"])
}
