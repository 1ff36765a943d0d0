package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/dshills/routeforge/engine"
	"github.com/dshills/routeforge/engine/store"
	"github.com/go-chi/chi/v5"
)

type createExchangeRequest struct {
	RouteID string            `json:"routeId"`
	Payload string            `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

type createExchangeResponse struct {
	ExchangeID string `json:"exchangeId"`
	RouteID    string `json:"routeId"`
	Message    string `json:"message"`
}

type listExchangesResponse struct {
	Exchanges []store.ExchangeState `json:"exchanges"`
	Total     int                   `json:"total"`
	Limit     int                   `json:"limit"`
	Offset    int                   `json:"offset"`
}

type controlResponse struct {
	ExchangeID string `json:"exchangeId"`
	Message    string `json:"message"`
}

// createExchange accepts a submission and begins execution
// asynchronously. The response is 202; outcomes are observed via
// GET /api/exchanges/{id} and the event stream.
func (s *Server) createExchange(w http.ResponseWriter, r *http.Request) {
	var req createExchangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	headersJSON := encodeHeaders(req.Headers)
	ex, err := s.engine.SubmitExchange(r.Context(), req.RouteID, req.Payload, headersJSON)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, createExchangeResponse{
		ExchangeID: ex.ExchangeID,
		RouteID:    ex.RouteID,
		Message:    "exchange accepted for processing",
	})
}

func (s *Server) listExchanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter store.ExchangeFilter
	if raw := q.Get("status"); raw != "" {
		status := store.Status(strings.ToUpper(raw))
		if !status.Valid() {
			writeError(w, &engine.ValidationError{Field: "status", Message: "unknown status: " + raw})
			return
		}
		filter.Status = status
	}
	filter.RouteID = q.Get("routeId")
	filter.Limit = intQuery(q.Get("limit"), 100)
	filter.Offset = intQuery(q.Get("offset"), 0)

	exchanges, total, err := s.engine.Store.ListExchanges(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if exchanges == nil {
		exchanges = []store.ExchangeState{}
	}
	writeJSON(w, http.StatusOK, listExchangesResponse{
		Exchanges: exchanges,
		Total:     total,
		Limit:     filter.Limit,
		Offset:    filter.Offset,
	})
}

func (s *Server) getExchange(w http.ResponseWriter, r *http.Request) {
	ex, err := s.engine.States.Get(r.Context(), chi.URLParam(r, "exchangeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) pauseExchange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "exchangeID")
	if err := s.engine.Pause(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{ExchangeID: id, Message: "exchange paused"})
}

func (s *Server) resumeExchange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "exchangeID")
	if err := s.engine.Resume(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{ExchangeID: id, Message: "exchange resumed"})
}

func (s *Server) cancelExchange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "exchangeID")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{ExchangeID: id, Message: "exchange cancelled"})
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "exchangeID")
	if _, err := s.engine.States.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	cps, err := s.engine.Store.ListCheckpoints(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if cps == nil {
		cps = []store.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exchangeId":  id,
		"checkpoints": cps,
	})
}

// encodeHeaders serializes caller headers as the exchange context,
// dropping internal ones.
func encodeHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	kept := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.HasPrefix(strings.ToLower(k), "x-internal") {
			continue
		}
		kept[k] = v
	}
	if len(kept) == 0 {
		return ""
	}
	b, err := json.Marshal(kept)
	if err != nil {
		return ""
	}
	return string(b)
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
