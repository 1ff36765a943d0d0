package httpapi

import (
	"errors"
	"net/http"

	"github.com/dshills/routeforge/engine"
	"github.com/dshills/routeforge/engine/store"
	"github.com/go-chi/chi/v5"
)

type routeInfo struct {
	RouteID string   `json:"routeId"`
	Steps   []string `json:"steps"`
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	infos := make([]routeInfo, 0)
	for _, id := range s.engine.Registry.IDs() {
		route, ok := s.engine.Registry.Get(id)
		if !ok {
			continue
		}
		infos = append(infos, describeRoute(route))
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": infos})
}

// routeStatus summarizes one route: its step list, completion counters
// and current exchange counts per status.
func (s *Server) routeStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "routeID")
	route, ok := s.engine.Registry.Get(id)
	if !ok {
		writeError(w, store.ErrNotFound)
		return
	}

	metric, err := s.loadMetric(r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	counts := make(map[string]int)
	for _, status := range []store.Status{store.StatusPending, store.StatusRunning, store.StatusPaused, store.StatusWaitingApproval} {
		_, total, err := s.engine.Store.ListExchanges(r.Context(), store.ExchangeFilter{RouteID: id, Status: status, Limit: 1})
		if err != nil {
			writeError(w, err)
			return
		}
		if total > 0 {
			counts[string(status)] = total
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"route":   describeRoute(route),
		"metrics": metric,
		"active":  counts,
	})
}

func (s *Server) routeMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "routeID")
	if _, ok := s.engine.Registry.Get(id); !ok {
		writeError(w, store.ErrNotFound)
		return
	}
	metric, err := s.loadMetric(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metric)
}

func (s *Server) listRouteMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.engine.Store.ListRouteMetrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if metrics == nil {
		metrics = []store.RouteMetric{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": metrics})
}

func (s *Server) routeLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "routeID")
	if _, ok := s.engine.Registry.Get(id); !ok {
		writeError(w, store.ErrNotFound)
		return
	}
	logs, err := s.engine.Store.ListRouteLogs(r.Context(), id, intQuery(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []store.RouteLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routeId": id, "logs": logs})
}

func (s *Server) listLogsByExchange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "exchangeID")
	logs, err := s.engine.Store.ListRouteLogsByExchange(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []store.RouteLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exchangeId": id, "logs": logs})
}

func (s *Server) recoveryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Recovery.Stats())
}

// loadMetric returns the persisted counters for a route, zeroed when
// no exchange has completed yet.
func (s *Server) loadMetric(r *http.Request, routeID string) (store.RouteMetric, error) {
	metric, err := s.engine.Store.GetRouteMetric(r.Context(), routeID)
	if errors.Is(err, store.ErrNotFound) {
		return store.RouteMetric{RouteID: routeID}, nil
	}
	return metric, err
}

func describeRoute(route *engine.Route) routeInfo {
	steps := make([]string, len(route.Steps))
	for i, step := range route.Steps {
		steps[i] = step.Name
	}
	return routeInfo{RouteID: route.ID, Steps: steps}
}
