package httpapi

import (
	"net/http"

	"github.com/dshills/routeforge/engine/store"
	"github.com/go-chi/chi/v5"
)

type approveRequest struct {
	Response string `json:"response,omitempty"`
}

type rejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type decisionResponse struct {
	ApprovalID string `json:"approvalId"`
	Message    string `json:"message"`
}

// listPendingApprovals returns PENDING approvals, oldest first.
func (s *Server) listPendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.engine.Store.ListPendingApprovals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if pending == nil {
		pending = []store.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	ap, err := s.engine.Store.GetApproval(r.Context(), chi.URLParam(r, "approvalID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

func (s *Server) getApprovalByExchange(w http.ResponseWriter, r *http.Request) {
	ap, err := s.engine.Store.LatestApprovalByExchange(r.Context(), chi.URLParam(r, "exchangeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

// approve grants a PENDING approval. 400 if already decided, 404 if
// unknown.
func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "approvalID")
	var req approveRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.engine.Approvals.Approve(r.Context(), id, req.Response); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{ApprovalID: id, Message: "approval granted"})
}

// reject denies a PENDING approval; the owning exchange fails with
// the given reason.
func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "approvalID")
	var req rejectRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.engine.Approvals.Reject(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{ApprovalID: id, Message: "approval rejected"})
}
