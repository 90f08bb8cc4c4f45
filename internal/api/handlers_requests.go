package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/keywarden/internal/workflow"
	"github.com/org/keywarden/pkg/models"
)

type approvalView struct {
	ApproverID string                  `json:"approver_id"`
	Decision   models.ApprovalDecision `json:"decision"`
	DecidedAt  *time.Time              `json:"decided_at,omitempty"`
}

type requestView struct {
	ID          string              `json:"id"`
	SecretID    string              `json:"secret_id"`
	RequesterID string              `json:"requester_id"`
	Reason      string              `json:"reason,omitempty"`
	State       models.RequestState `json:"state"`
	CreatedAt   time.Time           `json:"created_at"`
	ViewedAt    *time.Time          `json:"viewed_at,omitempty"`
	ValidUntil  time.Time           `json:"valid_until"`
	Approvers   []approvalView      `json:"approvers"`
}

// viewRequest renders a request without its wrapped key material.
func (s *Server) viewRequest(r *models.AccessRequest) requestView {
	v := requestView{
		ID:          r.ID,
		SecretID:    r.SecretID,
		RequesterID: r.RequesterID,
		Reason:      r.Reason,
		State:       r.State,
		CreatedAt:   r.CreatedAt,
		ViewedAt:    r.ViewedAt,
		ValidUntil:  r.ValidUntil(s.workflow.Lifetime()),
	}
	for _, a := range r.Approvers {
		v.Approvers = append(v.Approvers, approvalView{
			ApproverID: a.ApproverID,
			Decision:   a.Decision,
			DecidedAt:  a.DecidedAt,
		})
	}
	return v
}

func writeWorkflowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrNoApprovers):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, workflow.ErrNotApprover):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, workflow.ErrRequestClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrNoActiveRequest):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrRequestExpired):
		writeError(w, http.StatusGone, err.Error())
	default:
		writeLedgerError(w, err)
	}
}

// RequestCreateHandler handles POST /v1/secrets/{id}/requests
func (s *Server) RequestCreateHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ar, err := s.workflow.CreateRequest(r.Context(), sess.Principal, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": s.viewRequest(ar)})
}

// RequestCurrentHandler handles GET /v1/secrets/{id}/requests/current
func (s *Server) RequestCurrentHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	ar, err := s.workflow.CurrentRequest(r.Context(), chi.URLParam(r, "id"), sess.Principal.ID)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.viewRequest(ar)})
}

// RequestApproveHandler handles POST /v1/requests/{id}/approve
func (s *Server) RequestApproveHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	ar, err := s.workflow.Approve(r.Context(), chi.URLParam(r, "id"), sess.Key)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.viewRequest(ar)})
}

// RequestBlockHandler handles POST /v1/requests/{id}/block
func (s *Server) RequestBlockHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	ar, err := s.workflow.Block(r.Context(), chi.URLParam(r, "id"), sess.Principal.ID)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.viewRequest(ar)})
}
