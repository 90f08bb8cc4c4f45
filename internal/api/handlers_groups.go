package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/org/keywarden/internal/crypto"
	"github.com/org/keywarden/internal/membership"
	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/pkg/models"
)

// GroupCreateHandler handles POST /v1/groups. The group's identity is
// never stored server-side in the clear: its only copies live wrapped
// inside membership rows, starting with the creator's.
func (s *Server) GroupCreateHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	var req struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	identity, recipient, err := crypto.GenerateKeypair()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	g := &models.Principal{
		ID:          uuid.NewString(),
		Kind:        models.KindGroup,
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Status:      models.StatusActive,
		Recipient:   recipient,
		AuthSource:  "local",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreatePrincipal(r.Context(), g); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "group name already taken")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Founding membership: the creator is the first link in the chain.
	if _, err := s.chain.Join(r.Context(), sess.Principal.ID, g.ID, identity, sess.Principal.Recipient); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"data": viewPrincipal(g)})
}

// GroupJoinHandler handles POST /v1/groups/{id}/members. The sponsor must
// be an existing member: the group key the new member receives is unwrapped
// from the sponsor's own membership and re-wrapped for the newcomer.
func (s *Server) GroupJoinHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	groupID := chi.URLParam(r, "id")

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	groupIdentity, err := s.chain.ResolveGroupKey(r.Context(), sess.Key, groupID)
	if err != nil {
		if errors.Is(err, membership.ErrMembershipKeyUnavailable) {
			writeError(w, http.StatusForbidden, "sponsor is not a member of this group")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	user, err := s.store.GetPrincipal(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	m, err := s.chain.Join(r.Context(), user.ID, groupID, groupIdentity, user.Recipient)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "already a member")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
		"membership_id": m.ID,
		"user_id":       m.UserID,
		"group_id":      m.GroupID,
		"status":        m.Status,
		"created_at":    m.CreatedAt,
	}})
}

// GroupLeaveHandler handles DELETE /v1/groups/{id}/members/{userID}.
// A user may always remove themself; removing someone else requires the
// caller to be a member, proven the same way sponsorship is: by opening
// the group key. Removal drops the member's wrapped group key, so
// inherited access ends at once; the group keypair itself is not rotated
// here.
func (s *Server) GroupLeaveHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	groupID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userID")

	if sess.Principal.ID != userID {
		if _, err := s.chain.ResolveGroupKey(r.Context(), sess.Key, groupID); err != nil {
			if errors.Is(err, membership.ErrMembershipKeyUnavailable) {
				writeError(w, http.StatusForbidden, "caller is not a member of this group")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	if err := s.chain.Leave(r.Context(), userID, groupID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not a member")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GroupMembersHandler handles GET /v1/groups/{id}/members
func (s *Server) GroupMembersHandler(w http.ResponseWriter, r *http.Request) {
	members, err := s.chain.Members(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(members))
	for _, m := range members {
		out = append(out, map[string]any{
			"user_id":    m.UserID,
			"status":     m.Status,
			"created_at": m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"members": out}})
}
