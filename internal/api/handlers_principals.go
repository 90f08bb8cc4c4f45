package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/org/keywarden/internal/crypto"
	"github.com/org/keywarden/internal/keystore"
	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/pkg/models"
)

type principalView struct {
	ID          string                 `json:"id"`
	Kind        models.PrincipalKind   `json:"kind"`
	Name        string                 `json:"name"`
	DisplayName string                 `json:"display_name,omitempty"`
	Status      models.PrincipalStatus `json:"status"`
	Recipient   string                 `json:"recipient"`
	Roles       []string               `json:"roles,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

func viewPrincipal(p *models.Principal) principalView {
	return principalView{
		ID:          p.ID,
		Kind:        p.Kind,
		Name:        p.Name,
		DisplayName: p.DisplayName,
		Status:      p.Status,
		Recipient:   p.Recipient,
		Roles:       p.Roles,
		CreatedAt:   p.CreatedAt,
	}
}

// PrincipalCreateHandler handles POST /v1/principals: user self-enrollment.
// A keypair is generated server-side; the identity goes straight into the
// keystore locked under the supplied passphrase. The route is public, so
// roles are never taken from the request: the very first user becomes the
// admin, everyone after enrolls with none.
func (s *Server) PrincipalCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Passphrase  string `json:"passphrase"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" || req.Passphrase == "" {
		writeError(w, http.StatusBadRequest, "name and passphrase required")
		return
	}

	identity, recipient, err := crypto.GenerateKeypair()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var roles []string
	existing, err := s.store.ListPrincipals(r.Context(), models.KindUser)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(existing) == 0 {
		roles = []string{models.RoleAdmin}
	}

	p := &models.Principal{
		ID:          uuid.NewString(),
		Kind:        models.KindUser,
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Status:      models.StatusActive,
		Recipient:   recipient,
		Roles:       roles,
		AuthSource:  "local",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreatePrincipal(r.Context(), p); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "principal name already taken")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.local.Enroll(r.Context(), p.ID, identity, []byte(req.Passphrase)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"data": viewPrincipal(p)})
}

// PrincipalGetHandler handles GET /v1/principals/{id}
func (s *Server) PrincipalGetHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPrincipal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": viewPrincipal(p)})
}

// PrincipalStatusHandler handles PUT /v1/principals/{id}/status, admin
// only. Disabling a principal blocks unlocks immediately; its wrapped
// grants stay on disk until the secrets they cover are rotated.
func (s *Server) PrincipalStatusHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	if !sess.Principal.HasRole(models.RoleAdmin) {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	var req struct {
		Status models.PrincipalStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Status {
	case models.StatusActive, models.StatusDisabled, models.StatusArchived:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.store.UpdatePrincipalStatus(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PrincipalRolesHandler handles PUT /v1/principals/{id}/roles, admin only.
// The supplied list replaces the principal's roles outright.
func (s *Server) PrincipalRolesHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	if !sess.Principal.HasRole(models.RoleAdmin) {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	var req struct {
		Roles []string `json:"roles"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, role := range req.Roles {
		switch role {
		case models.RoleApprover, models.RoleAdmin:
		default:
			writeError(w, http.StatusBadRequest, "unknown role")
			return
		}
	}

	if err := s.store.UpdatePrincipalRoles(r.Context(), chi.URLParam(r, "id"), req.Roles); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PassphraseChangeHandler handles PUT /v1/principals/self/passphrase.
// The keypair is untouched, so standing grants keep working.
func (s *Server) PassphraseChangeHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	var req struct {
		OldPassphrase string `json:"old_passphrase"`
		NewPassphrase string `json:"new_passphrase"`
	}
	if err := decodeJSON(r, &req); err != nil || req.NewPassphrase == "" {
		writeError(w, http.StatusBadRequest, "new_passphrase required")
		return
	}

	err := s.local.ChangePassphrase(r.Context(), sess.Principal, []byte(req.OldPassphrase), []byte(req.NewPassphrase))
	if err != nil {
		if errors.Is(err, keystore.ErrUnlockFailed) {
			writeError(w, http.StatusForbidden, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
