package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/keywarden/internal/ledger"
	"github.com/org/keywarden/internal/membership"
	"github.com/org/keywarden/pkg/models"
)

type secretView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Location   string     `json:"location,omitempty"`
	Restricted bool       `json:"restricted"`
	Enabled    bool       `json:"enabled"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	KeyVersion int        `json:"key_version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func viewSecret(s *models.Secret) secretView {
	return secretView{
		ID:         s.ID,
		Name:       s.Name,
		Location:   s.Location,
		Restricted: s.Restricted,
		Enabled:    s.Enabled,
		ExpiresAt:  s.ExpiresAt,
		KeyVersion: s.KeyVersion,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

// writeLedgerError maps ledger errors onto HTTP status codes. Denials stay
// deliberately vague: the response never distinguishes a missing secret
// from a missing capability.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, ledger.ErrInvalidGrant):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, membership.ErrMembershipKeyUnavailable):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, ledger.ErrCorruptGrant):
		unwrapFailuresTotal.Inc()
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// SecretCreateHandler handles POST /v1/secrets. The creator is granted
// both components so there is always at least one principal able to read,
// write and re-grant the new secret.
func (s *Server) SecretCreateHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	var req struct {
		Name       string     `json:"name"`
		Location   string     `json:"location"`
		Payload    []byte     `json:"payload"`
		Restricted bool       `json:"restricted"`
		ExpiresAt  *time.Time `json:"expires_at"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" || len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "name and payload required")
		return
	}

	secret, components, err := s.ledger.CreateSecret(r.Context(), req.Name, req.Location, req.Payload, req.Restricted, req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer components.Zero()

	if _, err := s.ledger.Grant(r.Context(), secret.ID, sess.Principal.ID,
		components.Decrypt(), components.Modify(), sess.Principal.Recipient); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"data": viewSecret(secret)})
}

// SecretListHandler handles GET /v1/secrets: the secrets visible to the
// caller through direct or inherited grants.
func (s *Server) SecretListHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	secrets, err := s.ledger.ListAccessible(r.Context(), sess.Principal.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]secretView, 0, len(secrets))
	for _, sec := range secrets {
		out = append(out, viewSecret(sec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"secrets": out}})
}

// SecretReadHandler handles GET /v1/secrets/{id}. A standing grant always
// wins; holders of none fall through to the approval workflow, which only
// helps when the caller has a valid approved request for the secret.
func (s *Server) SecretReadHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	id := chi.URLParam(r, "id")

	plaintext, err := s.ledger.UnwrapForRead(r.Context(), sess.Key, id)
	if errors.Is(err, ledger.ErrAccessDenied) {
		plaintext, err = s.workflow.UnwrapApproved(r.Context(), sess.Key, id)
		if err != nil {
			writeWorkflowError(w, err)
			return
		}
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"payload": plaintext}})
}

// SecretWriteHandler handles PUT /v1/secrets/{id}. Requires the modify
// component only; a write-only grant is enough.
func (s *Server) SecretWriteHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	var req struct {
		Payload []byte `json:"payload"`
	}
	if err := decodeJSON(r, &req); err != nil || len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload required")
		return
	}

	if err := s.ledger.WriteCiphertext(r.Context(), sess.Key, chi.URLParam(r, "id"), req.Payload); err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SecretMetadataHandler handles PATCH /v1/secrets/{id}. Only a holder of
// the modify component may touch metadata; anyone else gets the same
// denial a nonexistent secret produces.
func (s *Server) SecretMetadataHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	id := chi.URLParam(r, "id")

	var req struct {
		Name      string     `json:"name"`
		Location  string     `json:"location"`
		Enabled   bool       `json:"enabled"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	components, err := s.ledger.OpenComponents(r.Context(), sess.Key, id, false, true)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	components.Zero()

	secret, err := s.ledger.UpdateMetadata(r.Context(), id, req.Name, req.Location, req.Enabled, req.ExpiresAt)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": viewSecret(secret)})
}

// SecretRotateHandler handles POST /v1/secrets/{id}/rotate
func (s *Server) SecretRotateHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	secret, err := s.ledger.Rotate(r.Context(), sess.Key, chi.URLParam(r, "id"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": viewSecret(secret)})
}

// CapabilityHandler handles GET /v1/secrets/{id}/capability
func (s *Server) CapabilityHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	capability, err := s.ledger.ResolveCapability(r.Context(), sess.Principal.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"capability": capability.String()}})
}

// GrantHandler handles POST /v1/secrets/{id}/grants. The granter re-shares
// only the halves it can itself unwrap; there is no way to grant a
// capability one does not hold.
func (s *Server) GrantHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	id := chi.URLParam(r, "id")

	var req struct {
		PrincipalID string `json:"principal_id"`
		Read        bool   `json:"read"`
		Write       bool   `json:"write"`
	}
	if err := decodeJSON(r, &req); err != nil || req.PrincipalID == "" {
		writeError(w, http.StatusBadRequest, "principal_id required")
		return
	}
	if !req.Read && !req.Write {
		writeError(w, http.StatusBadRequest, ledger.ErrInvalidGrant.Error())
		return
	}

	target, err := s.store.GetPrincipal(r.Context(), req.PrincipalID)
	if err != nil {
		writeError(w, http.StatusNotFound, "principal not found")
		return
	}

	components, err := s.ledger.OpenComponents(r.Context(), sess.Key, id, req.Read, req.Write)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	defer components.Zero()

	g, err := s.ledger.Grant(r.Context(), id, target.ID, components.Decrypt(), components.Modify(), target.Recipient)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
		"grant_id":     g.ID,
		"secret_id":    g.SecretID,
		"principal_id": g.PrincipalID,
		"capability":   g.Capability().String(),
		"can_write":    g.CanWrite(),
		"key_version":  g.KeyVersion,
	}})
}

// RevokeHandler handles DELETE /v1/secrets/{id}/grants/{principalID}.
// Revocation is itself gated on the modify component: a principal that
// cannot produce the secret's ciphertext has no business editing who can.
// Dropping the grant row ends visibility; rotate afterwards to retire the
// keypair the revoked principal could still hold wraps of.
func (s *Server) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	id := chi.URLParam(r, "id")

	components, err := s.ledger.OpenComponents(r.Context(), sess.Key, id, false, true)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	components.Zero()

	err = s.ledger.Revoke(r.Context(), id, chi.URLParam(r, "principalID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
