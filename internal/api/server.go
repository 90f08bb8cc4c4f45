package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/keywarden/internal/audit"
	"github.com/org/keywarden/internal/keystore"
	"github.com/org/keywarden/internal/ledger"
	"github.com/org/keywarden/internal/membership"
	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/internal/workflow"
	"github.com/org/keywarden/pkg/models"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	Workflow    workflow.Config
}

// AuditRecorder is what the request middleware needs from the audit log.
type AuditRecorder interface {
	Record(ctx context.Context, actorID, secretID, event string) (*models.LogEntry, error)
}

// Server is the API server.
type Server struct {
	store    storage.Backend
	keys     keystore.Provider
	local    *keystore.LocalProvider
	chain    *membership.Chain
	ledger   *ledger.Ledger
	workflow *workflow.Workflow
	auditor  *audit.Log
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server. The audit root key protects the
// tamper-evident log stamps and must be stable across restarts.
func NewServer(store storage.Backend, auditRootKey []byte, cfg Config) (*Server, error) {
	auditor, err := audit.NewLog(store, auditRootKey)
	if err != nil {
		return nil, err
	}
	local := keystore.NewLocalProvider(store)
	chain := membership.NewChain(store)
	ldg := ledger.New(store, chain)
	wf := workflow.New(store, ldg, chain, nil, cfg.Workflow, log.Logger)

	return &Server{
		store:    store,
		keys:     local,
		local:    local,
		chain:    chain,
		ledger:   ldg,
		workflow: wf,
		auditor:  auditor,
		cfg:      cfg,
	}, nil
}

// Ledger exposes the access-control ledger (for bootstrap flows).
func (s *Server) Ledger() *ledger.Ledger { return s.ledger }

// Keystore exposes the local key provider (for enrollment flows).
func (s *Server) Keystore() *keystore.LocalProvider { return s.local }

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes (no auth required)
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
		r.Post("/v1/principals", s.PrincipalCreateHandler)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.store, s.keys))
		r.Use(auditMiddleware(s.auditor))

		// Sys
		r.Get("/v1/sys/audit-log", s.AuditLogHandler)
		r.Post("/v1/sys/audit-log/verify", s.AuditVerifyHandler)

		// Principals
		r.Get("/v1/principals/{id}", s.PrincipalGetHandler)
		r.Put("/v1/principals/{id}/status", s.PrincipalStatusHandler)
		r.Put("/v1/principals/{id}/roles", s.PrincipalRolesHandler)
		r.Put("/v1/principals/self/passphrase", s.PassphraseChangeHandler)

		// Groups
		r.Post("/v1/groups", s.GroupCreateHandler)
		r.Post("/v1/groups/{id}/members", s.GroupJoinHandler)
		r.Delete("/v1/groups/{id}/members/{userID}", s.GroupLeaveHandler)
		r.Get("/v1/groups/{id}/members", s.GroupMembersHandler)

		// Secrets
		r.Post("/v1/secrets", s.SecretCreateHandler)
		r.Get("/v1/secrets", s.SecretListHandler)
		r.Get("/v1/secrets/{id}", s.SecretReadHandler)
		r.Put("/v1/secrets/{id}", s.SecretWriteHandler)
		r.Patch("/v1/secrets/{id}", s.SecretMetadataHandler)
		r.Post("/v1/secrets/{id}/rotate", s.SecretRotateHandler)
		r.Get("/v1/secrets/{id}/capability", s.CapabilityHandler)
		r.Post("/v1/secrets/{id}/grants", s.GrantHandler)
		r.Delete("/v1/secrets/{id}/grants/{principalID}", s.RevokeHandler)

		// Restricted-access requests
		r.Post("/v1/secrets/{id}/requests", s.RequestCreateHandler)
		r.Get("/v1/secrets/{id}/requests/current", s.RequestCurrentHandler)
		r.Post("/v1/requests/{id}/approve", s.RequestApproveHandler)
		r.Post("/v1/requests/{id}/block", s.RequestBlockHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
