package main

import (
	"context"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/keywarden/internal/api"
	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/internal/workflow"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type config struct {
	ListenAddr      string `yaml:"listen_addr"`
	TLSCertFile     string `yaml:"tls_cert"`
	TLSKeyFile      string `yaml:"tls_key"`
	DBUrl           string `yaml:"db_url"`
	MigrationsDir   string `yaml:"migrations_dir"`
	LogLevel        string `yaml:"log_level"`
	AuditRootKeyHex string `yaml:"audit_root_key"`
	RequestLifetime string `yaml:"request_lifetime"`
	ApprovalQuorum  int    `yaml:"approval_quorum"`
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	cfgFile := "config.yaml"
	if v := os.Getenv("KEYWARDEN_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:      ":8300",
		MigrationsDir:   "migrations",
		LogLevel:        "info",
		RequestLifetime: "15m",
		ApprovalQuorum:  2,
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("KEYWARDEN_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("KEYWARDEN_AUDIT_ROOT_KEY"); v != "" {
		cfg.AuditRootKeyHex = v
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	auditRootKey, err := hex.DecodeString(cfg.AuditRootKeyHex)
	if err != nil || len(auditRootKey) == 0 {
		log.Fatal().Msg("audit_root_key must be configured as hex (or KEYWARDEN_AUDIT_ROOT_KEY env var)")
	}

	lifetime, err := time.ParseDuration(cfg.RequestLifetime)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid request_lifetime")
	}

	ctx := context.Background()

	// Connect to storage. An empty db_url selects the in-memory backend,
	// which loses everything on restart and is for development only.
	var store storage.Backend
	if cfg.DBUrl == "" {
		log.Warn().Msg("no db_url configured, using in-memory storage")
		store = storage.NewMemoryBackend()
	} else {
		pg, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")
		store = pg
	}
	defer store.Close()

	// Create server
	srv, err := api.NewServer(store, auditRootKey, api.Config{
		ListenAddr:  cfg.ListenAddr,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
		Workflow: workflow.Config{
			Lifetime: lifetime,
			Quorum:   cfg.ApprovalQuorum,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
