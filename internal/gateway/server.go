// Package gateway wires the public side of OpsRelay: the HTTP API, the
// single-agent WebSocket endpoint and the optional SSH fallback executor.
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsrelay/opsrelay/internal/gateway/agentmgr"
	"github.com/opsrelay/opsrelay/internal/gateway/api"
	"github.com/opsrelay/opsrelay/internal/gateway/config"
	"github.com/opsrelay/opsrelay/internal/gateway/db"
	"github.com/opsrelay/opsrelay/internal/gateway/idempotency"
	"github.com/opsrelay/opsrelay/internal/gateway/wsserver"
	"github.com/opsrelay/opsrelay/internal/logging"
	"github.com/opsrelay/opsrelay/internal/metrics"
	"github.com/opsrelay/opsrelay/internal/sshexec"
)

// Server is a fully wired gateway instance. Call Serve to start listening.
type Server struct {
	cfg    *config.Config
	sqlDB  *sql.DB
	server *http.Server
	store  *idempotency.Store
	remote *sshexec.Executor // nil when no SSH fallback is configured
}

// NewServer validates the configuration, opens and migrates the database
// and wires all handlers.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store := idempotency.NewStore(sqlDB)
	mgr := agentmgr.New()

	var remote *sshexec.Executor
	var fallback api.Remote
	if cfg.SSHConfigured() {
		remote, err = sshexec.New(sshexec.Options{
			Host:        cfg.SSHHost,
			Port:        cfg.SSHPort,
			User:        cfg.SSHUser,
			Password:    cfg.SSHPassword,
			KeyFile:     cfg.SSHKeyFile,
			WindowsHost: cfg.SSHOS == "windows",
			Roots:       cfg.Roots(),
		})
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("configure ssh fallback: %w", err)
		}
		fallback = remote
		slog.Info("ssh fallback configured", "target", remote.Target(), "forced", cfg.ForceSSH)
	}

	mux := http.NewServeMux()
	api.New(mgr, store, fallback, cfg.ForceSSH).Register(mux)
	mux.Handle("/ws", wsserver.Handler(cfg.AuthToken, mgr))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:    cfg,
		sqlDB:  sqlDB,
		server: server,
		store:  store,
		remote: remote,
	}, nil
}

// Serve starts the gateway listener. It blocks until ctx is cancelled,
// then performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	go s.store.RunCleanup(cleanupCtx, idempotency.CleanupInterval)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("gateway shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	useTLS := s.tlsReady()
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	slog.Info("gateway listening", "addr", s.cfg.Addr, "scheme", scheme)
	if !useTLS {
		slog.Warn("TLS certificate not found, serving PLAINTEXT ws/http",
			"cert", s.cfg.TLSCert, "key", s.cfg.TLSKey)
	}

	if useTLS {
		err = s.server.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = s.server.Serve(ln)
	}
	if err != http.ErrServerClosed {
		cancelCleanup()
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone
	cancelCleanup()

	if s.remote != nil {
		s.remote.Close()
	}

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	return nil
}

// tlsReady reports whether both configured TLS files exist.
func (s *Server) tlsReady() bool {
	for _, p := range []string{s.cfg.TLSCert, s.cfg.TLSKey} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
