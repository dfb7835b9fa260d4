// Package worker provides an exported entry point for running the
// OpsRelay worker as a library (e.g. from tests or an embedding binary).
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsrelay/opsrelay/internal/worker/actions"
	"github.com/opsrelay/opsrelay/internal/worker/approval"
	"github.com/opsrelay/opsrelay/internal/worker/audit"
	"github.com/opsrelay/opsrelay/internal/worker/config"
	"github.com/opsrelay/opsrelay/internal/worker/gatewayconn"
	"github.com/opsrelay/opsrelay/internal/worker/locks"
	"github.com/opsrelay/opsrelay/internal/worker/ratelimit"
	"github.com/opsrelay/opsrelay/internal/worker/router"
	"github.com/opsrelay/opsrelay/internal/worker/security"
)

// Sliding-window admission limit for incoming actions.
const (
	maxActionsPerWindow = 120
	rateWindow          = time.Minute
)

// Run wires the worker pipeline and maintains the gateway link until ctx
// is cancelled.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	stop := &security.StopFlag{}
	registry := actions.NewRegistry()
	validator, err := security.NewValidator(
		stop,
		registry.TierNames(security.TierAuto),
		registry.TierNames(security.TierConfirm),
		actions.ExplicitlyBlocked,
		cfg.Roots(),
	)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	auditLog := audit.New(cfg.AuditDir)
	defer auditLog.Close()

	dispatch := router.New(
		ratelimit.New(maxActionsPerWindow, rateWindow),
		validator,
		registry,
		locks.NewSet(),
		approval.New(),
		auditLog,
	)

	client := gatewayconn.New(gatewayconn.Options{
		URL:       cfg.GatewayURL,
		Token:     cfg.AuthToken,
		Version:   version,
		TLSVerify: cfg.TLSVerify,
	}, dispatch, stop)

	slog.Info("worker starting",
		"gateway", cfg.GatewayURL,
		"roots", cfg.Roots(),
		"audit_dir", cfg.AuditDir,
	)

	client.ConnectWithReconnect(ctx)
	return nil
}
