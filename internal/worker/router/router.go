// Package router drives the worker-side dispatch pipeline: rate limit →
// policy validation → approval → resource lock → executor → audit. Every
// request that enters produces exactly one response and one audit record.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsrelay/opsrelay/internal/metrics"
	"github.com/opsrelay/opsrelay/internal/protocol"
	"github.com/opsrelay/opsrelay/internal/worker/actions"
	"github.com/opsrelay/opsrelay/internal/worker/approval"
	"github.com/opsrelay/opsrelay/internal/worker/audit"
	"github.com/opsrelay/opsrelay/internal/worker/locks"
	"github.com/opsrelay/opsrelay/internal/worker/ratelimit"
	"github.com/opsrelay/opsrelay/internal/worker/security"
)

// Approver decides CONFIRM-tier actions that arrive without pre-approval.
type Approver interface {
	Prompt(ctx context.Context, requestID, action string, params map[string]any) approval.Decision
}

// Router composes the dispatch pipeline.
type Router struct {
	limiter   *ratelimit.Limiter
	validator *security.Validator
	registry  *actions.Registry
	locks     *locks.Set
	approver  Approver
	audit     *audit.Logger
}

// New wires the pipeline.
func New(limiter *ratelimit.Limiter, validator *security.Validator, registry *actions.Registry, lockSet *locks.Set, approver Approver, auditLog *audit.Logger) *Router {
	return &Router{
		limiter:   limiter,
		validator: validator,
		registry:  registry,
		locks:     lockSet,
		approver:  approver,
		audit:     auditLog,
	}
}

// Capabilities returns every action name this worker will accept.
func (r *Router) Capabilities() []string {
	names := r.registry.TierNames(security.TierAuto)
	return append(names, r.registry.TierNames(security.TierConfirm)...)
}

// Dispatch runs one request through the pipeline and returns its single
// response. It never returns nil and never panics outward.
func (r *Router) Dispatch(ctx context.Context, req *protocol.ActionRequest) (resp *protocol.ActionResponse) {
	start := time.Now()

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Params == nil {
		req.Params = make(map[string]any)
	}

	tier := security.TierBlocked

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("dispatch panic", "request_id", req.RequestID, "action", req.Action, "panic", rec)
			r.record(req, tier, security.OutcomeInternal, fmt.Sprint(rec), start)
			resp = protocol.Failure(req.RequestID, req.Action, "Internal agent error.")
		}
		metrics.ActionDuration.Observe(time.Since(start).Seconds())
	}()

	if !r.limiter.Acquire() {
		reason := fmt.Sprintf("Rate limit exceeded: %d actions per %ds", r.limiter.Max(), int(r.limiter.Window().Seconds()))
		r.record(req, tier, security.OutcomeRateLimit, reason, start)
		return protocol.Failure(req.RequestID, req.Action, reason)
	}

	tier, err := r.validator.ValidateAction(req.Action)
	if err != nil {
		return r.fail(req, tier, err, start)
	}
	if err := r.validator.ValidateParams(req.Params); err != nil {
		return r.fail(req, tier, err, start)
	}
	// Mutates params: executors only ever see canonical jailed paths.
	if err := r.validator.ValidatePathParams(req.Params); err != nil {
		return r.fail(req, tier, err, start)
	}

	spec, ok := r.registry.Lookup(req.Action)
	if !ok {
		viol := security.Blocked("Action '%s' is implicitly blocked", req.Action)
		return r.fail(req, security.TierBlocked, viol, start)
	}
	if err := spec.CheckRequired(req.Params); err != nil {
		viol := &security.Violation{Outcome: security.OutcomeBlocked, Tier: tier, Reason: err.Error()}
		return r.fail(req, tier, viol, start)
	}

	if tier == security.TierConfirm && !req.Confirmed {
		decision := r.approver.Prompt(ctx, req.RequestID, req.Action, req.Params)
		if decision != approval.Approved {
			detail := "Operator denied the action."
			if decision == approval.TimedOut {
				detail = "Approval prompt timed out."
			}
			r.record(req, tier, security.OutcomeDenied, detail, start)
			return protocol.Failure(req.RequestID, req.Action, "Operator denied the action.")
		}
	}

	release := r.locks.Acquire(locks.Resolve(spec.Name, req.Params))
	result, execErr := func() (any, error) {
		defer release()
		return spec.Exec(ctx, req.Params)
	}()
	if execErr != nil {
		r.record(req, tier, security.OutcomeInternal, execErr.Error(), start)
		return protocol.Failure(req.RequestID, req.Action, execErr.Error())
	}

	out, err := protocol.Success(req.RequestID, req.Action, result)
	if err != nil {
		r.record(req, tier, security.OutcomeInternal, err.Error(), start)
		return protocol.Failure(req.RequestID, req.Action, "Internal agent error.")
	}

	r.record(req, tier, security.OutcomeExecuted, executionDetail(result), start)
	return out
}

// fail audits a policy violation and builds the matching error response.
func (r *Router) fail(req *protocol.ActionRequest, tier security.Tier, err error, start time.Time) *protocol.ActionResponse {
	var viol *security.Violation
	if !errors.As(err, &viol) {
		viol = &security.Violation{Outcome: security.OutcomeInternal, Tier: tier, Reason: "Internal agent error."}
	}
	if viol.Tier == "" {
		viol.Tier = tier
	}
	r.record(req, viol.Tier, viol.Outcome, viol.Reason, start)
	return protocol.Failure(req.RequestID, req.Action, viol.Reason)
}

func (r *Router) record(req *protocol.ActionRequest, tier security.Tier, outcome security.Outcome, detail string, start time.Time) {
	metrics.ActionsTotal.WithLabelValues(string(outcome)).Inc()
	r.audit.Log(audit.Record{
		RequestID:  req.RequestID,
		Action:     req.Action,
		Tier:       tier,
		Params:     req.Params,
		Outcome:    outcome,
		Detail:     detail,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// executionDetail summarises a result for the audit trail.
func executionDetail(result any) string {
	if r, ok := result.(protocol.ExecResult); ok {
		return fmt.Sprintf("returncode=%d", r.ReturnCode)
	}
	return "ok"
}
