// Package api serves the gateway's HTTP control surface: action
// submission with idempotent retries, status, and the emergency stop.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/opsrelay/opsrelay/internal/gateway/agentmgr"
	"github.com/opsrelay/opsrelay/internal/gateway/idempotency"
	"github.com/opsrelay/opsrelay/internal/metrics"
	"github.com/opsrelay/opsrelay/internal/protocol"
	"github.com/opsrelay/opsrelay/internal/sshexec"
)

// errSSHNotConfigured is returned in forced-SSH mode without a target.
var errSSHNotConfigured = errors.New("SSH fallback is not configured")

// Remote is the SSH fallback surface the handlers need. Satisfied by
// *sshexec.Executor; narrowed for tests.
type Remote interface {
	Execute(ctx context.Context, req *protocol.ActionRequest) (*protocol.ActionResponse, error)
	Healthy(ctx context.Context) bool
	Target() string
}

// Server holds the handler dependencies.
type Server struct {
	agents   *agentmgr.Manager
	store    *idempotency.Store
	inflight *idempotency.InFlight
	remote   Remote // nil when no SSH fallback is configured
	forceSSH bool
}

// New creates the API server. remote may be nil.
func New(agents *agentmgr.Manager, store *idempotency.Store, remote Remote, forceSSH bool) *Server {
	return &Server{
		agents:   agents,
		store:    store,
		inflight: idempotency.NewInFlight(),
		remote:   remote,
		forceSSH: forceSSH,
	}
}

// Register mounts the API endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /action", s.handleAction)
	mux.HandleFunc("POST /emergency-stop", s.handleEmergencyStop)
	mux.HandleFunc("POST /resume", s.handleResume)
}

type statusResponse struct {
	AgentConnected     bool   `json:"agent_connected"`
	SSHFallbackEnabled bool   `json:"ssh_fallback_enabled"`
	SSHFallbackHealthy bool   `json:"ssh_fallback_healthy"`
	SSHFallbackTarget  string `json:"ssh_fallback_target"`
	ExecutionMode      string `json:"execution_mode"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		AgentConnected: s.agents.Connected(),
		ExecutionMode:  "agent_preferred",
	}
	if s.forceSSH {
		resp.ExecutionMode = "ssh_tunnel"
	}
	if s.remote != nil {
		resp.SSHFallbackEnabled = true
		resp.SSHFallbackHealthy = s.remote.Healthy(r.Context())
		resp.SSHFallbackTarget = s.remote.Target()
	}
	writeJSON(w, http.StatusOK, resp)
}

type actionSubmission struct {
	Action         string         `json:"action"`
	Params         map[string]any `json:"params"`
	Confirmed      bool           `json:"confirmed"`
	TaskID         string         `json:"task_id"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var sub actionSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if sub.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	if sub.IdempotencyKey != "" && sub.TaskID == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key requires task_id")
		return
	}

	dedupe := sub.TaskID != "" && sub.IdempotencyKey != ""
	if !dedupe {
		resp, err := s.execute(r.Context(), &sub)
		if err != nil {
			s.writeExecuteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// Completed earlier: replay the stored response.
	if stored, ok, err := s.store.Get(r.Context(), sub.TaskID, sub.IdempotencyKey); err != nil {
		slog.Warn("idempotency lookup failed", "task_id", sub.TaskID, "error", err)
	} else if ok {
		metrics.IdempotentReplays.Inc()
		writeRaw(w, http.StatusOK, markReplay(stored))
		return
	}

	entry, owner := s.inflight.Acquire(sub.TaskID, sub.IdempotencyKey)
	if !owner {
		// Follower: ride on the owner's execution.
		raw, err := entry.Wait(r.Context())
		if err != nil {
			s.writeExecuteError(w, err)
			return
		}
		metrics.IdempotentReplays.Inc()
		writeRaw(w, http.StatusOK, markReplay(raw))
		return
	}

	resp, err := s.execute(r.Context(), &sub)
	if err != nil {
		// Errors are not cached: the next retry executes again.
		s.inflight.Complete(sub.TaskID, sub.IdempotencyKey, nil, err)
		s.writeExecuteError(w, err)
		return
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		s.inflight.Complete(sub.TaskID, sub.IdempotencyKey, nil, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.store.Put(r.Context(), sub.TaskID, sub.IdempotencyKey, raw); err != nil {
		slog.Warn("idempotency store failed", "task_id", sub.TaskID, "error", err)
	}
	s.inflight.Complete(sub.TaskID, sub.IdempotencyKey, raw, nil)

	writeRaw(w, http.StatusOK, raw)
}

// execute routes one submission to the agent or the SSH fallback.
func (s *Server) execute(ctx context.Context, sub *actionSubmission) (*protocol.ActionResponse, error) {
	req := &protocol.ActionRequest{
		Type:      protocol.FrameActionRequest,
		Action:    sub.Action,
		Params:    sub.Params,
		Confirmed: sub.Confirmed,
	}

	if s.forceSSH {
		if s.remote == nil {
			return nil, errSSHNotConfigured
		}
		return s.remote.Execute(ctx, req)
	}
	if s.agents.Connected() {
		return s.agents.SendAction(ctx, req)
	}
	if s.remote != nil {
		return s.remote.Execute(ctx, req)
	}
	return nil, agentmgr.ErrNoAgent
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, s.agents.SendEmergencyStop, "emergency stop")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, s.agents.SendResume, "resume")
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, send func(context.Context) error, name string) {
	if s.forceSSH {
		// There is no agent to stop in forced SSH mode.
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_applicable"})
		return
	}
	if err := send(r.Context()); err != nil {
		s.writeExecuteError(w, err)
		return
	}
	slog.Info("control frame sent", "control", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeExecuteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agentmgr.ErrNoAgent):
		writeError(w, http.StatusServiceUnavailable, "No agent connected and SSH fallback is not configured.")
	case errors.Is(err, agentmgr.ErrAgentGone):
		writeError(w, http.StatusServiceUnavailable, "Agent disconnected.")
	case errors.Is(err, errSSHNotConfigured):
		writeError(w, http.StatusServiceUnavailable, errSSHNotConfigured.Error())
	case errors.Is(err, sshexec.ErrUnreachable):
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("SSH action failed: %v", err))
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "Agent did not respond in time.")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// markReplay adds idempotent_replay:true to a stored response document.
func markReplay(raw []byte) []byte {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw
	}
	doc["idempotent_replay"] = true
	out, err := json.Marshal(doc)
	if err != nil {
		return raw
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func writeRaw(w http.ResponseWriter, code int, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(raw); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
