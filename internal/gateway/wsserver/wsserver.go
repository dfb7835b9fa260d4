// Package wsserver accepts the single worker agent connection and pumps
// its frames into the agent manager.
package wsserver

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/opsrelay/opsrelay/internal/gateway/agentmgr"
	"github.com/opsrelay/opsrelay/internal/metrics"
	"github.com/opsrelay/opsrelay/internal/protocol"
)

// WebSocket close codes for the agent endpoint.
const (
	wsCloseUnauthorized   = 4001
	wsCloseAgentConnected = 4002
)

// Handler returns the http.Handler serving the agent WebSocket endpoint.
//
// Protocol:
//  1. Agent opens a WebSocket with `Authorization: Bearer <token>`.
//  2. Agent sends agent_hello with its capabilities.
//  3. Gateway forwards action_request frames; agent answers with
//     action_response frames correlated by request_id.
//  4. A second agent connecting while one is attached is closed with 4002.
func Handler(token string, mgr *agentmgr.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Debug("ws/agent: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		if !authorized(r, token) {
			_ = conn.Close(websocket.StatusCode(wsCloseUnauthorized), "Unauthorized")
			return
		}

		conn.SetReadLimit(protocol.MaxFrameSize)

		session := &agentmgr.Session{Conn: conn}
		if err := mgr.Attach(session); err != nil {
			slog.Warn("ws/agent: rejected duplicate agent", "remote", r.RemoteAddr)
			_ = conn.Close(websocket.StatusCode(wsCloseAgentConnected), "Another agent is already connected")
			return
		}
		defer func() {
			if mgr.Detach(session) {
				slog.Info("agent disconnected", "remote", r.RemoteAddr)
			}
		}()

		slog.Info("agent connected", "remote", r.RemoteAddr)
		serve(r.Context(), conn, session, mgr)
	})
}

func serve(ctx context.Context, conn *websocket.Conn, session *agentmgr.Session, mgr *agentmgr.Manager) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("ws/agent: read ended", "error", err)
			return
		}
		if typ != websocket.MessageText {
			slog.Warn("ws/agent: ignoring non-text frame", "type", typ)
			continue
		}
		metrics.WSFramesTotal.WithLabelValues("in").Inc()

		ft, frame, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("ws/agent: undecodable frame", "type", string(ft), "error", err)
			continue
		}

		switch f := frame.(type) {
		case *protocol.AgentHello:
			session.SetHello(f)
			slog.Info("agent hello", "version", f.AgentVersion, "capabilities", len(f.Capabilities))
		case *protocol.ActionResponse:
			if !mgr.HandleResponse(f) {
				slog.Warn("ws/agent: response with no waiter", "request_id", f.RequestID)
			}
		case *protocol.ControlFrame:
			handleControl(ctx, session, ft)
		default:
			slog.Warn("ws/agent: unhandled frame", "type", string(ft))
		}
	}
}

func handleControl(ctx context.Context, session *agentmgr.Session, ft protocol.FrameType) {
	switch ft {
	case protocol.FramePing:
		if err := session.Send(ctx, protocol.ControlFrame{Type: protocol.FramePong}); err != nil {
			slog.Warn("ws/agent: pong failed", "error", err)
		}
	case protocol.FrameEmergencyStopAck:
		slog.Warn("agent acknowledged emergency stop")
	case protocol.FrameResumeAck:
		slog.Info("agent acknowledged resume")
	case protocol.FramePong:
		// Nothing to track: the agent drives the keep-alive.
	default:
		slog.Warn("ws/agent: unexpected control frame", "type", string(ft))
	}
}

func authorized(r *http.Request, token string) bool {
	header := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
