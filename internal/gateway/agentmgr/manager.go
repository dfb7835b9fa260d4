// Package agentmgr tracks the gateway's single attached worker agent and
// correlates action requests with their responses.
package agentmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/opsrelay/opsrelay/internal/metrics"
	"github.com/opsrelay/opsrelay/internal/protocol"
)

var (
	// ErrAgentConnected means an agent is already attached.
	ErrAgentConnected = errors.New("another agent is already connected")
	// ErrNoAgent means no agent is attached.
	ErrNoAgent = errors.New("no agent connected")
	// ErrAgentGone means the agent disconnected while a request was in flight.
	ErrAgentGone = errors.New("agent disconnected")
)

// Session represents one attached agent connection.
type Session struct {
	Conn   *websocket.Conn
	SendFn func(ctx context.Context, data []byte) error // Optional: overrides Conn writes for testing.

	mu           sync.Mutex
	version      string
	capabilities []string
}

// Send marshals and writes one frame. The mutex serializes writes so
// concurrent HTTP handlers never interleave frames on the socket.
func (s *Session) Send(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SendFn != nil {
		return s.SendFn(ctx, data)
	}
	if s.Conn == nil {
		return fmt.Errorf("connection is nil")
	}
	if err := s.Conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSFramesTotal.WithLabelValues("out").Inc()
	return nil
}

// SetHello records the agent's announced version and capabilities.
func (s *Session) SetHello(hello *protocol.AgentHello) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = hello.AgentVersion
	s.capabilities = append([]string(nil), hello.Capabilities...)
}

// Capabilities returns the action names the agent announced.
func (s *Session) Capabilities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.capabilities...)
}

// Manager holds at most one agent session. Thread-safe.
type Manager struct {
	mu      sync.Mutex
	session *Session

	pending *PendingRequests
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{pending: NewPendingRequests()}
}

// Attach registers the session as the active agent. Fails with
// ErrAgentConnected when one is already attached.
func (m *Manager) Attach(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return ErrAgentConnected
	}
	m.session = s
	metrics.AgentConnected.Set(1)
	return nil
}

// Detach removes the given session only if it is still the active one, so
// a stale connection's deferred cleanup never removes its replacement.
// Every in-flight request is failed with ErrAgentGone. Returns true if the
// session was actually removed.
func (m *Manager) Detach(s *Session) bool {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return false
	}
	m.session = nil
	metrics.AgentConnected.Set(0)
	m.mu.Unlock()

	m.pending.FailAll()
	return true
}

// Session returns the active session, or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Connected reports whether an agent is attached.
func (m *Manager) Connected() bool {
	return m.Session() != nil
}

// SendAction forwards one action to the agent and waits for the matching
// response.
func (m *Manager) SendAction(ctx context.Context, req *protocol.ActionRequest) (*protocol.ActionResponse, error) {
	return m.pending.SendAndWait(ctx, m.Session(), req)
}

// HandleResponse delivers an agent response to the waiting caller.
// Returns false for late responses with no waiter.
func (m *Manager) HandleResponse(resp *protocol.ActionResponse) bool {
	return m.pending.Complete(resp.RequestID, resp)
}

// SendEmergencyStop halts all execution on the agent.
func (m *Manager) SendEmergencyStop(ctx context.Context) error {
	return m.sendControl(ctx, protocol.FrameEmergencyStop)
}

// SendResume lifts the emergency stop on the agent.
func (m *Manager) SendResume(ctx context.Context) error {
	return m.sendControl(ctx, protocol.FrameResume)
}

func (m *Manager) sendControl(ctx context.Context, ft protocol.FrameType) error {
	s := m.Session()
	if s == nil {
		return ErrNoAgent
	}
	return s.Send(ctx, protocol.ControlFrame{Type: ft})
}
