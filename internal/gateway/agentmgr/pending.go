package agentmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsrelay/opsrelay/internal/protocol"
)

// defaultSendTimeout bounds how long a caller waits for the agent. Long
// enough for a docker build plus an operator approval prompt.
const defaultSendTimeout = 10 * time.Minute

// PendingRequests tracks in-flight request/response pairs on the agent
// link. Used when the gateway sends a request to the agent and waits for
// the matching response.
type PendingRequests struct {
	mu      sync.Mutex
	pending map[string]chan *protocol.ActionResponse // requestID -> response channel
}

// NewPendingRequests creates a new PendingRequests tracker.
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{
		pending: make(map[string]chan *protocol.ActionResponse),
	}
}

// SendAndWait sends a request to the agent and waits for the response with
// the matching request ID. Returns an error when no agent is attached, the
// context is cancelled, the timeout expires, or the agent disconnects.
func (p *PendingRequests) SendAndWait(
	ctx context.Context,
	session *Session,
	req *protocol.ActionRequest,
) (*protocol.ActionResponse, error) {
	if session == nil {
		return nil, ErrNoAgent
	}

	// Enforce a default timeout so callers never hang indefinitely on a
	// stale connection where the agent has died but hasn't been detached yet.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultSendTimeout)
		defer cancel()
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.Type = protocol.FrameActionRequest

	ch := make(chan *protocol.ActionResponse, 1)

	p.mu.Lock()
	p.pending[req.RequestID] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, req.RequestID)
		p.mu.Unlock()
	}()

	if err := session.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("send to agent: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrAgentGone
		}
		return resp, nil
	}
}

// Complete delivers a response to the waiting goroutine.
// Returns true if a pending request was found and completed.
func (p *PendingRequests) Complete(requestID string, resp *protocol.ActionResponse) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.pending[requestID]
	if !ok {
		return false
	}
	delete(p.pending, requestID)

	select {
	case ch <- resp:
		return true
	default:
		return false
	}
}

// FailAll closes every pending channel, waking all waiters with
// ErrAgentGone. Called when the agent disconnects.
func (p *PendingRequests) FailAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}
