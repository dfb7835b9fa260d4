// Package gatewayconn maintains the worker's single outbound WebSocket
// link to the gateway: handshake, keep-alive, control frames and action
// dispatch, with capped exponential reconnection.
package gatewayconn

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/opsrelay/opsrelay/internal/metrics"
	"github.com/opsrelay/opsrelay/internal/protocol"
	"github.com/opsrelay/opsrelay/internal/worker/router"
	"github.com/opsrelay/opsrelay/internal/worker/security"
)

// Close codes the gateway uses to reject a worker.
const (
	wsCloseUnauthorized   = 4001
	wsCloseAgentConnected = 4002
)

const (
	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrRejected means the gateway refused this worker's credentials.
// Reconnecting with the same token cannot succeed.
var ErrRejected = errors.New("gateway rejected credentials")

// Options configures a Client.
type Options struct {
	URL       string // ws:// or wss:// endpoint
	Token     string
	Version   string
	TLSVerify bool // verify the gateway certificate chain
}

// Client is the worker side of the gateway link.
type Client struct {
	opts   Options
	router *router.Router
	stop   *security.StopFlag

	pingInterval time.Duration
	pongTimeout  time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	lastPong time.Time
}

// New creates a Client around a dispatch router and the shared stop flag.
func New(opts Options, r *router.Router, stop *security.StopFlag) *Client {
	return &Client{
		opts:         opts,
		router:       r,
		stop:         stop,
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
}

// Connect dials the gateway, sends the hello frame and serves the read
// loop until the connection drops or ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)

	conn, resp, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: c.httpClient(),
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	c.mu.Lock()
	c.conn = conn
	c.lastPong = time.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.CloseNow()
	}()

	if err := c.send(ctx, protocol.AgentHello{
		Type:         protocol.FrameAgentHello,
		AgentVersion: c.opts.Version,
		Capabilities: c.router.Capabilities(),
	}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	slog.Info("connected to gateway", "url", c.opts.URL)

	keepaliveCtx, stopKeepalive := context.WithCancel(ctx)
	defer stopKeepalive()
	go c.keepalive(keepaliveCtx, conn)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case wsCloseUnauthorized:
				return fmt.Errorf("%w: %v", ErrRejected, err)
			case wsCloseAgentConnected:
				return fmt.Errorf("another agent is already connected: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			slog.Warn("ignoring non-text frame", "type", typ)
			continue
		}
		metrics.WSFramesTotal.WithLabelValues("in").Inc()
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	ft, frame, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("undecodable frame", "type", string(ft), "error", err)
		return
	}

	switch f := frame.(type) {
	case *protocol.ActionRequest:
		// Dispatch off the read loop so a slow executor never starves
		// control frames.
		go func() {
			resp := c.router.Dispatch(ctx, f)
			if err := c.send(ctx, resp); err != nil {
				slog.Warn("send response failed", "request_id", resp.RequestID, "error", err)
			}
		}()
	case *protocol.ControlFrame:
		c.handleControl(ctx, ft)
	default:
		slog.Warn("unhandled frame", "type", string(ft))
	}
}

func (c *Client) handleControl(ctx context.Context, ft protocol.FrameType) {
	switch ft {
	case protocol.FrameEmergencyStop:
		c.stop.Set()
		slog.Warn("emergency stop activated by gateway")
		c.ack(ctx, protocol.FrameEmergencyStopAck, "stopped")
	case protocol.FrameResume:
		c.stop.Clear()
		slog.Info("execution resumed by gateway")
		c.ack(ctx, protocol.FrameResumeAck, "resumed")
	case protocol.FramePing:
		c.ack(ctx, protocol.FramePong, "")
	case protocol.FramePong:
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
	default:
		slog.Warn("unexpected control frame", "type", string(ft))
	}
}

func (c *Client) ack(ctx context.Context, ft protocol.FrameType, status string) {
	if err := c.send(ctx, protocol.ControlFrame{Type: ft, Status: status}); err != nil {
		slog.Warn("send control frame failed", "type", string(ft), "error", err)
	}
}

// keepalive pings the gateway and closes the connection when no pong
// arrives within the timeout, which unblocks the read loop.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sent := time.Now()
		if err := c.send(ctx, protocol.ControlFrame{Type: protocol.FramePing}); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.pongTimeout):
		}

		c.mu.Lock()
		last := c.lastPong
		c.mu.Unlock()
		if last.Before(sent) {
			slog.Warn("pong timeout, closing connection")
			_ = conn.Close(websocket.StatusGoingAway, "pong timeout")
			return
		}
	}
}

// send marshals one frame and writes it. The mutex is held for the entire
// write so concurrent dispatch goroutines never interleave frames.
func (c *Client) send(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSFramesTotal.WithLabelValues("out").Inc()
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.opts.TLSVerify {
		return http.DefaultClient
	}
	if strings.HasPrefix(c.opts.URL, "wss://") {
		slog.Warn("gateway certificate verification is disabled")
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		},
	}
}

// connectFn establishes one connection to the gateway.
// Used for dependency injection in tests.
type connectFn func(ctx context.Context) error

// ConnectWithReconnect wraps Connect with automatic reconnection using
// exponential backoff. Starts at 5s, doubles up to 120s, resets on
// successful connection lasting longer than resetThreshold. A rejected
// token stops the loop: retrying with the same credentials cannot succeed.
func (c *Client) ConnectWithReconnect(ctx context.Context) {
	c.connectWithReconnect(ctx, c.Connect, newDefaultBackoff(), resetThreshold)
}

func (c *Client) connectWithReconnect(ctx context.Context, connect connectFn, bo backoff.BackOff, threshold time.Duration) {
	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrRejected) {
			slog.Error("gateway rejected this worker's token, giving up", "error", err)
			return
		}

		// If connection lasted long enough, reset backoff.
		if time.Since(start) >= threshold {
			bo.Reset()
		}

		interval := bo.NextBackOff()
		slog.Warn("disconnected from gateway, reconnecting...", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
