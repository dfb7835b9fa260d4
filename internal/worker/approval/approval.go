// Package approval prompts the local operator for CONFIRM-tier actions.
// Prompts are answered on the worker's terminal; the blocking read happens
// off the dispatch loop and times out to a deny.
package approval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout is how long a prompt waits before denying.
const DefaultTimeout = 300 * time.Second

// Decision is the terminal state of a pending approval.
type Decision int

const (
	Denied Decision = iota
	Approved
	TimedOut
)

// Manager serialises operator prompts. One prompt is shown at a time;
// others queue behind it and keep their own deadlines.
type Manager struct {
	Timeout time.Duration

	out io.Writer

	mu    sync.Mutex
	lines chan string
	start sync.Once
	in    io.Reader
}

// New creates a Manager reading decisions from stdin.
func New() *Manager {
	return NewWithIO(os.Stdin, os.Stderr)
}

// NewWithIO creates a Manager with explicit input/output streams (tests).
func NewWithIO(in io.Reader, out io.Writer) *Manager {
	return &Manager{
		Timeout: DefaultTimeout,
		in:      in,
		out:     out,
	}
}

// Prompt shows the action to the operator and waits for y/n. Timeout,
// cancellation and input EOF all resolve to deny.
func (m *Manager) Prompt(ctx context.Context, requestID, action string, params map[string]any) Decision {
	m.start.Do(m.startReader)

	m.mu.Lock()
	defer m.mu.Unlock()

	detail, _ := json.Marshal(params)
	fmt.Fprintf(m.out, "\n=== APPROVAL REQUIRED ===\nrequest:  %s\naction:   %s\nparams:   %s\napprove? [y/N]: ", requestID, action, detail)

	timer := time.NewTimer(m.Timeout)
	defer timer.Stop()

	select {
	case line, ok := <-m.lines:
		if !ok {
			fmt.Fprintln(m.out, "input closed — denied")
			return Denied
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer == "y" || answer == "yes" {
			return Approved
		}
		return Denied
	case <-timer.C:
		fmt.Fprintln(m.out, "\nno answer — denied")
		return TimedOut
	case <-ctx.Done():
		return Denied
	}
}

// startReader pumps input lines into a channel so a timed-out prompt
// never leaves a goroutine blocked on a stale read.
func (m *Manager) startReader() {
	m.lines = make(chan string)
	go func() {
		defer close(m.lines)
		scanner := bufio.NewScanner(m.in)
		for scanner.Scan() {
			m.lines <- scanner.Text()
		}
	}()
}
