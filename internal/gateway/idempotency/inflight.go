package idempotency

import (
	"context"
	"sync"
)

// Entry is one in-flight execution. The owner completes it; followers wait.
type Entry struct {
	done     chan struct{}
	response []byte
	err      error
}

// Wait blocks until the owner completes the entry or ctx is cancelled.
func (e *Entry) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-e.done:
		return e.response, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight coalesces concurrent submissions of the same (task_id,
// idempotency_key) pair into a single execution.
type InFlight struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewInFlight creates an empty tracker.
func NewInFlight() *InFlight {
	return &InFlight{entries: make(map[string]*Entry)}
}

// Acquire registers interest in a pair. The first caller becomes the owner
// (owner=true) and must call Complete exactly once; later callers get the
// owner's entry to Wait on.
func (f *InFlight) Acquire(taskID, key string) (*Entry, bool) {
	id := taskID + "\x00" + key

	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[id]; ok {
		return e, false
	}
	e := &Entry{done: make(chan struct{})}
	f.entries[id] = e
	return e, true
}

// Complete publishes the owner's result to all waiters and removes the
// entry, so the next submission of the pair starts fresh.
func (f *InFlight) Complete(taskID, key string, response []byte, err error) {
	id := taskID + "\x00" + key

	f.mu.Lock()
	e, ok := f.entries[id]
	delete(f.entries, id)
	f.mu.Unlock()

	if !ok {
		return
	}
	e.response = response
	e.err = err
	close(e.done)
}
