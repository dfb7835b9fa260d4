// Package audit writes the append-only JSONL trail of every action the
// worker handles. Records are serialised through a single writer goroutine
// so the dispatch loop never blocks on disk.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opsrelay/opsrelay/internal/util/timefmt"
	"github.com/opsrelay/opsrelay/internal/worker/security"
)

// Record is one audit line.
type Record struct {
	TS         string           `json:"ts"`
	Epoch      float64          `json:"epoch"`
	RequestID  string           `json:"request_id"`
	Action     string           `json:"action"`
	Tier       security.Tier    `json:"tier"`
	Params     map[string]any   `json:"params"`
	Outcome    security.Outcome `json:"outcome"`
	Detail     string           `json:"detail,omitempty"`
	DurationMS int64            `json:"duration_ms"`
}

// Logger appends records to a JSONL file. Writes are best-effort: a full
// queue or a failed disk write degrades to a log warning, never an error
// on the dispatch path.
type Logger struct {
	path string

	mu     sync.Mutex
	queue  chan Record
	done   chan struct{}
	closed bool
}

// New creates a Logger writing to <dir>/audit.jsonl. The directory is
// created lazily on the first write.
func New(dir string) *Logger {
	l := &Logger{
		path:  filepath.Join(dir, "audit.jsonl"),
		queue: make(chan Record, 256),
		done:  make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// Log enqueues a record. Never blocks; drops with a warning when the
// queue is full.
func (l *Logger) Log(rec Record) {
	now := time.Now().UTC()
	if rec.TS == "" {
		rec.TS = timefmt.Format(now)
		rec.Epoch = timefmt.Epoch(now)
	}

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}

	select {
	case l.queue <- rec:
	default:
		slog.Warn("audit queue full, dropping record", "request_id", rec.RequestID, "action", rec.Action)
	}
}

// Close drains the queue and stops the writer. Safe to call once.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.queue)
	<-l.done
}

func (l *Logger) writeLoop() {
	defer close(l.done)

	var f *os.File
	for rec := range l.queue {
		if f == nil {
			var err error
			f, err = l.open()
			if err != nil {
				slog.Warn("audit open failed", "path", l.path, "error", err)
				continue
			}
			defer func() { _ = f.Close() }()
		}

		line, err := json.Marshal(rec)
		if err != nil {
			slog.Warn("audit marshal failed", "request_id", rec.RequestID, "error", err)
			continue
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			slog.Warn("audit write failed", "path", l.path, "error", err)
		}
	}
}

func (l *Logger) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}
