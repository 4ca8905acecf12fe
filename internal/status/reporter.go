package status

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/dronecam/internal/ipc"
)

// DefaultReporterBuffer is the number of messages a Reporter holds while the
// writer goroutine is busy.
const DefaultReporterBuffer = 64

// Reporter is the worker side of the status channel. Report never blocks:
// when the buffer is full the message is dropped and counted.
type Reporter struct {
	worker string
	runID  string
	out    io.Writer

	queue  chan Message
	done   chan struct{}
	mu     sync.RWMutex
	closed bool

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewReporter starts a reporter writing frames to w. Messages without a
// worker name or run ID are stamped with the given ones.
func NewReporter(w io.Writer, worker, runID string, buffer int) *Reporter {
	if buffer <= 0 {
		buffer = DefaultReporterBuffer
	}
	r := &Reporter{
		worker: worker,
		runID:  runID,
		out:    w,
		queue:  make(chan Message, buffer),
		done:   make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// Report queues msg for delivery. It returns false if the message was dropped.
func (r *Reporter) Report(msg Message) bool {
	if msg.Worker == "" {
		msg.Worker = r.worker
	}
	if msg.RunID == "" {
		msg.RunID = r.runID
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	// The read lock keeps Close from closing the queue mid-send; the send
	// itself never blocks.
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return false
	}
	select {
	case r.queue <- msg:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *Reporter) writeLoop() {
	defer close(r.done)
	for msg := range r.queue {
		if err := ipc.WriteFrame(r.out, msg); err != nil {
			// The supervisor is gone or never attached a pipe. Keep draining so
			// producers never notice.
			if r.failed.Add(1) == 1 {
				slog.Debug("status pipe write failed", "worker", r.worker, "error", err)
			}
			continue
		}
		r.sent.Add(1)
	}
}

// Close stops accepting messages and waits up to timeout for the queued ones
// to be written. It is safe to call more than once.
func (r *Reporter) Close(timeout time.Duration) {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
	case <-time.After(timeout):
		slog.Debug("status reporter flush timed out", "worker", r.worker, "pending", len(r.queue))
	}
}

// Stats returns delivery counters.
func (r *Reporter) Stats() (sent, dropped uint64) {
	return r.sent.Load(), r.dropped.Load()
}
