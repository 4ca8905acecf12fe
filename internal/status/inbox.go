package status

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/dronecam/internal/ipc"
)

// DefaultInboxSize bounds the supervisor inbox.
const DefaultInboxSize = 50

// Inbox is the supervisor side of the status channel: every worker pipe is
// read into one bounded queue that the supervisor drains on its own schedule.
type Inbox struct {
	ch      chan Message
	dropped atomic.Uint64
}

// NewInbox creates an inbox holding at most size messages.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{ch: make(chan Message, size)}
}

// Offer adds msg without blocking. It returns false if the inbox was full.
func (in *Inbox) Offer(msg Message) bool {
	select {
	case in.ch <- msg:
		return true
	default:
		in.dropped.Add(1)
		return false
	}
}

// Drain returns up to max queued messages without blocking.
func (in *Inbox) Drain(max int) []Message {
	var out []Message
	for len(out) < max {
		select {
		case msg := <-in.ch:
			out = append(out, msg)
		default:
			return out
		}
	}
	return out
}

// Len reports the number of queued messages.
func (in *Inbox) Len() int { return len(in.ch) }

// Dropped reports how many messages were discarded because the inbox was full.
func (in *Inbox) Dropped() uint64 { return in.dropped.Load() }

// ReadFrom decodes frames from r into the inbox until r ends. Meant to run in
// its own goroutine, one per worker pipe.
func (in *Inbox) ReadFrom(r io.Reader, worker string) {
	for {
		var msg Message
		if err := ipc.ReadFrame(r, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("status pipe closed with error", "worker", worker, "error", err)
			}
			return
		}
		if msg.Worker == "" {
			msg.Worker = worker
		}
		in.Offer(msg)
	}
}
