// Package channel manages the OS-level shared channels between the capture
// feeder and its consumers. The channel data plane is owned by the media
// engine (shmsink/shmsrc); this package handles the pieces around it: stale
// artifact cleanup, single-writer enforcement and bounded waits for a
// channel (or device node) to appear.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

var (
	// ErrChannelTimeout is returned when a waited-for path never appears.
	ErrChannelTimeout = errors.New("channel did not become ready in time")

	// ErrWriterBusy is returned when another process already owns the writer lock.
	ErrWriterBusy = errors.New("channel writer lock is held by another process")
)

// dialTimeout bounds the liveness check of a channel control socket.
const dialTimeout = 100 * time.Millisecond

// Default wait budget: 100 polls, 50ms apart.
const (
	DefaultWaitAttempts = 100
	DefaultWaitInterval = 50 * time.Millisecond
)

// WaitOptions bound Wait.
type WaitOptions struct {
	Attempts int
	Interval time.Duration
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.Attempts <= 0 {
		o.Attempts = DefaultWaitAttempts
	}
	if o.Interval <= 0 {
		o.Interval = DefaultWaitInterval
	}
	return o
}

// Budget is the longest time Wait can block.
func (o WaitOptions) Budget() time.Duration {
	o = o.withDefaults()
	return time.Duration(o.Attempts) * o.Interval
}

// RemoveStale unlinks leftovers of a previous run. Missing paths are fine.
func RemoveStale(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to remove stale channel %s: %w", p, err))
			continue
		}
	}
	return errors.Join(errs...)
}

// Exists reports whether path is present.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Ready reports whether path can be attached to. A unix socket counts only
// when a writer is accepting on it: a socket left behind by a dead writer
// refuses connections. Other file types (device nodes) only need to exist.
func Ready(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	if fi.Mode().Type() != os.ModeSocket {
		return true
	}
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Wait blocks until path is Ready, ctx is cancelled or the attempt budget is
// spent. The parent directory is watched with fsnotify so creation is seen
// immediately; polling covers filesystems where inotify is unavailable and
// sockets that exist but are not accepting yet (or any more).
func Wait(ctx context.Context, path string, opts WaitOptions) error {
	opts = opts.withDefaults()
	if Ready(path) {
		return nil
	}

	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			slog.Debug("channel wait falling back to polling", "path", path, "error", err)
		} else {
			events = watcher.Events
		}
	} else {
		slog.Debug("fsnotify unavailable, polling", "path", path, "error", err)
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for attempt := 0; attempt < opts.Attempts; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == path && ev.Op&fsnotify.Create == fsnotify.Create && Ready(path) {
				return nil
			}
		case <-ticker.C:
			attempt++
			if Ready(path) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s after %s", ErrChannelTimeout, path, opts.Budget())
}

// WriterLock is an exclusive advisory lock held by the single channel writer.
type WriterLock struct {
	path string
	f    *os.File
}

// AcquireWriter takes the writer lock at path without blocking.
func AcquireWriter(path string) (*WriterLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open writer lock %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrWriterBusy, path)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return &WriterLock{path: path, f: f}, nil
}

// Release drops the lock. Safe to call on a nil lock and more than once.
func (l *WriterLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
