// Package supervisor starts the dronecam worker processes, relays their
// status messages and tears the fleet down on request.
//
// The supervisor is the only component that spawns, stops or kills worker
// processes. It never restarts a worker that exits on its own.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/dronecam/internal/channel"
	"github.com/e7canasta/dronecam/internal/config"
	"github.com/e7canasta/dronecam/internal/status"
	"github.com/e7canasta/dronecam/internal/worker"
)

// ErrNotIdle is returned by Start on a supervisor that was already started.
var ErrNotIdle = errors.New("supervisor already started")

// State is the supervisor lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	// DefaultPollInterval is how often the inbox is drained.
	DefaultPollInterval = 100 * time.Millisecond

	// killWait bounds the wait for a killed process to be reaped.
	killWait = time.Second
)

// Options configure a Supervisor.
type Options struct {
	Spawner      Spawner
	Bus          *status.Bus
	PollInterval time.Duration
}

type managed struct {
	proc      Process
	startedAt time.Time
	reported  bool
}

// Supervisor owns the worker processes for one run.
type Supervisor struct {
	cfg     *config.Config
	spawner Spawner
	inbox   *status.Inbox
	bus     *status.Bus
	poll    time.Duration

	mu        sync.RWMutex
	state     State
	procs     []*managed
	startedAt time.Time
	lastChunk *status.Message
	lastImage *status.Message
	counts    map[status.Kind]uint64

	stopOnce     sync.Once
	stopDone     chan struct{}
	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New creates an idle supervisor.
func New(cfg *config.Config, opts Options) *Supervisor {
	if opts.Spawner == nil {
		opts.Spawner = &ExecSpawner{}
	}
	if opts.Bus == nil {
		opts.Bus = status.NewBus()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Supervisor{
		cfg:      cfg,
		spawner:  opts.Spawner,
		inbox:    status.NewInbox(status.DefaultInboxSize),
		bus:      opts.Bus,
		poll:     opts.PollInterval,
		counts:   make(map[status.Kind]uint64),
		stopDone: make(chan struct{}),
		shutdown: make(chan struct{}),
	}
}

// Plan returns the workers to spawn for cfg, in spawn order. The feeder comes
// first whenever any consumer is enabled.
func Plan(cfg *config.Config) []worker.Kind {
	if !cfg.AnyConsumerEnabled() {
		return nil
	}
	kinds := []worker.Kind{worker.KindFeeder}
	if cfg.NeedsRecorder() {
		kinds = append(kinds, worker.KindRecorder)
	}
	if cfg.StreamMode {
		kinds = append(kinds, worker.KindStream)
	}
	if cfg.RTSPMode {
		kinds = append(kinds, worker.KindDistribution)
	}
	return kinds
}

// Bus returns the bus carrying drained status messages.
func (s *Supervisor) Bus() *status.Bus { return s.bus }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start validates the configuration, prepares storage and spawns the
// workers. Any failure leaves no process running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	if !s.cfg.AnyConsumerEnabled() {
		s.state = StateStopped
		s.mu.Unlock()
		return config.ErrNoConsumers
	}
	s.state = StateStarting
	s.startedAt = time.Now()
	s.mu.Unlock()

	slog.Info("supervisor starting", "run_id", s.cfg.RunID, "config", s.cfg.String())

	if err := s.cfg.SetupStorage(); err != nil {
		s.Stop()
		return err
	}
	if err := clearChannels(s.cfg.Paths); err != nil {
		s.Stop()
		return err
	}

	for _, kind := range Plan(s.cfg) {
		if err := ctx.Err(); err != nil {
			s.Stop()
			return err
		}
		proc, err := s.spawner.Spawn(kind, s.cfg, s.inbox)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to spawn %s: %w", kind, err)
		}
		s.mu.Lock()
		s.procs = append(s.procs, &managed{proc: proc, startedAt: time.Now()})
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.state = StateRunning
	n := len(s.procs)
	s.mu.Unlock()

	slog.Info("supervisor running", "workers", n)
	return nil
}

// clearChannels removes channel artifacts left by an earlier run. The writer
// lock is taken first so the channels of a live feeder are never touched.
func clearChannels(paths config.Paths) error {
	lock, err := channel.AcquireWriter(paths.WriterLock)
	if err != nil {
		return fmt.Errorf("channels are owned by a running feeder: %w", err)
	}
	defer lock.Release()
	return channel.RemoveStale(paths.RecordChannel, paths.StreamChannel)
}

// Run relays status messages until ctx is cancelled or RequestShutdown is
// called. Worker failures are logged and never stop the loop.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown signal received")
			return nil
		case <-s.shutdown:
			slog.Info("shutdown requested")
			return nil
		case <-ticker.C:
			s.drain()
			s.reapExited()
		}
	}
}

// RequestShutdown makes Run return. Safe to call from any goroutine.
func (s *Supervisor) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

// Stop asks every worker to finish, waits up to the grace period for each
// (concurrently) and kills the rest. It is idempotent; concurrent callers
// wait for the first one to finish.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		defer close(s.stopDone)

		s.mu.Lock()
		s.state = StateStopping
		procs := make([]*managed, len(s.procs))
		copy(procs, s.procs)
		s.mu.Unlock()

		slog.Info("stopping workers", "count", len(procs), "grace", s.cfg.GracePeriod)
		stopAll(procs, s.cfg.GracePeriod)

		s.drain()
		s.reapExited()

		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		slog.Info("supervisor stopped")
	})
	<-s.stopDone
}

func stopAll(procs []*managed, grace time.Duration) {
	for _, m := range procs {
		m.proc.RequestStop()
	}

	var wg sync.WaitGroup
	for _, m := range procs {
		wg.Add(1)
		go func(p Process) {
			defer wg.Done()
			select {
			case <-p.Done():
				return
			case <-time.After(grace):
			}

			slog.Warn("worker did not stop in time, killing", "worker", p.Kind(), "pid", p.Pid(), "grace", grace)
			if err := p.Kill(); err != nil {
				slog.Error("failed to kill worker", "worker", p.Kind(), "pid", p.Pid(), "error", err)
			}
			select {
			case <-p.Done():
			case <-time.After(killWait):
				slog.Error("killed worker was not reaped", "worker", p.Kind(), "pid", p.Pid())
			}
		}(m.proc)
	}
	wg.Wait()
}

// drain moves queued status messages to the log and the bus.
func (s *Supervisor) drain() {
	for _, msg := range s.inbox.Drain(status.DefaultInboxSize) {
		s.record(msg)
		logMessage(msg)
		s.bus.Publish(msg)
	}
}

func (s *Supervisor) record(msg status.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[msg.Kind]++
	switch msg.Kind {
	case status.KindChunk:
		m := msg
		s.lastChunk = &m
	case status.KindImage:
		m := msg
		s.lastImage = &m
	}
}

func logMessage(msg status.Message) {
	switch msg.Kind {
	case status.KindError:
		slog.Error("worker error",
			"worker", msg.Worker, "error", msg.Text, "category", msg.Category, "fatal", msg.Fatal)
	case status.KindChunk:
		slog.Info("chunk recorded", "worker", msg.Worker, "file", msg.File, "seq", msg.Seq)
	case status.KindImage:
		slog.Info("image saved", "worker", msg.Worker, "file", msg.File, "seq", msg.Seq)
	default:
		slog.Info("worker status", "worker", msg.Worker, "text", msg.Text)
	}
}

// reapExited logs workers that exited since the last call.
func (s *Supervisor) reapExited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.procs {
		if m.reported {
			continue
		}
		select {
		case <-m.proc.Done():
			m.reported = true
			level := slog.LevelWarn
			if s.state == StateStopping || s.state == StateStopped {
				level = slog.LevelInfo
			}
			slog.Log(context.Background(), level, "worker process exited",
				"worker", m.proc.Kind(),
				"pid", m.proc.Pid(),
				"exit_code", m.proc.ExitCode(),
				"uptime", time.Since(m.startedAt).Round(time.Millisecond),
			)
		default:
		}
	}
}

// ProcessInfo describes one worker process.
type ProcessInfo struct {
	Kind      string    `json:"kind"`
	Pid       int       `json:"pid"`
	Alive     bool      `json:"alive"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot is a point-in-time view of the supervisor.
type Snapshot struct {
	RunID           string            `json:"run_id"`
	InstanceID      string            `json:"instance_id"`
	State           string            `json:"state"`
	StartedAt       time.Time         `json:"started_at"`
	UptimeSeconds   int64             `json:"uptime_seconds"`
	Processes       []ProcessInfo     `json:"processes"`
	Messages        map[string]uint64 `json:"messages"`
	QueuedMessages  int               `json:"queued_messages"`
	RelayedMessages uint64            `json:"relayed_messages"`
	DroppedMessages uint64            `json:"dropped_messages"`
	LastChunk       *status.Message   `json:"last_chunk,omitempty"`
	LastImage       *status.Message   `json:"last_image,omitempty"`
}

// Snapshot returns the current view.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		RunID:           s.cfg.RunID,
		InstanceID:      s.cfg.InstanceID,
		State:           s.state.String(),
		StartedAt:       s.startedAt,
		Messages:        make(map[string]uint64, len(s.counts)),
		QueuedMessages:  s.inbox.Len(),
		RelayedMessages: s.bus.Published(),
		DroppedMessages: s.inbox.Dropped(),
		LastChunk:       s.lastChunk,
		LastImage:       s.lastImage,
	}
	if !s.startedAt.IsZero() {
		snap.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	}
	for k, n := range s.counts {
		snap.Messages[string(k)] = n
	}
	for _, m := range s.procs {
		info := ProcessInfo{Kind: string(m.proc.Kind()), Pid: m.proc.Pid(), Alive: true, StartedAt: m.startedAt}
		select {
		case <-m.proc.Done():
			code := m.proc.ExitCode()
			info.Alive = false
			info.ExitCode = &code
		default:
		}
		snap.Processes = append(snap.Processes, info)
	}
	return snap
}
