package worker

import (
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/dronecam/internal/archive"
	"github.com/e7canasta/dronecam/internal/engine"
	"github.com/e7canasta/dronecam/internal/status"
)

// Still extraction limits.
const (
	StillInterval     = 900 * time.Millisecond
	StillQueueSize    = 2
	StillDrainTimeout = 2 * time.Second
	StillIdleTimeout  = 2 * time.Second
)

// RateGate accepts at most one event per interval. The first event is always
// accepted.
type RateGate struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

// NewRateGate creates a gate using the wall clock.
func NewRateGate(interval time.Duration) *RateGate {
	return &RateGate{interval: interval, now: time.Now}
}

// Allow reports whether an event at the current time passes the gate.
func (g *RateGate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if !g.last.IsZero() && now.Sub(g.last) < g.interval {
		return false
	}
	g.last = now
	return true
}

// Still is one raw RGB frame waiting for compression.
type Still struct {
	Data   []byte
	Width  int
	Height int
}

// StillStats counts what happened to offered frames.
type StillStats struct {
	Offered  uint64 `json:"offered"`
	Gated    uint64 `json:"gated"`
	Dropped  uint64 `json:"dropped"`
	Written  uint64 `json:"written"`
	Failures uint64 `json:"failures"`
}

// StillExtractor turns raw frames into numbered JPEG files at most about once
// per second. Offer runs on engine threads and never blocks; compression runs
// on one background goroutine fed by a bounded queue that drops the newest
// frame when full. The compressor exits after StillIdleTimeout without frames
// and the next accepted frame starts a new one.
type StillExtractor struct {
	worker  string
	namer   *archive.Namer
	latest  string
	quality int
	width   int
	height  int
	rep     Reporter

	gate    *RateGate
	queue   chan Still
	stop    chan struct{}
	mu      sync.Mutex // orders compressor starts against Stop
	closed  atomic.Bool
	running atomic.Bool
	workers sync.WaitGroup
	idle    time.Duration

	// encode is replaceable in tests.
	encode func(w io.Writer, s Still, quality int) error

	offered, gated, dropped, written, failures atomic.Uint64
}

// StillOptions configure a StillExtractor.
type StillOptions struct {
	Worker  string
	Namer   *archive.Namer
	Latest  string
	Quality int
	Width   int // used when samples carry no size
	Height  int
	Rep     Reporter
}

// NewStillExtractor creates an extractor. Call Start before offering frames.
func NewStillExtractor(opts StillOptions) *StillExtractor {
	rep := opts.Rep
	if rep == nil {
		rep = discardReporter{}
	}
	return &StillExtractor{
		worker:  opts.Worker,
		namer:   opts.Namer,
		latest:  opts.Latest,
		quality: opts.Quality,
		width:   opts.Width,
		height:  opts.Height,
		rep:     rep,
		gate:    NewRateGate(StillInterval),
		queue:   make(chan Still, StillQueueSize),
		stop:    make(chan struct{}),
		idle:    StillIdleTimeout,
		encode:  encodeJPEG,
	}
}

// Start launches the compressor goroutine.
func (x *StillExtractor) Start() {
	x.ensureCompressor()
}

// ensureCompressor starts a compressor unless one is running or the
// extractor is stopped.
func (x *StillExtractor) ensureCompressor() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed.Load() || !x.running.CompareAndSwap(false, true) {
		return
	}
	x.workers.Add(1)
	go x.compress()
}

// Offer is the appsink callback. Frames inside the gate interval are
// discarded before touching the queue.
func (x *StillExtractor) Offer(s engine.Sample) {
	x.offered.Add(1)
	if x.closed.Load() {
		x.dropped.Add(1)
		return
	}
	if !x.gate.Allow() {
		x.gated.Add(1)
		return
	}

	still := Still{Data: s.Data, Width: s.Width, Height: s.Height}
	if still.Width == 0 || still.Height == 0 {
		still.Width, still.Height = x.width, x.height
	}

	select {
	case x.queue <- still:
		x.ensureCompressor()
	default:
		x.dropped.Add(1)
	}
}

// Stop signals the compressor to finish the queued frames and waits up to
// timeout. It returns false if the compressor was still busy.
func (x *StillExtractor) Stop(timeout time.Duration) bool {
	x.mu.Lock()
	if !x.closed.Load() {
		x.closed.Store(true)
		close(x.stop)
	}
	x.mu.Unlock()
	done := make(chan struct{})
	go func() {
		x.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		slog.Warn("still compressor did not finish in time", "worker", x.worker, "timeout", timeout)
		return false
	}
}

// Stats returns a snapshot of the counters.
func (x *StillExtractor) Stats() StillStats {
	return StillStats{
		Offered:  x.offered.Load(),
		Gated:    x.gated.Load(),
		Dropped:  x.dropped.Load(),
		Written:  x.written.Load(),
		Failures: x.failures.Load(),
	}
}

func (x *StillExtractor) compress() {
	defer x.workers.Done()

	idle := time.NewTimer(x.idle)
	defer idle.Stop()

	for {
		select {
		case s := <-x.queue:
			x.save(s)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(x.idle)
		case <-idle.C:
			x.running.Store(false)
			// A frame queued while running was still set has no compressor.
			if len(x.queue) == 0 || !x.running.CompareAndSwap(false, true) {
				slog.Debug("still compressor idle, exiting", "worker", x.worker, "idle", x.idle)
				return
			}
			idle.Reset(x.idle)
		case <-x.stop:
			for {
				select {
				case s := <-x.queue:
					x.save(s)
				default:
					return
				}
			}
		}
	}
}

// save writes the still under a temporary name and renames it into place, so
// a numbered file is never observed half written.
func (x *StillExtractor) save(s Still) {
	seq, path := x.namer.Next()
	tmp := path + ".part"

	if err := x.writeFile(tmp, s); err != nil {
		x.failures.Add(1)
		os.Remove(tmp)
		slog.Warn("still image not saved", "worker", x.worker, "file", path, "error", err)
		x.rep.Report(status.Error(x.worker, fmt.Errorf("still %d: %w", seq, err), engine.ErrCategoryStorage.String()))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		x.failures.Add(1)
		os.Remove(tmp)
		slog.Warn("still image not renamed", "worker", x.worker, "file", path, "error", err)
		return
	}

	x.written.Add(1)
	if err := archive.ReplaceLatest(x.latest, path); err != nil {
		slog.Debug("latest image pointer not updated", "worker", x.worker, "error", err)
	}
	slog.Debug("still image saved", "worker", x.worker, "file", path, "seq", seq)
	x.rep.Report(status.Image(x.worker, path, seq))
}

func (x *StillExtractor) writeFile(path string, s Still) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := x.encode(f, s, x.quality); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// encodeJPEG converts packed RGB (rows optionally padded to 4 bytes) to RGBA
// and encodes it.
func encodeJPEG(w io.Writer, s Still, quality int) error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid still size %dx%d", s.Width, s.Height)
	}

	stride := s.Width * 3
	if padded := (stride + 3) &^ 3; len(s.Data) >= padded*s.Height && padded != stride {
		stride = padded
	}
	if len(s.Data) < stride*s.Height {
		return fmt.Errorf("still buffer too small: got %d bytes, need %d for %dx%d RGB",
			len(s.Data), stride*s.Height, s.Width, s.Height)
	}

	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for y := 0; y < s.Height; y++ {
		src := s.Data[y*stride : y*stride+s.Width*3]
		dst := img.Pix[y*img.Stride : y*img.Stride+s.Width*4]
		for x := 0; x < s.Width; x++ {
			dst[x*4+0] = src[x*3+0]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 255
		}
	}

	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}
