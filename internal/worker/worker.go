// Package worker implements the dronecam processes that run media pipelines:
// the capture feeder, the recorder, the RTP stream worker and the RTSP
// distribution server.
//
// Each worker runs in its own OS process and owns exactly one engine
// pipeline. Run blocks until the context is cancelled (a stop request from
// the supervisor), the engine reports EOS or an error, or startup fails.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/dronecam/internal/channel"
	"github.com/e7canasta/dronecam/internal/config"
	"github.com/e7canasta/dronecam/internal/engine"
	"github.com/e7canasta/dronecam/internal/status"
)

// Kind names a worker process.
type Kind string

const (
	KindFeeder       Kind = "feeder"
	KindRecorder     Kind = "recorder"
	KindStream       Kind = "stream"
	KindDistribution Kind = "distribution"
)

// Kinds lists every worker in spawn order.
var Kinds = []Kind{KindFeeder, KindRecorder, KindStream, KindDistribution}

// ParseKind validates a worker name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown worker kind %q", s)
}

// Worker is one media process.
type Worker interface {
	Kind() Kind
	Run(ctx context.Context) error
}

// Reporter accepts status messages without blocking.
type Reporter interface {
	Report(msg status.Message) bool
}

// FatalError marks a startup failure: the process should exit non-zero
// without any further status messages.
type FatalError struct {
	Worker Kind
	Err    error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: %v", e.Worker, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a startup failure.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// finishTimeout bounds the EOS drain that lets muxers close the open file.
const finishTimeout = time.Second

// Options are shared by every worker.
type Options struct {
	Config   *config.Config
	Engine   engine.Engine
	Reporter Reporter

	// ChannelWait bounds waits for shared channels and the camera device.
	ChannelWait channel.WaitOptions
}

// New builds the worker for kind.
func New(kind Kind, opts Options) (Worker, error) {
	if opts.Config == nil || opts.Engine == nil {
		return nil, fmt.Errorf("worker %s: config and engine are required", kind)
	}
	if opts.Reporter == nil {
		opts.Reporter = discardReporter{}
	}
	b := base{kind: kind, cfg: opts.Config, eng: opts.Engine, rep: opts.Reporter, wait: opts.ChannelWait}

	switch kind {
	case KindFeeder:
		return &Feeder{base: b}, nil
	case KindRecorder:
		return NewRecorder(b)
	case KindStream:
		return &Streamer{base: b}, nil
	case KindDistribution:
		return &Distribution{base: b}, nil
	default:
		return nil, fmt.Errorf("unknown worker kind %q", kind)
	}
}

type discardReporter struct{}

func (discardReporter) Report(status.Message) bool { return false }

// base carries what every worker needs.
type base struct {
	kind Kind
	cfg  *config.Config
	eng  engine.Engine
	rep  Reporter
	wait channel.WaitOptions
}

func (b *base) Kind() Kind { return b.kind }

func (b *base) status(text string) {
	b.rep.Report(status.Status(string(b.kind), text))
}

// fatal reports a startup failure once and wraps it.
func (b *base) fatal(err error) error {
	slog.Error("worker startup failed", "worker", b.kind, "error", err)
	msg := status.Error(string(b.kind), err, "")
	msg.Fatal = true
	b.rep.Report(msg)
	return &FatalError{Worker: b.kind, Err: err}
}

// waitFor blocks until path exists. A cancelled context is a clean stop.
func (b *base) waitFor(ctx context.Context, path, what string) (stopped bool, err error) {
	slog.Debug("waiting for path", "worker", b.kind, "path", path, "budget", b.wait.Budget())
	if err := channel.Wait(ctx, path, b.wait); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return true, nil
		}
		return false, b.fatal(fmt.Errorf("%s never appeared: %w", what, err))
	}
	return false, nil
}

// launch creates and starts the pipeline, installing callbacks first.
func (b *base) launch(description string, install func(engine.Pipeline) error) (engine.Pipeline, error) {
	slog.Debug("launching pipeline", "worker", b.kind, "description", description)
	p, err := b.eng.Launch(string(b.kind), description)
	if err != nil {
		return nil, b.fatal(err)
	}
	if install != nil {
		if err := install(p); err != nil {
			p.Close()
			return nil, b.fatal(err)
		}
	}
	if err := p.Play(); err != nil {
		p.Close()
		return nil, b.fatal(err)
	}
	return p, nil
}

// run drives the pipeline until it ends. On a stop request the pipeline gets
// a bounded EOS drain when drain is set.
func (b *base) run(ctx context.Context, p engine.Pipeline, hooks engine.Hooks, drain bool) error {
	err := engine.RunLoop(ctx, p, hooks)
	if err == nil && drain {
		if ferr := engine.Finish(p, hooks, finishTimeout); ferr != nil {
			slog.Warn("pipeline drain failed", "worker", b.kind, "error", ferr)
		}
	}
	if cerr := p.Close(); cerr != nil {
		slog.Debug("pipeline close failed", "worker", b.kind, "error", cerr)
	}
	return b.ended(err)
}

// ended reports how the pipeline finished. Stop requests return nil.
func (b *base) ended(err error) error {
	var perr *engine.PipelineError
	switch {
	case err == nil:
		b.status(fmt.Sprintf("%s stopped", b.kind))
		return nil
	case errors.Is(err, engine.ErrEndOfStream):
		b.status(fmt.Sprintf("%s reached end of stream", b.kind))
		return err
	case errors.As(err, &perr):
		b.rep.Report(status.Error(string(b.kind), err, perr.Category.String()))
		return err
	default:
		b.rep.Report(status.Error(string(b.kind), err, engine.ErrCategoryUnknown.String()))
		return err
	}
}
