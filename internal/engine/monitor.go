package engine

import (
	"context"
	"log/slog"
	"time"
)

// PollInterval is how long one bus poll waits. Short enough for a
// responsive shutdown.
const PollInterval = 50 * time.Millisecond

// Hooks receive bus events inside the run loop goroutine.
type Hooks struct {
	// OnElement handles element messages (for example splitmuxsink
	// fragment-closed).
	OnElement func(Event)

	// OnPlaying runs once when the pipeline itself reaches PLAYING.
	OnPlaying func()
}

// RunLoop polls the pipeline bus until ctx is cancelled (returns nil), the
// engine reports EOS (returns ErrEndOfStream) or an error (returns a
// *PipelineError).
func RunLoop(ctx context.Context, p Pipeline, hooks Hooks) error {
	playing := false
	for {
		select {
		case <-ctx.Done():
			slog.Debug("context cancelled, leaving pipeline loop", "pipeline", p.Name())
			return nil
		default:
		}

		ev, ok := p.Poll(PollInterval)
		if !ok {
			continue
		}
		if err := dispatch(p, ev, hooks, &playing); err != nil {
			return err
		}
	}
}

// Finish sends EOS and keeps dispatching element events until the engine
// confirms EOS, reports an error, or timeout expires. It lets muxers
// finalize the open file before the pipeline is torn down.
func Finish(p Pipeline, hooks Hooks, timeout time.Duration) error {
	if err := p.SendEOS(); err != nil {
		return err
	}

	playing := true
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ev, ok := p.Poll(PollInterval)
		if !ok {
			continue
		}
		switch err := dispatch(p, ev, hooks, &playing); err {
		case nil:
		case ErrEndOfStream:
			return nil
		default:
			return err
		}
	}
	slog.Debug("eos not confirmed before timeout", "pipeline", p.Name(), "timeout", timeout)
	return nil
}

func dispatch(p Pipeline, ev Event, hooks Hooks, playing *bool) error {
	switch ev.Kind {
	case EventEOS:
		slog.Info("end of stream received", "pipeline", p.Name())
		return ErrEndOfStream

	case EventError:
		perr := &PipelineError{
			Pipeline: p.Name(),
			Source:   ev.Source,
			Category: Classify(ev.Message, ev.Debug),
			Message:  ev.Message,
			Debug:    ev.Debug,
		}
		slog.Error("pipeline error",
			"pipeline", p.Name(),
			"source", ev.Source,
			"error", ev.Message,
			"debug", ev.Debug,
			"category", perr.Category.String(),
		)
		return perr

	case EventStateChanged:
		if ev.Source != p.Name() {
			return nil
		}
		slog.Debug("pipeline state changed", "pipeline", p.Name(), "from", ev.From, "to", ev.To)
		if ev.To == StatePlaying && !*playing {
			*playing = true
			if hooks.OnPlaying != nil {
				hooks.OnPlaying()
			}
		}

	case EventElement:
		if hooks.OnElement != nil {
			hooks.OnElement(ev)
		}
	}
	return nil
}
