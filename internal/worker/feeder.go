package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/e7canasta/dronecam/internal/channel"
	"github.com/e7canasta/dronecam/internal/engine"
	"github.com/e7canasta/dronecam/internal/pipeline"
)

// Feeder owns the camera and publishes raw frames into the record and stream
// channels. It is the only channel writer.
type Feeder struct {
	base
}

// Run implements Worker.
func (f *Feeder) Run(ctx context.Context) error {
	paths := f.cfg.Paths

	lock, err := channel.AcquireWriter(paths.WriterLock)
	if err != nil {
		return f.fatal(err)
	}
	defer lock.Release()

	if stopped, err := f.waitFor(ctx, f.cfg.Camera.Device, "camera device"); stopped || err != nil {
		return err
	}

	if err := channel.RemoveStale(paths.RecordChannel, paths.StreamChannel); err != nil {
		return f.fatal(err)
	}

	p, err := f.launch(pipeline.Feeder(f.cfg), nil)
	if err != nil {
		return err
	}

	slog.Info("camera feeder started",
		"device", f.cfg.Camera.Device,
		"resolution", fmt.Sprintf("%dx%d", f.cfg.Camera.Width, f.cfg.Camera.Height),
		"fps", f.cfg.Camera.FPS,
		"record_channel", paths.RecordChannel,
		"stream_channel", paths.StreamChannel,
	)
	f.status("camera feeder started")

	err = f.run(ctx, p, engine.Hooks{}, false)

	if rerr := channel.RemoveStale(paths.RecordChannel, paths.StreamChannel); rerr != nil {
		slog.Debug("channel cleanup failed", "error", rerr)
	}
	return err
}
