package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/e7canasta/dronecam/internal/archive"
	"github.com/e7canasta/dronecam/internal/engine"
	"github.com/e7canasta/dronecam/internal/pipeline"
	"github.com/e7canasta/dronecam/internal/status"
)

// A closed chunk must become non-empty within this budget before the latest
// pointer moves to it.
const (
	chunkWaitAttempts = 50
	chunkWaitInterval = 10 * time.Millisecond
)

// Recorder archives the record channel as fixed-duration MP4 chunks and,
// in image mode, extracts about one JPEG still per second.
type Recorder struct {
	base
	chunks *archive.Namer
	stills *StillExtractor
}

// NewRecorder resumes numbering after the newest files already archived.
func NewRecorder(b base) (*Recorder, error) {
	r := &Recorder{base: b}
	var err error
	if b.cfg.VideoMode {
		if r.chunks, err = archive.NewNamer(b.cfg.Paths.ArchiveVideoDir, archive.VideoExt); err != nil {
			return nil, err
		}
	}
	if b.cfg.ImageMode {
		images, err := archive.NewNamer(b.cfg.Paths.ArchiveImageDir, archive.ImageExt)
		if err != nil {
			return nil, err
		}
		r.stills = NewStillExtractor(StillOptions{
			Worker:  string(b.kind),
			Namer:   images,
			Latest:  b.cfg.Paths.LatestImage,
			Quality: b.cfg.Encoding.ImageQuality,
			Width:   b.cfg.Camera.Width,
			Height:  b.cfg.Camera.Height,
			Rep:     b.rep,
		})
	}
	return r, nil
}

// Run implements Worker.
func (r *Recorder) Run(ctx context.Context) error {
	if stopped, err := r.waitFor(ctx, r.cfg.Paths.RecordChannel, "record channel"); stopped || err != nil {
		return err
	}

	desc, err := pipeline.Recorder(r.cfg)
	if err != nil {
		return r.fatal(err)
	}

	if r.stills != nil {
		r.stills.Start()
		defer func() {
			r.stills.Stop(StillDrainTimeout)
			st := r.stills.Stats()
			slog.Info("still extraction finished",
				"written", st.Written, "gated", st.Gated, "dropped", st.Dropped, "failures", st.Failures)
		}()
	}

	p, err := r.launch(desc, func(p engine.Pipeline) error {
		if r.chunks != nil {
			if err := p.OnFormatLocation(pipeline.SplitterName, r.nextChunk); err != nil {
				return err
			}
		}
		if r.stills != nil {
			if err := p.OnSample(pipeline.StillSinkName, r.stills.Offer); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("recorder started",
		"video", r.cfg.VideoMode,
		"images", r.cfg.ImageMode,
		"chunk_duration", r.cfg.Encoding.ChunkDuration,
		"videos", r.cfg.Paths.ArchiveVideoDir,
		"images_dir", r.cfg.Paths.ArchiveImageDir,
	)
	r.status("recorder started")

	return r.run(ctx, p, engine.Hooks{OnElement: r.onElement}, r.chunks != nil)
}

// nextChunk names the fragment splitmuxsink is about to open.
func (r *Recorder) nextChunk(fragment uint) string {
	seq, path := r.chunks.Next()
	slog.Debug("opening chunk", "fragment", fragment, "seq", seq, "file", path)
	return path
}

func (r *Recorder) onElement(ev engine.Event) {
	if ev.Structure != pipeline.FragmentClosedMessage {
		return
	}
	location, ok := ev.StringField("location")
	if !ok || location == "" {
		slog.Warn("fragment closed without location", "source", ev.Source)
		return
	}
	r.chunkClosed(location)
}

// chunkClosed runs once per finalized chunk. The chunk stays on disk even if
// the pointer cannot be moved.
func (r *Recorder) chunkClosed(path string) {
	if !archive.WaitNonEmpty(path, chunkWaitAttempts, chunkWaitInterval) {
		slog.Warn("closed chunk is missing or empty, latest pointer unchanged", "file", path)
		return
	}

	if err := archive.ReplaceLatest(r.cfg.Paths.LatestVideo, path); err != nil {
		slog.Debug("latest video pointer not updated", "error", err)
	}

	seq, _ := archive.ParseSequence(path)
	slog.Info("chunk closed", "file", path, "seq", seq)
	r.rep.Report(status.Chunk(string(r.kind), path, seq))
}
