package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/e7canasta/dronecam/internal/archive"
	"github.com/e7canasta/dronecam/internal/engine"
	"github.com/e7canasta/dronecam/internal/engine/enginetest"
	"github.com/e7canasta/dronecam/internal/pipeline"
	"github.com/e7canasta/dronecam/internal/status"
)

func fragmentClosed(path string) engine.Event {
	return engine.Event{
		Kind:      engine.EventElement,
		Source:    pipeline.SplitterName,
		Structure: pipeline.FragmentClosedMessage,
		Fields:    map[string]any{"location": path},
	}
}

func startRecorder(t *testing.T, env map[string]string) (*enginetest.Pipeline, *recordingReporter, context.CancelFunc, <-chan runResult, *Recorder) {
	t.Helper()
	cfg := testEnv(t, env)
	os.WriteFile(cfg.Paths.RecordChannel, nil, 0o644)

	eng := enginetest.New()
	rep := &recordingReporter{}
	w := newWorker(t, KindRecorder, cfg, eng, rep)
	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, w)

	p := eng.WaitLaunched(3 * time.Second)
	if p == nil {
		cancel()
		t.Fatal("recorder pipeline not launched")
	}
	t.Cleanup(cancel)
	return p, rep, cancel, done, w.(*Recorder)
}

// TestRecorder_ChunkSequence opens and closes several fragments. Sequence
// numbers must be gap-free and the latest pointer must only move after the
// chunk file is non-empty.
func TestRecorder_ChunkSequence(t *testing.T) {
	p, rep, cancel, done, r := startRecorder(t, map[string]string{"ENABLE_IMAGES": "0"})

	var paths []string
	for i := uint(0); i < 3; i++ {
		path, err := p.FormatLocation(pipeline.SplitterName, i)
		if err != nil {
			t.Fatal(err)
		}
		paths = append(paths, path)
	}
	for i, path := range paths {
		seq, ok := archive.ParseSequence(path)
		if !ok || seq != uint64(i+1) {
			t.Errorf("fragment %d named %s, want sequence %d", i, path, i+1)
		}
		if filepath.Dir(path) != r.cfg.Paths.ArchiveVideoDir || filepath.Ext(path) != archive.VideoExt {
			t.Errorf("chunk %s outside the video archive", path)
		}
	}

	// First chunk is written before it closes.
	os.WriteFile(paths[0], []byte("mp4 data"), 0o644)
	p.Push(fragmentClosed(paths[0]))
	chunks := rep.waitKind(t, status.KindChunk, 1)
	if chunks[0].File != paths[0] || chunks[0].Seq != 1 {
		t.Errorf("unexpected chunk message %+v", chunks[0])
	}
	if target, _ := os.Readlink(r.cfg.Paths.LatestVideo); target != paths[0] {
		t.Errorf("latest pointer = %q, want %q", target, paths[0])
	}

	// Second chunk never gets data: no pointer move, no chunk message.
	p.Push(fragmentClosed(paths[1]))

	// Third chunk appears shortly after the close notification.
	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(paths[2], []byte("mp4 data"), 0o644)
	}()
	p.Push(fragmentClosed(paths[2]))

	chunks = rep.waitKind(t, status.KindChunk, 2)
	if chunks[1].Seq != 3 {
		t.Errorf("expected chunk 3 reported second, got %+v", chunks[1])
	}
	if target, _ := os.Readlink(r.cfg.Paths.LatestVideo); target != paths[2] {
		t.Errorf("latest pointer = %q, want %q", target, paths[2])
	}

	cancel()
	if err := wait(t, done); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if !p.EOSSent() {
		t.Error("stop request must send EOS so the open chunk is finalized")
	}
}

func TestRecorder_VideoOnlyHasNoStills(t *testing.T) {
	p, rep, cancel, done, r := startRecorder(t, map[string]string{"ENABLE_IMAGES": "0"})
	if r.stills != nil || p.HasSampleHandler(pipeline.StillSinkName) {
		t.Fatal("video-only recorder must not install still extraction")
	}
	cancel()
	wait(t, done)
	if got := rep.byKind(status.KindImage); len(got) != 0 {
		t.Errorf("video-only recorder produced %d images", len(got))
	}
	entries, _ := os.ReadDir(r.cfg.Paths.ArchiveImageDir)
	if len(entries) != 0 {
		t.Errorf("image archive not empty: %d files", len(entries))
	}
}

func TestRecorder_ImagesOnly(t *testing.T) {
	p, rep, _, done, r := startRecorder(t, map[string]string{
		"ENABLE_VIDEO": "0", "VIDEO_WIDTH": "8", "VIDEO_HEIGHT": "4",
	})
	if r.chunks != nil {
		t.Error("images-only recorder must not name chunks")
	}
	if _, err := p.FormatLocation(pipeline.SplitterName, 0); err == nil {
		t.Error("images-only recorder must not hook the splitter")
	}

	frame := engine.Sample{Data: make([]byte, 8*4*3), Width: 8, Height: 4}
	if err := p.Sample(pipeline.StillSinkName, frame); err != nil {
		t.Fatal(err)
	}
	imgs := rep.waitKind(t, status.KindImage, 1)
	if imgs[0].Seq != 1 || filepath.Ext(imgs[0].File) != archive.ImageExt {
		t.Errorf("unexpected image message %+v", imgs[0])
	}
	if target, _ := os.Readlink(r.cfg.Paths.LatestImage); target != imgs[0].File {
		t.Errorf("latest image pointer = %q", target)
	}

	p.Push(engine.Event{Kind: engine.EventEOS, Source: "recorder"})
	if err := wait(t, done); !errors.Is(err, engine.ErrEndOfStream) {
		t.Errorf("expected end of stream, got %v", err)
	}
}

// TestRecorder_StillFloodKeepsChunkCadence stalls JPEG compression while the
// still branch is flooded. Frame delivery must stay non-blocking and closed
// chunks must still be reported promptly.
func TestRecorder_StillFloodKeepsChunkCadence(t *testing.T) {
	cfg := testEnv(t, map[string]string{"VIDEO_WIDTH": "8", "VIDEO_HEIGHT": "4"})
	os.WriteFile(cfg.Paths.RecordChannel, nil, 0o644)

	eng := enginetest.New()
	rep := &recordingReporter{}
	r := newWorker(t, KindRecorder, cfg, eng, rep).(*Recorder)

	release := make(chan struct{})
	r.stills.gate = NewRateGate(0)
	r.stills.encode = func(io.Writer, Still, int) error {
		<-release
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := start(ctx, r)
	p := eng.WaitLaunched(3 * time.Second)
	if p == nil {
		t.Fatal("recorder pipeline not launched")
	}

	frame := engine.Sample{Data: make([]byte, 8*4*3), Width: 8, Height: 4}
	begin := time.Now()
	for i := 0; i < 200; i++ {
		if err := p.Sample(pipeline.StillSinkName, frame); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(begin); elapsed > 500*time.Millisecond {
		t.Fatalf("still delivery blocked for %v", elapsed)
	}
	if st := r.stills.Stats(); st.Dropped == 0 {
		t.Errorf("expected overflow drops with a stalled compressor, got %+v", st)
	}

	begin = time.Now()
	for i := uint(0); i < 3; i++ {
		path, err := p.FormatLocation(pipeline.SplitterName, i)
		if err != nil {
			t.Fatal(err)
		}
		os.WriteFile(path, []byte("mp4 data"), 0o644)
		p.Push(fragmentClosed(path))
	}
	chunks := rep.waitKind(t, status.KindChunk, 3)
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("chunk reports took %v behind a stalled compressor", elapsed)
	}
	for i, c := range chunks {
		if c.Seq != uint64(i+1) {
			t.Errorf("chunk %d has sequence %d", i, c.Seq)
		}
	}

	close(release)
	cancel()
	if err := wait(t, done); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}
