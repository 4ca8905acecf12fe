package worker

import (
	"errors"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/dronecam/internal/archive"
	"github.com/e7canasta/dronecam/internal/engine"
	"github.com/e7canasta/dronecam/internal/status"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestExtractor(t *testing.T, rep Reporter) (*StillExtractor, string) {
	t.Helper()
	dir := t.TempDir()
	namer, err := archive.NewNamer(dir, archive.ImageExt)
	if err != nil {
		t.Fatal(err)
	}
	x := NewStillExtractor(StillOptions{
		Worker:  "recorder",
		Namer:   namer,
		Latest:  filepath.Join(dir, "latest_image.jpg"),
		Quality: 90,
		Width:   4,
		Height:  2,
		Rep:     rep,
	})
	return x, dir
}

func TestRateGate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g := NewRateGate(StillInterval)
	g.now = clock.Now

	if !g.Allow() {
		t.Fatal("first event must pass")
	}
	clock.now = clock.now.Add(899 * time.Millisecond)
	if g.Allow() {
		t.Error("event inside the interval must be rejected")
	}
	clock.now = clock.now.Add(time.Millisecond)
	if !g.Allow() {
		t.Error("event at the interval boundary must pass")
	}
}

// TestStillExtractor_GateAt30FPS feeds 10 seconds of 30 fps video. At most
// 11 frames may reach the queue.
func TestStillExtractor_GateAt30FPS(t *testing.T) {
	x, _ := newTestExtractor(t, nil)
	clock := &fakeClock{now: time.Unix(0, 0)}
	x.gate.now = clock.Now

	var encoded atomic.Int32
	x.encode = func(w io.Writer, s Still, q int) error {
		encoded.Add(1)
		_, err := w.Write([]byte{0xff, 0xd8})
		return err
	}
	x.Start()

	frameInterval := time.Second / 30
	for i := 0; i < 300; i++ {
		x.Offer(engine.Sample{Data: make([]byte, 24)})
		clock.now = clock.now.Add(frameInterval)
		if i%10 == 0 {
			time.Sleep(time.Millisecond) // let the compressor keep up
		}
	}
	if !x.Stop(StillDrainTimeout) {
		t.Fatal("compressor did not drain")
	}

	st := x.Stats()
	passed := st.Offered - st.Gated
	if passed > 11 || passed < 10 {
		t.Errorf("expected 10-11 frames through the gate, got %d (%+v)", passed, st)
	}
	if st.Written+st.Dropped != passed {
		t.Errorf("every gated-in frame is written or dropped: %+v", st)
	}
	t.Logf("✅ 300 frames offered, %d passed the gate, %d encoded", passed, encoded.Load())
}

// TestStillExtractor_SaturatedQueueNeverBlocks stalls the compressor. Offer
// must keep returning immediately and drop the overflow.
func TestStillExtractor_SaturatedQueueNeverBlocks(t *testing.T) {
	x, _ := newTestExtractor(t, nil)
	x.gate = NewRateGate(0)
	release := make(chan struct{})
	x.encode = func(w io.Writer, s Still, q int) error {
		<-release
		return nil
	}
	x.Start()

	start := time.Now()
	for i := 0; i < 1000; i++ {
		x.Offer(engine.Sample{Data: make([]byte, 24)})
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("Offer blocked: 1000 offers took %s", elapsed)
	}

	st := x.Stats()
	// One frame in the compressor plus a full queue.
	if kept := st.Offered - st.Dropped; kept > StillQueueSize+1 {
		t.Errorf("expected at most %d frames kept, got %d", StillQueueSize+1, kept)
	}

	close(release)
	if !x.Stop(StillDrainTimeout) {
		t.Fatal("compressor did not drain after release")
	}
}

func TestStillExtractor_StopIsBounded(t *testing.T) {
	x, _ := newTestExtractor(t, nil)
	x.gate = NewRateGate(0)
	block := make(chan struct{})
	defer close(block)
	x.encode = func(w io.Writer, s Still, q int) error {
		<-block
		return nil
	}
	x.Start()
	x.Offer(engine.Sample{Data: make([]byte, 24)})
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	if x.Stop(100 * time.Millisecond) {
		t.Error("Stop must report a compressor stuck in encode")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop not bounded: %s", elapsed)
	}
	x.Offer(engine.Sample{Data: make([]byte, 24)})
	if x.Stats().Dropped != 1 {
		t.Error("frames offered after Stop are dropped")
	}
}

// TestStillExtractor_IdleCompressorExits lets the compressor run dry. It must
// exit on its own and come back with the next frame.
func TestStillExtractor_IdleCompressorExits(t *testing.T) {
	x, _ := newTestExtractor(t, nil)
	x.gate = NewRateGate(0)
	x.idle = 30 * time.Millisecond
	x.encode = func(w io.Writer, s Still, q int) error {
		_, err := w.Write([]byte{0xff, 0xd8})
		return err
	}
	x.Start()

	waitWritten := func(n uint64) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for x.Stats().Written < n {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %d stills, have %d", n, x.Stats().Written)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	x.Offer(engine.Sample{Data: make([]byte, 24)})
	waitWritten(1)

	deadline := time.Now().Add(2 * time.Second)
	for x.running.Load() {
		if time.Now().After(deadline) {
			t.Fatal("idle compressor did not exit")
		}
		time.Sleep(5 * time.Millisecond)
	}

	x.Offer(engine.Sample{Data: make([]byte, 24)})
	waitWritten(2)

	if !x.Stop(StillDrainTimeout) {
		t.Fatal("Stop timed out")
	}
}

func TestStillExtractor_WritesJPEG(t *testing.T) {
	rep := &recordingReporter{}
	x, dir := newTestExtractor(t, rep)
	x.Start()

	// 4x2 RGB, rows padded to 12 bytes already (4*3).
	data := make([]byte, 4*2*3)
	for i := range data {
		data[i] = byte(i * 10)
	}
	x.Offer(engine.Sample{Data: data, Width: 4, Height: 2})
	x.Stop(StillDrainTimeout)

	imgs := rep.byKind(status.KindImage)
	if len(imgs) != 1 {
		t.Fatalf("expected one image message, got %d", len(imgs))
	}
	f, err := os.Open(imgs[0].File)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("written file is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
		t.Errorf("unexpected size %v", b)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestStillExtractor_EncodeFailure(t *testing.T) {
	rep := &recordingReporter{}
	x, dir := newTestExtractor(t, rep)
	x.encode = func(io.Writer, Still, int) error { return errors.New("boom") }
	x.Start()
	x.Offer(engine.Sample{Data: make([]byte, 24)})
	x.Stop(StillDrainTimeout)

	if st := x.Stats(); st.Failures != 1 || st.Written != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	if _, err := os.Lstat(filepath.Join(dir, "latest_image.jpg")); err == nil {
		t.Error("latest pointer must not reference a failed still")
	}
	if errs := rep.byKind(status.KindError); len(errs) != 1 {
		t.Errorf("expected one error report, got %d", len(errs))
	}
}

func TestEncodeJPEG_Validation(t *testing.T) {
	if err := encodeJPEG(io.Discard, Still{Data: make([]byte, 10), Width: 4, Height: 2}, 90); err == nil {
		t.Error("short buffer must be rejected")
	}
	if err := encodeJPEG(io.Discard, Still{Width: 0, Height: 2}, 90); err == nil {
		t.Error("zero width must be rejected")
	}
	// 5x2 RGB rows padded from 15 to 16 bytes.
	if err := encodeJPEG(io.Discard, Still{Data: make([]byte, 32), Width: 5, Height: 2}, 90); err != nil {
		t.Errorf("padded rows should encode: %v", err)
	}
}
