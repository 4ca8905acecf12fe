package archive

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestFileName(t *testing.T) {
	at := time.Date(2026, 10, 14, 9, 30, 5, 0, time.UTC)
	got := FileName(42, at, VideoExt)
	want := "000000042-[14.10.2026](09:30:05).mp4"
	if got != want {
		t.Errorf("FileName = %q, want %q", got, want)
	}

	seq, ok := ParseSequence("/x/" + got)
	if !ok || seq != 42 {
		t.Errorf("ParseSequence = %d, %t", seq, ok)
	}
	for _, bad := range []string{"latest_video.mp4", "12-.mp4", "00000000x-[a].mp4"} {
		if _, ok := ParseSequence(bad); ok {
			t.Errorf("ParseSequence(%q) should fail", bad)
		}
	}
}

// TestSequence_GapFree hammers a sequence from many goroutines. Every number
// in 1..N must be issued exactly once.
func TestSequence_GapFree(t *testing.T) {
	const goroutines, per = 8, 500
	s := NewSequence(0)

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				n := s.Next()
				mu.Lock()
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for n := uint64(1); n <= goroutines*per; n++ {
		if !seen[n] {
			t.Fatalf("sequence number %d never issued", n)
		}
	}
	if len(seen) != goroutines*per || s.Last() != goroutines*per {
		t.Errorf("expected %d unique numbers, got %d (last %d)", goroutines*per, len(seen), s.Last())
	}
}

func TestNewNamer_Resumes(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, name := range []string{FileName(3, at, VideoExt), FileName(7, at, VideoExt), FileName(99, at, ImageExt), "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	n, err := NewNamer(dir, VideoExt)
	if err != nil {
		t.Fatalf("NewNamer failed: %v", err)
	}
	n.Now = func() time.Time { return at }

	seq, path := n.Next()
	if seq != 8 {
		t.Errorf("expected to resume at 8, got %d", seq)
	}
	if path != filepath.Join(dir, "000000008-[02.01.2026](03:04:05).mp4") {
		t.Errorf("unexpected path %s", path)
	}

	empty, err := NewNamer(filepath.Join(dir, "missing"), ImageExt)
	if err != nil {
		t.Fatalf("missing dir should not fail: %v", err)
	}
	if seq, _ := empty.Next(); seq != 1 {
		t.Errorf("fresh namer must start at 1, got %d", seq)
	}
}

func TestReplaceLatest(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "latest_video.mp4")
	first := filepath.Join(dir, "000000001.mp4")
	second := filepath.Join(dir, "000000002.mp4")

	if err := ReplaceLatest(link, first); err != nil {
		t.Fatalf("first replace failed: %v", err)
	}
	if err := ReplaceLatest(link, second); err != nil {
		t.Fatalf("second replace failed: %v", err)
	}

	got, err := os.Readlink(link)
	if err != nil {
		t.Fatal(err)
	}
	if got != second {
		t.Errorf("pointer references %s, want %s", got, second)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temporary links left behind: %d entries", len(entries))
	}
}

func TestReplaceLatest_MissingDir(t *testing.T) {
	link := filepath.Join(t.TempDir(), "nope", "latest_image.jpg")
	if err := ReplaceLatest(link, "/x"); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestWaitNonEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunk.mp4")

	if WaitNonEmpty(path, 3, time.Millisecond) {
		t.Error("missing file must not be reported non-empty")
	}

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if WaitNonEmpty(path, 3, time.Millisecond) {
		t.Error("empty file must not be reported non-empty")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		os.WriteFile(path, []byte("moov"), 0o644)
	}()
	if !WaitNonEmpty(path, 50, 10*time.Millisecond) {
		t.Error("file written during the wait must be seen")
	}
}
