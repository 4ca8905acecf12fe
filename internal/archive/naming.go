// Package archive names recorded artifacts and maintains the "latest"
// pointers that always reference the newest closed artifact.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Artifact extensions.
const (
	VideoExt = ".mp4"
	ImageExt = ".jpg"
)

// seqDigits is the zero padded width of the sequence prefix.
const seqDigits = 9

// timestampLayout renders as [dd.mm.yyyy](hh:mm:ss).
const timestampLayout = "[02.01.2006](15:04:05)"

// FileName returns the archive name for sequence number seq taken at t, for
// example 000000042-[14.10.2026](09:30:05).mp4.
func FileName(seq uint64, t time.Time, ext string) string {
	return fmt.Sprintf("%0*d-%s%s", seqDigits, seq, t.Format(timestampLayout), ext)
}

// ParseSequence extracts the sequence number from an archive name.
func ParseSequence(name string) (uint64, bool) {
	base := filepath.Base(name)
	if len(base) <= seqDigits || base[seqDigits] != '-' {
		return 0, false
	}
	n, err := strconv.ParseUint(base[:seqDigits], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Sequence hands out strictly increasing, gap-free numbers. It is safe for
// use from engine callback threads.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence returns a sequence whose first number is after+1.
func NewSequence(after uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(after)
	return s
}

// Next returns the next number.
func (s *Sequence) Next() uint64 { return s.last.Add(1) }

// Last returns the most recently issued number, 0 if none.
func (s *Sequence) Last() uint64 { return s.last.Load() }

// HighestSequence scans dir for archive files with the given extension and
// returns the largest sequence number found, 0 for an empty or missing dir.
func HighestSequence(dir, ext string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan archive %s: %w", dir, err)
	}

	var highest uint64
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			continue
		}
		if n, ok := ParseSequence(e.Name()); ok && n > highest {
			highest = n
		}
	}
	return highest, nil
}

// Namer combines a directory, an extension and a Sequence.
type Namer struct {
	Dir string
	Ext string
	Seq *Sequence
	Now func() time.Time
}

// NewNamer resumes numbering after the highest sequence already present in dir.
func NewNamer(dir, ext string) (*Namer, error) {
	highest, err := HighestSequence(dir, ext)
	if err != nil {
		return nil, err
	}
	return &Namer{Dir: dir, Ext: ext, Seq: NewSequence(highest), Now: time.Now}, nil
}

// Next returns the next sequence number and the full path for it.
func (n *Namer) Next() (uint64, string) {
	seq := n.Seq.Next()
	return seq, filepath.Join(n.Dir, FileName(seq, n.Now(), n.Ext))
}
