// Package engine is the port between dronecam workers and the external media
// engine. Workers describe a pipeline as a launch string, register callbacks
// on named elements, start it, and poll its bus from their own run loop.
//
// The GStreamer implementation lives in engine/gstreamer; enginetest holds an
// in-memory fake for tests.
package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrEndOfStream is returned by RunLoop when the engine reports EOS.
var ErrEndOfStream = errors.New("end of stream")

// Engine launches pipelines.
type Engine interface {
	// Launch parses description into a pipeline in the NULL state.
	Launch(name, description string) (Pipeline, error)
}

// Sample is one buffer pulled from an appsink. Data is a private copy.
type Sample struct {
	Data   []byte
	Width  int // 0 when the caps carry no raster size
	Height int
}

// SampleFunc receives appsink samples on an engine thread. It must not block.
type SampleFunc func(Sample)

// FormatLocationFunc returns the file name for a new splitmuxsink fragment.
// Called on an engine thread.
type FormatLocationFunc func(fragment uint) string

// Pipeline is a launched pipeline owned by one worker.
type Pipeline interface {
	Name() string

	// OnSample installs fn as the new-sample handler of the named appsink.
	OnSample(element string, fn SampleFunc) error

	// OnFormatLocation connects fn to the format-location signal of the
	// named splitmuxsink.
	OnFormatLocation(element string, fn FormatLocationFunc) error

	// Play moves the pipeline to PLAYING.
	Play() error

	// SendEOS injects end-of-stream so sinks can finalize their output.
	SendEOS() error

	// Poll waits up to timeout for the next bus event.
	Poll(timeout time.Duration) (Event, bool)

	// Close moves the pipeline to NULL and releases it.
	Close() error
}

// EventKind enumerates the bus events workers care about.
type EventKind int

const (
	EventEOS EventKind = iota
	EventError
	EventStateChanged
	EventElement
)

func (k EventKind) String() string {
	switch k {
	case EventEOS:
		return "eos"
	case EventError:
		return "error"
	case EventStateChanged:
		return "state-changed"
	case EventElement:
		return "element"
	default:
		return "unknown"
	}
}

// Event is one message popped from the pipeline bus.
type Event struct {
	Kind   EventKind
	Source string // name of the posting element

	// EventError
	Message string
	Debug   string

	// EventStateChanged
	From, To string

	// EventElement: structure name and selected fields.
	Structure string
	Fields    map[string]any
}

// StringField returns an EventElement field as a string.
func (e Event) StringField(key string) (string, bool) {
	v, ok := e.Fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PipelineError is a bus error, classified.
type PipelineError struct {
	Pipeline string
	Source   string
	Category ErrorCategory
	Message  string
	Debug    string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s error [%s] from %s: %s", e.Pipeline, e.Category, e.Source, e.Message)
}

// StatePlaying is the state name reported when a pipeline reaches PLAYING.
const StatePlaying = "playing"
