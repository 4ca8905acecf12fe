// Package enginetest provides an in-memory engine for worker tests.
package enginetest

import (
	"fmt"
	"sync"
	"time"

	"github.com/e7canasta/dronecam/internal/engine"
)

// Engine records every launched pipeline.
type Engine struct {
	mu        sync.Mutex
	pipelines []*Pipeline

	// LaunchErr, when set, is returned by Launch.
	LaunchErr error
	// PlayErr, when set, is returned by Play on new pipelines.
	PlayErr error
}

// New returns an empty fake engine.
func New() *Engine { return &Engine{} }

// Launch implements engine.Engine.
func (e *Engine) Launch(name, description string) (engine.Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LaunchErr != nil {
		return nil, e.LaunchErr
	}
	p := &Pipeline{
		name:        name,
		Description: description,
		events:      make(chan engine.Event, 64),
		samples:     make(map[string]engine.SampleFunc),
		locations:   make(map[string]engine.FormatLocationFunc),
		playErr:     e.PlayErr,
	}
	e.pipelines = append(e.pipelines, p)
	return p, nil
}

// Pipelines returns the pipelines launched so far.
func (e *Engine) Pipelines() []*Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Pipeline(nil), e.pipelines...)
}

// Last returns the most recent pipeline or nil.
func (e *Engine) Last() *Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pipelines) == 0 {
		return nil
	}
	return e.pipelines[len(e.pipelines)-1]
}

// WaitLaunched polls until a pipeline exists or timeout passes.
func (e *Engine) WaitLaunched(timeout time.Duration) *Pipeline {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p := e.Last(); p != nil && p.Playing() {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// Pipeline is a scripted pipeline. Tests push bus events and invoke the
// registered callbacks directly.
type Pipeline struct {
	name        string
	Description string

	mu        sync.Mutex
	events    chan engine.Event
	samples   map[string]engine.SampleFunc
	locations map[string]engine.FormatLocationFunc
	playErr   error
	playing   bool
	closed    bool
	eosSent   bool

	// EOSReply, when true, answers SendEOS with an EOS event.
	EOSReply bool
}

func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) OnSample(element string, fn engine.SampleFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples[element] = fn
	return nil
}

func (p *Pipeline) OnFormatLocation(element string, fn engine.FormatLocationFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locations[element] = fn
	return nil
}

func (p *Pipeline) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playErr != nil {
		return p.playErr
	}
	p.playing = true
	p.events <- engine.Event{Kind: engine.EventStateChanged, Source: p.name, From: "paused", To: engine.StatePlaying}
	return nil
}

func (p *Pipeline) SendEOS() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eosSent = true
	if p.EOSReply {
		p.events <- engine.Event{Kind: engine.EventEOS, Source: p.name}
	}
	return nil
}

func (p *Pipeline) Poll(timeout time.Duration) (engine.Event, bool) {
	select {
	case ev := <-p.events:
		return ev, true
	case <-time.After(timeout):
		return engine.Event{}, false
	}
}

func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.playing = false
	return nil
}

// Push queues a bus event.
func (p *Pipeline) Push(ev engine.Event) { p.events <- ev }

// PushError queues a bus error.
func (p *Pipeline) PushError(source, message string) {
	p.Push(engine.Event{Kind: engine.EventError, Source: source, Message: message})
}

// Sample invokes the appsink callback registered for element.
func (p *Pipeline) Sample(element string, s engine.Sample) error {
	p.mu.Lock()
	fn := p.samples[element]
	p.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("no sample handler on %s", element)
	}
	fn(s)
	return nil
}

// FormatLocation invokes the format-location callback registered for element.
func (p *Pipeline) FormatLocation(element string, fragment uint) (string, error) {
	p.mu.Lock()
	fn := p.locations[element]
	p.mu.Unlock()
	if fn == nil {
		return "", fmt.Errorf("no format-location handler on %s", element)
	}
	return fn(fragment), nil
}

// HasSampleHandler reports whether an appsink callback is installed on element.
func (p *Pipeline) HasSampleHandler(element string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samples[element] != nil
}

func (p *Pipeline) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Pipeline) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) EOSSent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eosSent
}
