// Package gstreamer implements engine.Engine on top of go-gst. Pipelines are
// built from launch descriptions with gst_parse_launch; callbacks are bound
// to elements looked up by name.
package gstreamer

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/dronecam/internal/engine"
)

var initOnce sync.Once

// elementFields are copied out of element message structures.
var elementFields = []string{"location", "running-time", "fragment-id"}

// Engine launches GStreamer pipelines.
type Engine struct{}

// New initializes GStreamer once per process.
func New() *Engine {
	initOnce.Do(func() { gst.Init(nil) })
	return &Engine{}
}

// Launch implements engine.Engine.
func (e *Engine) Launch(name, description string) (engine.Pipeline, error) {
	p, err := gst.NewPipelineFromString(description)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s pipeline: %w", name, err)
	}
	return &pipeline{
		name:     name,
		gstName:  p.GetName(),
		pipeline: p,
		bus:      p.GetPipelineBus(),
	}, nil
}

type pipeline struct {
	name     string
	gstName  string
	pipeline *gst.Pipeline
	bus      *gst.Bus

	closeOnce sync.Once
}

func (p *pipeline) Name() string { return p.name }

func (p *pipeline) element(name string) (*gst.Element, error) {
	elem, err := p.pipeline.GetElementByName(name)
	if err != nil || elem == nil {
		return nil, fmt.Errorf("element %q not found in %s pipeline: %v", name, p.name, err)
	}
	return elem, nil
}

func (p *pipeline) OnSample(element string, fn engine.SampleFunc) error {
	elem, err := p.element(element)
	if err != nil {
		return err
	}
	sink := app.SinkFromElement(elem)
	if sink == nil {
		return fmt.Errorf("element %q is not an appsink", element)
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			sample := s.PullSample()
			if sample == nil {
				return gst.FlowEOS
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowOK
			}

			mapInfo := buffer.Map(gst.MapRead)
			data := mapInfo.Bytes()
			if len(data) == 0 {
				buffer.Unmap()
				return gst.FlowOK
			}
			// GStreamer reuses the buffer after Unmap.
			out := engine.Sample{Data: make([]byte, len(data))}
			copy(out.Data, data)
			buffer.Unmap()

			if caps := sample.GetCaps(); caps != nil && caps.GetSize() > 0 {
				st := caps.GetStructureAt(0)
				if v, err := st.GetValue("width"); err == nil {
					out.Width, _ = v.(int)
				}
				if v, err := st.GetValue("height"); err == nil {
					out.Height, _ = v.(int)
				}
			}

			fn(out)
			return gst.FlowOK
		},
	})
	return nil
}

func (p *pipeline) OnFormatLocation(element string, fn engine.FormatLocationFunc) error {
	elem, err := p.element(element)
	if err != nil {
		return err
	}
	if _, err := elem.Connect("format-location", func(self *gst.Element, fragmentID uint) string {
		return fn(fragmentID)
	}); err != nil {
		return fmt.Errorf("failed to connect format-location on %q: %w", element, err)
	}
	return nil
}

func (p *pipeline) Play() error {
	if err := p.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start %s pipeline: %w", p.name, err)
	}
	return nil
}

func (p *pipeline) SendEOS() error {
	if !p.pipeline.SendEvent(gst.NewEOSEvent()) {
		return fmt.Errorf("%s pipeline rejected EOS", p.name)
	}
	return nil
}

func (p *pipeline) Poll(timeout time.Duration) (engine.Event, bool) {
	msg := p.bus.TimedPop(timeout)
	if msg == nil {
		return engine.Event{}, false
	}

	source := msg.Source()
	if source == p.gstName {
		source = p.name
	}
	ev := engine.Event{Source: source}

	switch msg.Type() {
	case gst.MessageEOS:
		ev.Kind = engine.EventEOS

	case gst.MessageError:
		ev.Kind = engine.EventError
		if gerr := msg.ParseError(); gerr != nil {
			ev.Message = gerr.Error()
			ev.Debug = gerr.DebugString()
		}

	case gst.MessageStateChanged:
		from, to := msg.ParseStateChanged()
		ev.Kind = engine.EventStateChanged
		ev.From = stateName(from)
		ev.To = stateName(to)

	case gst.MessageElement:
		st := msg.GetStructure()
		if st == nil {
			return engine.Event{}, false
		}
		ev.Kind = engine.EventElement
		ev.Structure = st.Name()
		ev.Fields = make(map[string]any, len(elementFields))
		for _, key := range elementFields {
			if v, err := st.GetValue(key); err == nil {
				ev.Fields[key] = v
			}
		}

	default:
		return engine.Event{}, false
	}
	return ev, true
}

func (p *pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pipeline.SetState(gst.StateNull)
	})
	return err
}

func stateName(s gst.State) string {
	switch s {
	case gst.StatePlaying:
		return engine.StatePlaying
	case gst.StatePaused:
		return "paused"
	case gst.StateReady:
		return "ready"
	case gst.StateNull:
		return "null"
	default:
		return "void-pending"
	}
}
