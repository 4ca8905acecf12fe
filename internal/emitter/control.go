package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Control commands.
const (
	CommandGetStatus = "get_status"
	CommandShutdown  = "shutdown"
)

// Command is a control plane request.
type Command struct {
	Command string `json:"command"`
}

// Response answers a Command on the control response topic.
type Response struct {
	CommandAck string `json:"command_ack"`
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Callbacks connect control commands to the supervisor.
type Callbacks struct {
	OnGetStatus func() any
	OnShutdown  func()
}

// PublishFunc sends a payload to a topic.
type PublishFunc func(topic string, qos byte, retained bool, payload []byte) error

// Control handles commands received on the control topic.
type Control struct {
	topics    Topics
	client    mqtt.Client
	publish   PublishFunc
	callbacks Callbacks
	commands  chan Command
	now       func() time.Time
	started   atomic.Bool
	stopped   atomic.Bool
}

// NewControl creates a handler. Responses go through the emitter's
// connection, and the subscription is restored whenever it reconnects.
func NewControl(e *Emitter, callbacks Callbacks) *Control {
	c := &Control{
		topics:    e.topics,
		client:    e.Client,
		publish:   e.publish,
		callbacks: callbacks,
		commands:  make(chan Command, 10),
		now:       time.Now,
	}
	e.OnConnect(c.resubscribe)
	return c
}

// Start processes commands until ctx is done. The subscription is attempted
// once here; if the broker is unreachable it is made on the next connect.
func (c *Control) Start(ctx context.Context) error {
	c.started.Store(true)
	go c.processCommands(ctx)

	slog.Info("subscribing to control plane", "topic", c.topics.Control)
	return c.subscribe(c.client)
}

// Stop unsubscribes from the control topic. Later reconnects no longer
// subscribe.
func (c *Control) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	if c.client != nil && c.client.IsConnected() {
		c.client.Unsubscribe(c.topics.Control).WaitTimeout(publishTimeout)
	}
	slog.Info("control plane handler stopped")
}

func (c *Control) subscribe(client mqtt.Client) error {
	token := client.Subscribe(c.topics.Control, 1, c.messageHandler)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}
	return nil
}

// resubscribe runs on the client's connect callback, so it must not wait on
// the token there.
func (c *Control) resubscribe(client mqtt.Client) {
	if !c.started.Load() || c.stopped.Load() {
		return
	}
	go func() {
		if err := c.subscribe(client); err != nil {
			slog.Warn("control plane resubscribe failed", "error", err)
			return
		}
		slog.Info("control plane resubscribed", "topic", c.topics.Control)
	}()
}

func (c *Control) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	c.enqueue(msg.Payload())
}

func (c *Control) enqueue(payload []byte) {
	cmd, err := ParseCommand(payload)
	if err != nil {
		slog.Error("failed to parse control command", "error", err)
		c.respond(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	slog.Info("control command received", "command", cmd.Command)
	select {
	case c.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (c *Control) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.commands:
			c.respond(c.handle(cmd))
		}
	}
}

// ParseCommand decodes a JSON control command.
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, err
	}
	if cmd.Command == "" {
		return Command{}, fmt.Errorf("missing command field")
	}
	return cmd, nil
}

func (c *Control) handle(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case CommandGetStatus:
		if c.callbacks.OnGetStatus == nil {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
			break
		}
		resp.Status = "success"
		resp.Data = c.callbacks.OnGetStatus()

	case CommandShutdown:
		if c.callbacks.OnShutdown == nil {
			resp.Status = "error"
			resp.Error = "shutdown not implemented"
			break
		}
		slog.Warn("shutdown requested over control plane")
		c.callbacks.OnShutdown()
		resp.Status = "shutting_down"

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command %q", cmd.Command)
	}
	return resp
}

func (c *Control) respond(resp Response) {
	resp.Timestamp = c.now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}
	if err := c.publish(c.topics.ControlResponse, 1, false, payload); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}
	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
