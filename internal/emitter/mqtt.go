// Package emitter publishes supervisor telemetry to an MQTT broker and
// accepts control commands on it. The broker is optional: a lost connection
// never affects the media pipelines.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/dronecam/internal/config"
	"github.com/e7canasta/dronecam/internal/status"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	busBuffer      = 64
)

// ErrNotConnected is returned by publishes while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

// Topics are the MQTT topics for one instance.
type Topics struct {
	Prefix          string
	State           string
	Control         string
	ControlResponse string
}

// NewTopics derives the topic set from a prefix such as "dronecam/cam-1".
func NewTopics(prefix string) Topics {
	prefix = strings.TrimSuffix(prefix, "/")
	return Topics{
		Prefix:          prefix,
		State:           prefix + "/state",
		Control:         prefix + "/control",
		ControlResponse: prefix + "/control/response",
	}
}

// Status returns the topic for a worker status message.
func (t Topics) Status(msg status.Message) string {
	worker := msg.Worker
	if worker == "" {
		worker = "unknown"
	}
	return fmt.Sprintf("%s/status/%s/%s", t.Prefix, worker, msg.Kind)
}

// QoS returns the delivery level for a message kind. Errors are sent at
// least once.
func QoS(kind status.Kind) byte {
	if kind == status.KindError {
		return 1
	}
	return 0
}

// BrokerURL normalizes "host:port" to a tcp URL.
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Emitter forwards status messages to MQTT.
type Emitter struct {
	cfg    *config.Config
	topics Topics
	Client mqtt.Client // Exported for the control handler

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
	onConnect []func(mqtt.Client)
}

// New creates an emitter for cfg. Connect must be called before use.
func New(cfg *config.Config) *Emitter {
	return &Emitter{
		cfg:       cfg,
		topics:    NewTopics(cfg.MQTT.TopicPrefix),
		published: make(map[string]uint64),
	}
}

// Topics returns the topic set in use.
func (e *Emitter) Topics() Topics { return e.topics }

// Connect establishes the broker connection. Reconnects happen in the
// background afterwards.
func (e *Emitter) Connect(ctx context.Context) error {
	clientID := e.cfg.InstanceID
	if e.cfg.RunID != "" {
		clientID = fmt.Sprintf("%s-%s", e.cfg.InstanceID, e.cfg.RunID[:min(8, len(e.cfg.RunID))])
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(e.cfg.MQTT.Broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(e.topics.State, `{"state":"offline"}`, 1, true)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("mqtt connection established", "broker", e.cfg.MQTT.Broker, "client_id", clientID)
		e.handleConnect(c)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", e.cfg.MQTT.Broker)
	}

	e.Client = mqtt.NewClient(opts)
	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// OnConnect registers fn to run after every later (re)connection. The broker
// drops subscriptions of a clean session, so subscribers use it to restore
// theirs.
func (e *Emitter) OnConnect(fn func(mqtt.Client)) {
	e.mu.Lock()
	e.onConnect = append(e.onConnect, fn)
	e.mu.Unlock()
}

func (e *Emitter) handleConnect(c mqtt.Client) {
	e.mu.Lock()
	e.connected = true
	hooks := append(([]func(mqtt.Client))(nil), e.onConnect...)
	e.mu.Unlock()

	for _, fn := range hooks {
		fn(c)
	}
}

// Run forwards every message published on bus until ctx is done.
func (e *Emitter) Run(ctx context.Context, bus *status.Bus) error {
	const id = "mqtt"
	in := make(chan status.Message, busBuffer)
	if err := bus.Subscribe(id, in); err != nil {
		return fmt.Errorf("failed to subscribe emitter: %w", err)
	}
	defer bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			if st, err := bus.Stats(id); err == nil {
				slog.Info("status forwarding stopped", "sent", st.Sent, "dropped", st.Dropped)
			}
			return nil
		case msg := <-in:
			if err := e.PublishStatus(msg); err != nil {
				slog.Debug("status publish failed", "error", err, "kind", msg.Kind)
			}
		}
	}
}

// PublishStatus publishes one status message as JSON.
func (e *Emitter) PublishStatus(msg status.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return e.publish(e.topics.Status(msg), QoS(msg.Kind), false, payload)
}

// PublishState publishes v as the retained supervisor state.
func (e *Emitter) PublishState(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return e.publish(e.topics.State, 1, true, payload)
}

func (e *Emitter) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.Client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt message published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// Disconnect closes the broker connection.
func (e *Emitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns a copy of the emitter counters.
func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *Emitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *Emitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
