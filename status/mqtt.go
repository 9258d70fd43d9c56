package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/maastricht-university/edmo-bci/config"
	"github.com/maastricht-university/edmo-bci/events"
	"github.com/maastricht-university/edmo-bci/labeler"
	"github.com/maastricht-university/edmo-bci/orchestrator"
)

var ErrNotConnected = errors.New("status: mqtt not connected")

const publishTimeout = 2 * time.Second

// forwarded lists the event kinds mirrored to the broker. Snapshots and
// raw traffic stay on the local bus.
var forwarded = map[events.Kind]bool{
	events.KindStatus:     true,
	events.KindPrediction: true,
	events.KindIntent:     true,
	events.KindCommand:    true,
	events.KindTrial:      true,
	events.KindCounters:   true,
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// PhaseMessage is what the stimulus app sends on the phase topic.
type PhaseMessage struct {
	Session string `json:"session,omitempty"`
	labeler.PhaseEvent
}

// Emitter publishes session events to <prefix>/<session>/<kind>.
type Emitter struct {
	cfg    config.MQTT
	log    logrus.FieldLogger
	client mqtt.Client
	pub    publisher

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

func NewEmitter(cfg config.MQTT, log logrus.FieldLogger) *Emitter {
	return &Emitter{
		cfg:       cfg,
		log:       log.WithField("component", "mqtt"),
		published: make(map[string]uint64),
	}
}

// Connect dials the broker. Reconnects are automatic afterwards.
func (e *Emitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	if e.cfg.Username != "" {
		opts.SetUsername(e.cfg.Username)
		opts.SetPassword(e.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.log.WithField("broker", e.cfg.Broker).Info("mqtt connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.log.WithError(err).Warn("mqtt connection lost, reconnecting")
	}

	e.client = mqtt.NewClient(opts)
	e.pub = e.client
	tok := e.client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return errors.New("status: mqtt connection timeout")
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("status: mqtt connect: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Run forwards events from sub until it closes or ctx is done.
func (e *Emitter) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := e.Forward(ev); err != nil && !errors.Is(err, ErrNotConnected) {
				e.log.WithError(err).WithField("kind", ev.Kind).Warn("mqtt publish failed")
			}
		}
	}
}

// Forward publishes one event if its kind is mirrored.
func (e *Emitter) Forward(ev events.Event) error {
	if !forwarded[ev.Kind] {
		return nil
	}
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}
	payload, err := e.encode(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("status: encode %s: %w", ev.Kind, err)
	}
	topic := fmt.Sprintf("%s/%s/%s", e.cfg.TopicPrefix, ev.Session, ev.Kind)
	// the latest status stays on the broker for late dashboards
	tok := e.pub.Publish(topic, byte(e.cfg.QoS), ev.Kind == events.KindStatus, payload)
	if !tok.WaitTimeout(publishTimeout) {
		e.countError()
		return errors.New("status: mqtt publish timeout")
	}
	if err := tok.Error(); err != nil {
		e.countError()
		return err
	}
	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

func (e *Emitter) encode(ev events.Event) ([]byte, error) {
	if e.cfg.Encoding != "msgpack" {
		return json.Marshal(ev)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ListenPhases routes phase messages from the stimulus app into the
// session they name.
func (e *Emitter) ListenPhases(mgr *orchestrator.Manager) error {
	if e.cfg.PhaseTopic == "" {
		return nil
	}
	if e.client == nil {
		return ErrNotConnected
	}
	tok := e.client.Subscribe(e.cfg.PhaseTopic, byte(e.cfg.QoS), func(_ mqtt.Client, msg mqtt.Message) {
		e.HandlePhase(mgr, msg.Payload())
	})
	if !tok.WaitTimeout(publishTimeout) {
		return errors.New("status: mqtt subscribe timeout")
	}
	if err := tok.Error(); err != nil {
		return err
	}
	e.log.WithField("topic", e.cfg.PhaseTopic).Info("listening for phase events")
	return nil
}

// HandlePhase decodes one phase message and queues it.
func (e *Emitter) HandlePhase(mgr *orchestrator.Manager, raw []byte) error {
	var msg PhaseMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		e.log.WithError(err).Warn("bad phase message")
		return err
	}
	p, err := mgr.Lookup(msg.Session)
	if err != nil {
		e.log.WithError(err).WithField("session", msg.Session).Warn("phase message for no session")
		return err
	}
	if msg.Wall.IsZero() {
		msg.Wall = time.Now()
	}
	if err := p.SubmitPhase(msg.PhaseEvent); err != nil {
		e.log.WithError(err).Warn("phase message rejected")
		return err
	}
	return nil
}

// Stats returns per-topic publish counts and the error count.
func (e *Emitter) Stats() (map[string]uint64, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		out[k] = v
	}
	return out, e.errors
}

func (e *Emitter) Close() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
	}
	e.setConnected(false)
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
