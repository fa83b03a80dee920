// Package mqttbus implements the distributed bus.Producer/bus.Consumer
// pair: every component's input/output topic is a real MQTT topic,
// letting a simulation's components run as separate processes on
// separate hosts. Messages travel JSON-encoded inside a small tagged
// envelope on the same "tickit-<component>-in"/"tickit-<component>-out"
// topic names the in-process bus uses.
package mqttbus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/tickit-go/tickit/internal/bus"
	"github.com/tickit-go/tickit/internal/config"
	"github.com/tickit-go/tickit/internal/types"
)

// envelope is the wire format for every message published on a tickit
// topic: a discriminator plus the JSON-encoded payload, since
// types.Message has no self-describing tag of its own.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

const (
	kindInput     = "input"
	kindOutput    = "output"
	kindInterrupt = "interrupt"
	kindException = "exception"
	kindStop      = "stop"
)

// Config configures a Bus connection.
type Config struct {
	// Broker is the MQTT broker URL, e.g. "tcp://localhost:1883" or
	// "mqtts://broker.example:8883".
	Broker string
	// ClientID identifies this connection to the broker. Must be unique
	// per simulation process.
	ClientID string
	Username string
	Password string
}

// Bus is an MQTT-backed bus.Producer/bus.Consumer. A single Bus may be
// shared by every component runtime and scheduler in one process.
type Bus struct {
	cfg    Config
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
	retry  bus.RetryConfig

	mu          sync.Mutex
	subscribers map[bus.Topic][]bus.Handler
	limiter     *rateLimiter
}

// Connect dials the broker, blocks until the initial connection
// succeeds or ctx expires, and returns a ready-to-use Bus. The
// connection is kept alive by autopaho, and re-subscribed after each
// reconnect, for as long as the ctx passed to Connect remains valid;
// callers should hold a long-lived ctx for the simulation's whole run.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker url: %w", err)
	}

	b := &Bus{
		cfg:         cfg,
		logger:      logger,
		retry:       bus.DefaultRetryConfig(),
		subscribers: make(map[bus.Topic][]bus.Handler),
		limiter:     newRateLimiter(1000, time.Second, logger),
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqttbus connected to broker", "broker", cfg.Broker)
			b.resubscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqttbus connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqttbus connect: %w", err)
	}
	b.cm = cm
	cm.AddOnPublishReceived(b.onPublishReceived)

	go b.limiter.start(ctx)

	if err := cm.AwaitConnection(ctx); err != nil {
		return nil, fmt.Errorf("mqttbus await connection: %w", err)
	}
	return b, nil
}

// Produce implements bus.Producer. msg is wrapped in an envelope and
// published with QoS 1 so at-least-once delivery holds across a broker
// restart. Transient publish failures are retried with jittered backoff
// before the error is surfaced to the caller.
func (b *Bus) Produce(ctx context.Context, topic bus.Topic, msg types.Message) error {
	env, err := encode(msg)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	b.logger.Log(ctx, config.LevelTrace, "mqttbus publish",
		"topic", string(topic), "kind", env.Kind, "payload", string(payload))
	err = bus.Retry(ctx, b.retry, func() error {
		_, err := b.cm.Publish(ctx, &paho.Publish{
			Topic:   string(topic),
			Payload: payload,
			QoS:     1,
		})
		if err != nil {
			b.logger.Warn("mqttbus publish failed, will retry", "topic", string(topic), "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("mqttbus publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements bus.Consumer. handler is invoked for every
// message received on any of topics, from the paho receive goroutine;
// handler must not block.
func (b *Bus) Subscribe(ctx context.Context, topics []bus.Topic, handler bus.Handler) error {
	b.mu.Lock()
	for _, t := range topics {
		b.subscribers[t] = append(b.subscribers[t], handler)
	}
	b.mu.Unlock()
	return b.sendSubscribe(ctx, topics)
}

// Close disconnects from the broker.
func (b *Bus) Close() error {
	if b.cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.cm.Disconnect(ctx)
}

func (b *Bus) sendSubscribe(ctx context.Context, topics []bus.Topic) error {
	if len(topics) == 0 {
		return nil
	}
	opts := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		opts = append(opts, paho.SubscribeOptions{Topic: string(t), QoS: 1})
	}
	err := bus.Retry(ctx, b.retry, func() error {
		_, err := b.cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts})
		return err
	})
	if err != nil {
		return fmt.Errorf("mqttbus subscribe: %w", err)
	}
	return nil
}

// resubscribe re-issues SUBSCRIBE for every topic with a registered
// handler, since autopaho does not do this automatically after a
// reconnect.
func (b *Bus) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	b.mu.Lock()
	topics := make([]bus.Topic, 0, len(b.subscribers))
	for t := range b.subscribers {
		topics = append(topics, t)
	}
	b.mu.Unlock()
	if len(topics) == 0 {
		return
	}
	opts := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		opts = append(opts, paho.SubscribeOptions{Topic: string(t), QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		b.logger.Error("mqttbus resubscribe failed", "error", err)
	}
}

func (b *Bus) onPublishReceived(pr autopaho.PublishReceived) (bool, error) {
	if !b.limiter.allow() {
		return true, nil
	}

	topic := bus.Topic(pr.Packet.Topic)
	b.mu.Lock()
	handlers := append([]bus.Handler(nil), b.subscribers[topic]...)
	b.mu.Unlock()
	if len(handlers) == 0 {
		return true, nil
	}

	var env envelope
	if err := json.Unmarshal(pr.Packet.Payload, &env); err != nil {
		b.logger.Warn("mqttbus dropped malformed message", "topic", pr.Packet.Topic, "error", err)
		return true, nil
	}
	msg, err := decode(env)
	if err != nil {
		b.logger.Warn("mqttbus dropped undecodable message", "topic", pr.Packet.Topic, "error", err)
		return true, nil
	}
	b.logger.Log(context.Background(), config.LevelTrace, "mqttbus receive",
		"topic", pr.Packet.Topic, "kind", env.Kind, "handlers", len(handlers))

	for _, h := range handlers {
		func(h bus.Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("mqttbus handler panicked", "topic", pr.Packet.Topic, "panic", r)
				}
			}()
			h(topic, msg)
		}(h)
	}
	return true, nil
}

func encode(msg types.Message) (envelope, error) {
	var kind string
	switch msg.(type) {
	case types.Input:
		kind = kindInput
	case types.Output:
		kind = kindOutput
	case types.Interrupt:
		kind = kindInterrupt
	case types.ComponentException:
		kind = kindException
	case types.StopComponent:
		kind = kindStop
	default:
		return envelope{}, fmt.Errorf("mqttbus: unknown message kind %T", msg)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return envelope{}, fmt.Errorf("marshal %s: %w", kind, err)
	}
	return envelope{Kind: kind, Payload: payload}, nil
}

func decode(env envelope) (types.Message, error) {
	switch env.Kind {
	case kindInput:
		var m types.Input
		err := json.Unmarshal(env.Payload, &m)
		return m, err
	case kindOutput:
		var m types.Output
		err := json.Unmarshal(env.Payload, &m)
		return m, err
	case kindInterrupt:
		var m types.Interrupt
		err := json.Unmarshal(env.Payload, &m)
		return m, err
	case kindException:
		var m types.ComponentException
		err := json.Unmarshal(env.Payload, &m)
		return m, err
	case kindStop:
		var m types.StopComponent
		err := json.Unmarshal(env.Payload, &m)
		return m, err
	default:
		return nil, fmt.Errorf("mqttbus: unknown envelope kind %q", env.Kind)
	}
}

var _ bus.Producer = (*Bus)(nil)
var _ bus.Consumer = (*Bus)(nil)
