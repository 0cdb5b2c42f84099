// Package mqtt publishes bridge events to an MQTT broker.
//
// Events are JSON documents on two topics per bridge:
//
//	{prefix}/{bridge}/nodes  one message per discovered or updated node
//	{prefix}/{bridge}/state  the bridge lifecycle state (retained)
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/paralin/xbee-netdev/core/nodetable"
	"github.com/paralin/xbee-netdev/transport"
)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "xbee-netdev"

	publishTimeout = 10 * time.Second
)

var (
	// ErrNotConnected is returned when publishing without a broker connection.
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrPublishTimeout is returned when the broker does not acknowledge a
	// publish in time.
	ErrPublishTimeout = errors.New("mqtt: publish timed out")
)

// Config holds the configuration for an MQTT publisher.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "xbee-netdev").
	TopicPrefix string
	// QoS for published events.
	QoS byte
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// NodeEvent is published when a node is added to or updated in a bridge's
// node table.
type NodeEvent struct {
	Address   string    `json:"address"`
	LinkAddr  string    `json:"link_addr"`
	Network   uint16    `json:"network"`
	Name      string    `json:"name,omitempty"`
	New       bool      `json:"new"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// NewNodeEvent converts a node table entry.
func NewNodeEvent(e nodetable.Entry, isNew bool) NodeEvent {
	return NodeEvent{
		Address:   e.Addr.String(),
		LinkAddr:  e.LinkAddr().String(),
		Network:   e.NetworkAddr,
		Name:      e.Name,
		New:       isNew,
		FirstSeen: e.FirstSeen,
		LastSeen:  e.LastSeen,
	}
}

// StateEvent is published on every bridge state change.
type StateEvent struct {
	State string    `json:"state"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

// Publisher publishes bridge events over MQTT.
type Publisher struct {
	cfg          Config
	client       paho.Client
	log          *slog.Logger
	mu           sync.RWMutex
	connected    bool
	stateHandler transport.StateHandler

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a new MQTT publisher with the given configuration.
func New(cfg Config) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Publisher{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("mqtt"),
		nowFn: time.Now,
	}
}

// Start connects to the MQTT broker.
func (p *Publisher) Start(ctx context.Context) error {
	if p.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}

	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = "xbee-netdev-" + randomString(12)
	}

	opts := paho.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(p.onConnected).
		SetConnectionLostHandler(p.onConnectionLost).
		SetReconnectingHandler(p.onReconnecting)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
	}
	if p.cfg.Password != "" {
		opts.SetPassword(p.cfg.Password)
	}
	if p.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	client := paho.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		p.client.Disconnect(1000)
		p.connected = false
	}
	return nil
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.client != nil && p.client.IsConnected()
}

// SetStateHandler sets the callback for connection state changes.
func (p *Publisher) SetStateHandler(fn transport.StateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateHandler = fn
}

// NodeTopic returns the node event topic for a bridge.
func (p *Publisher) NodeTopic(bridge string) string {
	return p.cfg.TopicPrefix + "/" + bridge + "/nodes"
}

// StateTopic returns the state topic for a bridge.
func (p *Publisher) StateTopic(bridge string) string {
	return p.cfg.TopicPrefix + "/" + bridge + "/state"
}

// PublishNode publishes a node event for bridge.
func (p *Publisher) PublishNode(bridge string, e nodetable.Entry, isNew bool) error {
	return p.publish(p.NodeTopic(bridge), false, NewNodeEvent(e, isNew))
}

// PublishState publishes the bridge state as a retained message. cause is
// included when the state is a failure.
func (p *Publisher) PublishState(bridge, state string, cause error) error {
	ev := StateEvent{State: state, Time: p.nowFn().UTC()}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return p.publish(p.StateTopic(bridge), true, ev)
}

func (p *Publisher) publish(topic string, retained bool, v any) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	token := client.Publish(topic, p.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}
	p.log.Debug("published event", "topic", topic, "bytes", len(payload))
	return nil
}

func (p *Publisher) onConnected(_ paho.Client) {
	p.mu.Lock()
	p.connected = true
	handler := p.stateHandler
	p.mu.Unlock()

	p.log.Info("connected to MQTT broker", "broker", p.cfg.Broker)

	if handler != nil {
		handler(transport.EventConnected)
	}
}

func (p *Publisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	handler := p.stateHandler
	p.mu.Unlock()

	p.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(transport.EventDisconnected)
	}
}

func (p *Publisher) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	p.mu.RLock()
	handler := p.stateHandler
	p.mu.RUnlock()

	p.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(transport.EventReconnecting)
	}
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
