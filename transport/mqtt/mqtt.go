// Package mqtt provides an MQTT transport for carrying mesh frames over a
// shared broker topic.
//
// Frames are transmitted as base64-encoded strings over a single topic in
// the format "{prefix}/{meshID}". Because MQTT performs no per-peer
// addressing, every peer reachable through the broker looks like one
// fixed next hop: MeshDevice.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshlink/meshlink/core"
	"github.com/meshlink/meshlink/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

// DefaultTopicPrefix is the default MQTT topic prefix for mesh frames.
const DefaultTopicPrefix = "meshlink"

// MeshDevice is the fixed Device identity this transport reports: every
// peer reachable through the broker's shared topic looks like a single
// next hop, since the topic itself carries no sender address.
var MeshDevice = core.Device{ID: "mqtt", StreamID: "mqtt"}

// Config holds the configuration for an MQTT transport.
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
	// TopicPrefix is the MQTT topic prefix (default: DefaultTopicPrefix).
	TopicPrefix string
	// MeshID identifies this mesh network. The transport subscribes to and
	// publishes on "{TopicPrefix}/{MeshID}".
	MeshID string
	// Logger for transport events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg    Config
	client paho.Client
	log    *slog.Logger

	mu        sync.RWMutex
	connected bool
	callbacks transport.Callbacks
}

// New creates an MQTT transport bound to cfg. Call Start to connect.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg: cfg,
		log: logger.WithGroup("mqtt"),
	}
}

// SetCallbacks installs the callbacks this Transport invokes. Call before
// Start.
func (t *Transport) SetCallbacks(cb transport.Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = cb
}

// Start connects to the MQTT broker and begins listening for frames. The
// connection is torn down when ctx is canceled.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("mqtt: broker URL is required")
	}
	if t.cfg.MeshID == "" {
		return errors.New("mqtt: mesh ID is required")
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "meshlink-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	t.client = paho.NewClient(opts)

	token := t.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("mqtt: connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("mqtt: connecting to broker: %w", token.Error())
	}

	go func() {
		<-ctx.Done()
		t.Stop()
	}()

	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// IsConnected reports whether the transport is connected to the broker.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
}

// Write publishes data to the mesh topic. Completion is reported
// asynchronously via Callbacks.OnWriteCompleted/OnWriteFailed; device is
// echoed back unchanged since MQTT has only the one MeshDevice.
func (t *Transport) Write(device core.Device, data []byte) error {
	if !t.IsConnected() {
		return errors.New("mqtt: not connected")
	}
	go t.publish(device, data)
	return nil
}

func (t *Transport) publish(device core.Device, data []byte) {
	payload := base64.StdEncoding.EncodeToString(data)
	token := t.client.Publish(t.topic(), 0, false, payload)

	var err error
	if !token.WaitTimeout(10 * time.Second) {
		err = errors.New("mqtt: timeout publishing")
	} else {
		err = token.Error()
	}

	t.mu.RLock()
	cb := t.callbacks
	t.mu.RUnlock()

	if err != nil {
		if cb.OnWriteFailed != nil {
			cb.OnWriteFailed(device, err)
		}
		return
	}
	if cb.OnWriteCompleted != nil {
		cb.OnWriteCompleted(device)
	}
}

// Close disconnects from the broker. device is ignored since there is
// only ever the one MeshDevice.
func (t *Transport) Close(core.Device) error {
	return t.Stop()
}

func (t *Transport) topic() string {
	return t.cfg.TopicPrefix + "/" + t.cfg.MeshID
}

func (t *Transport) subscribe() {
	topic := t.topic()
	t.client.Subscribe(topic, 0, t.handleMessage)
	t.log.Debug("subscribed to mesh topic", "topic", topic)
}

func (t *Transport) handleMessage(_ paho.Client, message paho.Message) {
	t.mu.RLock()
	cb := t.callbacks
	t.mu.RUnlock()

	if cb.OnPacketBytes == nil {
		return
	}

	rawData, err := base64.StdEncoding.DecodeString(string(message.Payload()))
	if err != nil {
		t.log.Debug("failed to decode base64 payload", "error", err)
		return
	}

	cb.OnPacketBytes(MeshDevice.StreamID, rawData)
}

func (t *Transport) onConnected(_ paho.Client) {
	t.mu.Lock()
	t.connected = true
	cb := t.callbacks
	t.mu.Unlock()

	t.subscribe()
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker)

	if cb.OnDeviceAvailable != nil {
		cb.OnDeviceAvailable(MeshDevice)
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	cb := t.callbacks
	t.mu.Unlock()

	t.log.Error("MQTT connection lost", "error", err)

	if cb.OnDeviceLost != nil {
		cb.OnDeviceLost(MeshDevice)
	}
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.log.Info("reconnecting to MQTT broker")
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
