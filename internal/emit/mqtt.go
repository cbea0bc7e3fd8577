package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/evmon/argusd/internal/types"
)

// MQTTSinkConfig configures the event-bus sink.
type MQTTSinkConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	// Encoding selects the payload format: "json" (default) or "msgpack".
	Encoding string
	Username string
	Password string
}

// MQTTSink publishes detection batches to an MQTT broker. The broker is
// the platform's event bus; the event store consumes from it.
type MQTTSink struct {
	cfg    MQTTSinkConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTTSink connects to the broker. Auto-reconnect is left on: a broker
// blip surfaces as Deliver errors which the emitter retries.
func NewMQTTSink(cfg MQTTSinkConfig) (*MQTTSink, error) {
	s := &MQTTSink{cfg: cfg}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		s.setConnected(true)
		slog.Info("mqtt sink connected",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.setConnected(false)
		slog.Warn("mqtt sink connection lost, will auto-reconnect",
			"broker", cfg.Broker,
			"error", err,
		)
	}

	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	s.setConnected(true)

	return s, nil
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Deliver implements Sink. Topic layout: <topic>/<camera_id>, with
// "adhoc" for single-frame requests.
func (s *MQTTSink) Deliver(ctx context.Context, batch types.DetectionBatch) error {
	if !s.isConnected() {
		s.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := s.encode(batch)
	if err != nil {
		s.countError()
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	camera := batch.CameraID
	if camera == "" {
		camera = "adhoc"
	}
	topic := fmt.Sprintf("%s/%s", s.cfg.Topic, camera)

	token := s.client.Publish(topic, s.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		s.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		s.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	s.mu.Lock()
	s.published++
	s.mu.Unlock()

	slog.Debug("batch published",
		"topic", topic,
		"qos", s.cfg.QoS,
		"size", len(payload),
	)
	return nil
}

func (s *MQTTSink) encode(batch types.DetectionBatch) ([]byte, error) {
	if s.cfg.Encoding == "msgpack" {
		return msgpack.Marshal(batch)
	}
	return json.Marshal(batch)
}

// Close implements Sink.
func (s *MQTTSink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		slog.Info("mqtt sink disconnected")
	}
	s.setConnected(false)
	return nil
}

func (s *MQTTSink) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *MQTTSink) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// Connected reports broker connectivity for health checks.
func (s *MQTTSink) Connected() bool { return s.isConnected() }
