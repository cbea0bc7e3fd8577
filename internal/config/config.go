package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete argusd configuration.
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // graceful shutdown budget (default 5)
	HealthPort       string         `yaml:"health_port"`
	Pipeline         PipelineConfig `yaml:"pipeline"`
	Source           SourceConfig   `yaml:"source"`
	Model            ModelConfig    `yaml:"model"`
	Emit             EmitConfig     `yaml:"emit"`
}

// PipelineConfig bounds the detection pipeline.
type PipelineConfig struct {
	// Workers is the inference worker pool size.
	Workers int `yaml:"workers"`
	// QueueMargin is the number of in-flight submissions allowed beyond the
	// pool size. In-flight cap = Workers + QueueMargin.
	QueueMargin int `yaml:"queue_margin"`
	// MaxSessions is the hard cap on concurrent stream sessions.
	MaxSessions int `yaml:"max_sessions"`
	// QueueDepth is the per-camera FIFO depth before load-shedding.
	QueueDepth int `yaml:"queue_depth"`
	// MinConfidence drops detections below this score.
	MinConfidence float64 `yaml:"min_confidence"`
	// DefaultIntervalMS is the sampling interval applied when a session
	// start request does not name one.
	DefaultIntervalMS int `yaml:"default_interval_ms"`
}

// SourceConfig controls frame source connection behavior.
type SourceConfig struct {
	ReadTimeoutS int `yaml:"read_timeout_s"`
	// RetryBaseMS is the first reconnect backoff delay.
	RetryBaseMS int `yaml:"retry_base_ms"`
	// RetryMaxMS caps the exponential backoff.
	RetryMaxMS int `yaml:"retry_max_ms"`
	// MaxRetries is the reconnect attempt ceiling before the session fails.
	MaxRetries int `yaml:"max_retries"`
}

// ModelConfig names the model to load from the registry.
type ModelConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// Path points at the ONNX weights when using the local registry.
	Path string `yaml:"path"`
	// LibraryPath points at the onnxruntime shared library.
	LibraryPath string `yaml:"library_path"`
	// InputWidth/InputHeight are the model input dimensions.
	InputWidth  int `yaml:"input_width"`
	InputHeight int `yaml:"input_height"`
}

// EmitConfig controls result delivery.
type EmitConfig struct {
	// MaxAttempts caps per-sink delivery retries.
	MaxAttempts int `yaml:"max_attempts"`
	RetryBaseMS int `yaml:"retry_base_ms"`
	RetryMaxMS  int `yaml:"retry_max_ms"`
	// ReorderStalenessMS forces a skip-ahead past a sequence gap after this
	// long. 0 derives it from the session sampling interval.
	ReorderStalenessMS int `yaml:"reorder_staleness_ms"`

	MQTT      MQTTConfig      `yaml:"mqtt"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// MQTTConfig configures the event-bus sink.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	// Encoding selects the wire payload: "json" or "msgpack".
	Encoding string `yaml:"encoding"`
	// Username/Password come from the environment, never from YAML.
	Username string `yaml:"-"`
	Password string `yaml:"-"`
}

// WebhookConfig configures the HTTP push sink.
type WebhookConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// WebSocketConfig configures the websocket broadcast sink, served on the
// health port at /ws.
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads the YAML configuration file, applies environment overrides and
// validates the result. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using process environment")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnv overlays credentials and deploy-specific endpoints from the
// environment on top of the file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ARGUSD_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := os.Getenv("ARGUSD_MQTT_BROKER"); v != "" {
		cfg.Emit.MQTT.Broker = v
	}
	cfg.Emit.MQTT.Username = os.Getenv("ARGUSD_MQTT_USERNAME")
	cfg.Emit.MQTT.Password = os.Getenv("ARGUSD_MQTT_PASSWORD")
	if v := os.Getenv("ARGUSD_WEBHOOK_URL"); v != "" {
		cfg.Emit.Webhook.URL = v
	}
	if v := os.Getenv("ARGUSD_MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// DefaultInterval returns the fallback sampling interval.
func (c *Config) DefaultInterval() time.Duration {
	return time.Duration(c.Pipeline.DefaultIntervalMS) * time.Millisecond
}
