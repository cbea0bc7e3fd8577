package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.HealthPort == "" {
		cfg.HealthPort = "8080"
	}

	// Pipeline bounds
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.QueueMargin <= 0 {
		cfg.Pipeline.QueueMargin = 2 * cfg.Pipeline.Workers
	}
	if cfg.Pipeline.MaxSessions <= 0 {
		cfg.Pipeline.MaxSessions = 16
	}
	if cfg.Pipeline.QueueDepth <= 0 {
		cfg.Pipeline.QueueDepth = 4
	}
	if cfg.Pipeline.MinConfidence < 0 || cfg.Pipeline.MinConfidence > 1 {
		return fmt.Errorf("pipeline.min_confidence must be in [0,1], got %.2f", cfg.Pipeline.MinConfidence)
	}
	if cfg.Pipeline.MinConfidence == 0 {
		cfg.Pipeline.MinConfidence = 0.25
	}
	if cfg.Pipeline.DefaultIntervalMS <= 0 {
		cfg.Pipeline.DefaultIntervalMS = 1000
	}

	// Source retry policy
	if cfg.Source.ReadTimeoutS <= 0 {
		cfg.Source.ReadTimeoutS = 5
	}
	if cfg.Source.RetryBaseMS <= 0 {
		cfg.Source.RetryBaseMS = 1000
	}
	if cfg.Source.RetryMaxMS <= 0 {
		cfg.Source.RetryMaxMS = 30000
	}
	if cfg.Source.MaxRetries <= 0 {
		cfg.Source.MaxRetries = 5
	}

	// Model
	if cfg.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if cfg.Model.InputWidth <= 0 {
		cfg.Model.InputWidth = 640
	}
	if cfg.Model.InputHeight <= 0 {
		cfg.Model.InputHeight = 640
	}

	// Emitter retry policy
	if cfg.Emit.MaxAttempts <= 0 {
		cfg.Emit.MaxAttempts = 5
	}
	if cfg.Emit.RetryBaseMS <= 0 {
		cfg.Emit.RetryBaseMS = 200
	}
	if cfg.Emit.RetryMaxMS <= 0 {
		cfg.Emit.RetryMaxMS = 5000
	}

	if cfg.Emit.MQTT.Enabled {
		if cfg.Emit.MQTT.Broker == "" {
			return fmt.Errorf("emit.mqtt.broker is required when mqtt sink is enabled")
		}
		if cfg.Emit.MQTT.ClientID == "" {
			cfg.Emit.MQTT.ClientID = cfg.InstanceID
		}
		if cfg.Emit.MQTT.Topic == "" {
			cfg.Emit.MQTT.Topic = fmt.Sprintf("evmon/detections/%s", cfg.InstanceID)
		}
		switch cfg.Emit.MQTT.Encoding {
		case "":
			cfg.Emit.MQTT.Encoding = "json"
		case "json", "msgpack":
		default:
			return fmt.Errorf("emit.mqtt.encoding must be json or msgpack, got %q", cfg.Emit.MQTT.Encoding)
		}
	}

	if cfg.Emit.Webhook.Enabled {
		if cfg.Emit.Webhook.URL == "" {
			return fmt.Errorf("emit.webhook.url is required when webhook sink is enabled")
		}
		if cfg.Emit.Webhook.TimeoutMS <= 0 {
			cfg.Emit.Webhook.TimeoutMS = 3000
		}
	}

	return nil
}
