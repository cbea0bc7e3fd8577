package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "argusd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

const minimalYAML = `
instance_id: "test-node"
model:
  name: "yolov8n"
`

// TestLoadAppliesDefaults verifies a minimal config gets sane defaults.
func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Pipeline.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.QueueMargin != 8 {
		t.Errorf("Expected queue margin 2x workers, got %d", cfg.Pipeline.QueueMargin)
	}
	if cfg.Pipeline.MaxSessions != 16 {
		t.Errorf("Expected 16 max sessions, got %d", cfg.Pipeline.MaxSessions)
	}
	if cfg.Pipeline.MinConfidence != 0.25 {
		t.Errorf("Expected 0.25 min confidence, got %.2f", cfg.Pipeline.MinConfidence)
	}
	if cfg.HealthPort != "8080" {
		t.Errorf("Expected health port 8080, got %q", cfg.HealthPort)
	}
	if cfg.DefaultInterval() != time.Second {
		t.Errorf("Expected 1s default interval, got %v", cfg.DefaultInterval())
	}
	if cfg.ShutdownTimeout() != 5*time.Second {
		t.Errorf("Expected 5s shutdown timeout, got %v", cfg.ShutdownTimeout())
	}
}

// TestLoadRejectsInvalid verifies validation failures.
func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			"missing instance id",
			"model:\n  name: m\n",
			"instance_id",
		},
		{
			"bad instance id",
			"instance_id: \"Bad_ID!\"\nmodel:\n  name: m\n",
			"instance_id",
		},
		{
			"missing model name",
			"instance_id: node\n",
			"model.name",
		},
		{
			"min confidence out of range",
			"instance_id: node\nmodel:\n  name: m\npipeline:\n  min_confidence: 1.5\n",
			"min_confidence",
		},
		{
			"mqtt enabled without broker",
			"instance_id: node\nmodel:\n  name: m\nemit:\n  mqtt:\n    enabled: true\n",
			"broker",
		},
		{
			"bad mqtt encoding",
			"instance_id: node\nmodel:\n  name: m\nemit:\n  mqtt:\n    enabled: true\n    broker: localhost:1883\n    encoding: xml\n",
			"encoding",
		},
	}

	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.yaml))
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

// TestLoadEnvOverrides verifies environment values win over the file.
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ARGUSD_INSTANCE_ID", "env-node")
	t.Setenv("ARGUSD_MQTT_BROKER", "broker.env:1883")
	t.Setenv("ARGUSD_MQTT_USERNAME", "svc")
	t.Setenv("ARGUSD_MQTT_PASSWORD", "secret")
	t.Setenv("ARGUSD_MODEL_PATH", "/env/model.onnx")

	yaml := `
instance_id: "file-node"
model:
  name: "yolov8n"
  path: "file/model.onnx"
emit:
  mqtt:
    enabled: true
    broker: "broker.file:1883"
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.InstanceID != "env-node" {
		t.Errorf("Instance ID not overridden: %q", cfg.InstanceID)
	}
	if cfg.Emit.MQTT.Broker != "broker.env:1883" {
		t.Errorf("Broker not overridden: %q", cfg.Emit.MQTT.Broker)
	}
	if cfg.Emit.MQTT.Username != "svc" || cfg.Emit.MQTT.Password != "secret" {
		t.Error("Credentials not taken from environment")
	}
	if cfg.Model.Path != "/env/model.onnx" {
		t.Errorf("Model path not overridden: %q", cfg.Model.Path)
	}
}

// TestLoadMQTTDefaults verifies derived mqtt defaults.
func TestLoadMQTTDefaults(t *testing.T) {
	yaml := `
instance_id: "node-1"
model:
  name: "yolov8n"
emit:
  mqtt:
    enabled: true
    broker: "localhost:1883"
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Emit.MQTT.ClientID != "node-1" {
		t.Errorf("Expected client ID from instance, got %q", cfg.Emit.MQTT.ClientID)
	}
	if cfg.Emit.MQTT.Topic != "evmon/detections/node-1" {
		t.Errorf("Unexpected derived topic %q", cfg.Emit.MQTT.Topic)
	}
	if cfg.Emit.MQTT.Encoding != "json" {
		t.Errorf("Expected json encoding default, got %q", cfg.Emit.MQTT.Encoding)
	}
}

// TestLoadMissingFile verifies the read error path.
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
