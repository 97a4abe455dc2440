package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rfwatch/engine"
	"rfwatch/interpolate"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rfwatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	t.Setenv("HTTP_PORT", "")
	t.Setenv("DB_TYPE", "")
	t.Setenv("KAFKA_BROKERS", "")

	path := writeConfig(t, `
server:
  port: 8081
engine:
  window: 2m
  grid_size_meters: 75
  interpolation_method: kriging
  pattern:
    threshold: 3
database:
  type: json
  json_path: /tmp/rfwatch-detections.json
mqtt:
  broker: tcp://localhost:1883
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8081 {
		t.Fatalf("port = %d, want 8081", cfg.Server.Port)
	}
	if cfg.Engine.Window != 2*time.Minute || cfg.Engine.GridSizeMeters != 75 {
		t.Fatalf("engine section not applied: %+v", cfg.Engine)
	}
	if cfg.Engine.InterpolationMethod != interpolate.MethodKriging {
		t.Fatalf("method = %q", cfg.Engine.InterpolationMethod)
	}
	if cfg.Engine.Pattern.Threshold != 3 {
		t.Fatalf("pattern threshold = %v, want 3", cfg.Engine.Pattern.Threshold)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Engine.TickRateHz != engine.DefaultTickRateHz || cfg.Engine.Pattern.MinSamples != 10 {
		t.Fatalf("defaults lost: tick=%v minSamples=%d", cfg.Engine.TickRateHz, cfg.Engine.Pattern.MinSamples)
	}
	if cfg.Database.Type != "json" || cfg.Database.JSONPath != "/tmp/rfwatch-detections.json" {
		t.Fatalf("database section not applied: %+v", cfg.Database)
	}
	if !cfg.MQTT.Enabled() || cfg.MQTT.TopicPrefix != DefaultMQTTTopicPrefix {
		t.Fatalf("mqtt section: %+v", cfg.MQTT)
	}
	if cfg.Kafka.Enabled() {
		t.Fatalf("kafka should stay disabled without brokers")
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8081\n")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("TICK_RATE_HZ", "4")
	t.Setenv("GRID_SIZE_METERS", "30")
	t.Setenv("PATTERN_THRESHOLD", "2")
	t.Setenv("DB_TYPE", "none")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("KAFKA_TOPIC_SIGNALS", "signals")
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_TOPIC_PREFIX", "site-a")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Addr() != ":9090" {
		t.Fatalf("port override failed: %d", cfg.Server.Port)
	}
	if cfg.Engine.TickRateHz != 4 || cfg.Engine.GridSizeMeters != 30 || cfg.Engine.Pattern.Threshold != 2 {
		t.Fatalf("engine overrides failed: %+v", cfg.Engine)
	}
	if cfg.Database.Type != "none" {
		t.Fatalf("db type = %q", cfg.Database.Type)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" || cfg.Kafka.Topic != "signals" {
		t.Fatalf("kafka overrides failed: %+v", cfg.Kafka)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" || cfg.MQTT.TopicPrefix != "site-a" {
		t.Fatalf("mqtt overrides failed: %+v", cfg.MQTT)
	}
}

func TestInvalidValuesFallBackToDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Server.Port = 70000
	cfg.Engine.GridSizeMeters = -5
	cfg.Engine.Interpolation.Resolution = 0
	cfg.Database.Type = "oracle"
	cfg.MQTT.QoS = 7

	err := cfg.Normalize()
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if !errors.Is(err, engine.ErrInvalidConfig) {
		t.Fatalf("engine reset should be reported, got %v", err)
	}
	if cfg.Server.Port != DefaultPort || cfg.Engine.GridSizeMeters != engine.DefaultConfig().GridSizeMeters {
		t.Fatalf("values not reset: port=%d grid=%v", cfg.Server.Port, cfg.Engine.GridSizeMeters)
	}
	if cfg.Engine.Interpolation.Resolution != interpolate.DefaultConfig().Resolution {
		t.Fatalf("interpolation resolution not reset")
	}
	if cfg.Database.Type != "sqlite" || cfg.MQTT.QoS != 1 {
		t.Fatalf("db/mqtt not reset: %q qos=%d", cfg.Database.Type, cfg.MQTT.QoS)
	}

	clean := Default()
	if err := clean.Normalize(); err != nil {
		t.Fatalf("defaults must normalize cleanly: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "server: [not, a, map")); err == nil {
		t.Fatalf("expected parse error")
	}
}
