package rfmesh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rfmesh.yaml")
	data := `
number_of_sensors: 2
sensors:
  - "0013a20040a1b2c0"
  - "0013a20040a1b2c1"
  - "0013a20040a1b2c2"
slot_width: 300ms
synchronize: false
serial:
  port: /dev/ttyUSB0
delivery:
  max_retries: 5
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write config: %s", err)
	}
	t.Setenv("RFMESH_PORT", "/dev/ttyAMA0")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %s", err)
	}

	if cfg.NumberOfSensors != 2 || cfg.SlotWidth != 300*time.Millisecond || cfg.Synchronize {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.LoopDelay != DefaultLoopDelay || cfg.CustomPacketLimit != DefaultCustomPacketLimit {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.Delivery.MaxRetries != 5 || cfg.Delivery.RetryInterval != 5*time.Second {
		t.Errorf("delivery settings = %+v", cfg.Delivery)
	}
	if cfg.Buffer.MQTT.PublishTimeout != DefaultPublishTimeout {
		t.Errorf("publish timeout = %s", cfg.Buffer.MQTT.PublishTimeout)
	}
	if cfg.Serial.Port != "/dev/ttyAMA0" {
		t.Errorf("environment override not applied: %s", cfg.Serial.Port)
	}

	addrs, err := cfg.Addresses()
	if err != nil {
		t.Fatalf("Addresses failed: %s", err)
	}
	if len(addrs) != 3 || addrs[2].String() != "0013a20040a1b2c2" {
		t.Errorf("unexpected addresses %v", addrs)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		expect string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no sensors", func(c *Config) { c.NumberOfSensors = 0 }, "number_of_sensors"},
		{"address count", func(c *Config) { c.Sensors = []string{"00", "01"} }, "sensors must list 3"},
		{"bad address", func(c *Config) { c.Sensors = []string{"00", "01", "zz"} }, "sensors[2]"},
		{"slot", func(c *Config) { c.SlotWidth = 0 }, "slot_width"},
		{"limit", func(c *Config) { c.CustomPacketLimit = 0 }, "custom_packet_limit"},
		{"qos", func(c *Config) { c.Buffer.MQTT.QoS = 3 }, "qos"},
		{"publish timeout", func(c *Config) { c.Buffer.MQTT.PublishTimeout = 0 }, "publish_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.expect == "" {
				if err != nil {
					t.Errorf("unexpected error: %s", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.expect) {
				t.Errorf("expected error about %q, got %v", tt.expect, err)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Errorf("missing file accepted")
	}
}
