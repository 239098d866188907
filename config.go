package rfmesh

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings of a node. The same file is normally shared by
// every node of the network, each one learning its own id when joining.
type Config struct {
	// NumberOfSensors is the number of mobile nodes, ground excluded.
	NumberOfSensors int `yaml:"number_of_sensors"`
	// Sensors lists the hex hardware addresses indexed by node id, starting
	// with the ground node.
	Sensors []string `yaml:"sensors"`

	SlotWidth     time.Duration `yaml:"slot_width"`
	LoopDelay     time.Duration `yaml:"loop_delay"`
	ResponseDelay time.Duration `yaml:"response_delay"`
	StartupDelay  time.Duration `yaml:"startup_delay"`
	NTPDelay      time.Duration `yaml:"ntp_delay"`
	Synchronize   bool          `yaml:"synchronize"`

	CustomPacketLimit int `yaml:"custom_packet_limit"`
	ReceiveQueueSize  int `yaml:"receive_queue_size"`

	Serial   SerialConfig       `yaml:"serial"`
	Delivery DeliveryConfigFile `yaml:"delivery"`
	Buffer   BufferConfig       `yaml:"buffer"`
	Log      LogConfig          `yaml:"log"`
	Metrics  MetricsConfig      `yaml:"metrics"`
}

// SerialConfig locates the radio.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// DeliveryConfigFile holds the retry settings of reliable delivery.
type DeliveryConfigFile struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// BufferConfig selects where the ground node stores measurements. Both sinks
// may be enabled at once.
type BufferConfig struct {
	Path string     `yaml:"path"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`

	// PublishTimeout bounds the wait for the broker on each measurement.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the settings used for anything a file does not set.
func DefaultConfig() *Config {
	return &Config{
		NumberOfSensors:   2,
		SlotWidth:         DefaultSlotWidth,
		LoopDelay:         DefaultLoopDelay,
		ResponseDelay:     DefaultResponseDelay,
		StartupDelay:      0,
		NTPDelay:          DefaultNTPDelay,
		Synchronize:       true,
		CustomPacketLimit: DefaultCustomPacketLimit,
		ReceiveQueueSize:  DefaultReceiveQueueSize,
		Serial: SerialConfig{
			Baud: 57600,
		},
		Delivery: DeliveryConfigFile{
			MaxRetries:    3,
			RetryInterval: 5 * time.Second,
		},
		Buffer: BufferConfig{
			MQTT: MQTTConfig{
				Topic:          "rfmesh/rssi",
				ClientID:       "rfmesh-ground",
				QoS:            1,
				PublishTimeout: DefaultPublishTimeout,
			},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("RFMESH_PORT"); port != "" {
		c.Serial.Port = port
	}
}

// Validate checks the settings are usable.
func (c *Config) Validate() error {
	var errs []error

	if c.NumberOfSensors < 1 {
		errs = append(errs, fmt.Errorf("number_of_sensors must be at least 1, got %d", c.NumberOfSensors))
	}
	if len(c.Sensors) != 0 && len(c.Sensors) != c.NumberOfSensors+1 {
		errs = append(errs, fmt.Errorf("sensors must list %d addresses (ground included), got %d", c.NumberOfSensors+1, len(c.Sensors)))
	}
	for i, s := range c.Sensors {
		if _, err := ParseAddress(s); err != nil {
			errs = append(errs, fmt.Errorf("sensors[%d]: %w", i, err))
		}
	}
	if c.SlotWidth <= 0 {
		errs = append(errs, errors.New("slot_width must be positive"))
	}
	if c.LoopDelay <= 0 {
		errs = append(errs, errors.New("loop_delay must be positive"))
	}
	if c.ResponseDelay <= 0 {
		errs = append(errs, errors.New("response_delay must be positive"))
	}
	if c.Synchronize && c.NTPDelay <= 0 {
		errs = append(errs, errors.New("ntp_delay must be positive"))
	}
	if c.CustomPacketLimit < 1 {
		errs = append(errs, errors.New("custom_packet_limit must be at least 1"))
	}
	if c.ReceiveQueueSize < 1 {
		errs = append(errs, errors.New("receive_queue_size must be at least 1"))
	}
	if c.Delivery.MaxRetries < 1 {
		errs = append(errs, errors.New("delivery.max_retries must be at least 1"))
	}
	if c.Delivery.RetryInterval <= 0 {
		errs = append(errs, errors.New("delivery.retry_interval must be positive"))
	}
	if c.Buffer.MQTT.PublishTimeout <= 0 {
		errs = append(errs, errors.New("buffer.mqtt.publish_timeout must be positive"))
	}
	if c.Buffer.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("buffer.mqtt.qos must be 0, 1 or 2, got %d", c.Buffer.MQTT.QoS))
	}

	return errors.Join(errs...)
}

// Addresses returns the decoded address table, indexed by node id.
func (c *Config) Addresses() ([]Address, error) {
	res := make([]Address, len(c.Sensors))
	for i, s := range c.Sensors {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("sensors[%d]: %w", i, err)
		}
		res[i] = a
	}
	return res, nil
}
