package rfmesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var errPublishTimeout = errors.New("mqtt publish timed out")

type publisher interface {
	publish(topic string, qos byte, payload []byte) error
}

// tokenPublisher is the part of mqtt.Client used to publish.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// pahoPublisher waits at most timeout for each publish. QoS 1 and 2
// messages stay pending while the client reconnects.
type pahoPublisher struct {
	raw     tokenPublisher
	timeout time.Duration
}

func (p pahoPublisher) publish(topic string, qos byte, payload []byte) error {
	token := p.raw.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w after %s", errPublishTimeout, p.timeout)
	}
	return token.Error()
}

// MQTTBuffer publishes each measurement as a JSON object to an MQTT topic.
type MQTTBuffer struct {
	pub   publisher
	raw   mqtt.Client
	topic string
	qos   byte
}

// NewMQTTBuffer connects to the broker described by cfg.
func NewMQTTBuffer(cfg MQTTConfig) (*MQTTBuffer, error) {
	o := mqtt.NewClientOptions()
	o.AddBroker(cfg.Broker)
	o.SetClientID(cfg.ClientID)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	c := mqtt.NewClient(o)

	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Broker, token.Error())
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &MQTTBuffer{pub: pahoPublisher{raw: c, timeout: timeout}, raw: c, topic: cfg.Topic, qos: cfg.QoS}, nil
}

func (b *MQTTBuffer) Put(p *RSSIGroundStation) error {
	payload, err := measurementJSON(p)
	if err != nil {
		return err
	}
	if err := b.pub.publish(b.topic, b.qos, payload); err != nil {
		return fmt.Errorf("failed to publish measurement: %w", err)
	}
	return nil
}

func (b *MQTTBuffer) Close() {
	if b.raw != nil {
		b.raw.Disconnect(250)
	}
}

// measurementJSON encodes the set fields of p as a flat JSON object.
func measurementJSON(p *RSSIGroundStation) ([]byte, error) {
	obj := make(map[string]any)
	for _, f := range Fields(p) {
		if f.Value == nil {
			continue
		}
		obj[f.Name] = f.Value
	}
	return json.Marshal(obj)
}
