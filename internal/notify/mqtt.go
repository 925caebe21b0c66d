package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tiroq/replaybuf/internal/diaglog"
)

// MQTTConfig configures the broker sink.
type MQTTConfig struct {
	Broker         string // tcp://host:1883
	ClientID       string // random when empty
	Topic          string // events go to <Topic>/<kind>
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Publisher is the subset of mqtt.Client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes events to a broker.
type MQTT struct {
	pub    Publisher
	client mqtt.Client
	cfg    MQTTConfig
	diag   *diaglog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

func (c *MQTTConfig) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "replaybuf-" + uuid.NewString()[:8]
	}
	if c.Topic == "" {
		c.Topic = "replaybuf/saves"
	}
	c.Topic = strings.TrimRight(c.Topic, "/")
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
}

// DialMQTT connects to cfg.Broker with automatic reconnection.
func DialMQTT(cfg MQTTConfig, diag *diaglog.Logger) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker address required")
	}
	cfg.applyDefaults()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentNotify,
			Event:     diaglog.EventSinkError,
			Reason:    "mqtt connection lost: " + err.Error(),
			Payload:   map[string]interface{}{"broker": cfg.Broker},
		})
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}

	m := NewMQTT(client, cfg, diag)
	m.client = client
	return m, nil
}

// NewMQTT wraps an existing publisher.
func NewMQTT(pub Publisher, cfg MQTTConfig, diag *diaglog.Logger) *MQTT {
	cfg.applyDefaults()
	return &MQTT{pub: pub, cfg: cfg, diag: diag}
}

// Topic returns the topic an event of kind is published to.
func (m *MQTT) Topic(kind Kind) string {
	return m.cfg.Topic + "/" + string(kind)
}

func (m *MQTT) Notify(e Event) {
	if err := m.publish(e); err != nil {
		m.failed.Add(1)
		m.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentNotify,
			Event:     diaglog.EventSinkError,
			JobID:     e.JobID,
			Reason:    err.Error(),
			Payload:   map[string]interface{}{"topic": m.Topic(e.Kind)},
		})
		return
	}
	m.published.Add(1)
}

func (m *MQTT) publish(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("mqtt: marshal event: %w", err)
	}
	token := m.pub.Publish(m.Topic(e.Kind), m.cfg.QoS, false, payload)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		return errors.New("mqtt: publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish: %w", err)
	}
	return nil
}

// Stats returns published and failed counts.
func (m *MQTT) Stats() (published, failed uint64) {
	return m.published.Load(), m.failed.Load()
}

// Close disconnects a client created by DialMQTT.
func (m *MQTT) Close() {
	if m.client != nil {
		m.client.Disconnect(250)
	}
}
