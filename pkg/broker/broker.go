// Package broker wraps the MQTT client the dispatcher and alert sinks
// share: connect with auto-reconnect, resubscribe on reconnect, publish
// with per-call QoS.
package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Handler receives one inbound message payload for a subscribed topic.
type Handler func(topic string, payload []byte)

// Config connects the client.
type Config struct {
	BrokerURL      string
	ClientIDPrefix string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Client is a thin wrapper over paho that re-establishes subscriptions
// after a reconnect. Safe for concurrent use.
type Client struct {
	client mqtt.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler Handler
}

// Connect dials the broker and blocks until the initial connection is up
// or the timeout elapses.
func Connect(cfg Config) (*Client, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("broker url is required")
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "fabric"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	c := &Client{
		logger: slog.With("component", "broker"),
		subs:   make(map[string]subscription),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientIDPrefix + "-" + uuid.New().String()[:8]).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("MQTT connection lost", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("timed out connecting to broker %s", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", cfg.BrokerURL, err)
	}
	c.logger.Info("Connected to MQTT broker", "broker_url", cfg.BrokerURL)
	return c, nil
}

// onConnect replays every registered subscription. Runs on the initial
// connection and after every reconnect.
func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, sub := range c.subs {
		if err := c.subscribeLocked(client, topic, sub); err != nil {
			c.logger.Error("Failed to resubscribe", "topic", topic, "error", err)
		}
	}
}

func (c *Client) subscribeLocked(client mqtt.Client, topic string, sub subscription) error {
	token := client.Subscribe(topic, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
		sub.handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// Subscribe registers handler for topic (wildcards allowed) and keeps the
// subscription alive across reconnects.
func (c *Client) Subscribe(topic string, qos byte, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("subscribe %s: handler is required", topic)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := subscription{qos: qos, handler: handler}
	if err := c.subscribeLocked(c.client, topic, sub); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	c.subs[topic] = sub
	c.logger.Info("Subscribed", "topic", topic, "qos", qos)
	return nil
}

// Publish sends payload to topic and waits for the broker ack.
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	token := c.client.Publish(topic, qos, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects after flushing in-flight messages.
func (c *Client) Close() {
	c.client.Disconnect(250)
}
