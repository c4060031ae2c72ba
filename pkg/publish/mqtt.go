// Package publish moves accepted location samples from the device agent to
// the hub over MQTT.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/geopulse/geopulse/pkg/logx"
)

// LocationWrite is the wire record for one accepted sample
type LocationWrite struct {
	UserID     string    `json:"user_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy_m"`
	IsSharing  bool      `json:"is_sharing"`
	CapturedAt time.Time `json:"captured_at"`
}

// Config holds MQTT connection settings
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() Config {
	return Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "geopulse",
		TopicPrefix: "geopulse",
		QoS:         1,
		Enabled:     false,
	}
}

// Client publishes and consumes location writes
type Client struct {
	client    MQTT.Client
	logger    *logx.Logger
	config    Config
	connected bool
}

// NewClient creates an MQTT client with the given configuration
func NewClient(config Config, logger *logx.Logger) *Client {
	return &Client{
		config: config,
		logger: logger,
	}
}

// Connect establishes the broker connection. A disabled client is a no-op.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("mqtt client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(func(MQTT.Client) {
		c.connected = true
		c.logger.Info("mqtt connection established", "broker", c.config.Broker)
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		c.connected = false
		c.logger.Error("mqtt connection lost", "error", err.Error())
	})

	c.client = MQTT.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}
	return nil
}

// Disconnect closes the broker connection
func (c *Client) Disconnect() {
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("mqtt client disconnected")
	}
}

// IsConnected reports whether the broker connection is up
func (c *Client) IsConnected() bool {
	return c.connected && c.client != nil && c.client.IsConnected()
}

func (c *Client) locationTopic(userID string) string {
	return fmt.Sprintf("%s/locations/%s", c.config.TopicPrefix, userID)
}

// PublishLocation publishes one location write. The context bounds the wait
// for broker acknowledgment.
func (c *Client) PublishLocation(ctx context.Context, w LocationWrite) error {
	if !c.config.Enabled || !c.connected {
		return nil
	}

	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal location write: %w", err)
	}

	token := c.client.Publish(c.locationTopic(w.UserID), byte(c.config.QoS), false, data)
	select {
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish location: %w", token.Error())
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	c.logger.Debug("location published",
		"user", w.UserID,
		"sharing", w.IsSharing,
	)
	return nil
}

// SubscribeLocations consumes location writes for all users. Malformed
// payloads are logged and dropped; the handler runs on paho's dispatch
// goroutine, so it should hand work off quickly.
func (c *Client) SubscribeLocations(handler func(LocationWrite)) error {
	if !c.config.Enabled || !c.connected {
		return nil
	}

	topic := fmt.Sprintf("%s/locations/+", c.config.TopicPrefix)
	token := c.client.Subscribe(topic, byte(c.config.QoS), func(_ MQTT.Client, msg MQTT.Message) {
		var w LocationWrite
		if err := json.Unmarshal(msg.Payload(), &w); err != nil {
			c.logger.Warn("dropping malformed location write",
				"topic", msg.Topic(),
				"error", err.Error(),
			)
			return
		}
		handler(w)
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}

	c.logger.Info("subscribed to location writes", "topic", topic)
	return nil
}
