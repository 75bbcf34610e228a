package mqtt

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/mil-ad/rfkilld/internal/logger"
	"github.com/mil-ad/rfkilld/internal/rfkill"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second

	// milliseconds
	defaultDisconnectQuiesce = 1000

	maxQoS = 2
)

// Config contains MQTT broker connection settings.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	TLS         bool   `yaml:"tls"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         int    `yaml:"qos"`
	TopicPrefix string `yaml:"topic_prefix"`

	// Seconds between reconnect attempts, growing up to MaxReconnectDelay.
	ReconnectDelay    int `yaml:"reconnect_delay"`
	MaxReconnectDelay int `yaml:"max_reconnect_delay"`
}

// Client publishes registry state as retained messages.
//
// PublishUpdate is meant to be called from a single goroutine; the paho
// client underneath is safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    Config
	topics Topics
	log    zerolog.Logger

	mu       sync.Mutex
	tracker  *stateTracker
	last     rfkill.Update
	haveLast bool
}

// Connect dials the broker and announces the daemon as online. The broker
// publishes an offline status on our behalf if the connection drops.
func Connect(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	topics := Topics{Prefix: cfg.TopicPrefix}
	c := &Client{
		cfg:     cfg,
		topics:  topics,
		log:     logger.WithComponent(log, "mqtt"),
		tracker: newStateTracker(topics),
	}

	opts := buildClientOptions(cfg)
	opts.SetWill(topics.Status(), statusPayload("offline", cfg.ClientID), 1, true)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.log.Info().Msg("connected to broker")
		c.publishStatus("online")
		c.resync()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.log.Warn().Err(err).Msg("connection to broker lost")
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return c, nil
}

func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	if cfg.ReconnectDelay > 0 {
		opts.SetConnectRetryInterval(time.Duration(cfg.ReconnectDelay) * time.Second)
	}
	if cfg.MaxReconnectDelay > 0 {
		opts.SetMaxReconnectInterval(time.Duration(cfg.MaxReconnectDelay) * time.Second)
	}
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	return opts
}

func statusPayload(status, clientID string) string {
	return fmt.Sprintf(`{"status":%q,"client_id":%q,"timestamp":%q}`,
		status, clientID, time.Now().UTC().Format(time.RFC3339))
}

func (c *Client) publishStatus(status string) {
	if err := c.publish(c.topics.Status(), []byte(statusPayload(status, c.cfg.ClientID))); err != nil {
		c.log.Warn().Err(err).Str("status", status).Msg("publishing status")
	}
}

func (c *Client) publish(topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, byte(c.cfg.QoS), true, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishUpdate publishes the retained topics affected by u. It keeps going
// after a failed publish and returns the first error.
func (c *Client) PublishUpdate(u rfkill.Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last, c.haveLast = u, true
	return c.send(u)
}

// resync brings the broker up to date after a (re)connect. The tracker keeps
// its view of the retained topics, so devices removed while disconnected are
// cleared now.
func (c *Client) resync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracker.reconnected()
	if !c.haveLast {
		return
	}
	if err := c.send(c.last); err != nil {
		c.log.Warn().Err(err).Msg("republishing state")
	}
}

// send publishes what u changes. A failed message is left uncommitted and
// retried with the next update.
func (c *Client) send(u rfkill.Update) error {
	msgs, err := c.tracker.messages(u)
	if err != nil {
		return err
	}
	var first error
	for _, m := range msgs {
		if err := c.publish(m.topic, m.payload); err != nil {
			c.tracker.fail(m)
			c.log.Debug().Err(err).Str("topic", m.topic).Msg("publish failed")
			if first == nil {
				first = err
			}
			continue
		}
		c.tracker.commit(m)
	}
	return first
}

// Close announces a graceful shutdown and disconnects.
func (c *Client) Close() {
	c.publishStatus("offline")
	c.client.Disconnect(defaultDisconnectQuiesce)
}
