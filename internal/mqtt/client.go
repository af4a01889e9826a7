// Package mqtt owns the broker link: the connection with its reconnect
// loop, the inbound gateway that routes device topics, and the outbound
// command dispatcher.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned by publish paths when the broker link is
// down. Callers fail fast; nothing is queued.
var ErrNotConnected = errors.New("mqtt: not connected to broker")

// ClientConfig carries the broker connection settings.
type ClientConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	ReconnectBase  time.Duration
	ReconnectCap   time.Duration
}

// Client wraps the paho client with an explicit exponential-backoff
// reconnect loop. Paho's built-in auto-reconnect is disabled so the backoff
// schedule and resubscription are under our control.
type Client struct {
	cfg  ClientConfig
	conn paho.Client

	mu            sync.Mutex
	subscriptions []subscription

	done     chan struct{}
	stopOnce sync.Once
}

type subscription struct {
	topic   string
	qos     byte
	handler paho.MessageHandler
}

// NewClient builds the client. Connect must be called before use.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 60 * time.Second
	}

	c := &Client{cfg: cfg, done: make(chan struct{})}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	c.conn = paho.NewClient(opts)
	return c
}

// Connect performs the initial connection attempt. Unlike the reconnect
// loop, a startup failure is surfaced to the caller so the process can
// decide whether to exit.
func (c *Client) Connect(ctx context.Context) error {
	token := c.conn.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", c.cfg.BrokerURL, err)
	}
	log.Info().Str("broker", c.cfg.BrokerURL).Str("clientId", c.cfg.ClientID).Msg("Connected to MQTT broker")
	return nil
}

// Subscribe registers a handler and subscribes now if connected. The
// subscription is replayed after every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler paho.MessageHandler) error {
	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, subscription{topic: topic, qos: qos, handler: handler})
	c.mu.Unlock()

	if !c.conn.IsConnected() {
		return nil
	}
	token := c.conn.Subscribe(topic, qos, handler)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends a payload and waits for the broker acknowledgement or the
// context deadline. Returns ErrNotConnected without queueing when the link
// is down.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !c.conn.IsConnected() {
		return ErrNotConnected
	}
	token := c.conn.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker link is up.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Close stops the reconnect loop and disconnects.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.conn.Disconnect(250)
		log.Info().Msg("Disconnected from MQTT broker")
	})
}

func (c *Client) onConnect(client paho.Client) {
	c.mu.Lock()
	subs := make([]subscription, len(c.subscriptions))
	copy(subs, c.subscriptions)
	c.mu.Unlock()

	for _, sub := range subs {
		token := client.Subscribe(sub.topic, sub.qos, sub.handler)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Error().Err(err).Str("topic", sub.topic).Msg("Failed to restore MQTT subscription")
		} else {
			log.Debug().Str("topic", sub.topic).Msg("MQTT subscription active")
		}
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	log.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
	go c.reconnectLoop()
}

// reconnectLoop retries the connection with exponential backoff, doubling
// from the base delay up to the cap, until it succeeds or Close is called.
func (c *Client) reconnectLoop() {
	delay := c.cfg.ReconnectBase
	for attempt := 1; ; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		token := c.conn.Connect()
		token.Wait()
		if token.Error() == nil {
			log.Info().Int("attempt", attempt).Msg("MQTT reconnected")
			return
		}
		log.Warn().Err(token.Error()).
			Int("attempt", attempt).
			Dur("nextDelay", delay).
			Msg("MQTT reconnect attempt failed")

		delay *= 2
		if delay > c.cfg.ReconnectCap {
			delay = c.cfg.ReconnectCap
		}
	}
}
