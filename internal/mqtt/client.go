// Package mqtt carries telemetry over an MQTT broker.
package mqtt

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	connectTimeout = 10 * time.Second
	tokenTimeout   = 10 * time.Second
	quiesceMillis  = 250
)

// Client wraps a paho client. The session is clean, so subscriptions are
// lost on reconnect and OnConnect callbacks run again after every connect.
type Client struct {
	client paho.Client

	mu        sync.Mutex
	onConnect []func()
	// connected is set once the connect handler has claimed the current
	// session, so no callback runs twice for it
	connected bool
}

// New connects to the broker at brokerURL
func New(brokerURL, clientID string) (*Client, error) {
	if brokerURL == "" {
		return nil, fmt.Errorf("failed to connect to MQTT: empty URL")
	}
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	c := &Client{}

	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(c.handleConnect).
		SetConnectionLostHandler(c.handleConnectionLost)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pw, ok := u.User.Password(); ok {
			opts.SetPassword(pw)
		}
	}

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("failed to connect to MQTT: timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	return c, nil
}

func newWithClient(client paho.Client) *Client {
	return &Client{client: client}
}

func (c *Client) handleConnect(paho.Client) {
	c.mu.Lock()
	c.connected = true
	callbacks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	log.Info("MQTT connected")
	for _, f := range callbacks {
		f()
	}
}

func (c *Client) handleConnectionLost(_ paho.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	log.Warnf("MQTT connection lost: %v", err)
}

// OnConnect registers f to run after every (re)connect, and runs it now if
// the current connection has already been handled
func (c *Client) OnConnect(f func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, f)
	now := c.connected
	c.mu.Unlock()

	if now {
		f()
	}
}

// Subscribe delivers every message matching filter to handler
func (c *Client) Subscribe(filter string, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(filter, 0, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	return wait(token, "subscribe to "+filter)
}

// Publish sends payload on topic at QoS 0
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 0, false, payload)
	return wait(token, "publish to "+topic)
}

// Close disconnects from the broker
func (c *Client) Close() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if c.client != nil {
		c.client.Disconnect(quiesceMillis)
	}
}

func wait(token paho.Token, what string) error {
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("failed to %s: timed out", what)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	return nil
}
