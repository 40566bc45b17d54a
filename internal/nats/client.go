// Package nats carries telemetry over core NATS. Topics use MQTT syntax at
// the API boundary and are mapped to NATS subjects on the wire, so the same
// topic configuration works against either broker.
package nats

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Client represents a NATS client
type Client struct {
	conn *nats.Conn

	mu        sync.Mutex
	onConnect []func()
}

// New creates a new NATS client. Subscriptions survive reconnects inside
// the NATS client, so OnConnect callbacks run only for the first connection.
func New(url, name string) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("failed to connect to NATS: empty URL")
	}

	c := &Client{}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.conn = nc

	return c, nil
}

// OnConnect runs f now if the client is connected
func (c *Client) OnConnect(f func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, f)
	c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		f()
	}
}

// Subscribe delivers every message matching the MQTT-style filter to handler
func (c *Client) Subscribe(filter string, handler func(topic string, payload []byte)) error {
	subject, err := SubjectFromFilter(filter)
	if err != nil {
		return err
	}

	_, err = c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(TopicFromSubject(msg.Subject), msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// Publish sends payload on the subject for topic
func (c *Client) Publish(topic string, payload []byte) error {
	subject, err := SubjectFromFilter(topic)
	if err != nil {
		return err
	}
	if strings.ContainsAny(subject, "*>") {
		return fmt.Errorf("cannot publish to wildcard topic %q", topic)
	}

	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close closes the NATS connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// SubjectFromFilter maps an MQTT topic or filter to a NATS subject.
// Levels become tokens, + becomes * and a trailing # becomes >.
func SubjectFromFilter(filter string) (string, error) {
	if filter == "" {
		return "", fmt.Errorf("empty topic")
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "":
			return "", fmt.Errorf("topic %q has an empty level", filter)
		case level == "#":
			if i != len(levels)-1 {
				return "", fmt.Errorf("topic %q: # must be the last level", filter)
			}
			levels[i] = ">"
		case level == "+":
			levels[i] = "*"
		case strings.ContainsAny(level, ".*> \t#+"):
			return "", fmt.Errorf("topic %q has a level NATS cannot carry", filter)
		}
	}
	return strings.Join(levels, "."), nil
}

// TopicFromSubject maps a NATS subject back to an MQTT topic
func TopicFromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
