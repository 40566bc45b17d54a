// Package transport selects a broker client from a URL.
package transport

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/saviobatista/obu-tracker/internal/mqtt"
	"github.com/saviobatista/obu-tracker/internal/nats"
)

// MessageHandler receives one broker message. Topics are always in MQTT
// syntax, whatever the broker.
type MessageHandler = func(topic string, payload []byte)

// Transport is a connected broker client
type Transport interface {
	// OnConnect registers f to run whenever subscriptions need to be
	// (re)established, and runs it immediately if already connected.
	OnConnect(f func())
	Subscribe(filter string, handler MessageHandler) error
	Publish(topic string, payload []byte) error
	Close()
}

// Kind names a supported broker protocol
type Kind string

const (
	KindMQTT Kind = "mqtt"
	KindNATS Kind = "nats"
)

// KindOf reports which broker protocol a URL selects
func KindOf(brokerURL string) (Kind, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return "", fmt.Errorf("invalid broker URL %q: %w", brokerURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "nats":
		return KindNATS, nil
	case "tcp", "mqtt", "mqtts", "ssl", "tls", "ws", "wss":
		return KindMQTT, nil
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

// Dial connects to the broker named by brokerURL
func Dial(brokerURL, clientID string) (Transport, error) {
	kind, err := KindOf(brokerURL)
	if err != nil {
		return nil, err
	}

	if kind == KindNATS {
		c, err := nats.New(brokerURL, clientID)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	c, err := mqtt.New(brokerURL, clientID)
	if err != nil {
		return nil, err
	}
	return c, nil
}
