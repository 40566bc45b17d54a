package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/saviobatista/obu-tracker/internal/config"
	"github.com/saviobatista/obu-tracker/internal/logging"
	"github.com/saviobatista/obu-tracker/internal/transport"
)

// dialFunc connects to a broker. Replaced in tests.
type dialFunc func(brokerURL, clientID string) (transport.Transport, error)

// Publisher interface for testability
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// forward republishes every message from one OBU under its identifier
func forward(central Publisher, obuID string) transport.MessageHandler {
	return func(topic string, payload []byte) {
		out := obuID + "/" + topic
		if err := central.Publish(out, payload); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"obu":   obuID,
				"topic": out,
			}).Warn("Failed to forward message")
			return
		}
		log.WithFields(log.Fields{"obu": obuID, "topic": topic}).Debug("Forwarded message")
	}
}

// connectOBUs subscribes to every OBU broker. Brokers that cannot be reached
// are skipped.
func connectOBUs(cfg *config.RelayConfig, dial dialFunc, central Publisher) []transport.Transport {
	var clients []transport.Transport
	for _, obu := range cfg.OBUs {
		client, err := dial(obu.URL, "obu-relay-"+obu.ID)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"obu": obu.ID, "url": obu.URL}).Error("Failed to connect to OBU")
			continue
		}

		handler := forward(central, obu.ID)
		client.OnConnect(func() {
			if err := client.Subscribe(cfg.Topic, handler); err != nil {
				log.WithError(err).WithField("obu", obu.ID).Error("Failed to subscribe")
				return
			}
			log.WithFields(log.Fields{"obu": obu.ID, "topic": cfg.Topic}).Info("Subscribed to OBU")
		})
		clients = append(clients, client)
	}
	return clients
}

func main() {
	configPath := flag.String("config", "relay.yaml", "Relay configuration file")
	flag.Parse()

	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	logFile, err := logging.Configure(logging.Config(cfg.Log))
	if err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}
	defer logFile.Close()

	central, err := transport.Dial(cfg.Central, "obu-relay")
	if err != nil {
		log.WithError(err).WithField("url", cfg.Central).Error("Failed to connect to central broker")
		os.Exit(1)
	}

	clients := connectOBUs(cfg, transport.Dial, central)
	if len(clients) == 0 {
		log.Error("No OBU broker reachable")
		central.Close()
		os.Exit(1)
	}
	log.WithField("obus", len(clients)).Info("Relay started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")
	for _, c := range clients {
		c.Close()
	}
	central.Close()
}
