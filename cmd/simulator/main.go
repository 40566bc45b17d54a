package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/saviobatista/obu-tracker/internal/config"
	"github.com/saviobatista/obu-tracker/internal/dms"
	"github.com/saviobatista/obu-tracker/internal/logging"
	"github.com/saviobatista/obu-tracker/internal/transport"
	"github.com/saviobatista/obu-tracker/internal/types"
)

// Publisher interface for testability
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type flatMessage struct {
	OBUID     string  `json:"obu_id"`
	StationID int     `json:"stationID"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type referencePosition struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type camMessage struct {
	Fields struct {
		Header struct {
			StationID int `json:"stationID"`
		} `json:"header"`
		CAM struct {
			CAMParameters struct {
				BasicContainer struct {
					ReferencePosition referencePosition `json:"referencePosition"`
				} `json:"basicContainer"`
			} `json:"camParameters"`
		} `json:"cam"`
	} `json:"fields"`
}

// buildRoute converts the DMS waypoints into positions
func buildRoute(waypoints []string) ([]types.Position, error) {
	route := make([]types.Position, 0, len(waypoints))
	for i, wp := range waypoints {
		pos, err := dms.Parse(wp)
		if err != nil {
			return nil, fmt.Errorf("failed to parse waypoint %d: %w", i+1, err)
		}
		route = append(route, pos)
	}
	return route, nil
}

// encode renders one position report in the configured shape
func encode(cfg *config.SimulatorConfig, pos types.Position) ([]byte, error) {
	if types.Shape(cfg.Shape) == types.ShapeCAM {
		var m camMessage
		m.Fields.Header.StationID = cfg.StationID
		m.Fields.CAM.CAMParameters.BasicContainer.ReferencePosition = referencePosition{
			Latitude:  pos.Latitude,
			Longitude: pos.Longitude,
		}
		return json.Marshal(m)
	}
	return json.Marshal(flatMessage{
		OBUID:     cfg.EntityID,
		StationID: cfg.StationID,
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
	})
}

// heading returns the direction of travel at waypoint i, or 0 at the end of
// the route
func heading(route []types.Position, i int) float64 {
	if i+1 < len(route) {
		return bearing(route[i], route[i+1])
	}
	return 0
}

// run publishes one waypoint per interval until the route ends or ctx is
// canceled. With Loop set the route restarts from the first waypoint. With a
// yielder the OBU holds its position, publishing nothing, while another OBU
// in the roundabout has priority.
func run(ctx context.Context, pub Publisher, cfg *config.SimulatorConfig, route []types.Position, y *yielder) error {
	if len(route) == 0 {
		return fmt.Errorf("empty route")
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		if i == len(route) {
			if !cfg.Loop {
				return nil
			}
			i = 0
		}

		if y != nil {
			if err := waitForRightOfWay(ctx, ticker.C, y, route[i], heading(route, i)); err != nil {
				return nil
			}
		}

		payload, err := encode(cfg, route[i])
		if err != nil {
			return fmt.Errorf("failed to encode position: %w", err)
		}
		if err := pub.Publish(cfg.Topic, payload); err != nil {
			log.WithError(err).WithField("topic", cfg.Topic).Warn("Failed to publish position")
		} else {
			log.WithFields(log.Fields{
				"entity":    cfg.EntityID,
				"latitude":  route[i].Latitude,
				"longitude": route[i].Longitude,
			}).Debug("Published position")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// waitForRightOfWay blocks, re-checking every tick, while the OBU at pos must
// give way. It returns ctx.Err() when canceled first.
func waitForRightOfWay(ctx context.Context, tick <-chan time.Time, y *yielder, pos types.Position, heading float64) error {
	if !y.mustYield(pos, heading) {
		return nil
	}

	fields := log.Fields{"entity": y.self, "latitude": pos.Latitude, "longitude": pos.Longitude}
	log.WithFields(fields).Info("Yielding to OBU in roundabout")
	for y.mustYield(pos, heading) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		}
	}
	log.WithFields(fields).Info("Roundabout clear, proceeding")
	return nil
}

func main() {
	cfg, err := config.LoadSimulator()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	logFile, err := logging.Configure(logging.Config(cfg.Log))
	if err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}
	defer logFile.Close()

	route, err := buildRoute(cfg.Waypoints)
	if err != nil {
		log.WithError(err).Error("Invalid route")
		os.Exit(1)
	}

	client, err := transport.Dial(cfg.BrokerURL, "obu-simulator-"+cfg.EntityID)
	if err != nil {
		log.WithError(err).WithField("broker", cfg.BrokerURL).Error("Failed to connect to broker")
		os.Exit(1)
	}
	defer client.Close()

	var y *yielder
	if cfg.RoundaboutDMS != "" {
		center, err := dms.Parse(cfg.RoundaboutDMS)
		if err != nil {
			log.WithError(err).Error("Invalid roundabout centre")
			os.Exit(1)
		}
		y = newYielder(cfg.EntityID, roundabout{
			center: center,
			radius: cfg.RoundaboutRadius,
			margin: cfg.RoundaboutMargin,
		}, cfg.ProximityThreshold)
		y.listen(client, cfg.ListenTopic)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	log.WithFields(log.Fields{
		"entity":    cfg.EntityID,
		"shape":     cfg.Shape,
		"waypoints": len(route),
		"yielding":  y != nil,
	}).Info("Simulator started")

	if err := run(ctx, client, cfg, route, y); err != nil {
		log.WithError(err).Error("Simulator stopped")
	}
}
