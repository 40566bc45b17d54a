// Package ingest turns broker messages into store and animation updates.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/saviobatista/obu-tracker/internal/motion"
	"github.com/saviobatista/obu-tracker/internal/parser"
	"github.com/saviobatista/obu-tracker/internal/stats"
	"github.com/saviobatista/obu-tracker/internal/store"
	"github.com/saviobatista/obu-tracker/internal/transport"
	"github.com/saviobatista/obu-tracker/internal/types"
)

const (
	mirrorTimeout = 2 * time.Second
	gaugeInterval = time.Second
)

// ErrStopped is returned for messages that arrive after Stop
var ErrStopped = errors.New("ingestor stopped")

// Decoder turns a raw message into a telemetry record
type Decoder interface {
	Decode(msg *types.TelemetryMessage) (*types.TelemetryRecord, error)
}

// Animator moves displayed positions towards reported ones
type Animator interface {
	Animate(id string, from *types.Position, to types.Position, duration time.Duration, steps int) *motion.Handle
	ActiveJobs() int
	Stop()
}

// Mirror receives every accepted record, e.g. a Redis cache
type Mirror interface {
	StorePosition(ctx context.Context, rec *types.TelemetryRecord) error
}

// Registry keeps the durable entity list
type Registry interface {
	UpsertEntity(id string, pos types.Position, seenAt time.Time) error
}

// Journal records rejected payloads
type Journal interface {
	WriteRejected(topic string, payload []byte, reason string) error
}

// Deps wires an Ingestor. Mirror, Registry and Journal are optional.
type Deps struct {
	Decoder      Decoder
	Latest       *store.Store
	Displayed    *store.Store
	Interpolator Animator
	Stats        *stats.Stats

	Mirror   Mirror
	Registry Registry
	Journal  Journal

	Duration time.Duration
	Steps    int
}

// Ingestor handles telemetry messages from one or more subscriptions
type Ingestor struct {
	deps Deps

	stopped  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a new Ingestor
func New(deps Deps) *Ingestor {
	if deps.Stats == nil {
		deps.Stats = stats.New("")
	}
	if deps.Duration <= 0 {
		deps.Duration = motion.DefaultDuration
	}
	if deps.Steps <= 0 {
		deps.Steps = motion.DefaultSteps
	}
	return &Ingestor{
		deps:     deps,
		stopChan: make(chan struct{}),
	}
}

// Start subscribes every topic filter on t. Subscriptions are re-established
// by the transport's connect callback, always with the same handler.
func (i *Ingestor) Start(ctx context.Context, t transport.Transport, topics ...string) error {
	if len(topics) == 0 {
		return errors.New("no topics to subscribe")
	}

	t.OnConnect(func() {
		for _, topic := range topics {
			if err := t.Subscribe(topic, i.handle); err != nil {
				log.WithError(err).WithField("topic", topic).Error("Failed to subscribe")
				continue
			}
			log.WithField("topic", topic).Info("Subscribed")
		}
	})

	i.wg.Add(1)
	go i.refreshGauges(ctx)

	return nil
}

// handle is the transport callback for every subscribed topic
func (i *Ingestor) handle(topic string, payload []byte) {
	msg := &types.TelemetryMessage{
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	if err := i.HandleMessage(msg); err != nil && !errors.Is(err, ErrStopped) {
		log.WithError(err).Debug("Message dropped")
	}
}

// HandleMessage decodes one message and applies it to the stores
func (i *Ingestor) HandleMessage(msg *types.TelemetryMessage) error {
	if i.stopped.Load() {
		return ErrStopped
	}

	start := time.Now()
	st := i.deps.Stats
	st.IncrementTotalMessages()
	st.UpdateLastMessageTime()
	defer func() { st.AddProcessingTime(time.Since(start)) }()

	rec, err := i.deps.Decoder.Decode(msg)
	if err != nil {
		i.reject(msg, err)
		return err
	}
	st.IncrementDecodedMessages()

	id, target := rec.EntityID, rec.Position

	var from *types.Position
	if pos, ok := i.deps.Displayed.Get(id); ok {
		from = &pos
	}
	i.deps.Interpolator.Animate(id, from, target, i.deps.Duration, i.deps.Steps)

	if res := i.deps.Latest.Upsert(id, target); res.IsNew {
		st.IncrementNewEntities()
		log.WithFields(log.Fields{
			"entity":    id,
			"latitude":  target.Latitude,
			"longitude": target.Longitude,
			"shape":     rec.Shape,
		}).Info("New entity")
	}

	i.mirror(rec)

	st.SetActiveEntities(uint64(i.deps.Latest.Len()))
	st.SetActiveJobs(uint64(i.deps.Interpolator.ActiveJobs()))

	return nil
}

func (i *Ingestor) reject(msg *types.TelemetryMessage, err error) {
	reason := "unknown"
	var decodeErr *parser.DecodeError
	if errors.As(err, &decodeErr) {
		reason = string(decodeErr.Reason)
	}

	i.deps.Stats.IncrementRejected(reason)
	log.WithFields(log.Fields{
		"topic":  msg.Topic,
		"reason": reason,
	}).WithError(err).Warn("Rejected telemetry")

	if i.deps.Journal == nil {
		return
	}
	if jerr := i.deps.Journal.WriteRejected(msg.Topic, msg.Payload, reason); jerr != nil {
		log.WithError(jerr).Warn("Failed to journal rejected telemetry")
	}
}

// mirror copies an accepted record to the side stores. Failures never reach
// the caller.
func (i *Ingestor) mirror(rec *types.TelemetryRecord) {
	if i.deps.Mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		err := i.deps.Mirror.StorePosition(ctx, rec)
		cancel()
		if err != nil {
			i.deps.Stats.IncrementMirrorFailures()
			log.WithError(err).WithField("entity", rec.EntityID).Warn("Failed to mirror position")
		}
	}

	if i.deps.Registry != nil {
		if err := i.deps.Registry.UpsertEntity(rec.EntityID, rec.Position, rec.ReceivedAt); err != nil {
			i.deps.Stats.IncrementMirrorFailures()
			log.WithError(fmt.Errorf("failed to upsert entity: %w", err)).
				WithField("entity", rec.EntityID).Warn("Failed to update entity registry")
		}
	}
}

// refreshGauges keeps the job gauge current while no messages arrive
func (i *Ingestor) refreshGauges(ctx context.Context) {
	defer i.wg.Done()

	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopChan:
			return
		case <-ticker.C:
			i.deps.Stats.SetActiveJobs(uint64(i.deps.Interpolator.ActiveJobs()))
		}
	}
}

// Stop drops further messages and cancels running animations. Displayed
// positions stay where they are.
func (i *Ingestor) Stop() {
	i.stopOnce.Do(func() {
		i.stopped.Store(true)
		close(i.stopChan)
		i.wg.Wait()
		i.deps.Interpolator.Stop()
	})
}
