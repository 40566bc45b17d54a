package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/saviobatista/obu-tracker/internal/config"
	"github.com/saviobatista/obu-tracker/internal/db"
	"github.com/saviobatista/obu-tracker/internal/dms"
	"github.com/saviobatista/obu-tracker/internal/feed"
	"github.com/saviobatista/obu-tracker/internal/ingest"
	"github.com/saviobatista/obu-tracker/internal/logging"
	"github.com/saviobatista/obu-tracker/internal/motion"
	"github.com/saviobatista/obu-tracker/internal/parser"
	"github.com/saviobatista/obu-tracker/internal/redis"
	"github.com/saviobatista/obu-tracker/internal/stats"
	"github.com/saviobatista/obu-tracker/internal/storage"
	"github.com/saviobatista/obu-tracker/internal/store"
	"github.com/saviobatista/obu-tracker/internal/transport"
	"github.com/saviobatista/obu-tracker/internal/types"
)

const shutdownTimeout = 10 * time.Second

// tracker holds every component of a running tracker process
type tracker struct {
	cfg    *config.Config
	center types.Position

	latest    *store.Store
	displayed *store.Store
	stats     *stats.Stats
	interp    *motion.Interpolator
	ingestor  *ingest.Ingestor
	feed      *feed.Server
	registry  *prometheus.Registry

	redis   *redis.Client
	db      *db.Client
	journal *storage.Storage

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newTracker parses the reference point, connects the optional side stores
// and wires the pipeline. A malformed centre coordinate is fatal.
func newTracker(cfg *config.Config) (*tracker, error) {
	center, err := dms.Parse(cfg.CenterDMS)
	if err != nil {
		return nil, fmt.Errorf("failed to parse centre coordinate: %w", err)
	}

	t := &tracker{
		cfg:       cfg,
		center:    center,
		latest:    store.New(),
		displayed: store.New(),
		stats:     stats.New(uuid.New().String()),
		registry:  prometheus.NewRegistry(),
	}

	if err := t.openSideStores(); err != nil {
		t.close()
		return nil, err
	}

	t.registry.MustRegister(
		t.stats,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	t.interp = motion.New(t.displayed, motion.RealClock(), motion.WithObserver(t.stats))

	deps := ingest.Deps{
		Decoder:      parser.New(cfg.FallbackID, cfg.TopicPrefixID),
		Latest:       t.latest,
		Displayed:    t.displayed,
		Interpolator: t.interp,
		Stats:        t.stats,
		Duration:     cfg.Duration,
		Steps:        cfg.Steps,
	}
	if t.redis != nil {
		deps.Mirror = t.redis
	}
	if t.db != nil {
		deps.Registry = t.db
	}
	if t.journal != nil {
		deps.Journal = t.journal
	}
	t.ingestor = ingest.New(deps)

	t.feed = feed.New(feed.Config{
		Displayed:    t.displayed,
		Latest:       t.latest,
		Center:       center,
		CenterDMS:    cfg.CenterDMS,
		Gatherer:     t.registry,
		PushInterval: cfg.PushInterval,
	})

	return t, nil
}

// openSideStores connects Redis, PostgreSQL and the rejection journal when
// configured
func (t *tracker) openSideStores() error {
	if t.cfg.RedisAddr != "" {
		client, err := redis.New(t.cfg.RedisAddr, t.cfg.RedisTTL)
		if err != nil {
			return fmt.Errorf("failed to create Redis client: %w", err)
		}
		t.redis = client
	}

	if t.cfg.DBConnStr != "" {
		client, err := db.New(t.cfg.DBConnStr)
		if err != nil {
			return fmt.Errorf("failed to create database client: %w", err)
		}
		t.db = client
		if err := client.Ping(); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
		t.stats.SetPersister(client)
	}

	if t.cfg.JournalDir != "" {
		journal := storage.New(t.cfg.JournalDir)
		if err := journal.Start(); err != nil {
			return fmt.Errorf("failed to start journal: %w", err)
		}
		t.journal = journal
	}

	return nil
}

// start subscribes the configured topics on tr and serves the feed
func (t *tracker) start(ctx context.Context, tr transport.Transport) error {
	ctx, t.cancel = context.WithCancel(ctx)

	if err := t.ingestor.Start(ctx, tr, t.cfg.Topics...); err != nil {
		return fmt.Errorf("failed to start ingestor: %w", err)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.stats.StartLogging(ctx, t.cfg.StatsInterval)
	}()
	if t.db != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.stats.StartPersistence(ctx, t.cfg.StatsInterval)
		}()
	}

	t.feed.Start(ctx, t.cfg.HTTPAddr)

	log.WithFields(log.Fields{
		"topics":    t.cfg.Topics,
		"latitude":  t.center.Latitude,
		"longitude": t.center.Longitude,
	}).Info("Tracker started")
	return nil
}

// close releases every component. Safe on a partially built tracker.
func (t *tracker) close() {
	if t.cancel != nil {
		t.cancel()
	}
	// Wait for the final stats row before the database goes away
	t.wg.Wait()

	if t.ingestor != nil {
		t.ingestor.Stop()
	}
	if t.feed != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := t.feed.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Failed to shut down feed server")
		}
		cancel()
	}
	if t.journal != nil {
		if err := t.journal.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close journal")
		}
	}
	if t.redis != nil {
		if err := t.redis.Close(); err != nil {
			log.WithError(err).Warn("Failed to close Redis client")
		}
	}
	if t.db != nil {
		if err := t.db.Close(); err != nil {
			log.WithError(err).Warn("Failed to close database client")
		}
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM
func waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutting down...")
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	logFile, err := logging.Configure(logging.Config(cfg.Log))
	if err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}
	defer logFile.Close()

	t, err := newTracker(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to set up tracker")
		os.Exit(1)
	}

	tr, err := transport.Dial(cfg.BrokerURL, cfg.ClientID)
	if err != nil {
		log.WithError(err).WithField("broker", cfg.BrokerURL).Error("Failed to connect to broker")
		t.close()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := t.start(ctx, tr); err != nil {
		log.WithError(err).Error("Failed to start tracker")
		cancel()
		tr.Close()
		t.close()
		os.Exit(1)
	}

	waitForShutdown()

	cancel()
	tr.Close()
	t.close()
}
