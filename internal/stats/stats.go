package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// ErrNoPersister is returned by Persist when no persister has been set
var ErrNoPersister = errors.New("statistics persister not set")

// Persister stores statistics snapshots
type Persister interface {
	StoreSystemStats(snapshot Snapshot) error
}

// Stats tracks telemetry ingestion statistics
type Stats struct {
	// Message counts
	TotalMessages    uint64
	DecodedMessages  uint64
	RejectedMessages uint64
	NewEntities      uint64
	MirrorFailures   uint64

	// Animation counts
	AnimationsStarted    uint64
	AnimationsSuperseded uint64
	AnimationsCompleted  uint64
	AnimationFaults      uint64
	DirectWrites         uint64

	// Active tracking
	ActiveEntities uint64
	ActiveJobs     uint64

	sessionID       string
	startTime       time.Time
	lastMessageTime time.Time
	processingTime  time.Duration
	rejectReasons   map[string]uint64
	persister       Persister

	mu sync.RWMutex
}

// Snapshot is a point-in-time copy of the statistics
type Snapshot struct {
	SessionID            string
	Time                 time.Time
	TotalMessages        uint64
	DecodedMessages      uint64
	RejectedMessages     uint64
	NewEntities          uint64
	MirrorFailures       uint64
	AnimationsStarted    uint64
	AnimationsSuperseded uint64
	AnimationsCompleted  uint64
	AnimationFaults      uint64
	DirectWrites         uint64
	ActiveEntities       uint64
	ActiveJobs           uint64
	RejectReasons        map[string]uint64
	LastMessageTime      time.Time
	ProcessingTime       time.Duration
	Uptime               time.Duration
}

// New creates a new Stats instance for an ingestion session
func New(sessionID string) *Stats {
	now := time.Now()
	return &Stats{
		sessionID:       sessionID,
		startTime:       now,
		lastMessageTime: now,
		rejectReasons:   make(map[string]uint64),
	}
}

// SetPersister sets where Persist writes snapshots
func (s *Stats) SetPersister(p Persister) {
	s.mu.Lock()
	s.persister = p
	s.mu.Unlock()
}

// Persist stores the current statistics
func (s *Stats) Persist() error {
	s.mu.RLock()
	p := s.persister
	s.mu.RUnlock()
	if p == nil {
		return ErrNoPersister
	}
	return p.StoreSystemStats(s.Snapshot())
}

// IncrementTotalMessages increments the total messages counter
func (s *Stats) IncrementTotalMessages() {
	atomic.AddUint64(&s.TotalMessages, 1)
}

// IncrementDecodedMessages increments the decoded messages counter
func (s *Stats) IncrementDecodedMessages() {
	atomic.AddUint64(&s.DecodedMessages, 1)
}

// IncrementRejected counts a rejected message under reason
func (s *Stats) IncrementRejected(reason string) {
	atomic.AddUint64(&s.RejectedMessages, 1)
	s.mu.Lock()
	s.rejectReasons[reason]++
	s.mu.Unlock()
}

// IncrementNewEntities increments the first-seen entities counter
func (s *Stats) IncrementNewEntities() {
	atomic.AddUint64(&s.NewEntities, 1)
}

// IncrementMirrorFailures counts a failed Redis or database side write
func (s *Stats) IncrementMirrorFailures() {
	atomic.AddUint64(&s.MirrorFailures, 1)
}

// AnimationStarted counts a new interpolation job
func (s *Stats) AnimationStarted() {
	atomic.AddUint64(&s.AnimationsStarted, 1)
}

// AnimationSuperseded counts a job replaced by a newer target
func (s *Stats) AnimationSuperseded() {
	atomic.AddUint64(&s.AnimationsSuperseded, 1)
}

// AnimationCompleted counts a job that reached its target
func (s *Stats) AnimationCompleted() {
	atomic.AddUint64(&s.AnimationsCompleted, 1)
}

// AnimationFault counts a job abandoned in favour of a direct write
func (s *Stats) AnimationFault() {
	atomic.AddUint64(&s.AnimationFaults, 1)
}

// DirectWrite counts a position written without animation
func (s *Stats) DirectWrite() {
	atomic.AddUint64(&s.DirectWrites, 1)
}

// SetActiveEntities sets the number of known entities
func (s *Stats) SetActiveEntities(count uint64) {
	atomic.StoreUint64(&s.ActiveEntities, count)
}

// SetActiveJobs sets the number of running interpolation jobs
func (s *Stats) SetActiveJobs(count uint64) {
	atomic.StoreUint64(&s.ActiveJobs, count)
}

// UpdateLastMessageTime updates the last message time
func (s *Stats) UpdateLastMessageTime() {
	s.mu.Lock()
	s.lastMessageTime = time.Now()
	s.mu.Unlock()
}

// AddProcessingTime adds to the total processing time
func (s *Stats) AddProcessingTime(duration time.Duration) {
	s.mu.Lock()
	s.processingTime += duration
	s.mu.Unlock()
}

// Snapshot returns a copy of the current statistics
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reasons := make(map[string]uint64, len(s.rejectReasons))
	for k, v := range s.rejectReasons {
		reasons[k] = v
	}

	return Snapshot{
		SessionID:            s.sessionID,
		Time:                 time.Now(),
		TotalMessages:        atomic.LoadUint64(&s.TotalMessages),
		DecodedMessages:      atomic.LoadUint64(&s.DecodedMessages),
		RejectedMessages:     atomic.LoadUint64(&s.RejectedMessages),
		NewEntities:          atomic.LoadUint64(&s.NewEntities),
		MirrorFailures:       atomic.LoadUint64(&s.MirrorFailures),
		AnimationsStarted:    atomic.LoadUint64(&s.AnimationsStarted),
		AnimationsSuperseded: atomic.LoadUint64(&s.AnimationsSuperseded),
		AnimationsCompleted:  atomic.LoadUint64(&s.AnimationsCompleted),
		AnimationFaults:      atomic.LoadUint64(&s.AnimationFaults),
		DirectWrites:         atomic.LoadUint64(&s.DirectWrites),
		ActiveEntities:       atomic.LoadUint64(&s.ActiveEntities),
		ActiveJobs:           atomic.LoadUint64(&s.ActiveJobs),
		RejectReasons:        reasons,
		LastMessageTime:      s.lastMessageTime,
		ProcessingTime:       s.processingTime,
		Uptime:               time.Since(s.startTime),
	}
}

// String returns a string representation of the statistics
func (s *Stats) String() string {
	snap := s.Snapshot()

	reasons := make([]string, 0, len(snap.RejectReasons))
	for reason, n := range snap.RejectReasons {
		reasons = append(reasons, fmt.Sprintf("%s=%d", reason, n))
	}
	sort.Strings(reasons)

	return fmt.Sprintf(
		"Total Messages: %d\n"+
			"Decoded Messages: %d\n"+
			"Rejected Messages: %d [%s]\n"+
			"New Entities: %d\n"+
			"Active Entities: %d\n"+
			"Animations: started=%d superseded=%d completed=%d faults=%d direct=%d active=%d\n"+
			"Mirror Failures: %d\n"+
			"Last Message Time: %s\n"+
			"Processing Time: %s\n"+
			"Uptime: %s",
		snap.TotalMessages,
		snap.DecodedMessages,
		snap.RejectedMessages, strings.Join(reasons, " "),
		snap.NewEntities,
		snap.ActiveEntities,
		snap.AnimationsStarted, snap.AnimationsSuperseded, snap.AnimationsCompleted,
		snap.AnimationFaults, snap.DirectWrites, snap.ActiveJobs,
		snap.MirrorFailures,
		snap.LastMessageTime.Format(time.RFC3339),
		snap.ProcessingTime,
		snap.Uptime.Round(time.Second),
	)
}

// StartPersistence starts periodic persistence of statistics
func (s *Stats) StartPersistence(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final persistence before shutdown
			if err := s.Persist(); err != nil && !errors.Is(err, ErrNoPersister) {
				log.Warnf("Failed to persist final statistics: %v", err)
			}
			return
		case <-ticker.C:
			if err := s.Persist(); err != nil && !errors.Is(err, ErrNoPersister) {
				log.Warnf("Failed to persist statistics: %v", err)
			}
		}
	}
}

// StartLogging periodically logs statistics until ctx is done
func (s *Stats) StartLogging(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Infof("Statistics:\n%s", s)
		}
	}
}

var (
	messagesDesc = prometheus.NewDesc(
		"obu_telemetry_messages_total",
		"Telemetry messages received, by outcome.",
		[]string{"outcome"}, nil,
	)
	rejectsDesc = prometheus.NewDesc(
		"obu_telemetry_rejected_total",
		"Rejected telemetry messages, by reason.",
		[]string{"reason"}, nil,
	)
	newEntitiesDesc = prometheus.NewDesc(
		"obu_entities_first_seen_total",
		"Entities that received their first valid telemetry.",
		nil, nil,
	)
	entitiesDesc = prometheus.NewDesc(
		"obu_entities",
		"Entities currently present in the position store.",
		nil, nil,
	)
	animationsDesc = prometheus.NewDesc(
		"obu_animations_total",
		"Interpolation job lifecycle events, by event.",
		[]string{"event"}, nil,
	)
	activeJobsDesc = prometheus.NewDesc(
		"obu_animation_jobs",
		"Interpolation jobs currently running.",
		nil, nil,
	)
	mirrorFailuresDesc = prometheus.NewDesc(
		"obu_mirror_failures_total",
		"Failed best-effort writes to Redis or the entity registry.",
		nil, nil,
	)
)

// Describe implements prometheus.Collector
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- messagesDesc
	ch <- rejectsDesc
	ch <- newEntitiesDesc
	ch <- entitiesDesc
	ch <- animationsDesc
	ch <- activeJobsDesc
	ch <- mirrorFailuresDesc
}

// Collect implements prometheus.Collector
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	snap := s.Snapshot()

	ch <- prometheus.MustNewConstMetric(messagesDesc, prometheus.CounterValue, float64(snap.DecodedMessages), "decoded")
	ch <- prometheus.MustNewConstMetric(messagesDesc, prometheus.CounterValue, float64(snap.RejectedMessages), "rejected")
	for reason, n := range snap.RejectReasons {
		ch <- prometheus.MustNewConstMetric(rejectsDesc, prometheus.CounterValue, float64(n), reason)
	}
	ch <- prometheus.MustNewConstMetric(newEntitiesDesc, prometheus.CounterValue, float64(snap.NewEntities))
	ch <- prometheus.MustNewConstMetric(entitiesDesc, prometheus.GaugeValue, float64(snap.ActiveEntities))
	ch <- prometheus.MustNewConstMetric(animationsDesc, prometheus.CounterValue, float64(snap.AnimationsStarted), "started")
	ch <- prometheus.MustNewConstMetric(animationsDesc, prometheus.CounterValue, float64(snap.AnimationsSuperseded), "superseded")
	ch <- prometheus.MustNewConstMetric(animationsDesc, prometheus.CounterValue, float64(snap.AnimationsCompleted), "completed")
	ch <- prometheus.MustNewConstMetric(animationsDesc, prometheus.CounterValue, float64(snap.AnimationFaults), "fault")
	ch <- prometheus.MustNewConstMetric(animationsDesc, prometheus.CounterValue, float64(snap.DirectWrites), "direct")
	ch <- prometheus.MustNewConstMetric(activeJobsDesc, prometheus.GaugeValue, float64(snap.ActiveJobs))
	ch <- prometheus.MustNewConstMetric(mirrorFailuresDesc, prometheus.CounterValue, float64(snap.MirrorFailures))
}
