// Package motion glides displayed positions between reported positions.
//
// Each entity owns a slot holding its last written position and at most one
// running interpolation job. Starting a new job for an entity cancels the
// running one under the slot lock, and a tick only writes while its job is
// still the slot's current job, so a stale timer can never move a marker
// back to an outdated step.
package motion

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/saviobatista/obu-tracker/internal/types"
)

const (
	DefaultDuration = 500 * time.Millisecond
	DefaultSteps    = 30
)

// Sink receives every displayed position written by the interpolator
type Sink interface {
	Write(id string, pos types.Position)
}

// Observer is notified of job lifecycle events
type Observer interface {
	AnimationStarted()
	AnimationSuperseded()
	AnimationCompleted()
	AnimationFault()
	DirectWrite()
}

type noopObserver struct{}

func (noopObserver) AnimationStarted()    {}
func (noopObserver) AnimationSuperseded() {}
func (noopObserver) AnimationCompleted()  {}
func (noopObserver) AnimationFault()      {}
func (noopObserver) DirectWrite()         {}

// Option configures an Interpolator
type Option func(*Interpolator)

// WithObserver sets the lifecycle observer
func WithObserver(o Observer) Option {
	return func(i *Interpolator) {
		if o != nil {
			i.observer = o
		}
	}
}

// Interpolator runs one independent interpolation job per entity
type Interpolator struct {
	sink     Sink
	clock    Clock
	observer Observer

	slots  sync.Map // entity id -> *slot
	active atomic.Int64
}

type slot struct {
	mu      sync.Mutex
	job     *job
	last    types.Position
	written bool
}

type job struct {
	id       string
	from     types.Position
	to       types.Position
	steps    int
	elapsed  int
	start    time.Time
	interval time.Duration
	timer    Timer
	handle   *Handle
}

// Handle controls a single interpolation job
type Handle struct {
	done       chan struct{}
	once       sync.Once
	superseded atomic.Bool
	cancel     func()
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{}), cancel: func() {}}
}

func finishedHandle() *Handle {
	h := newHandle()
	h.finish()
	return h
}

func (h *Handle) finish() {
	h.once.Do(func() { close(h.done) })
}

// Done is closed when the job completes, is canceled or is superseded
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel stops the job. The displayed position stays where the last tick
// left it.
func (h *Handle) Cancel() {
	h.cancel()
}

// Superseded reports whether a newer job for the same entity replaced this one
func (h *Handle) Superseded() bool {
	return h.superseded.Load()
}

// New creates an Interpolator writing to sink. A nil clock means RealClock.
func New(sink Sink, clock Clock, opts ...Option) *Interpolator {
	if clock == nil {
		clock = RealClock()
	}
	i := &Interpolator{
		sink:     sink,
		clock:    clock,
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Interpolator) slot(id string) *slot {
	if s, ok := i.slots.Load(id); ok {
		return s.(*slot)
	}
	s, _ := i.slots.LoadOrStore(id, &slot{})
	return s.(*slot)
}

// Animate moves the displayed position of id to `to` over duration in steps
// equal slices. A running job for id is canceled first, and the new job
// starts from the last written position. from is only used when nothing has
// been written for id yet; if it is nil too, `to` is written directly.
func (i *Interpolator) Animate(id string, from *types.Position, to types.Position, duration time.Duration, steps int) *Handle {
	if steps <= 0 {
		steps = DefaultSteps
	}
	if duration <= 0 {
		duration = DefaultDuration
	}

	s := i.slot(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job != nil {
		i.cancelLocked(s, true)
	}

	start := from
	if s.written {
		last := s.last
		start = &last
	}
	if !to.IsFinite() {
		i.faultLocked(s, id, to, "non-finite target")
		return finishedHandle()
	}
	if start == nil {
		i.writeLocked(s, id, to)
		i.observer.DirectWrite()
		return finishedHandle()
	}
	if !start.IsFinite() {
		i.faultLocked(s, id, to, "non-finite endpoint")
		return finishedHandle()
	}

	j := &job{
		id:       id,
		from:     *start,
		to:       to,
		steps:    steps,
		start:    i.clock.Now(),
		interval: duration / time.Duration(steps),
		handle:   newHandle(),
	}
	j.handle.cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.job == j {
			i.cancelLocked(s, false)
		}
	}

	s.job = j
	i.active.Add(1)
	i.observer.AnimationStarted()
	j.timer = i.clock.AfterFunc(j.interval, func() { i.tick(s, j) })

	return j.handle
}

func (i *Interpolator) tick(s *slot, j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job != j {
		return
	}

	j.elapsed++
	if j.elapsed >= j.steps {
		i.writeLocked(s, j.id, j.to)
		i.endLocked(s)
		i.observer.AnimationCompleted()
		return
	}

	pos := j.from.Lerp(j.to, float64(j.elapsed)/float64(j.steps))
	if !pos.IsFinite() {
		i.endLocked(s)
		i.faultLocked(s, j.id, j.to, "non-finite intermediate")
		return
	}
	i.writeLocked(s, j.id, pos)

	delay := j.start.Add(time.Duration(j.elapsed+1) * j.interval).Sub(i.clock.Now())
	if delay < 0 {
		delay = 0
	}
	j.timer = i.clock.AfterFunc(delay, func() { i.tick(s, j) })
}

func (i *Interpolator) writeLocked(s *slot, id string, pos types.Position) {
	s.last = pos
	s.written = true
	i.sink.Write(id, pos)
}

// faultLocked abandons animation for id and shows the target directly. A
// non-finite target is never written; the last displayed position stays.
func (i *Interpolator) faultLocked(s *slot, id string, to types.Position, reason string) {
	i.observer.AnimationFault()
	if !to.IsFinite() {
		log.WithFields(log.Fields{"entity": id, "reason": reason}).Debug("Animation fault, keeping last position")
		return
	}
	log.WithFields(log.Fields{"entity": id, "reason": reason}).Debug("Animation fault, writing target directly")
	i.writeLocked(s, id, to)
}

// endLocked detaches the current job after its last tick
func (i *Interpolator) endLocked(s *slot) {
	j := s.job
	s.job = nil
	i.active.Add(-1)
	j.handle.finish()
}

func (i *Interpolator) cancelLocked(s *slot, superseded bool) {
	j := s.job
	if j.timer != nil {
		j.timer.Stop()
	}
	if superseded {
		j.handle.superseded.Store(true)
		i.observer.AnimationSuperseded()
	}
	i.endLocked(s)
}

// Position returns the last position written for id
func (i *Interpolator) Position(id string) (types.Position, bool) {
	v, ok := i.slots.Load(id)
	if !ok {
		return types.Position{}, false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.written
}

// Active reports whether id has a running job
func (i *Interpolator) Active(id string) bool {
	v, ok := i.slots.Load(id)
	if !ok {
		return false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job != nil
}

// ActiveJobs returns the number of running jobs
func (i *Interpolator) ActiveJobs() int {
	return int(i.active.Load())
}

// Stop cancels every running job. Displayed positions stay where they are.
func (i *Interpolator) Stop() {
	i.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.job != nil {
			i.cancelLocked(s, false)
		}
		s.mu.Unlock()
		return true
	})
}
