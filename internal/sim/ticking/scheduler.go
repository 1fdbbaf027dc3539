package ticking

import (
	"container/heap"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"busgrid.ai/internal/sim/grid"
)

type Config struct {
	// IdleStep is added to the current rate on Idle.
	IdleStep int
	// FasterStep is subtracted from the current rate on Faster.
	FasterStep int
}

func (c *Config) applyDefaults() {
	if c.IdleStep <= 0 {
		c.IdleStep = 1
	}
	if c.FasterStep <= 0 {
		c.FasterStep = 2
	}
}

// Metrics receives one observation per global tick.
type Metrics interface {
	ObserveTick(awake, sleeping, invoked int, took time.Duration)
}

// Scheduler owns every tracker and the global tick counter. It is driven by a
// single simulation goroutine and is not safe for concurrent use.
type Scheduler struct {
	cfg         Config
	currentTick uint64
	active      trackerHeap
	trackers    map[grid.NodeID]*Tracker

	log     logrus.FieldLogger
	metrics Metrics
}

func NewScheduler(cfg Config, logger logrus.FieldLogger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		logger = l
	}
	return &Scheduler{
		cfg:      cfg,
		trackers: map[grid.NodeID]*Tracker{},
		log:      logger.WithField("component", "ticking"),
	}
}

func (s *Scheduler) SetMetrics(m Metrics) { s.metrics = m }

func (s *Scheduler) CurrentTick() uint64 { return s.currentTick }

// SetCurrentTick positions the clock; only valid while no trackers are registered.
func (s *Scheduler) SetCurrentTick(tick uint64) error {
	if len(s.trackers) > 0 {
		return fmt.Errorf("ticking: cannot move clock with %d registered trackers", len(s.trackers))
	}
	s.currentTick = tick
	return nil
}

func (s *Scheduler) Len() int           { return len(s.trackers) }
func (s *Scheduler) AwakeCount() int    { return s.active.Len() }
func (s *Scheduler) SleepingCount() int { return len(s.trackers) - s.active.Len() }

func (s *Scheduler) Tracker(node grid.NodeID) (*Tracker, bool) {
	tr, ok := s.trackers[node]
	return tr, ok
}

// AddNode registers a device. Unless the request asks to start asleep, the
// device is first called half a band after the current tick.
func (s *Scheduler) AddNode(node grid.NodeID, t Tickable) error {
	if _, ok := s.trackers[node]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyTracked, node)
	}
	req := t.TickingRequest(node)
	if err := req.Validate(); err != nil {
		return fmt.Errorf("node %d: %w", node, err)
	}
	tr := newTracker(req, node, t, s.currentTick)
	s.trackers[node] = tr
	if !req.StartAsleep {
		s.insert(tr)
	}
	return nil
}

// RemoveNode forgets the device. It reports whether the node was registered.
func (s *Scheduler) RemoveNode(node grid.NodeID) bool {
	tr, ok := s.trackers[node]
	if !ok {
		return false
	}
	s.remove(tr)
	delete(s.trackers, node)
	return true
}

// Wake reschedules a sleeping device one band-midpoint from now. Waking an
// awake device does nothing. It reports whether the state changed.
func (s *Scheduler) Wake(node grid.NodeID) bool {
	tr, ok := s.trackers[node]
	if !ok || tr.awake {
		return false
	}
	tr.setCurrentRate(tr.request.midpoint())
	tr.lastTick = int64(s.currentTick)
	s.insert(tr)
	return true
}

// Sleep takes the device out of the active queue. Sleeping an asleep device
// does nothing. It reports whether the state changed.
func (s *Scheduler) Sleep(node grid.NodeID) bool {
	tr, ok := s.trackers[node]
	if !ok || !tr.awake {
		return false
	}
	s.remove(tr)
	return true
}

// Alert makes an alertable device due on the next global tick, waking it if needed.
func (s *Scheduler) Alert(node grid.NodeID) bool {
	tr, ok := s.trackers[node]
	if !ok || !tr.request.CanBeAlerted {
		return false
	}
	if !tr.awake {
		tr.setCurrentRate(tr.request.midpoint())
	}
	tr.lastTick = int64(s.currentTick) + 1 - int64(tr.currentRate)
	if tr.awake {
		if tr.index >= 0 {
			heap.Fix(&s.active, tr.index)
		}
		return true
	}
	s.insert(tr)
	return true
}

// Restore puts a registered device back on a saved schedule. The rate is
// clamped to the device's band.
func (s *Scheduler) Restore(node grid.NodeID, st State) error {
	tr, ok := s.trackers[node]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotTracked, node)
	}
	tr.setCurrentRate(st.Rate)
	tr.lastTick = st.LastTick
	switch {
	case !st.Awake:
		s.remove(tr)
	case tr.awake && tr.index >= 0:
		heap.Fix(&s.active, tr.index)
	default:
		s.insert(tr)
	}
	return nil
}

// Tick advances the global clock by one and runs every device that is due.
// It returns the number of device calls made.
func (s *Scheduler) Tick() int {
	start := time.Now()
	s.currentTick++
	now := int64(s.currentTick)

	invoked := 0
	for s.active.Len() > 0 {
		tr := s.active[0]
		if tr.NextTick() > now {
			break
		}
		heap.Pop(&s.active)

		delta := now - tr.lastTick
		if delta < 1 {
			delta = 1
		}
		tr.stats.add(delta)

		mod := s.invoke(tr, int(delta))
		invoked++

		if s.trackers[tr.node] != tr {
			// Removed from inside its own tick.
			tr.awake = false
			continue
		}
		s.apply(tr, mod)
		tr.lastTick = now
		if mod == Sleep || !tr.awake {
			tr.awake = false
			continue
		}
		s.insert(tr)
	}

	if s.metrics != nil {
		s.metrics.ObserveTick(s.AwakeCount(), s.SleepingCount(), invoked, time.Since(start))
	}
	return invoked
}

func (s *Scheduler) apply(tr *Tracker, mod TickRateModulation) {
	switch mod {
	case Idle:
		tr.setCurrentRate(tr.currentRate + s.cfg.IdleStep)
	case Faster:
		tr.setCurrentRate(tr.currentRate - s.cfg.FasterStep)
	case Urgent:
		tr.setCurrentRate(tr.request.MinTickRate)
	}
}

func (s *Scheduler) invoke(tr *Tracker, delta int) TickRateModulation {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields(tr.Diagnostics())).
				WithField("panic", r).
				Error("device tick panicked")
			panic(r)
		}
	}()
	return tr.tickable.Tick(tr.node, delta)
}

func (s *Scheduler) insert(tr *Tracker) {
	tr.awake = true
	heap.Push(&s.active, tr)
}

func (s *Scheduler) remove(tr *Tracker) {
	if tr.index >= 0 {
		heap.Remove(&s.active, tr.index)
	}
	tr.awake = false
}

type trackerHeap []*Tracker

func (h trackerHeap) Len() int           { return len(h) }
func (h trackerHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h trackerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *trackerHeap) Push(x any) {
	tr := x.(*Tracker)
	tr.index = len(*h)
	*h = append(*h, tr)
}

func (h *trackerHeap) Pop() any {
	old := *h
	n := len(old)
	tr := old[n-1]
	old[n-1] = nil
	tr.index = -1
	*h = old[:n-1]
	return tr
}
