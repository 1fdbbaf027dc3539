package ticking

import (
	"math"

	"busgrid.ai/internal/sim/grid"
)

// GapStats summarises the gaps, in global ticks, between consecutive calls of one device.
// Used for diagnostics only.
type GapStats struct {
	Count int64
	Sum   int64
	Min   int64
	Max   int64
}

func (s *GapStats) add(v int64) {
	if s.Count == 0 {
		s.Min, s.Max = v, v
	} else {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Count++
	s.Sum += v
}

func (s GapStats) Average() float64 {
	if s.Count == 0 {
		return math.NaN()
	}
	return float64(s.Sum) / float64(s.Count)
}

// Tracker is the scheduling state of one registered device.
type Tracker struct {
	request  TickingRequest
	tickable Tickable
	node     grid.NodeID
	stats    GapStats

	// lastTick may go negative when an alert lands early in the clock's life.
	lastTick    int64
	currentRate int

	awake bool
	index int // position in the active heap, -1 when absent
}

func newTracker(req TickingRequest, node grid.NodeID, t Tickable, currentTick uint64) *Tracker {
	tr := &Tracker{request: req, tickable: t, node: node, index: -1}
	tr.setCurrentRate(req.midpoint())
	tr.lastTick = int64(currentTick)
	return tr
}

// State is the saved schedule of a tracker.
type State struct {
	Rate     int
	LastTick int64
	Awake    bool
}

func (t *Tracker) State() State {
	return State{Rate: t.currentRate, LastTick: t.lastTick, Awake: t.awake}
}

func (t *Tracker) CurrentRate() int { return t.currentRate }

// setCurrentRate clamps to the requested band.
func (t *Tracker) setCurrentRate(rate int) {
	if rate > t.request.MaxTickRate {
		rate = t.request.MaxTickRate
	}
	if rate < t.request.MinTickRate {
		rate = t.request.MinTickRate
	}
	t.currentRate = rate
}

func (t *Tracker) NextTick() int64         { return t.lastTick + int64(t.currentRate) }
func (t *Tracker) LastTick() int64         { return t.lastTick }
func (t *Tracker) Node() grid.NodeID       { return t.node }
func (t *Tracker) Request() TickingRequest { return t.request }
func (t *Tracker) Statistics() GapStats    { return t.stats }
func (t *Tracker) Awake() bool             { return t.awake }
func (t *Tracker) Tickable() Tickable      { return t.tickable }

// Less orders trackers by next due tick, then by last tick (older waiters
// first), then by current rate.
func (t *Tracker) Less(o *Tracker) bool {
	if a, b := t.NextTick(), o.NextTick(); a != b {
		return a < b
	}
	if t.lastTick != o.lastTick {
		return t.lastTick < o.lastTick
	}
	return t.currentRate < o.currentRate
}

// Diagnostics returns the fields attached to a crash report for this tracker.
func (t *Tracker) Diagnostics() map[string]any {
	d := map[string]any{
		"node":              t.node,
		"current_tick_rate": t.currentRate,
		"min_tick_rate":     t.request.MinTickRate,
		"max_tick_rate":     t.request.MaxTickRate,
		"last_tick":         t.lastTick,
		"awake":             t.awake,
		"calls":             t.stats.Count,
	}
	// NaN would break JSON log output.
	if t.stats.Count > 0 {
		d["avg_gap"] = t.stats.Average()
		d["min_gap"] = t.stats.Min
		d["max_gap"] = t.stats.Max
	}
	return d
}
