package ticking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"busgrid.ai/internal/sim/grid"
	"busgrid.ai/internal/testutil"
)

type call struct {
	node  grid.NodeID
	tick  uint64
	delta int
}

type recorder struct {
	s     *Scheduler
	calls []call
}

func (r *recorder) device(min, max int, mods ...TickRateModulation) Tickable {
	i := 0
	return TickableFuncs{
		Request: TickingRequest{MinTickRate: min, MaxTickRate: max},
		OnTick: func(node grid.NodeID, delta int) TickRateModulation {
			r.calls = append(r.calls, call{node: node, tick: r.s.CurrentTick(), delta: delta})
			if i < len(mods) {
				m := mods[i]
				i++
				return m
			}
			return Same
		},
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *recorder) {
	s := NewScheduler(Config{}, testutil.NewTestEntry(t, "ticking"))
	return s, &recorder{s: s}
}

func tickUntil(s *Scheduler, tick uint64) {
	for s.CurrentTick() < tick {
		s.Tick()
	}
}

func TestScheduler_OlderWaiterFirstAndLaterNotPopped(t *testing.T) {
	s, rec := newTestScheduler(t)

	// lastTick 0, rate 7 -> due 7
	require.NoError(t, s.AddNode(3, rec.device(7, 7)))
	tickUntil(s, 1)
	// lastTick 1, rate 4 -> due 5
	require.NoError(t, s.AddNode(2, rec.device(4, 4)))
	tickUntil(s, 3)
	// lastTick 3, rate 2 -> due 5
	require.NoError(t, s.AddNode(1, rec.device(2, 2)))

	tickUntil(s, 5)
	require.Equal(t, []call{
		{node: 2, tick: 5, delta: 4},
		{node: 1, tick: 5, delta: 2},
	}, rec.calls)
}

func TestTracker_LessTieBreaks(t *testing.T) {
	mk := func(last uint64, rate int) *Tracker {
		return newTracker(TickingRequest{MinTickRate: rate, MaxTickRate: rate}, 1, TickableFuncs{}, last)
	}
	a := mk(3, 2) // due 5
	b := mk(1, 4) // due 5
	c := mk(0, 7) // due 7
	require.True(t, b.Less(a))
	require.False(t, a.Less(b))
	require.True(t, a.Less(c))

	same1 := mk(2, 3)
	same2 := mk(2, 3)
	require.False(t, same1.Less(same2))
	require.False(t, same2.Less(same1))
}

func TestScheduler_UrgentSnapsToMin(t *testing.T) {
	for _, start := range []int{1, 7, 20} {
		s, rec := newTestScheduler(t)
		require.NoError(t, s.AddNode(1, rec.device(1, 20, Urgent)))
		tr, _ := s.Tracker(1)
		tr.setCurrentRate(start)

		tickUntil(s, uint64(start))
		require.Len(t, rec.calls, 1)
		require.Equal(t, 1, tr.CurrentRate())
	}
}

func TestScheduler_IdleAndFasterStayInBand(t *testing.T) {
	s, rec := newTestScheduler(t)
	require.NoError(t, s.AddNode(1, rec.device(2, 6, Idle, Idle, Idle, Idle, Faster, Faster, Faster, Faster)))
	tr, _ := s.Tracker(1)
	require.Equal(t, 4, tr.CurrentRate())

	var rates []int
	for len(rec.calls) < 8 {
		before := len(rec.calls)
		s.Tick()
		if len(rec.calls) > before {
			rates = append(rates, tr.CurrentRate())
		}
	}
	require.Equal(t, []int{5, 6, 6, 6, 4, 2, 2, 2}, rates)
}

func TestScheduler_SleepUntilWokenThenMidpoint(t *testing.T) {
	s, rec := newTestScheduler(t)
	require.NoError(t, s.AddNode(1, rec.device(4, 8, Sleep)))

	tickUntil(s, 6)
	require.Len(t, rec.calls, 1)
	require.Equal(t, 0, s.AwakeCount())
	require.Equal(t, 1, s.SleepingCount())

	tickUntil(s, 40)
	require.Len(t, rec.calls, 1, "asleep device must not be called")

	require.True(t, s.Wake(1))
	wokeAt := s.CurrentTick()
	tickUntil(s, wokeAt+6)
	require.Len(t, rec.calls, 2)
	require.Equal(t, call{node: 1, tick: wokeAt + 6, delta: 6}, rec.calls[1])
}

func TestScheduler_WakeSleepIdempotent(t *testing.T) {
	s, rec := newTestScheduler(t)
	require.NoError(t, s.AddNode(1, rec.device(2, 4)))

	require.False(t, s.Wake(1))
	require.Equal(t, 1, s.AwakeCount())

	require.True(t, s.Sleep(1))
	require.False(t, s.Sleep(1))
	require.Equal(t, 0, s.AwakeCount())

	require.True(t, s.Wake(1))
	require.False(t, s.Wake(1))
	require.Equal(t, 1, s.AwakeCount())

	require.False(t, s.Wake(99))
	require.False(t, s.Sleep(99))
}

func TestScheduler_StartAsleep(t *testing.T) {
	s, _ := newTestScheduler(t)
	calls := 0
	dev := TickableFuncs{
		Request: TickingRequest{MinTickRate: 1, MaxTickRate: 1, StartAsleep: true},
		OnTick: func(grid.NodeID, int) TickRateModulation {
			calls++
			return Same
		},
	}
	require.NoError(t, s.AddNode(7, dev))
	tickUntil(s, 10)
	require.Zero(t, calls)

	s.Wake(7)
	s.Tick()
	require.Equal(t, 1, calls)
}

func TestScheduler_Alert(t *testing.T) {
	s, rec := newTestScheduler(t)
	alertable := rec.device(10, 20)
	req := alertable.TickingRequest(1)
	req.CanBeAlerted = true
	dev := TickableFuncs{Request: req, OnTick: alertable.Tick}
	require.NoError(t, s.AddNode(1, dev))
	require.NoError(t, s.AddNode(2, rec.device(10, 20)))

	tickUntil(s, 2)
	require.True(t, s.Alert(1))
	require.False(t, s.Alert(2), "not alertable")

	s.Tick()
	require.Len(t, rec.calls, 1)
	require.Equal(t, grid.NodeID(1), rec.calls[0].node)
	require.Equal(t, uint64(3), rec.calls[0].tick)

	// Alert also wakes a sleeping alertable device.
	require.True(t, s.Sleep(1))
	require.True(t, s.Alert(1))
	s.Tick()
	require.Len(t, rec.calls, 2)
	require.Equal(t, uint64(4), rec.calls[1].tick)
}

func TestScheduler_RejectsBadRequests(t *testing.T) {
	s, rec := newTestScheduler(t)
	require.ErrorIs(t, s.AddNode(1, rec.device(0, 5)), ErrInvalidRequest)
	require.ErrorIs(t, s.AddNode(1, rec.device(6, 5)), ErrInvalidRequest)
	require.NoError(t, s.AddNode(1, rec.device(1, 5)))
	require.ErrorIs(t, s.AddNode(1, rec.device(1, 5)), ErrAlreadyTracked)
}

func TestScheduler_RemoveDuringOwnTick(t *testing.T) {
	s, _ := newTestScheduler(t)
	calls := 0
	require.NoError(t, s.AddNode(1, TickableFuncs{
		Request: TickingRequest{MinTickRate: 1, MaxTickRate: 1},
		OnTick: func(node grid.NodeID, _ int) TickRateModulation {
			calls++
			s.RemoveNode(node)
			return Same
		},
	}))
	tickUntil(s, 5)
	require.Equal(t, 1, calls)
	require.Zero(t, s.Len())
	require.Zero(t, s.AwakeCount())
}

func TestScheduler_PanicIsNotSwallowed(t *testing.T) {
	s, _ := newTestScheduler(t)
	require.NoError(t, s.AddNode(1, TickableFuncs{
		Request: TickingRequest{MinTickRate: 1, MaxTickRate: 1},
		OnTick:  func(grid.NodeID, int) TickRateModulation { panic("broken device") },
	}))
	require.PanicsWithValue(t, "broken device", func() { s.Tick() })
}

func TestScheduler_StatisticsTrackGaps(t *testing.T) {
	s, rec := newTestScheduler(t)
	require.NoError(t, s.AddNode(1, rec.device(2, 6, Urgent)))
	tr, _ := s.Tracker(1)
	require.NotContains(t, tr.Diagnostics(), "avg_gap", "no calls yet")

	tickUntil(s, 12)
	st := tr.Statistics()
	// First call after 4 ticks, then every 2.
	require.Equal(t, int64(5), st.Count)
	require.Equal(t, int64(2), st.Min)
	require.Equal(t, int64(4), st.Max)
	require.Equal(t, int64(12), st.Sum)
	require.InDelta(t, 2.4, st.Average(), 1e-9)

	d := tr.Diagnostics()
	require.InDelta(t, 2.4, d["avg_gap"], 1e-9)
	require.Equal(t, int64(2), d["min_gap"])
	require.Equal(t, int64(4), d["max_gap"])
}

type metricsRecorder struct {
	ticks   int
	invoked int
}

func (m *metricsRecorder) ObserveTick(awake, sleeping, invoked int, took time.Duration) {
	m.ticks++
	m.invoked += invoked
}

func TestScheduler_ReportsMetrics(t *testing.T) {
	s, rec := newTestScheduler(t)
	m := &metricsRecorder{}
	s.SetMetrics(m)
	require.NoError(t, s.AddNode(1, rec.device(1, 1)))
	tickUntil(s, 3)
	require.Equal(t, 3, m.ticks)
	require.Equal(t, 3, m.invoked)
}

func TestScheduler_RestoreResumesSchedule(t *testing.T) {
	s, rec := newTestScheduler(t)
	require.NoError(t, s.AddNode(1, rec.device(2, 20, Faster, Faster, Faster)))
	tickUntil(s, 30)
	tr, _ := s.Tracker(1)
	saved := tr.State()
	require.True(t, saved.Awake)
	require.NotEqual(t, 11, saved.Rate, "rate moved off the midpoint")

	// A fresh scheduler on the same clock registers the device at its midpoint.
	s2, rec2 := newTestScheduler(t)
	require.NoError(t, s2.SetCurrentTick(30))
	require.NoError(t, s2.AddNode(1, rec2.device(2, 20)))
	require.NoError(t, s2.Restore(1, saved))
	tr2, _ := s2.Tracker(1)
	require.Equal(t, saved, tr2.State())

	tickUntil(s, 60)
	tickUntil(s2, 60)
	var want, got []uint64
	for _, c := range rec.calls {
		if c.tick > 30 {
			want = append(want, c.tick)
		}
	}
	for _, c := range rec2.calls {
		got = append(got, c.tick)
	}
	require.NotEmpty(t, got)
	require.Equal(t, want, got)

	require.NoError(t, s2.Restore(1, State{Rate: 99, LastTick: 60}))
	require.False(t, tr2.Awake())
	require.Equal(t, 20, tr2.CurrentRate(), "rate is clamped")
	require.Equal(t, 0, s2.AwakeCount())

	require.ErrorIs(t, s2.Restore(7, saved), ErrNotTracked)
}
