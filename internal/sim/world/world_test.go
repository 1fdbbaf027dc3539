package world_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"busgrid.ai/internal/persistence/snapshot"
	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/devices"
	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/world"
	"busgrid.ai/internal/testutil"
)

var (
	origin = geom.Vec3i{}
	east   = geom.Vec3i{X: 1}
	north  = bus.FaceSlot(geom.North)
)

type recorder struct {
	mu     sync.Mutex
	ticks  []world.TickLogEntry
	audits []world.AuditEntry
	pub    map[geom.Vec3i][]byte
	gone   []geom.Vec3i
}

func newRecorder() *recorder { return &recorder{pub: map[geom.Vec3i][]byte{}} }

func (r *recorder) WriteTick(e world.TickLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, e)
	return nil
}

func (r *recorder) WriteAudit(e world.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, e)
	return nil
}

func (r *recorder) PublishHost(_ uint64, pos geom.Vec3i, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pub[pos] = payload
}

func (r *recorder) ForgetHost(_ uint64, pos geom.Vec3i) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pub, pos)
	r.gone = append(r.gone, pos)
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.audits))
	for _, a := range r.audits {
		out = append(out, a.Action)
	}
	return out
}

func newWorld(t *testing.T) (*world.World, *devices.Set, *recorder) {
	t.Helper()
	reg := bus.NewRegistry()
	set := devices.NewSet(devices.Config{ImportMinTicks: 2, ImportMaxTicks: 4})
	require.NoError(t, set.Register(reg))
	w := world.New(world.Config{ID: "test", SnapshotEveryTicks: 5}, reg, testutil.NewTestEntry(t, "world"))
	rec := newRecorder()
	w.SetTickLogger(rec)
	w.SetAuditLogger(rec)
	w.SetStreamSink(rec)
	return w, set, rec
}

func TestWorld_PlacementAndAudit(t *testing.T) {
	w, set, rec := newWorld(t)
	placer := &bus.Placer{ID: "alice"}

	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, placer))
	require.NoError(t, w.Attach(origin, north, set.Terminal.ID, placer))
	require.NoError(t, w.Replace(origin, north, set.ImportBus.ID, placer))
	require.NoError(t, w.Detach(origin, north, "bob"))

	require.Equal(t, []string{"ATTACH", "ATTACH", "REPLACE", "DETACH"}, rec.actions())
	require.Equal(t, "alice", rec.audits[2].Actor)
	require.Equal(t, set.Terminal.ID, rec.audits[2].From)
	require.Equal(t, set.ImportBus.ID, rec.audits[2].To)
	require.Equal(t, "north", rec.audits[3].Slot)

	err := w.Attach(origin, north, "busgrid:nope", placer)
	require.ErrorIs(t, err, world.ErrUnknownDevice)
	err = w.Attach(origin, bus.SlotCenter, set.Cable.ID, placer)
	require.ErrorIs(t, err, world.ErrRejected)
	require.ErrorIs(t, w.Detach(east, bus.SlotCenter, ""), world.ErrNoHost)
	require.ErrorIs(t, w.Detach(origin, north, ""), world.ErrEmptySlot)
	require.ErrorIs(t, w.Offer(origin, bus.SlotCenter, 1), world.ErrNotOfferable)
}

func TestWorld_RejectedAttachLeavesNoHost(t *testing.T) {
	w, set, _ := newWorld(t)
	require.Error(t, w.Attach(origin, bus.SlotCenter, set.Terminal.ID, nil), "face device in the center")
	_, ok := w.Host(origin)
	require.False(t, ok)
	require.Empty(t, w.Positions())
}

func TestWorld_EmptyHostIsRemovedAndForgotten(t *testing.T) {
	w, set, rec := newWorld(t)
	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, nil))
	require.NoError(t, w.Attach(east, bus.SlotCenter, set.Cable.ID, nil))
	w.Step()
	require.Len(t, w.Published().Hosts, 2)
	require.Equal(t, uint64(1), w.Published().Tick)
	require.Len(t, rec.pub, 2)

	require.NoError(t, w.Detach(east, bus.SlotCenter, ""))
	_, ok := w.Host(east)
	require.False(t, ok)
	w.Step()

	view := w.Published()
	require.Len(t, view.Hosts, 1)
	require.Equal(t, geom.FaceSet(0), view.Hosts[origin].Connected)
	require.Equal(t, []geom.Vec3i{east}, rec.gone)
	require.Len(t, rec.ticks, 2)
	require.Equal(t, []world.DropEntry{{Pos: east.ToArray(), Items: []string{set.Cable.ID}}}, rec.ticks[1].Drops)
}

func TestWorld_FacadesDropWithTrunk(t *testing.T) {
	w, set, rec := newWorld(t)
	require.Error(t, w.SetFacade(origin, geom.South, "stone", ""), "no host")
	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, nil))
	require.NoError(t, w.Attach(origin, north, set.Terminal.ID, nil))
	require.NoError(t, w.SetFacade(origin, geom.South, "stone", ""))
	require.Error(t, w.SetFacade(origin, geom.South, "glass", ""), "face covered")

	require.NoError(t, w.Detach(origin, bus.SlotCenter, ""))
	h, ok := w.Host(origin)
	require.True(t, ok)
	require.True(t, h.Facades().Empty())
	w.Step()

	var items []string
	for _, d := range rec.ticks[0].Drops {
		items = append(items, d.Items...)
	}
	require.ElementsMatch(t, []string{"stone", set.Cable.ID}, items)
}

func TestWorld_BlockedFaceCutsLink(t *testing.T) {
	w, set, _ := newWorld(t)
	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, nil))
	require.NoError(t, w.Attach(east, bus.SlotCenter, set.Cable.ID, nil))
	a, _ := w.Host(origin)
	b, _ := w.Host(east)
	require.True(t, w.Graph().Connected(a.Node(bus.SlotCenter), b.Node(bus.SlotCenter)))

	w.SetBlocked(origin, geom.East, true)
	require.False(t, a.ExposedFaces().Has(geom.East))
	require.False(t, w.Graph().Connected(a.Node(bus.SlotCenter), b.Node(bus.SlotCenter)))

	w.SetBlocked(origin, geom.East, false)
	require.True(t, w.Graph().Connected(a.Node(bus.SlotCenter), b.Node(bus.SlotCenter)))
}

func TestWorld_SignalReachesNeighbors(t *testing.T) {
	w, set, _ := newWorld(t)
	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, nil))
	h, _ := w.Host(origin)
	require.False(t, h.HasRedstone())

	w.SetSignal(east, 7)
	require.Equal(t, bus.RedstoneUndecided, h.RedstoneState())
	require.True(t, h.HasRedstone())
	require.Equal(t, 7, w.NeighborSignal(origin))

	w.SetSignal(east, 0)
	require.False(t, h.HasRedstone())
}

func TestWorld_OpaqueFacadesRebuildShapes(t *testing.T) {
	w, set, _ := newWorld(t)
	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, nil))
	require.NoError(t, w.SetFacade(origin, geom.West, "stone", ""))
	h, _ := w.Host(origin)
	require.Equal(t, 1, h.OcclusionShape().Len())

	w.SetOpaqueFacades(true)
	require.Equal(t, 2, h.OcclusionShape().Len())
}

func TestWorld_SnapshotRoundTrip(t *testing.T) {
	w, set, rec := newWorld(t)
	snaps := make(chan snapshot.SnapshotV1, 4)
	w.SetSnapshotSink(snaps)

	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, nil))
	require.NoError(t, w.Attach(east, bus.SlotCenter, set.DenseCable.ID, nil))
	require.NoError(t, w.Attach(origin, north, set.ImportBus.ID, nil))
	require.NoError(t, w.Attach(origin, bus.FaceSlot(geom.Up), set.LevelEmitter.ID, nil))
	require.NoError(t, w.Attach(east, bus.FaceSlot(geom.Up), set.Terminal.ID, nil))
	require.NoError(t, w.SetFacade(east, geom.South, "stone", ""))
	require.NoError(t, w.Offer(origin, north, 40))
	w.SetBlocked(east, geom.Down, true)
	w.SetSignal(geom.Vec3i{X: 5}, 3)
	for i := 0; i < 5; i++ {
		w.Step()
	}

	var snap snapshot.SnapshotV1
	select {
	case snap = <-snaps:
	default:
		t.Fatal("no snapshot after SnapshotEveryTicks")
	}
	require.Equal(t, uint64(5), snap.Header.Tick)
	require.Len(t, snap.Hosts, 2)
	require.Equal(t, rec.ticks[4].Digest, w.StateDigest())

	path := snapshot.Path(t.TempDir(), snap.Header.Tick)
	require.NoError(t, snapshot.WriteSnapshot(path, snap))
	loaded, err := snapshot.ReadSnapshot(path)
	require.NoError(t, err)

	w2, _, _ := newWorld(t)
	unknown, err := w2.ImportSnapshot(loaded)
	require.NoError(t, err)
	require.Empty(t, unknown)
	require.Equal(t, uint64(5), w2.CurrentTick())
	require.Equal(t, w.StateDigest(), w2.StateDigest())
	require.Equal(t, w.Graph().ConnectionCount(), w2.Graph().ConnectionCount())
	require.True(t, w2.IsBlocked(east, geom.Down))
	require.Equal(t, 3, w2.NeighborSignal(geom.Vec3i{X: 4}))

	_, err = w2.ImportSnapshot(loaded)
	require.Error(t, err, "world not empty")
}

func TestWorld_ImportReportsUnknownDevices(t *testing.T) {
	w, _, _ := newWorld(t)
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, Tick: 10},
		Hosts: []snapshot.HostV1{
			{Pos: [3]int{0, 0, 0}, Doc: []byte(`{"hasRedstone":2,"def:center":{"id":"busgrid:cable"},"extra:center":{},"def:east":{"id":"old:part"},"extra:east":{}}`)},
			{Pos: [3]int{9, 0, 0}, Doc: []byte(`{"hasRedstone":2,"def:center":{"id":"old:cable"},"extra:center":{}}`)},
		},
	}
	unknown, err := w.ImportSnapshot(snap)
	require.NoError(t, err)
	require.Len(t, unknown, 2)
	require.Equal(t, []geom.Vec3i{origin}, w.Positions(), "hosts left empty are skipped")
}

func TestWorld_SameRequestsSameDigest(t *testing.T) {
	run := func() string {
		w, set, _ := newWorld(t)
		require.NoError(t, w.Apply(world.Request{Op: world.OpAttach, Pos: [3]int{0, 0, 0}, Slot: "center", Type: set.Cable.ID}))
		require.NoError(t, w.Apply(world.Request{Op: world.OpAttach, Pos: [3]int{0, 0, 0}, Slot: "north", Type: set.ImportBus.ID}))
		require.NoError(t, w.Apply(world.Request{Op: world.OpOffer, Pos: [3]int{0, 0, 0}, Slot: "north", N: 9}))
		require.NoError(t, w.Apply(world.Request{Op: world.OpBlock, Pos: [3]int{0, 0, 0}, Slot: "up"}))
		for i := 0; i < 7; i++ {
			w.Step()
		}
		return w.StateDigest()
	}
	require.Equal(t, run(), run())
}

func TestWorld_ApplyRejectsBadRequests(t *testing.T) {
	w, _, _ := newWorld(t)
	require.Error(t, w.Apply(world.Request{Op: world.OpAttach, Slot: "middle"}))
	require.Error(t, w.Apply(world.Request{Op: world.OpFacade, Slot: "center"}))
	require.ErrorIs(t, w.Apply(world.Request{Op: world.OpRemoveHost}), world.ErrNoHost)
	require.Error(t, w.Apply(world.Request{Op: "EXPLODE"}))
}

func TestWorld_RunAppliesSubmittedRequests(t *testing.T) {
	reg := bus.NewRegistry()
	set := devices.NewSet(devices.Config{})
	require.NoError(t, set.Register(reg))
	w := world.New(world.Config{TickRateHz: 200}, reg, testutil.NewTestEntry(t, "world"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	submit := func(req world.Request) error {
		sctx, scancel := context.WithTimeout(ctx, 5*time.Second)
		defer scancel()
		return w.Submit(sctx, req)
	}
	require.NoError(t, submit(world.Request{Op: world.OpAttach, Pos: [3]int{0, 0, 0}, Slot: "center", Type: set.Cable.ID}))
	err := submit(world.Request{Op: world.OpAttach, Pos: [3]int{0, 0, 0}, Slot: "center", Type: set.Cable.ID})
	require.ErrorIs(t, err, world.ErrRejected)

	require.Eventually(t, func() bool {
		_, ok := w.Published().Hosts[origin]
		return ok && w.Metrics().Hosts == 1
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))
}

func TestWorld_StopTwice(t *testing.T) {
	w, _, _ := newWorld(t)
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	w.Stop()
	require.NotPanics(t, w.Stop)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestWorld_ImportKeepsDeviceSchedules(t *testing.T) {
	build := func() (*world.World, *devices.Set) {
		reg := bus.NewRegistry()
		set := devices.NewSet(devices.Config{ImportMinTicks: 2, ImportMaxTicks: 20})
		require.NoError(t, set.Register(reg))
		return world.New(world.Config{ID: "sched"}, reg, testutil.NewTestEntry(t, "world")), set
	}

	w, set := build()
	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, nil))
	require.NoError(t, w.Attach(origin, north, set.ImportBus.ID, nil))
	require.NoError(t, w.Offer(origin, north, 40))
	for i := 0; i < 5; i++ {
		w.Step()
	}
	snap, err := w.ExportSnapshot()
	require.NoError(t, err)
	require.Len(t, snap.Trackers, 1)
	require.Equal(t, "north", snap.Trackers[0].Slot)
	require.True(t, snap.Trackers[0].Awake, "backlog still pending")

	var want []string
	for i := 0; i < 40; i++ {
		w.Step()
		want = append(want, w.StateDigest())
	}

	w2, _ := build()
	_, err = w2.ImportSnapshot(snap)
	require.NoError(t, err)
	again, err := w2.ExportSnapshot()
	require.NoError(t, err)
	require.Equal(t, snap.Trackers, again.Trackers)

	var got []string
	for i := 0; i < 40; i++ {
		w2.Step()
		got = append(got, w2.StateDigest())
	}
	require.Equal(t, want, got)
	require.NotEqual(t, want[0], want[len(want)-1], "the backlog drains within the window")
}
