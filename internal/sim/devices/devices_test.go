package devices_test

import (
	"testing"

	"github.com/stretchr/testify/require"

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

func newWorld(t *testing.T, cfg devices.Config) (*world.World, *devices.Set) {
	t.Helper()
	reg := bus.NewRegistry()
	set := devices.NewSet(cfg)
	require.NoError(t, set.Register(reg))
	return world.New(world.Config{ID: "devices"}, reg, testutil.NewTestEntry(t, "world")), set
}

func device[T any](t *testing.T, w *world.World, pos geom.Vec3i, slot bus.Slot) T {
	t.Helper()
	h, ok := w.Host(pos)
	require.True(t, ok)
	d, ok := h.Device(slot)
	require.True(t, ok)
	v, ok := d.(T)
	require.True(t, ok, "device %s", d.Type())
	return v
}

func TestSet_RegistersEveryType(t *testing.T) {
	reg := bus.NewRegistry()
	set := devices.NewSet(devices.Config{})
	require.NoError(t, set.Register(reg))
	require.Len(t, reg.IDs(), 5)
	for _, dt := range set.All() {
		require.Same(t, dt, reg.ByNetID(dt.NetID))
	}
	require.Error(t, set.Register(reg), "ids are taken")
}

func TestSet_Placement(t *testing.T) {
	set := devices.NewSet(devices.Config{})
	require.True(t, set.Terminal.CanBePlacedOn(bus.BusDenseCable))
	require.True(t, set.ImportBus.CanBePlacedOn(bus.BusCable))
	require.False(t, set.LevelEmitter.CanBePlacedOn(bus.BusDenseCable))
	require.False(t, set.Terminal.CanBePlacedOn(bus.BusNoParts))
}

func TestCable_GrowsArmsTowardLinkedNeighbors(t *testing.T) {
	w, set := newWorld(t, devices.Config{})
	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, nil))
	h, _ := w.Host(origin)
	require.Equal(t, 1, h.CollisionShape(bus.QueryGeneral).Len())

	require.NoError(t, w.Attach(east, bus.SlotCenter, set.DenseCable.ID, nil))
	require.Equal(t, geom.FaceSetOf(geom.East), h.ConnectedSides())
	require.Equal(t, 2, h.CollisionShape(bus.QueryGeneral).Len())
	b, ok := h.CollisionShape(bus.QueryGeneral).Bounds()
	require.True(t, ok)
	require.InDelta(t, 1.0, b.Max.X, 1e-9)

	require.NoError(t, w.Detach(east, bus.SlotCenter, "test"))
	require.Equal(t, 1, h.CollisionShape(bus.QueryGeneral).Len())
}

func TestTerminal_OnlineFollowsLinks(t *testing.T) {
	w, set := newWorld(t, devices.Config{})
	require.NoError(t, w.Attach(origin, north, set.Terminal.ID, nil))
	type terminal interface {
		Online() bool
		SetLabel(string)
		Label() string
	}
	term := device[terminal](t, w, origin, north)
	require.False(t, term.Online())

	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, nil))
	require.True(t, term.Online())

	h, _ := w.Host(origin)
	require.True(t, h.HasDynamicRender())

	require.NoError(t, w.Detach(origin, bus.SlotCenter, "test"))
	require.False(t, term.Online())
}

func TestImportBus_SpeedsUpThenSleeps(t *testing.T) {
	w, set := newWorld(t, devices.Config{ImportMinTicks: 2, ImportMaxTicks: 4})
	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, nil))
	require.NoError(t, w.Attach(origin, north, set.ImportBus.ID, nil))
	ib := device[*devices.ImportBus](t, w, origin, north)
	h, _ := w.Host(origin)
	node := h.Node(north)

	require.NoError(t, w.Offer(origin, north, 10))
	require.True(t, ib.Active())

	// 3 units on the first call, then 2 per call every 2 ticks.
	w.Step()
	require.Equal(t, int64(3), ib.Moved())
	tr, ok := w.Scheduler().Tracker(node)
	require.True(t, ok)
	require.Equal(t, 2, tr.CurrentRate())

	for w.CurrentTick() < 9 {
		w.Step()
	}
	require.Equal(t, int64(10), ib.Moved())
	require.Zero(t, ib.Pending())
	require.False(t, ib.Active())
	require.True(t, tr.Awake())

	for w.CurrentTick() < 12 {
		w.Step()
	}
	require.False(t, tr.Awake(), "nothing left to move")

	require.NoError(t, w.Offer(origin, north, 1))
	require.True(t, tr.Awake())
	w.Step()
	require.Equal(t, int64(11), ib.Moved())
}

func TestImportBus_RedstoneGate(t *testing.T) {
	w, set := newWorld(t, devices.Config{ImportMinTicks: 2, ImportMaxTicks: 4})
	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, nil))
	require.NoError(t, w.Attach(origin, north, set.ImportBus.ID, nil))
	ib := device[*devices.ImportBus](t, w, origin, north)
	ib.SetMode(devices.RedstoneHigh)

	require.NoError(t, w.Offer(origin, north, 3))
	for i := 0; i < 5; i++ {
		w.Step()
	}
	require.Zero(t, ib.Moved())
	h, _ := w.Host(origin)
	tr, _ := w.Scheduler().Tracker(h.Node(north))
	require.False(t, tr.Awake())

	w.SetSignal(geom.Vec3i{Y: -1}, 15)
	require.True(t, tr.Awake(), "signal wakes the gated bus")
	for i := 0; i < 3; i++ {
		w.Step()
	}
	require.Equal(t, int64(3), ib.Moved())
}

func TestRedstoneMode_Parse(t *testing.T) {
	for _, m := range []devices.RedstoneMode{devices.RedstoneIgnore, devices.RedstoneHigh, devices.RedstoneLow} {
		got, err := devices.ParseRedstoneMode(m.String())
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
	_, err := devices.ParseRedstoneMode("pulse")
	require.Error(t, err)
}

func TestLevelEmitter_TracksNetworkSize(t *testing.T) {
	w, set := newWorld(t, devices.Config{})
	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, nil))
	require.NoError(t, w.Attach(origin, north, set.LevelEmitter.ID, nil))
	type emitter interface {
		On() bool
		SetThreshold(int)
	}
	em := device[emitter](t, w, origin, north)
	h, _ := w.Host(origin)
	require.True(t, em.On(), "emitter and cable")
	require.Equal(t, 15, h.StrongPower(geom.North))
	require.True(t, h.CanConnectRedstone(geom.North))
	require.Zero(t, h.WeakPower(geom.South))

	em.SetThreshold(4)
	require.False(t, em.On())
	require.Zero(t, h.StrongPower(geom.North))

	require.NoError(t, w.Attach(east, bus.SlotCenter, set.Cable.ID, nil))
	require.NoError(t, w.Attach(geom.Vec3i{X: 2}, bus.SlotCenter, set.Cable.ID, nil))
	require.False(t, em.On(), "the far link does not notify the emitter")

	for i := 0; i < 40; i++ {
		w.Step()
	}
	require.True(t, em.On())
}

func TestDevices_PersistAndMirror(t *testing.T) {
	w, set := newWorld(t, devices.Config{})
	require.NoError(t, w.Attach(origin, bus.SlotCenter, set.Cable.ID, nil))
	require.NoError(t, w.Attach(east, bus.SlotCenter, set.Cable.ID, nil))
	require.NoError(t, w.Attach(origin, north, set.ImportBus.ID, nil))
	require.NoError(t, w.Attach(origin, bus.FaceSlot(geom.Up), set.Terminal.ID, nil))
	device[interface{ SetLabel(string) }](t, w, origin, bus.FaceSlot(geom.Up)).SetLabel("storage")
	ib := device[*devices.ImportBus](t, w, origin, north)
	ib.SetMode(devices.RedstoneLow)
	require.NoError(t, w.Offer(origin, north, 4))

	doc, ok := w.UnloadHost(origin)
	require.True(t, ok)
	extra, ok := doc.Doc("extra:north")
	require.True(t, ok)
	require.Equal(t, "low", extra["mode"])
	require.Equal(t, 4, extra["pending"])

	require.NoError(t, w.LoadHost(origin, doc))
	ib = device[*devices.ImportBus](t, w, origin, north)
	require.Equal(t, 4, ib.Pending())
	require.True(t, ib.Active())
	term := device[interface {
		Label() string
		Online() bool
	}](t, w, origin, bus.FaceSlot(geom.Up))
	require.Equal(t, "storage", term.Label())
	require.True(t, term.Online())

	src, _ := w.Host(origin)
	mirror := bus.NewHost(origin, w, nil)
	changed, err := mirror.ReadStream(bus.NewStreamReader(src.StreamBytes()))
	require.NoError(t, err)
	require.True(t, changed)
	require.False(t, mirror.InWorld())

	d, ok := mirror.Device(north)
	require.True(t, ok)
	require.True(t, d.(*devices.ImportBus).Active())
	md, _ := mirror.Device(bus.FaceSlot(geom.Up))
	require.Equal(t, "storage", md.(interface{ Label() string }).Label())
	require.True(t, md.(interface{ Online() bool }).Online())
	require.Equal(t, src.CollisionShape(bus.QueryGeneral), mirror.CollisionShape(bus.QueryGeneral), "cable arms come from the stream")
}
