package bus

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/grid"
	"busgrid.ai/internal/sim/ticking"
	"busgrid.ai/internal/testutil"
)

var errPicky = errors.New("picky devices refuse every link")

// fixture is a minimal World: a flat map of hosts with switchable obstruction,
// signals and facade opacity.
type fixture struct {
	t       *testing.T
	graph   *grid.Graph
	sched   *ticking.Scheduler
	reg     *Registry
	hosts   map[geom.Vec3i]*Host
	blocked map[geom.Vec3i]geom.FaceSet
	signal  map[geom.Vec3i]int
	opaque  bool

	removed []geom.Vec3i
	drops   []string
	updates map[geom.Vec3i]int
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:       t,
		graph:   grid.New(),
		sched:   ticking.NewScheduler(ticking.Config{}, testutil.NewTestEntry(t, "ticking")),
		reg:     NewRegistry(),
		hosts:   map[geom.Vec3i]*Host{},
		blocked: map[geom.Vec3i]geom.FaceSet{},
		signal:  map[geom.Vec3i]int{},
		updates: map[geom.Vec3i]int{},
	}
	f.reg.MustRegister(cableT, denseT, panelT, denseOnlyT, importT, meterT, tinyT, pickyT)
	return f
}

// host creates a host at pos and adds it to the world.
func (f *fixture) host(pos geom.Vec3i) *Host {
	h := f.detached(pos)
	h.AddToWorld(false)
	return h
}

// detached creates a host at pos that is not yet in the world.
func (f *fixture) detached(pos geom.Vec3i) *Host {
	h := NewHost(pos, f, testutil.NewTestEntry(f.t, "bus"))
	f.hosts[pos] = h
	return h
}

func (f *fixture) Graph() *grid.Graph                            { return f.graph }
func (f *fixture) Scheduler() *ticking.Scheduler                 { return f.sched }
func (f *fixture) Registry() *Registry                           { return f.reg }
func (f *fixture) HostAt(pos geom.Vec3i) *Host                   { return f.hosts[pos] }
func (f *fixture) IsBlocked(pos geom.Vec3i, face geom.Face) bool { return f.blocked[pos].Has(face) }
func (f *fixture) NeighborSignal(pos geom.Vec3i) int             { return f.signal[pos] }
func (f *fixture) OpaqueFacades() bool                           { return f.opaque }
func (f *fixture) MarkForUpdate(pos geom.Vec3i)                  { f.updates[pos]++ }
func (f *fixture) MarkForSave(geom.Vec3i)                        {}

func (f *fixture) ConnectionRule() grid.Rule {
	return grid.AllRules(grid.CapacityRule(), func(g *grid.Graph, a, b grid.NodeID) error {
		if strings.HasPrefix(g.Owner(a), "test:picky") || strings.HasPrefix(g.Owner(b), "test:picky") {
			return errPicky
		}
		return nil
	})
}

func (f *fixture) RemoveHost(pos geom.Vec3i) {
	h := f.hosts[pos]
	if h == nil {
		return
	}
	delete(f.hosts, pos)
	h.RemoveFromWorld()
	f.removed = append(f.removed, pos)
}

func (f *fixture) SpawnDrops(_ geom.Vec3i, items []string) {
	f.drops = append(f.drops, items...)
}

func (f *fixture) connected(a, b grid.NodeID) bool { return f.graph.Connected(a, b) }

func simpleType(id string, netID uint32, trunk bool, caps Capabilities) *DeviceType {
	t := &DeviceType{ID: id, NetID: netID, Trunk: trunk}
	t.New = func() Device { return &Simple{T: t, Caps: caps} }
	return t
}

func anyBus(BusSupport) bool { return true }

func centerBox(c *geom.BoxCollector) { c.AddBox(6, 6, 6, 10, 10, 10) }
func panelBox(c *geom.BoxCollector)  { c.AddBox(2, 2, 14, 14, 14, 16) }
func importBox(c *geom.BoxCollector) { c.AddBox(4, 4, 12, 12, 12, 16) }

var (
	cableT = simpleType("test:cable", 1, true, Capabilities{Networked: true, Geometry: centerBox})
	denseT = func() *DeviceType {
		t := simpleType("test:dense", 2, true, Capabilities{Networked: true, Geometry: centerBox})
		t.Bus = BusDenseCable
		return t
	}()
	panelT     = simpleType("test:panel", 3, false, Capabilities{Networked: true, Geometry: panelBox})
	denseOnlyT = func() *DeviceType {
		t := simpleType("test:dense_only", 4, false, Capabilities{Networked: true})
		t.PlaceableOn = func(b BusSupport) bool { return b == BusDenseCable }
		return t
	}()
	importT = func() *DeviceType {
		t := simpleType("test:import", 5, false, Capabilities{Networked: true, ExternalFacing: true, Geometry: importBox})
		t.PlaceableOn = anyBus
		return t
	}()
	meterT = func() *DeviceType {
		t := &DeviceType{ID: "test:meter", NetID: 6}
		t.New = func() Device { return &meter{Simple: Simple{T: t, Caps: Capabilities{Geometry: panelBox}}} }
		return t
	}()
	tinyT  = simpleType("test:tiny", 7, true, Capabilities{Networked: true, Capacity: 1})
	pickyT = func() *DeviceType {
		t := simpleType("test:picky", 8, false, Capabilities{Networked: true, ExternalFacing: true})
		t.PlaceableOn = anyBus
		return t
	}()
)

// meter carries a level in both its document and its stream payload.
type meter struct {
	Simple
	Level int
}

func (m *meter) WriteData(doc Document) { doc["level"] = m.Level }

func (m *meter) ReadData(doc Document) error {
	v, ok := doc.Int("level")
	if !ok {
		return fmt.Errorf("meter: missing level")
	}
	m.Level = v
	return nil
}

func (m *meter) WriteStream(w *StreamWriter) { w.PutVarint(int64(m.Level)) }

func (m *meter) ReadStream(r *StreamReader) (bool, error) {
	v, err := r.ReadVarint()
	if err != nil {
		return false, err
	}
	changed := int(v) != m.Level
	m.Level = int(v)
	return changed, nil
}

func requireOccupancy(t *testing.T, h *Host, want map[Slot]string) {
	t.Helper()
	got := map[Slot]string{}
	for _, slot := range AllSlots {
		if d, ok := h.Device(slot); ok {
			got[slot] = d.Type().ID
		}
	}
	require.Equal(t, want, got)
}
