package bus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"busgrid.ai/internal/sim/geom"
)

func TestHost_ShapesFollowFacadeRules(t *testing.T) {
	f := newFixture(t)
	h := f.host(origin)
	require.True(t, h.Attach(cableT, SlotCenter, nil))
	require.True(t, h.AddFacade(geom.South, Facade{Item: "stone"}))

	require.Equal(t, 1, h.OcclusionShape().Len(), "transparent facades do not occlude")
	require.Equal(t, 2, h.CollisionShape(QueryGeneral).Len())

	general, ok := h.CollisionShape(QueryGeneral).Bounds()
	require.True(t, ok)
	require.InDelta(t, 1.0, general.Max.Z, 1e-9)
	small, ok := h.CollisionShape(QuerySmall).Bounds()
	require.True(t, ok)
	require.InDelta(t, 15.9/16, small.Max.Z, 1e-9)

	f.opaque = true
	require.Equal(t, 1, h.OcclusionShape().Len(), "still cached")
	h.InvalidateShapes()
	require.Equal(t, 2, h.OcclusionShape().Len())
}

func TestHost_ShapeCacheInvalidatedByTopology(t *testing.T) {
	f := newFixture(t)
	h := f.host(origin)
	require.True(t, h.Attach(cableT, SlotCenter, nil))
	require.Equal(t, 1, h.CollisionShape(QueryGeneral).Len())

	require.True(t, h.Attach(panelT, SlotNorth, nil))
	require.Equal(t, 2, h.CollisionShape(QueryGeneral).Len())
	require.Equal(t, 2, h.OcclusionShape().Len())

	require.True(t, h.Detach(SlotNorth))
	require.Equal(t, 1, h.CollisionShape(QueryGeneral).Len())

	require.True(t, h.AddFacade(geom.East, Facade{Item: "glass"}))
	require.Equal(t, 2, h.CollisionShape(QuerySmall).Len())
}

func TestHost_FaceGeometryIsRotated(t *testing.T) {
	f := newFixture(t)
	h := f.host(origin)
	require.True(t, h.Attach(panelT, SlotNorth, nil))

	b, ok := h.OcclusionShape().Bounds()
	require.True(t, ok)
	require.InDelta(t, 0.0, b.Min.Z, 1e-9)
	require.InDelta(t, 2.0/16, b.Max.Z, 1e-9)
	require.InDelta(t, 2.0/16, b.Min.X, 1e-9)
	require.InDelta(t, 14.0/16, b.Max.X, 1e-9)
}

func TestHost_SelectDeviceAt(t *testing.T) {
	f := newFixture(t)
	h := f.host(origin)
	require.True(t, h.Attach(cableT, SlotCenter, nil))
	require.True(t, h.Attach(panelT, SlotNorth, nil))
	require.True(t, h.AddFacade(geom.West, Facade{Item: "stone"}))

	sel, ok := h.SelectDeviceAt(geom.Vec3{X: 0.5, Y: 0.5, Z: 0.5})
	require.True(t, ok)
	require.Equal(t, SlotCenter, sel.Slot)
	require.Equal(t, cableT, sel.Device.Type())

	sel, ok = h.SelectDeviceAt(geom.Vec3{X: 0.5, Y: 0.5, Z: 0.05})
	require.True(t, ok)
	require.Equal(t, SlotNorth, sel.Slot)

	// Just outside the panel, within the selection margin.
	sel, ok = h.SelectDeviceAt(geom.Vec3{X: 0.5, Y: 0.5, Z: 2.0/16 + 0.001})
	require.True(t, ok)
	require.Equal(t, SlotNorth, sel.Slot)

	facadePoint := geom.Vec3{X: 0.05, Y: 0.9, Z: 0.9}
	_, ok = h.SelectDeviceAt(facadePoint)
	require.False(t, ok, "facades are not selectable while transparent")

	f.opaque = true
	sel, ok = h.SelectDeviceAt(facadePoint)
	require.True(t, ok)
	require.True(t, sel.IsFacade)
	require.Equal(t, SlotWest, sel.Slot)
	require.Equal(t, "stone", sel.Facade.Item)
	require.Nil(t, sel.Device)
}

func TestHost_SelectDeviceAtReusesBoxes(t *testing.T) {
	f := newFixture(t)
	h := f.host(origin)
	calls := 0
	counted := simpleType("test:counted", 9, true, Capabilities{Networked: true, Geometry: func(c *geom.BoxCollector) {
		calls++
		centerBox(c)
	}})
	require.True(t, h.Attach(counted, SlotCenter, nil))
	h.InvalidateShapes()
	calls = 0

	center := geom.Vec3{X: 0.5, Y: 0.5, Z: 0.5}
	for i := 0; i < 3; i++ {
		sel, ok := h.SelectDeviceAt(center)
		require.True(t, ok)
		require.Equal(t, SlotCenter, sel.Slot)
	}
	require.Equal(t, 1, calls)

	require.True(t, h.Attach(panelT, SlotNorth, nil))
	sel, ok := h.SelectDeviceAt(geom.Vec3{X: 0.5, Y: 0.5, Z: 0.05})
	require.True(t, ok, "attach drops the cached boxes")
	require.Equal(t, SlotNorth, sel.Slot)
	require.Equal(t, 2, calls)
}
