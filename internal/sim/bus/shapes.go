package bus

import "busgrid.ai/internal/sim/geom"

// QueryKind selects a collision shape variant.
type QueryKind uint8

const (
	QueryGeneral QueryKind = iota
	// QuerySmall is used for items and projectiles.
	QuerySmall
)

const (
	selectEpsilon       = 0.002
	facadeSelectEpsilon = 0.01
)

// Selection is the result of a hit test. Facade selections carry no device.
type Selection struct {
	Slot     Slot
	Device   Device
	IsFacade bool
	Facade   Facade
}

// InvalidateShapes drops all three cached shapes and the selection boxes.
func (h *Host) InvalidateShapes() { h.invalidateShapes() }

func (h *Host) invalidateShapes() {
	h.occlusion = nil
	h.collision = nil
	h.collisionSmall = nil
	h.selection = nil
}

// OcclusionShape includes facades only while facades render opaque.
func (h *Host) OcclusionShape() geom.Shape {
	if h.occlusion == nil {
		s := h.buildShape(false, false)
		h.occlusion = &s
	}
	return *h.occlusion
}

// CollisionShape always includes facades.
func (h *Host) CollisionShape(kind QueryKind) geom.Shape {
	cache, small := &h.collision, false
	if kind == QuerySmall {
		cache, small = &h.collisionSmall, true
	}
	if *cache == nil {
		s := h.buildShape(true, small)
		*cache = &s
	}
	return **cache
}

func (h *Host) buildShape(collision, small bool) geom.Shape {
	var boxes []geom.AABB
	withFacades := collision || h.world.OpaqueFacades()
	for _, slot := range centerFirst {
		if m := h.slots[slot]; m != nil && m.caps.Geometry != nil {
			m.caps.Geometry(collectorFor(&boxes, slot, collision))
		}
		face, ok := slot.Face()
		if !ok || !withFacades {
			continue
		}
		if f, ok := h.facades.Get(face); ok {
			f.Boxes(geom.NewFaceCollector(&boxes, face, collision), small)
		}
	}
	return geom.NewShape(boxes)
}

func collectorFor(out *[]geom.AABB, slot Slot, collision bool) *geom.BoxCollector {
	if f, ok := slot.Face(); ok {
		return geom.NewFaceCollector(out, f, collision)
	}
	return geom.NewCenterCollector(out, collision)
}

// SelectDeviceAt hit-tests p, in block-local coordinates, against the devices
// (center first) and then, while facades render opaque, against the facades.
func (h *Host) SelectDeviceAt(p geom.Vec3) (Selection, bool) {
	boxes := h.selectionBoxes()
	for _, slot := range centerFirst {
		m := h.slots[slot]
		if m == nil {
			continue
		}
		for _, b := range boxes[slot] {
			if b.Contains(p) {
				return Selection{Slot: slot, Device: m.dev}, true
			}
		}
	}

	if !h.world.OpaqueFacades() {
		return Selection{}, false
	}
	for _, face := range geom.Faces {
		f, ok := h.facades.Get(face)
		if !ok {
			continue
		}
		var boxes []geom.AABB
		f.Boxes(geom.NewFaceCollector(&boxes, face, false), false)
		for _, b := range boxes {
			if b.Inflate(facadeSelectEpsilon).Contains(p) {
				return Selection{Slot: FaceSlot(face), IsFacade: true, Facade: f}, true
			}
		}
	}
	return Selection{}, false
}

// selectionBoxes returns the inflated device boxes, building them on first use
// after an invalidation.
func (h *Host) selectionBoxes() *[7][]geom.AABB {
	if h.selection != nil {
		return h.selection
	}
	var all [7][]geom.AABB
	for _, slot := range centerFirst {
		m := h.slots[slot]
		if m == nil || m.caps.Geometry == nil {
			continue
		}
		var boxes []geom.AABB
		m.caps.Geometry(collectorFor(&boxes, slot, false))
		for i := range boxes {
			boxes[i] = boxes[i].Inflate(selectEpsilon)
		}
		all[slot] = boxes
	}
	h.selection = &all
	return h.selection
}

// HasRedstone reports a signal next to the host, querying the world only when
// the cached state is undecided.
func (h *Host) HasRedstone() bool {
	if h.redstone == RedstoneUndecided {
		h.redstone = RedstoneNo
		if h.world.NeighborSignal(h.pos) > 0 {
			h.redstone = RedstoneYes
		}
	}
	return h.redstone == RedstoneYes
}

func (h *Host) RedstoneState() Redstone { return h.redstone }

// StrongPower is the strong signal emitted by the face device on face.
func (h *Host) StrongPower(face geom.Face) int {
	strong, _ := h.power(face)
	return strong
}

func (h *Host) WeakPower(face geom.Face) int {
	_, weak := h.power(face)
	return weak
}

func (h *Host) power(face geom.Face) (int, int) {
	if !face.Valid() {
		return 0, 0
	}
	m := h.slots[FaceSlot(face)]
	if m == nil || m.caps.Redstone == nil {
		return 0, 0
	}
	return m.caps.Redstone()
}

func (h *Host) CanConnectRedstone(face geom.Face) bool {
	if !face.Valid() {
		return false
	}
	m := h.slots[FaceSlot(face)]
	return m != nil && m.caps.ConnectsRedstone
}
