package bus

import "busgrid.ai/internal/sim/geom"

// RenderSnapshot is an immutable view of a host for readers off the
// simulation goroutine.
type RenderSnapshot struct {
	Pos geom.Vec3i
	// Devices holds the type id per slot, "" for empty slots.
	Devices [7]string
	Facades [6]string

	Exposed       geom.FaceSet
	Connected     geom.FaceSet
	Redstone      Redstone
	DynamicRender bool
	Occlusion     geom.Shape
}

func (h *Host) Snapshot() RenderSnapshot {
	s := RenderSnapshot{
		Pos:           h.pos,
		Exposed:       h.exposed,
		Connected:     h.ConnectedSides(),
		Redstone:      h.redstone,
		DynamicRender: h.dynamicRender,
		Occlusion:     h.OcclusionShape(),
	}
	for _, slot := range AllSlots {
		if m := h.slots[slot]; m != nil {
			s.Devices[slot] = m.dev.Type().ID
		}
	}
	for _, face := range geom.Faces {
		if f, ok := h.facades.Get(face); ok {
			s.Facades[face] = f.Item
		}
	}
	return s
}
