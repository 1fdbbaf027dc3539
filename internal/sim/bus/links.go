package bus

import (
	"errors"
	"fmt"

	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/grid"
)

// RecomputeExposedFaces derives the trunk's exposed faces: all six, minus the
// ones covered by a face device, minus the ones the world blocks. External
// facing face devices are exposed on their own face only.
func (h *Host) RecomputeExposedFaces() geom.FaceSet {
	var exposed geom.FaceSet
	if trunk := h.slots[SlotCenter]; trunk != nil {
		exposed = geom.AllFaces
		for _, f := range geom.Faces {
			if h.slots[FaceSlot(f)] != nil || h.world.IsBlocked(h.pos, f) {
				exposed = exposed.Without(f)
			}
		}
		if trunk.node != grid.NoNode {
			h.world.Graph().SetExposedFaces(trunk.node, exposed)
		}
	}
	h.exposed = exposed

	for _, f := range geom.Faces {
		m := h.slots[FaceSlot(f)]
		if m == nil || m.node == grid.NoNode {
			continue
		}
		var faces geom.FaceSet
		if m.caps.ExternalFacing {
			faces = geom.FaceSetOf(f)
		}
		h.world.Graph().SetExposedFaces(m.node, faces)
	}
	return exposed
}

// ExposedFaces returns the trunk's exposed faces as of the last recompute.
func (h *Host) ExposedFaces() geom.FaceSet { return h.exposed }

// NodeOnFace returns the node a neighbor links to through face, or grid.NoNode.
func (h *Host) NodeOnFace(face geom.Face) grid.NodeID {
	if !face.Valid() {
		return grid.NoNode
	}
	if m := h.slots[FaceSlot(face)]; m != nil {
		if m.caps.ExternalFacing {
			return m.node
		}
		return grid.NoNode
	}
	if trunk := h.slots[SlotCenter]; trunk != nil && h.exposed.Has(face) {
		return trunk.node
	}
	return grid.NoNode
}

// ConnectedSides returns the faces that carry a link to a neighbor.
func (h *Host) ConnectedSides() geom.FaceSet {
	if !h.inWorld {
		return 0
	}
	var out geom.FaceSet
	for _, m := range h.slots {
		if m != nil && m.node != grid.NoNode {
			out |= h.world.Graph().ConnectedSides(m.node)
		}
	}
	return out
}

func (h *Host) updateConnections() {
	h.RecomputeExposedFaces()
	if h.inWorld {
		h.refreshLinks(false)
	}
}

// linkNew forms every link of a freshly mounted device. Any failure is returned.
func (h *Host) linkNew(slot Slot, m *mounted) error {
	if err := h.linkInternal(slot, m, false); err != nil {
		return err
	}
	return h.linkExternal(m, false)
}

// linkInternal joins a face device to the trunk, or the trunk to every face device.
func (h *Host) linkInternal(slot Slot, m *mounted, loading bool) error {
	if m.node == grid.NoNode {
		return nil
	}
	var peers []*mounted
	if slot.IsCenter() {
		for _, s := range AllSlots[:6] {
			if p := h.slots[s]; p != nil && p.node != grid.NoNode {
				peers = append(peers, p)
			}
		}
	} else if trunk := h.slots[SlotCenter]; trunk != nil && trunk.node != grid.NoNode {
		peers = append(peers, trunk)
	}

	g := h.world.Graph()
	opts := grid.ConnectOptions{Rule: h.world.ConnectionRule(), Loading: loading}
	var errs []error
	for _, p := range peers {
		if g.Connected(m.node, p.node) {
			continue
		}
		if _, err := g.Connect(m.node, p.node, opts); err != nil {
			errs = append(errs, fmt.Errorf("link %s to %s: %w", g.Owner(m.node), g.Owner(p.node), err))
		}
	}
	return errors.Join(errs...)
}

// linkExternal joins m to the neighbor across each of its exposed faces.
func (h *Host) linkExternal(m *mounted, loading bool) error {
	if m.node == grid.NoNode {
		return nil
	}
	g := h.world.Graph()
	var errs []error
	for _, f := range g.ExposedFaces(m.node).List() {
		n := h.world.HostAt(h.pos.Neighbor(f))
		if n == nil || !n.inWorld {
			continue
		}
		peer := n.NodeOnFace(f.Opposite())
		if peer == grid.NoNode || g.Connected(m.node, peer) {
			continue
		}
		_, err := g.Connect(m.node, peer, grid.ConnectOptions{
			External: true,
			Side:     f,
			Rule:     h.world.ConnectionRule(),
			Loading:  loading,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("link %s through %s: %w", g.Owner(m.node), f, err))
		}
	}
	return errors.Join(errs...)
}

// refreshLinks drops stale neighbor links and forms the missing ones.
// Failures are logged.
func (h *Host) refreshLinks(loading bool) {
	h.dropStaleLinks(loading)
	for _, slot := range centerFirst {
		m := h.slots[slot]
		if m == nil || m.node == grid.NoNode {
			continue
		}
		if err := h.linkExternal(m, loading); err != nil {
			h.log.WithError(err).WithField("slot", slot.ID()).Debug("neighbor link failed")
		}
	}
}

// dropStaleLinks removes neighbor links through faces that are no longer exposed.
func (h *Host) dropStaleLinks(loading bool) {
	g := h.world.Graph()
	for _, m := range h.slots {
		if m == nil || m.node == grid.NoNode {
			continue
		}
		exposed := g.ExposedFaces(m.node)
		for _, c := range g.Connections(m.node) {
			side, ok := c.SideOf(m.node)
			if !ok || exposed.Has(side) {
				continue
			}
			if loading {
				g.DisconnectQuiet(c.ID)
			} else {
				g.Disconnect(c.ID)
			}
		}
	}
}
