// Package bus implements the slot host: the per-position container of one
// trunk device and up to six face devices.
//
// A host validates placements, owns the grid nodes of its devices while it is
// in the world, links them to each other and to the neighboring hosts, and
// caches the geometry and redstone state derived from its contents. All
// methods must be called from the simulation goroutine.
package bus

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/grid"
	"busgrid.ai/internal/sim/ticking"
)

// World is what a host needs from the world it lives in.
type World interface {
	Graph() *grid.Graph
	Scheduler() *ticking.Scheduler
	Registry() *Registry

	// HostAt returns the host at pos or nil.
	HostAt(pos geom.Vec3i) *Host
	// IsBlocked reports an obstruction that keeps the trunk at pos from linking through face.
	IsBlocked(pos geom.Vec3i, face geom.Face) bool
	NeighborSignal(pos geom.Vec3i) int
	OpaqueFacades() bool
	ConnectionRule() grid.Rule

	// RemoveHost is called when a host runs out of devices and facades.
	RemoveHost(pos geom.Vec3i)
	MarkForUpdate(pos geom.Vec3i)
	MarkForSave(pos geom.Vec3i)
	SpawnDrops(pos geom.Vec3i, items []string)
}

// Redstone is the cached presence of a neighboring signal.
type Redstone uint8

const (
	RedstoneNo Redstone = iota
	RedstoneYes
	RedstoneUndecided
)

var redstoneNames = []string{"no", "yes", "undecided"}

func (r Redstone) String() string {
	if int(r) < len(redstoneNames) {
		return redstoneNames[r]
	}
	return fmt.Sprintf("redstone(%d)", uint8(r))
}

type mounted struct {
	dev  Device
	caps Capabilities
	node grid.NodeID
}

type Host struct {
	pos   geom.Vec3i
	world World
	log   logrus.FieldLogger

	slots   [7]*mounted
	facades FacadeContainer
	exposed geom.FaceSet

	inWorld       bool
	redstone      Redstone
	dynamicRender bool

	// nil means unknown
	occlusion      *geom.Shape
	collision      *geom.Shape
	collisionSmall *geom.Shape
	// selection holds each device's hit-test boxes, indexed by slot.
	selection *[7][]geom.AABB
}

func NewHost(pos geom.Vec3i, w World, logger logrus.FieldLogger) *Host {
	if logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		logger = l
	}
	return &Host{
		pos:      pos,
		world:    w,
		log:      logger.WithField("host", pos.ToArray()),
		redstone: RedstoneUndecided,
	}
}

func (h *Host) Pos() geom.Vec3i { return h.pos }
func (h *Host) InWorld() bool   { return h.inWorld }

// Device returns the device in slot.
func (h *Host) Device(slot Slot) (Device, bool) {
	if !slot.Valid() || h.slots[slot] == nil {
		return nil, false
	}
	return h.slots[slot].dev, true
}

// Node returns the grid node of the device in slot, or grid.NoNode.
func (h *Host) Node(slot Slot) grid.NodeID {
	if !slot.Valid() || h.slots[slot] == nil {
		return grid.NoNode
	}
	return h.slots[slot].node
}

// Facades returns a copy of the facade container.
func (h *Host) Facades() FacadeContainer { return h.facades }

func (h *Host) IsEmpty() bool {
	for _, m := range h.slots {
		if m != nil {
			return false
		}
	}
	return h.facades.Empty()
}

// Drops lists the items the host would leave behind: devices first, then facades.
func (h *Host) Drops() []string {
	var out []string
	for _, slot := range centerFirst {
		if m := h.slots[slot]; m != nil {
			out = append(out, m.dev.Type().ID)
		}
	}
	return append(out, h.facades.Items()...)
}

// CanAttach reports whether t could be placed in slot right now.
func (h *Host) CanAttach(t *DeviceType, slot Slot) bool {
	if t == nil || !slot.Valid() || h.slots[slot] != nil {
		return false
	}
	if t.Trunk {
		if !slot.IsCenter() {
			return false
		}
		for _, s := range AllSlots[:6] {
			if m := h.slots[s]; m != nil && !m.dev.Type().CanBePlacedOn(t.Bus) {
				return false
			}
		}
		return true
	}
	if slot.IsCenter() {
		return false
	}
	trunk := h.slots[SlotCenter]
	return trunk == nil || t.CanBePlacedOn(trunk.dev.Type().Bus)
}

// Attach instantiates t in slot. In the world the new device is linked at
// once; if any of its links fails the device is removed again and Attach
// reports false.
func (h *Host) Attach(t *DeviceType, slot Slot, placer *Placer) bool {
	if !h.CanAttach(t, slot) {
		return false
	}
	dev := t.New()
	if dev == nil {
		h.log.WithField("type", t.ID).Warn("device constructor returned nil")
		return false
	}
	m := &mounted{dev: dev, caps: dev.Capabilities()}
	h.slots[slot] = m
	if placer != nil && m.caps.OnPlaced != nil {
		m.caps.OnPlaced(placer)
	}

	if h.inWorld {
		h.mount(slot, m)
		h.RecomputeExposedFaces()
		h.dropStaleLinks(false)
		if err := h.linkNew(slot, m); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{
				"slot": slot.ID(),
				"type": t.ID,
			}).Warn("attach rolled back")
			h.unmount(m)
			h.slots[slot] = nil
			h.updateConnections()
			return false
		}
	}
	h.updateAfterChange()
	return true
}

// Detach removes the device in slot. Detaching an empty slot does nothing.
// A host left without devices and facades asks the world to remove it.
func (h *Host) Detach(slot Slot) bool {
	if !h.detach(slot) {
		return false
	}
	h.updateAfterChange()
	h.cleanupIfEmpty()
	return true
}

// Replace detaches slot and attaches t in its place. When the attach fails the
// slot is left empty; the previous device is not restored.
func (h *Host) Replace(t *DeviceType, slot Slot, placer *Placer) bool {
	if h.replace(t, slot, placer) {
		return true
	}
	h.cleanupIfEmpty()
	return false
}

func (h *Host) replace(t *DeviceType, slot Slot, placer *Placer) bool {
	removed := h.detach(slot)
	if h.Attach(t, slot, placer) {
		return true
	}
	if removed {
		h.updateAfterChange()
	}
	return false
}

func (h *Host) detach(slot Slot) bool {
	if !slot.Valid() || h.slots[slot] == nil {
		return false
	}
	m := h.slots[slot]
	if h.inWorld {
		h.unmount(m)
	}
	h.slots[slot] = nil
	return true
}

func (h *Host) cleanupIfEmpty() {
	if h.inWorld && h.IsEmpty() {
		h.world.RemoveHost(h.pos)
	}
}

// AddFacade covers face. It needs a trunk device and an uncovered face.
func (h *Host) AddFacade(face geom.Face, f Facade) bool {
	if h.slots[SlotCenter] == nil || !h.facades.Add(face, f) {
		return false
	}
	h.facadesChanged()
	return true
}

func (h *Host) RemoveFacade(face geom.Face) (Facade, bool) {
	f, ok := h.facades.Remove(face)
	if !ok {
		return Facade{}, false
	}
	h.facadesChanged()
	h.cleanupIfEmpty()
	return f, true
}

func (h *Host) facadesChanged() {
	h.invalidateShapes()
	h.world.MarkForUpdate(h.pos)
	h.world.MarkForSave(h.pos)
}

// AddToWorld gives every device its grid node, trunk first, and links them
// internally and to the neighbors. With loading set no topology
// notifications fire. Link failures are logged and leave the pair unlinked.
func (h *Host) AddToWorld(loading bool) {
	if h.inWorld {
		return
	}
	h.inWorld = true
	for _, slot := range centerFirst {
		if m := h.slots[slot]; m != nil {
			h.mount(slot, m)
		}
	}
	h.RecomputeExposedFaces()
	for _, slot := range AllSlots[:6] {
		if m := h.slots[slot]; m != nil {
			if err := h.linkInternal(slot, m, loading); err != nil {
				h.log.WithError(err).WithField("slot", slot.ID()).Warn("internal link failed while adding to world")
			}
		}
	}
	h.partChanged()
	h.refreshLinks(loading)
	h.updateDynamicRender()
}

// RemoveFromWorld destroys the grid nodes of every device. The devices stay in
// their slots, so the host can be saved or added again.
func (h *Host) RemoveFromWorld() {
	if !h.inWorld {
		return
	}
	for _, slot := range centerFirst {
		if m := h.slots[slot]; m != nil {
			h.unmount(m)
		}
	}
	h.inWorld = false
	h.invalidateShapes()
}

// OnNeighborChanged is called by the world when a block next to the host
// changes. It forgets the cached redstone state and geometry and re-derives
// exposure, since an obstruction may have come or gone.
func (h *Host) OnNeighborChanged() {
	h.redstone = RedstoneUndecided
	for _, slot := range centerFirst {
		if m := h.slots[slot]; m != nil && m.caps.OnNeighborChanged != nil {
			m.caps.OnNeighborChanged()
		}
	}
	h.invalidateShapes()
	h.updateConnections()
}

func (h *Host) mount(slot Slot, m *mounted) {
	if m.caps.Networked && m.node == grid.NoNode {
		m.node = h.world.Graph().NewNode(grid.NodeConfig{
			Owner:             fmt.Sprintf("%s@%v/%s", m.dev.Type().ID, h.pos.ToArray(), slot.ID()),
			Capacity:          m.caps.Capacity,
			OnTopologyChanged: m.caps.OnTopologyChanged,
		})
		if m.caps.Tickable != nil {
			if err := h.world.Scheduler().AddNode(m.node, m.caps.Tickable); err != nil {
				h.log.WithError(err).WithField("slot", slot.ID()).Warn("device not scheduled")
			}
		}
	}
	if m.caps.OnAdded != nil {
		m.caps.OnAdded(Mount{
			Host:      h,
			Slot:      slot,
			Node:      m.node,
			Graph:     h.world.Graph(),
			Scheduler: h.world.Scheduler(),
		})
	}
}

func (h *Host) unmount(m *mounted) {
	if m.caps.OnRemoved != nil {
		m.caps.OnRemoved()
	}
	if m.node == grid.NoNode {
		return
	}
	h.world.Scheduler().RemoveNode(m.node)
	h.world.Graph().RemoveNode(m.node)
	m.node = grid.NoNode
}

func (h *Host) updateAfterChange() {
	h.invalidateShapes()
	h.updateDynamicRender()
	h.updateConnections()
	h.world.MarkForUpdate(h.pos)
	h.world.MarkForSave(h.pos)
	h.partChanged()
}

// partChanged drops the facades of a host that lost its trunk.
func (h *Host) partChanged() {
	if !h.inWorld || h.slots[SlotCenter] != nil || h.facades.Empty() {
		return
	}
	h.world.SpawnDrops(h.pos, h.facades.clear())
	h.invalidateShapes()
}

func (h *Host) updateDynamicRender() {
	h.dynamicRender = false
	for _, m := range h.slots {
		if m != nil && m.caps.DynamicRender {
			h.dynamicRender = true
			return
		}
	}
}

func (h *Host) HasDynamicRender() bool { return h.dynamicRender }

// MarkForUpdate tells the world that device state seen by mirrors changed.
func (h *Host) MarkForUpdate() {
	if h.inWorld {
		h.world.MarkForUpdate(h.pos)
	}
}
