package bus

import (
	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/grid"
	"busgrid.ai/internal/sim/ticking"
)

// BusSupport is what a trunk device offers the face devices around it.
type BusSupport uint8

const (
	BusCable BusSupport = iota
	BusDenseCable
	BusNoParts
)

var busSupportNames = []string{"cable", "dense_cable", "no_parts"}

func (b BusSupport) String() string {
	if int(b) < len(busSupportNames) {
		return busSupportNames[b]
	}
	return "unknown"
}

// DeviceType is the static descriptor of a device kind. It is what callers
// hand to CanAttach and Attach, so compatibility can be decided without
// instantiating anything.
type DeviceType struct {
	// ID is the persisted item identity.
	ID string
	// NetID is the compact id written to sync streams. Must be non-zero.
	NetID uint32
	// Trunk devices occupy the center slot.
	Trunk bool
	// Bus is what a trunk device supports.
	Bus BusSupport
	// PlaceableOn decides whether a face device may sit next to a trunk with the
	// given support. Nil accepts only BusCable.
	PlaceableOn func(BusSupport) bool
	New         func() Device
}

func (t *DeviceType) CanBePlacedOn(b BusSupport) bool {
	if t.PlaceableOn == nil {
		return b == BusCable
	}
	return t.PlaceableOn(b)
}

func (t *DeviceType) String() string { return t.ID }

// Placer identifies who placed a device.
type Placer struct {
	ID string
}

// Mount tells a device where it lives once it is added to the world.
type Mount struct {
	Host *Host
	Slot Slot
	// Node is grid.NoNode for devices that are not networked.
	Node      grid.NodeID
	Graph     *grid.Graph
	Scheduler *ticking.Scheduler
}

// Capabilities is queried once per device instance when it is attached. Any
// zero field means the device lacks that capability.
type Capabilities struct {
	// Networked devices get a grid node while their host is in the world.
	Networked bool
	// ExternalFacing face devices link their node to the neighbor on their face
	// instead of letting the trunk through.
	ExternalFacing bool
	// Capacity bounds the node's connections (see grid.CapacityRule).
	Capacity int

	Geometry func(c *geom.BoxCollector)

	// Redstone output; nil means the device emits nothing.
	Redstone         func() (strong, weak int)
	ConnectsRedstone bool

	// Tickable is registered with the scheduler under the device's node.
	// Ignored unless Networked.
	Tickable ticking.Tickable

	DynamicRender bool

	OnPlaced          func(p *Placer)
	OnAdded           func(m Mount)
	OnRemoved         func()
	OnTopologyChanged func(grid.NodeID)
	OnNeighborChanged func()
}

// Device is a single instance mounted in a host slot.
type Device interface {
	Type() *DeviceType
	Capabilities() Capabilities
	// WriteData fills the device's extra document.
	WriteData(doc Document)
	ReadData(doc Document) error
	WriteStream(w *StreamWriter)
	// ReadStream reports whether anything visible changed.
	ReadStream(r *StreamReader) (bool, error)
}

// Simple is a Device with fixed capabilities and no persisted state. Devices
// with state embed it and override what they need.
type Simple struct {
	T    *DeviceType
	Caps Capabilities
}

func (s *Simple) Type() *DeviceType                      { return s.T }
func (s *Simple) Capabilities() Capabilities             { return s.Caps }
func (s *Simple) WriteData(Document)                     {}
func (s *Simple) ReadData(Document) error                { return nil }
func (s *Simple) WriteStream(*StreamWriter)              {}
func (s *Simple) ReadStream(*StreamReader) (bool, error) { return false, nil }
