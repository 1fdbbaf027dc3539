package devices

import (
	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/grid"
)

// cable is a trunk device. Its shape grows an arm toward every face that
// carries a neighbor link.
type cable struct {
	t        *bus.DeviceType
	capacity int
	half     float64

	mount bus.Mount
	// sides last received from the server; used by mirrors, which have no graph.
	streamed geom.FaceSet
}

func newCable(t *bus.DeviceType, capacity int, half float64) *cable {
	return &cable{t: t, capacity: capacity, half: half}
}

func (c *cable) Type() *bus.DeviceType { return c.t }

func (c *cable) Capabilities() bus.Capabilities {
	return bus.Capabilities{
		Networked: true,
		Capacity:  c.capacity,
		Geometry:  c.geometry,
		OnAdded:   func(m bus.Mount) { c.mount = m },
		OnRemoved: func() { c.mount = bus.Mount{} },
		OnTopologyChanged: func(grid.NodeID) {
			if c.mount.Host != nil {
				c.mount.Host.InvalidateShapes()
			}
		},
	}
}

func (c *cable) sides() geom.FaceSet {
	if c.mount.Graph == nil || c.mount.Node == grid.NoNode {
		return c.streamed
	}
	return c.mount.Graph.ConnectedSides(c.mount.Node)
}

func (c *cable) geometry(col *geom.BoxCollector) {
	lo, hi := 8-c.half, 8+c.half
	col.AddBox(lo, lo, lo, hi, hi, hi)
	for _, f := range c.sides().List() {
		switch f {
		case geom.Down:
			col.AddBox(lo, 0, lo, hi, lo, hi)
		case geom.Up:
			col.AddBox(lo, hi, lo, hi, 16, hi)
		case geom.North:
			col.AddBox(lo, lo, 0, hi, hi, lo)
		case geom.South:
			col.AddBox(lo, lo, hi, hi, hi, 16)
		case geom.West:
			col.AddBox(0, lo, lo, lo, hi, hi)
		case geom.East:
			col.AddBox(hi, lo, lo, 16, hi, hi)
		}
	}
}

func (c *cable) WriteData(bus.Document)      {}
func (c *cable) ReadData(bus.Document) error { return nil }

func (c *cable) WriteStream(w *bus.StreamWriter) { w.PutByte(byte(c.sides())) }

func (c *cable) ReadStream(r *bus.StreamReader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	sides := geom.FaceSet(b) & geom.AllFaces
	changed := sides != c.streamed
	c.streamed = sides
	return changed, nil
}
