package devices

import (
	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/grid"
)

// terminal is a face panel that shows whether it reaches any other node.
type terminal struct {
	t      *bus.DeviceType
	budget int

	mount  bus.Mount
	label  string
	online bool
}

func newTerminal(t *bus.DeviceType, budget int) *terminal {
	return &terminal{t: t, budget: budget}
}

func (d *terminal) Type() *bus.DeviceType { return d.t }

func (d *terminal) Capabilities() bus.Capabilities {
	return bus.Capabilities{
		Networked:     true,
		DynamicRender: true,
		Geometry: func(c *geom.BoxCollector) {
			c.AddBox(2, 2, 14, 14, 14, 16)
			c.AddBox(4, 4, 13, 12, 12, 14)
		},
		OnAdded: func(m bus.Mount) {
			d.mount = m
			d.refresh()
		},
		OnRemoved: func() {
			d.mount = bus.Mount{}
			d.online = false
		},
		OnTopologyChanged: func(grid.NodeID) { d.refresh() },
	}
}

func (d *terminal) refresh() {
	if d.mount.Graph == nil || d.mount.Node == grid.NoNode {
		return
	}
	online := len(d.mount.Graph.Component(d.mount.Node, d.budget)) > 1
	if online != d.online {
		d.online = online
		d.mount.Host.MarkForUpdate()
	}
}

func (d *terminal) Label() string     { return d.label }
func (d *terminal) SetLabel(s string) { d.label = s }
func (d *terminal) Online() bool      { return d.online }

func (d *terminal) WriteData(doc bus.Document) {
	if d.label != "" {
		doc["label"] = d.label
	}
}

func (d *terminal) ReadData(doc bus.Document) error {
	d.label, _ = doc.String("label")
	return nil
}

func (d *terminal) WriteStream(w *bus.StreamWriter) {
	w.PutString(d.label)
	w.PutBool(d.online)
}

func (d *terminal) ReadStream(r *bus.StreamReader) (bool, error) {
	label, err := r.ReadString()
	if err != nil {
		return false, err
	}
	online, err := r.ReadBool()
	if err != nil {
		return false, err
	}
	changed := label != d.label || online != d.online
	d.label, d.online = label, online
	return changed, nil
}
