package devices

import (
	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/grid"
	"busgrid.ai/internal/sim/ticking"
)

var emitterRequest = ticking.TickingRequest{MinTickRate: 10, MaxTickRate: 40}

// levelEmitter outputs a full redstone signal while its network has at least
// threshold nodes. Links far away do not notify it, so it also recounts on
// its own schedule.
type levelEmitter struct {
	t      *bus.DeviceType
	budget int

	mount     bus.Mount
	threshold int
	on        bool
}

func newLevelEmitter(t *bus.DeviceType, budget int) *levelEmitter {
	return &levelEmitter{t: t, budget: budget, threshold: 2}
}

func (e *levelEmitter) Type() *bus.DeviceType { return e.t }

func (e *levelEmitter) Capabilities() bus.Capabilities {
	return bus.Capabilities{
		Networked:        true,
		ConnectsRedstone: true,
		Tickable:         e,
		Geometry:         func(c *geom.BoxCollector) { c.AddBox(7, 7, 11, 9, 9, 16) },
		Redstone: func() (int, int) {
			if e.on {
				return 15, 15
			}
			return 0, 0
		},
		OnAdded: func(m bus.Mount) {
			e.mount = m
			e.recount()
		},
		OnRemoved:         func() { e.mount, e.on = bus.Mount{}, false },
		OnTopologyChanged: func(grid.NodeID) { e.recount() },
	}
}

// recount reports whether the output flipped.
func (e *levelEmitter) recount() bool {
	if e.mount.Graph == nil || e.mount.Node == grid.NoNode {
		return false
	}
	on := len(e.mount.Graph.Component(e.mount.Node, e.budget)) >= e.threshold
	if on == e.on {
		return false
	}
	e.on = on
	e.mount.Host.MarkForUpdate()
	return true
}

func (e *levelEmitter) TickingRequest(grid.NodeID) ticking.TickingRequest { return emitterRequest }

func (e *levelEmitter) Tick(grid.NodeID, int) ticking.TickRateModulation {
	if e.recount() {
		return ticking.Faster
	}
	return ticking.Idle
}

func (e *levelEmitter) On() bool       { return e.on }
func (e *levelEmitter) Threshold() int { return e.threshold }
func (e *levelEmitter) SetThreshold(n int) {
	if n > 0 {
		e.threshold = n
		e.recount()
	}
}

func (e *levelEmitter) WriteData(doc bus.Document) { doc["threshold"] = e.threshold }

func (e *levelEmitter) ReadData(doc bus.Document) error {
	if v, ok := doc.Int("threshold"); ok && v > 0 {
		e.threshold = v
		e.recount()
	}
	return nil
}

func (e *levelEmitter) WriteStream(w *bus.StreamWriter) { w.PutBool(e.on) }

func (e *levelEmitter) ReadStream(r *bus.StreamReader) (bool, error) {
	on, err := r.ReadBool()
	if err != nil {
		return false, err
	}
	changed := on != e.on
	e.on = on
	return changed, nil
}
