package devices

import (
	"fmt"

	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/grid"
	"busgrid.ai/internal/sim/ticking"
)

// RedstoneMode gates a device on the signal next to its host.
type RedstoneMode uint8

const (
	RedstoneIgnore RedstoneMode = iota
	RedstoneHigh
	RedstoneLow
)

var redstoneModeNames = []string{"ignore", "high", "low"}

func (m RedstoneMode) String() string {
	if int(m) < len(redstoneModeNames) {
		return redstoneModeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

func ParseRedstoneMode(s string) (RedstoneMode, error) {
	for i, n := range redstoneModeNames {
		if n == s {
			return RedstoneMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown redstone mode %q", s)
}

// ImportBus pulls queued work units through its face, one per elapsed tick.
// It speeds up while a backlog remains and sleeps once the queue is drained,
// until Offer alerts it again.
type ImportBus struct {
	t   *bus.DeviceType
	req ticking.TickingRequest

	mount   bus.Mount
	mode    RedstoneMode
	pending int
	moved   int64
	active  bool
}

func newImportBus(t *bus.DeviceType, minTicks, maxTicks int) *ImportBus {
	return &ImportBus{
		t:   t,
		req: ticking.TickingRequest{MinTickRate: minTicks, MaxTickRate: maxTicks, CanBeAlerted: true},
	}
}

func (b *ImportBus) Type() *bus.DeviceType { return b.t }

func (b *ImportBus) Capabilities() bus.Capabilities {
	return bus.Capabilities{
		Networked:      true,
		ExternalFacing: true,
		Tickable:       b,
		Geometry: func(c *geom.BoxCollector) {
			c.AddBox(3, 3, 15, 13, 13, 16)
			c.AddBox(4, 4, 14, 12, 12, 15)
			c.AddBox(5, 5, 13, 11, 11, 14)
		},
		OnAdded:           func(m bus.Mount) { b.mount = m },
		OnRemoved:         func() { b.mount = bus.Mount{} },
		OnNeighborChanged: b.onNeighborChanged,
	}
}

func (b *ImportBus) TickingRequest(grid.NodeID) ticking.TickingRequest { return b.req }

func (b *ImportBus) Tick(_ grid.NodeID, ticksSinceLastCall int) ticking.TickRateModulation {
	if !b.enabled() || b.pending == 0 {
		b.setActive(false)
		return ticking.Sleep
	}
	n := ticksSinceLastCall
	if n > b.pending {
		n = b.pending
	}
	b.pending -= n
	b.moved += int64(n)
	b.setActive(b.pending > 0)

	switch {
	case b.pending == 0:
		return ticking.Idle
	case b.pending > 4*b.req.MaxTickRate:
		return ticking.Urgent
	default:
		return ticking.Faster
	}
}

// Offer queues n work units and pulls the next call forward.
func (b *ImportBus) Offer(n int) {
	if n <= 0 {
		return
	}
	b.pending += n
	b.setActive(true)
	if b.mount.Scheduler != nil && b.enabled() {
		b.mount.Scheduler.Alert(b.mount.Node)
	}
}

func (b *ImportBus) SetMode(m RedstoneMode) { b.mode = m }

func (b *ImportBus) Pending() int { return b.pending }
func (b *ImportBus) Moved() int64 { return b.moved }
func (b *ImportBus) Active() bool { return b.active }

func (b *ImportBus) setActive(active bool) {
	if active == b.active {
		return
	}
	b.active = active
	if b.mount.Host != nil {
		b.mount.Host.MarkForUpdate()
	}
}

func (b *ImportBus) enabled() bool {
	if b.mode == RedstoneIgnore || b.mount.Host == nil {
		return true
	}
	return b.mount.Host.HasRedstone() == (b.mode == RedstoneHigh)
}

func (b *ImportBus) onNeighborChanged() {
	if b.mount.Scheduler != nil && b.pending > 0 && b.enabled() {
		b.mount.Scheduler.Wake(b.mount.Node)
	}
}

func (b *ImportBus) WriteData(doc bus.Document) {
	doc["mode"] = b.mode.String()
	doc["pending"] = b.pending
	doc["moved"] = b.moved
}

func (b *ImportBus) ReadData(doc bus.Document) error {
	if s, ok := doc.String("mode"); ok {
		m, err := ParseRedstoneMode(s)
		if err != nil {
			return err
		}
		b.mode = m
	}
	if v, ok := doc.Int("pending"); ok && v >= 0 {
		b.pending = v
		b.active = v > 0
	}
	if v, ok := doc.Int("moved"); ok {
		b.moved = int64(v)
	}
	return nil
}

func (b *ImportBus) WriteStream(w *bus.StreamWriter) { w.PutBool(b.active) }

func (b *ImportBus) ReadStream(r *bus.StreamReader) (bool, error) {
	active, err := r.ReadBool()
	if err != nil {
		return false, err
	}
	changed := active != b.active
	b.active = active
	return changed, nil
}
