package world

import (
	"errors"
	"fmt"
	"sort"

	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/geom"
)

var (
	ErrUnknownDevice = errors.New("unknown device type")
	ErrRejected      = errors.New("placement rejected")
	ErrNoHost        = errors.New("no host at position")
	ErrEmptySlot     = errors.New("slot is empty")
	ErrNotOfferable  = errors.New("device does not accept work")
)

// Offerer is implemented by devices that accept queued work units.
type Offerer interface {
	Offer(n int)
}

func (w *World) Host(pos geom.Vec3i) (*bus.Host, bool) {
	h, ok := w.hosts[pos]
	return h, ok
}

// Positions returns the occupied positions in ascending order.
func (w *World) Positions() []geom.Vec3i {
	out := make([]geom.Vec3i, 0, len(w.hosts))
	for pos := range w.hosts {
		out = append(out, pos)
	}
	sortPositions(out)
	return out
}

// EnsureHost returns the host at pos, creating an empty one in the world if
// there is none.
func (w *World) EnsureHost(pos geom.Vec3i) *bus.Host {
	if h := w.hosts[pos]; h != nil {
		return h
	}
	h := bus.NewHost(pos, w, w.log)
	w.hosts[pos] = h
	h.AddToWorld(false)
	return h
}

// RemoveHost takes the host at pos out of the world, destroying its nodes and
// connections, and drops whatever it held. Hosts that run out of devices and
// facades call this themselves.
func (w *World) RemoveHost(pos geom.Vec3i) {
	h := w.hosts[pos]
	if h == nil {
		return
	}
	drops := h.Drops()
	delete(w.hosts, pos)
	delete(w.unsaved, pos)
	h.RemoveFromWorld()
	w.MarkForUpdate(pos)
	if len(drops) > 0 {
		w.SpawnDrops(pos, drops)
		w.audit("", "REMOVE_HOST", pos, "", "", "", "")
	}
}

// UnloadHost forgets the host at pos without cleanup and returns its
// document, so it can be loaded again later.
func (w *World) UnloadHost(pos geom.Vec3i) (bus.Document, bool) {
	h := w.hosts[pos]
	if h == nil {
		return nil, false
	}
	doc := h.Serialize()
	delete(w.hosts, pos)
	delete(w.unsaved, pos)
	h.RemoveFromWorld()
	w.MarkForUpdate(pos)
	return doc, true
}

// LoadHost restores a host from doc and adds it to the world. Devices that
// cannot be restored are reported the way Host.Deserialize reports them; the
// rest of the host is still loaded.
func (w *World) LoadHost(pos geom.Vec3i, doc bus.Document) error {
	if _, ok := w.hosts[pos]; ok {
		return fmt.Errorf("load host %v: position occupied", pos.ToArray())
	}
	h := bus.NewHost(pos, w, w.log)
	err := h.Deserialize(doc)
	if h.IsEmpty() {
		return err
	}
	w.hosts[pos] = h
	h.AddToWorld(true)
	w.graph.NotifyAll()
	w.MarkForUpdate(pos)
	return err
}

func (w *World) deviceType(id string) (*bus.DeviceType, error) {
	t := w.reg.ByID(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	return t, nil
}

// Attach places a new device of type typeID in slot at pos, creating the host
// if needed.
func (w *World) Attach(pos geom.Vec3i, slot bus.Slot, typeID string, placer *bus.Placer) error {
	t, err := w.deviceType(typeID)
	if err != nil {
		return err
	}
	h := w.EnsureHost(pos)
	if !h.Attach(t, slot, placer) {
		if h.IsEmpty() {
			w.RemoveHost(pos)
		}
		return fmt.Errorf("%w: %s in %s at %v", ErrRejected, typeID, slot, pos.ToArray())
	}
	w.audit(actorOf(placer), "ATTACH", pos, slot.ID(), "", typeID, "")
	return nil
}

func (w *World) Detach(pos geom.Vec3i, slot bus.Slot, actor string) error {
	h := w.hosts[pos]
	if h == nil {
		return fmt.Errorf("%w: %v", ErrNoHost, pos.ToArray())
	}
	d, ok := h.Device(slot)
	if !ok || !h.Detach(slot) {
		return fmt.Errorf("%w: %s at %v", ErrEmptySlot, slot, pos.ToArray())
	}
	w.audit(actor, "DETACH", pos, slot.ID(), d.Type().ID, "", "")
	w.SpawnDrops(pos, []string{d.Type().ID})
	return nil
}

// Replace swaps the device in slot for a new one of type typeID. If the new
// device cannot be attached the slot stays empty.
func (w *World) Replace(pos geom.Vec3i, slot bus.Slot, typeID string, placer *bus.Placer) error {
	t, err := w.deviceType(typeID)
	if err != nil {
		return err
	}
	h := w.EnsureHost(pos)
	from := ""
	if d, ok := h.Device(slot); ok {
		from = d.Type().ID
	}
	if !h.Replace(t, slot, placer) {
		if from != "" {
			w.SpawnDrops(pos, []string{from})
		}
		if cur, ok := w.hosts[pos]; ok && cur == h && h.IsEmpty() {
			w.RemoveHost(pos)
		}
		w.audit(actorOf(placer), "REPLACE", pos, slot.ID(), from, "", "rejected")
		return fmt.Errorf("%w: %s in %s at %v", ErrRejected, typeID, slot, pos.ToArray())
	}
	if from != "" {
		w.SpawnDrops(pos, []string{from})
	}
	w.audit(actorOf(placer), "REPLACE", pos, slot.ID(), from, typeID, "")
	return nil
}

// SetFacade covers face of the host at pos with item, or uncovers it when
// item is empty.
func (w *World) SetFacade(pos geom.Vec3i, face geom.Face, item, actor string) error {
	h := w.hosts[pos]
	if h == nil {
		return fmt.Errorf("%w: %v", ErrNoHost, pos.ToArray())
	}
	if item == "" {
		f, ok := h.RemoveFacade(face)
		if !ok {
			return fmt.Errorf("%w: no facade on %s at %v", ErrRejected, face, pos.ToArray())
		}
		w.SpawnDrops(pos, []string{f.Item})
		w.audit(actor, "REMOVE_FACADE", pos, face.String(), f.Item, "", "")
		return nil
	}
	if !h.AddFacade(face, bus.Facade{Item: item}) {
		return fmt.Errorf("%w: facade %s on %s at %v", ErrRejected, item, face, pos.ToArray())
	}
	w.audit(actor, "ADD_FACADE", pos, face.String(), "", item, "")
	return nil
}

// Offer hands n work units to the device in slot at pos.
func (w *World) Offer(pos geom.Vec3i, slot bus.Slot, n int) error {
	h := w.hosts[pos]
	if h == nil {
		return fmt.Errorf("%w: %v", ErrNoHost, pos.ToArray())
	}
	d, ok := h.Device(slot)
	if !ok {
		return fmt.Errorf("%w: %s at %v", ErrEmptySlot, slot, pos.ToArray())
	}
	o, ok := d.(Offerer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOfferable, d.Type().ID)
	}
	o.Offer(n)
	w.MarkForUpdate(pos)
	return nil
}

// SetSignal sets the redstone level of the block at pos and tells the hosts
// next to it.
func (w *World) SetSignal(pos geom.Vec3i, level int) {
	if level <= 0 {
		delete(w.signals, pos)
	} else {
		w.signals[pos] = level
	}
	for _, f := range geom.Faces {
		n := pos.Neighbor(f)
		if h := w.hosts[n]; h != nil {
			h.OnNeighborChanged()
			w.MarkForUpdate(n)
		}
	}
}

// SetBlocked marks face of pos as obstructed, which keeps the trunk there
// from linking through it.
func (w *World) SetBlocked(pos geom.Vec3i, face geom.Face, blocked bool) {
	if blocked {
		w.blocked[pos] = w.blocked[pos].With(face)
	} else if s := w.blocked[pos].Without(face); s.Empty() {
		delete(w.blocked, pos)
	} else {
		w.blocked[pos] = s
	}
	if h := w.hosts[pos]; h != nil {
		h.OnNeighborChanged()
		w.MarkForUpdate(pos)
	}
}

// SetOpaqueFacades switches facade rendering and rebuilds every shape.
func (w *World) SetOpaqueFacades(opaque bool) {
	if w.cfg.OpaqueFacades == opaque {
		return
	}
	w.cfg.OpaqueFacades = opaque
	for pos, h := range w.hosts {
		h.InvalidateShapes()
		w.MarkForUpdate(pos)
	}
}

func actorOf(p *bus.Placer) string {
	if p == nil {
		return ""
	}
	return p.ID
}

func sortPositions(ps []geom.Vec3i) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Less(ps[j]) })
}
