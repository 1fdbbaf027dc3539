package world

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"busgrid.ai/internal/persistence/snapshot"
	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/ticking"
)

// ExportSnapshot captures every host document together with the obstruction
// and signal maps. It clears the unsaved set.
func (w *World) ExportSnapshot() (snapshot.SnapshotV1, error) {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			WorldID: w.cfg.ID,
			Tick:    w.sched.CurrentTick(),
		},
		TickRateHz:         w.cfg.TickRateHz,
		SnapshotEveryTicks: w.cfg.SnapshotEveryTicks,
		OpaqueFacades:      w.cfg.OpaqueFacades,
		IdleStep:           w.cfg.Scheduler.IdleStep,
		FasterStep:         w.cfg.Scheduler.FasterStep,
	}
	for _, pos := range w.Positions() {
		raw, err := json.Marshal(w.hosts[pos].Serialize())
		if err != nil {
			return snap, fmt.Errorf("host %v: %w", pos.ToArray(), err)
		}
		snap.Hosts = append(snap.Hosts, snapshot.HostV1{Pos: pos.ToArray(), Doc: raw})
	}

	blocked := make([]geom.Vec3i, 0, len(w.blocked))
	for pos := range w.blocked {
		blocked = append(blocked, pos)
	}
	sortPositions(blocked)
	for _, pos := range blocked {
		snap.Blocked = append(snap.Blocked, snapshot.BlockedV1{Pos: pos.ToArray(), Faces: uint8(w.blocked[pos])})
	}

	signals := make([]geom.Vec3i, 0, len(w.signals))
	for pos := range w.signals {
		signals = append(signals, pos)
	}
	sortPositions(signals)
	for _, pos := range signals {
		snap.Signals = append(snap.Signals, snapshot.SignalV1{Pos: pos.ToArray(), Level: w.signals[pos]})
	}

	for _, pos := range w.Positions() {
		h := w.hosts[pos]
		for _, slot := range bus.AllSlots {
			tr, ok := w.sched.Tracker(h.Node(slot))
			if !ok {
				continue
			}
			st := tr.State()
			snap.Trackers = append(snap.Trackers, snapshot.TrackerV1{
				Pos:      pos.ToArray(),
				Slot:     slot.ID(),
				Rate:     st.Rate,
				LastTick: st.LastTick,
				Awake:    st.Awake,
			})
		}
	}

	w.unsaved = map[geom.Vec3i]struct{}{}
	return snap, nil
}

// ImportSnapshot restores snap into an empty world. Every host is restored
// before any is added to the world, so neighbor links form during the add;
// devices are notified once at the end. Devices that could not be restored
// are returned, and their slots left empty.
func (w *World) ImportSnapshot(snap snapshot.SnapshotV1) ([]*bus.UnrecognizedDeviceError, error) {
	if len(w.hosts) > 0 {
		return nil, fmt.Errorf("import snapshot: world already holds %d hosts", len(w.hosts))
	}
	if snap.Header.Version != snapshot.Version {
		return nil, fmt.Errorf("import snapshot: unsupported version %d", snap.Header.Version)
	}
	if err := w.sched.SetCurrentTick(snap.Header.Tick); err != nil {
		return nil, fmt.Errorf("import snapshot: %w", err)
	}
	if snap.TickRateHz > 0 {
		w.cfg.TickRateHz = snap.TickRateHz
	}
	if snap.SnapshotEveryTicks > 0 {
		w.cfg.SnapshotEveryTicks = snap.SnapshotEveryTicks
	}
	w.cfg.OpaqueFacades = snap.OpaqueFacades

	for _, b := range snap.Blocked {
		if fs := geom.FaceSet(b.Faces) & geom.AllFaces; !fs.Empty() {
			w.blocked[geom.Vec3iFromArray(b.Pos)] = fs
		}
	}
	for _, s := range snap.Signals {
		if s.Level > 0 {
			w.signals[geom.Vec3iFromArray(s.Pos)] = s.Level
		}
	}

	var unknown []*bus.UnrecognizedDeviceError
	var restored []*bus.Host
	for _, hv := range snap.Hosts {
		pos := geom.Vec3iFromArray(hv.Pos)
		doc, err := decodeDocument(hv.Doc)
		if err != nil {
			return unknown, fmt.Errorf("import snapshot: host %v: %w", hv.Pos, err)
		}
		h := bus.NewHost(pos, w, w.log)
		if err := h.Deserialize(doc); err != nil {
			u := bus.UnrecognizedDevices(err)
			unknown = append(unknown, u...)
			if len(u) == 0 {
				w.log.WithError(err).WithField("pos", hv.Pos).Warn("host restored with errors")
			}
		}
		if h.IsEmpty() {
			continue
		}
		w.hosts[pos] = h
		restored = append(restored, h)
	}

	for _, h := range restored {
		h.AddToWorld(true)
		w.MarkForUpdate(h.Pos())
	}
	w.restoreTrackers(snap.Trackers)
	w.graph.NotifyAll()

	w.log.WithFields(logrus.Fields{
		"tick":    snap.Header.Tick,
		"hosts":   len(restored),
		"unknown": len(unknown),
	}).Info("snapshot imported")
	return unknown, nil
}

// restoreTrackers puts devices back on their saved schedules. Devices without
// a saved entry keep the schedule they were registered with.
func (w *World) restoreTrackers(saved []snapshot.TrackerV1) {
	for _, tv := range saved {
		log := w.log.WithFields(logrus.Fields{"pos": tv.Pos, "slot": tv.Slot})
		slot, err := bus.ParseSlot(tv.Slot)
		if err != nil {
			log.WithError(err).Warn("tracker not restored")
			continue
		}
		h := w.hosts[geom.Vec3iFromArray(tv.Pos)]
		if h == nil {
			log.Warn("tracker not restored: no host")
			continue
		}
		err = w.sched.Restore(h.Node(slot), ticking.State{Rate: tv.Rate, LastTick: tv.LastTick, Awake: tv.Awake})
		if err != nil {
			log.WithError(err).Warn("tracker not restored")
		}
	}
}

func decodeDocument(raw []byte) (bus.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc bus.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
