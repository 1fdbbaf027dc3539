package world

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/geom"
)

func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []Request
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.requests:
			pending = append(pending, req)
		case <-ticker.C:
			w.step(pending)
			pending = pending[:0]
		}
	}
}

// Stop ends Run. It may be called more than once.
func (w *World) Stop() { w.stopOnce.Do(func() { close(w.stop) }) }

// Step advances the world by one tick and returns the tick it completed.
func (w *World) Step() uint64 {
	tick, _ := w.step(nil)
	return tick
}

// StepWith applies reqs in order, advances one tick and returns the tick
// together with the state digest. It drives offline replay; a running world
// is stepped only by Run.
func (w *World) StepWith(reqs []Request) (uint64, string) { return w.step(reqs) }

func (w *World) step(reqs []Request) (uint64, string) {
	start := time.Now()

	recorded := w.applyRequests(reqs)
	invoked := w.sched.Tick()
	tick := w.sched.CurrentTick()
	updated := w.publish(tick)

	drops := w.drops
	w.drops = nil
	digest := w.StateDigest()
	if w.tickLogger != nil {
		err := w.tickLogger.WriteTick(TickLogEntry{
			Tick:     tick,
			Requests: recorded,
			Invoked:  invoked,
			Updated:  updated,
			Drops:    drops,
			Digest:   digest,
		})
		if err != nil {
			w.log.WithError(err).Warn("tick log write failed")
		}
	}

	if w.snapshotSink != nil && tick%uint64(w.cfg.SnapshotEveryTicks) == 0 {
		snap, err := w.ExportSnapshot()
		if err != nil {
			w.log.WithError(err).Error("snapshot export failed")
		} else {
			select {
			case w.snapshotSink <- snap:
			default:
				w.log.WithField("tick", tick).Warn("snapshot sink backed up, snapshot dropped")
			}
		}
	}

	w.metrics.Store(Metrics{
		Tick:         tick,
		Hosts:        len(w.hosts),
		Nodes:        w.graph.NodeCount(),
		Connections:  w.graph.ConnectionCount(),
		Awake:        w.sched.AwakeCount(),
		Sleeping:     w.sched.SleepingCount(),
		Invoked:      invoked,
		Updated:      updated,
		UnsavedHosts: len(w.unsaved),
		QueueDepth:   len(w.requests),
		StepMS:       float64(time.Since(start).Microseconds()) / 1000.0,
	})
	return tick, digest
}

// publish rebuilds the render snapshot and stream payload of every host marked
// for update, and of its neighbors, whose links may have moved with it.
func (w *World) publish(tick uint64) int {
	if len(w.dirty) == 0 {
		return 0
	}
	touched := map[geom.Vec3i]struct{}{}
	for pos := range w.dirty {
		touched[pos] = struct{}{}
		for _, f := range geom.Faces {
			if n := pos.Neighbor(f); w.hosts[n] != nil {
				touched[n] = struct{}{}
			}
		}
	}
	w.dirty = map[geom.Vec3i]struct{}{}

	positions := make([]geom.Vec3i, 0, len(touched))
	for pos := range touched {
		positions = append(positions, pos)
	}
	sortPositions(positions)

	prev := w.published.Load()
	next := &View{Tick: tick, Hosts: make(map[geom.Vec3i]bus.RenderSnapshot, len(prev.Hosts)+len(positions))}
	for pos, s := range prev.Hosts {
		next.Hosts[pos] = s
	}
	for _, pos := range positions {
		h := w.hosts[pos]
		if h == nil {
			delete(next.Hosts, pos)
			if w.streamSink != nil {
				w.streamSink.ForgetHost(tick, pos)
			}
			continue
		}
		next.Hosts[pos] = h.Snapshot()
		if w.streamSink != nil {
			w.streamSink.PublishHost(tick, pos, h.StreamBytes())
		}
	}
	w.published.Store(next)
	return len(positions)
}

// StateDigest hashes the stream payload of every host in position order.
func (w *World) StateDigest() string {
	h := sha256.New()
	var buf [8]byte
	for _, pos := range w.Positions() {
		for _, v := range pos.ToArray() {
			binary.LittleEndian.PutUint64(buf[:], uint64(int64(v)))
			h.Write(buf[:])
		}
		payload := w.hosts[pos].StreamBytes()
		binary.LittleEndian.PutUint64(buf[:], uint64(len(payload)))
		h.Write(buf[:])
		h.Write(payload)
	}
	return hex.EncodeToString(h.Sum(nil))
}
