// Package world places slot hosts on a sparse block grid and drives them.
//
// World is a single-threaded simulation: hosts, the grid and the scheduler
// are touched only from the goroutine that calls Step or Run. Other
// goroutines submit requests and read the published views.
package world

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"busgrid.ai/internal/persistence/snapshot"
	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/grid"
	"busgrid.ai/internal/sim/ticking"
)

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// StreamSink receives the stream payload of every host that changed during a
// tick, and the positions of hosts that went away.
type StreamSink interface {
	PublishHost(tick uint64, pos geom.Vec3i, payload []byte)
	ForgetHost(tick uint64, pos geom.Vec3i)
}

type TickLogEntry struct {
	Tick     uint64            `json:"tick"`
	Requests []RecordedRequest `json:"requests,omitempty"`
	Invoked  int               `json:"invoked"`
	Updated  int               `json:"updated"`
	Drops    []DropEntry       `json:"drops,omitempty"`
	Digest   string            `json:"digest"`
}

type RecordedRequest struct {
	Request
	Error string `json:"error,omitempty"`
}

type DropEntry struct {
	Pos   [3]int   `json:"pos"`
	Items []string `json:"items"`
}

type AuditEntry struct {
	Tick   uint64 `json:"tick"`
	Actor  string `json:"actor"`
	Action string `json:"action"` // e.g. "ATTACH"
	Pos    [3]int `json:"pos"`
	Slot   string `json:"slot,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// View is an immutable set of render snapshots, replaced wholesale after
// every tick that changed a host.
type View struct {
	Tick  uint64
	Hosts map[geom.Vec3i]bus.RenderSnapshot
}

type World struct {
	cfg   Config
	log   logrus.FieldLogger
	reg   *bus.Registry
	graph *grid.Graph
	sched *ticking.Scheduler

	hosts   map[geom.Vec3i]*bus.Host
	blocked map[geom.Vec3i]geom.FaceSet
	signals map[geom.Vec3i]int

	dirty   map[geom.Vec3i]struct{}
	unsaved map[geom.Vec3i]struct{}
	drops   []DropEntry

	requests chan Request
	stop     chan struct{}
	stopOnce sync.Once

	// Optional sinks (may be nil).
	tickLogger   TickLogger
	auditLogger  AuditLogger
	streamSink   StreamSink
	snapshotSink chan<- snapshot.SnapshotV1

	published atomic.Pointer[View]
	metrics   atomic.Value
}

// New creates an empty world. The registry is frozen.
func New(cfg Config, reg *bus.Registry, logger logrus.FieldLogger) *World {
	cfg.applyDefaults()
	if logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		logger = l
	}
	if reg == nil {
		reg = bus.NewRegistry()
	}
	reg.Freeze()
	log := logger.WithField("world", cfg.ID)
	w := &World{
		cfg:      cfg,
		log:      log,
		reg:      reg,
		graph:    grid.New(),
		sched:    ticking.NewScheduler(cfg.Scheduler, log),
		hosts:    map[geom.Vec3i]*bus.Host{},
		blocked:  map[geom.Vec3i]geom.FaceSet{},
		signals:  map[geom.Vec3i]int{},
		dirty:    map[geom.Vec3i]struct{}{},
		unsaved:  map[geom.Vec3i]struct{}{},
		requests: make(chan Request, cfg.RequestQueue),
		stop:     make(chan struct{}),
	}
	w.published.Store(&View{Hosts: map[geom.Vec3i]bus.RenderSnapshot{}})
	w.metrics.Store(Metrics{})
	return w
}

func (w *World) SetTickLogger(l TickLogger)                    { w.tickLogger = l }
func (w *World) SetAuditLogger(l AuditLogger)                  { w.auditLogger = l }
func (w *World) SetStreamSink(s StreamSink)                    { w.streamSink = s }
func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }

func (w *World) ID() string          { return w.cfg.ID }
func (w *World) TickRateHz() int     { return w.cfg.TickRateHz }
func (w *World) CurrentTick() uint64 { return w.sched.CurrentTick() }

// Published returns the latest view. It is safe to call from any goroutine.
func (w *World) Published() *View { return w.published.Load() }

// bus.World

func (w *World) Graph() *grid.Graph              { return w.graph }
func (w *World) Scheduler() *ticking.Scheduler   { return w.sched }
func (w *World) Registry() *bus.Registry         { return w.reg }
func (w *World) HostAt(pos geom.Vec3i) *bus.Host { return w.hosts[pos] }
func (w *World) OpaqueFacades() bool             { return w.cfg.OpaqueFacades }
func (w *World) ConnectionRule() grid.Rule       { return w.cfg.Rule }
func (w *World) MarkForUpdate(pos geom.Vec3i)    { w.dirty[pos] = struct{}{} }
func (w *World) MarkForSave(pos geom.Vec3i)      { w.unsaved[pos] = struct{}{} }

func (w *World) IsBlocked(pos geom.Vec3i, face geom.Face) bool {
	return w.blocked[pos].Has(face)
}

// NeighborSignal is the strongest signal set on any block next to pos.
func (w *World) NeighborSignal(pos geom.Vec3i) int {
	best := 0
	for _, f := range geom.Faces {
		if v := w.signals[pos.Neighbor(f)]; v > best {
			best = v
		}
	}
	return best
}

func (w *World) SpawnDrops(pos geom.Vec3i, items []string) {
	if len(items) == 0 {
		return
	}
	w.drops = append(w.drops, DropEntry{Pos: pos.ToArray(), Items: append([]string(nil), items...)})
	w.log.WithFields(logrus.Fields{
		"pos":   pos.ToArray(),
		"items": items,
	}).Debug("items dropped")
}

func (w *World) audit(actor, action string, pos geom.Vec3i, slot, from, to, reason string) {
	if w.auditLogger == nil {
		return
	}
	err := w.auditLogger.WriteAudit(AuditEntry{
		Tick:   w.sched.CurrentTick(),
		Actor:  actor,
		Action: action,
		Pos:    pos.ToArray(),
		Slot:   slot,
		From:   from,
		To:     to,
		Reason: reason,
	})
	if err != nil {
		w.log.WithError(err).Warn("audit write failed")
	}
}
