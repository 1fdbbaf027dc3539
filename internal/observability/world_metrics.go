package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"busgrid.ai/internal/persistence/indexdb"
	"busgrid.ai/internal/sim/world"
)

// SyncStats is the part of the sync hub the collector reads.
type SyncStats interface {
	Sessions() int
	Kicked() uint64
}

// WorldSources are read on every scrape. Nil sources are skipped.
type WorldSources struct {
	World func() world.Metrics
	Sync  SyncStats
	Index func() indexdb.Stats
}

// WorldCollector reports the published world metrics at scrape time, so it
// never touches the simulation goroutine.
type WorldCollector struct {
	src WorldSources

	tick        *prometheus.Desc
	hosts       *prometheus.Desc
	nodes       *prometheus.Desc
	connections *prometheus.Desc
	unsaved     *prometheus.Desc
	queue       *prometheus.Desc
	stepSeconds *prometheus.Desc

	syncSessions *prometheus.Desc
	syncKicked   *prometheus.Desc

	indexQueue *prometheus.Desc
	indexDrops *prometheus.Desc
}

func NewWorldCollector(worldID string, src WorldSources) *WorldCollector {
	labels := prometheus.Labels{"world": worldID}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, variable, labels)
	}
	return &WorldCollector{
		src:          src,
		tick:         desc("world_tick", "Last completed tick."),
		hosts:        desc("world_hosts", "Slot hosts in the world."),
		nodes:        desc("world_grid_nodes", "Nodes in the grid graph."),
		connections:  desc("world_grid_connections", "Connections in the grid graph."),
		unsaved:      desc("world_unsaved_hosts", "Hosts changed since the last snapshot."),
		queue:        desc("world_request_queue_depth", "Requests waiting for the next tick."),
		stepSeconds:  desc("world_step_seconds", "Duration of the last step."),
		syncSessions: desc("sync_sessions", "Connected mirror sessions."),
		syncKicked:   desc("sync_sessions_dropped_total", "Mirror sessions dropped for falling behind."),
		indexQueue:   desc("indexdb_queue_depth", "Entries waiting for the index writer."),
		indexDrops:   desc("indexdb_dropped_total", "Index entries dropped on a full queue.", "kind"),
	}
}

func (c *WorldCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.tick, c.hosts, c.nodes, c.connections, c.unsaved, c.queue, c.stepSeconds,
		c.syncSessions, c.syncKicked, c.indexQueue, c.indexDrops,
	} {
		ch <- d
	}
}

func (c *WorldCollector) Collect(ch chan<- prometheus.Metric) {
	if c.src.World != nil {
		m := c.src.World()
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
		}
		gauge(c.tick, float64(m.Tick))
		gauge(c.hosts, float64(m.Hosts))
		gauge(c.nodes, float64(m.Nodes))
		gauge(c.connections, float64(m.Connections))
		gauge(c.unsaved, float64(m.UnsavedHosts))
		gauge(c.queue, float64(m.QueueDepth))
		gauge(c.stepSeconds, m.StepMS/1000)
	}
	if c.src.Sync != nil {
		ch <- prometheus.MustNewConstMetric(c.syncSessions, prometheus.GaugeValue, float64(c.src.Sync.Sessions()))
		ch <- prometheus.MustNewConstMetric(c.syncKicked, prometheus.CounterValue, float64(c.src.Sync.Kicked()))
	}
	if c.src.Index != nil {
		st := c.src.Index()
		ch <- prometheus.MustNewConstMetric(c.indexQueue, prometheus.GaugeValue, float64(st.QueueDepth))
		ch <- prometheus.MustNewConstMetric(c.indexDrops, prometheus.CounterValue, float64(st.DropTickTotal), "tick")
		ch <- prometheus.MustNewConstMetric(c.indexDrops, prometheus.CounterValue, float64(st.DropAuditTotal), "audit")
		ch <- prometheus.MustNewConstMetric(c.indexDrops, prometheus.CounterValue, float64(st.DropSnapshotTotal), "snapshot")
	}
}

// Handler exposes a ready-to-use /metrics handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
