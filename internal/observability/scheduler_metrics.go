// Package observability exposes scheduler and world state as Prometheus metrics.
package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes tick scheduler metrics. It implements
// ticking.Metrics.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	TickDuration     prometheus.Histogram
	AwakeNodes       prometheus.Gauge
	SleepingNodes    prometheus.Gauge
	InvocationsTotal prometheus.Counter
	TicksTotal       prometheus.Counter
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tickHistogram, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_tick_duration_seconds",
		Help:    "Time spent invoking due nodes in one global tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}), "scheduler_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	awake, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_awake_nodes",
		Help: "Nodes currently in the scheduler's ordered set.",
	}), "scheduler_awake_nodes")
	if err != nil {
		return nil, err
	}
	sleeping, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_sleeping_nodes",
		Help: "Registered nodes that are asleep.",
	}), "scheduler_sleeping_nodes")
	if err != nil {
		return nil, err
	}
	invocations, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_invocations_total",
		Help: "Cumulative number of tick callbacks invoked.",
	}), "scheduler_invocations_total")
	if err != nil {
		return nil, err
	}
	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_ticks_total",
		Help: "Cumulative number of global ticks.",
	}), "scheduler_ticks_total")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:         gatherer,
		TickDuration:     tickHistogram,
		AwakeNodes:       awake,
		SleepingNodes:    sleeping,
		InvocationsTotal: invocations,
		TicksTotal:       ticks,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func (c *SchedulerCollector) ObserveTick(awake, sleeping, invoked int, took time.Duration) {
	if c == nil {
		return
	}
	c.TickDuration.Observe(took.Seconds())
	c.AwakeNodes.Set(float64(awake))
	c.SleepingNodes.Set(float64(sleeping))
	c.InvocationsTotal.Add(float64(invoked))
	c.TicksTotal.Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
