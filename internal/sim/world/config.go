package world

import (
	"busgrid.ai/internal/sim/grid"
	"busgrid.ai/internal/sim/ticking"
)

type Config struct {
	ID                 string
	TickRateHz         int
	SnapshotEveryTicks int
	OpaqueFacades      bool

	Scheduler ticking.Config
	// Rule decides which node pairs may link. Nil means grid.CapacityRule.
	Rule grid.Rule

	// RequestQueue is the capacity of the placement request channel.
	RequestQueue int
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = "world"
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if c.SnapshotEveryTicks <= 0 {
		c.SnapshotEveryTicks = 6000
	}
	if c.Rule == nil {
		c.Rule = grid.CapacityRule()
	}
	if c.RequestQueue <= 0 {
		c.RequestQueue = 1024
	}
}
