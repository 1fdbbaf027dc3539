// Package devices holds the device types the server ships with.
package devices

import (
	"busgrid.ai/internal/sim/bus"
)

// Stream ids. They are part of the sync protocol and must never be reused.
const (
	netCable uint32 = iota + 1
	netDenseCable
	netTerminal
	netImportBus
	netLevelEmitter
)

type Config struct {
	CableCapacity int `yaml:"cable_capacity"`
	DenseCapacity int `yaml:"dense_capacity"`

	ImportMinTicks int `yaml:"import_min_ticks"`
	ImportMaxTicks int `yaml:"import_max_ticks"`

	// ComponentBudget caps how many nodes a device walks when it sizes its network.
	ComponentBudget int `yaml:"component_budget"`
}

func (c *Config) applyDefaults() {
	if c.CableCapacity <= 0 {
		c.CableCapacity = 8
	}
	if c.DenseCapacity <= 0 {
		c.DenseCapacity = 32
	}
	if c.ImportMinTicks <= 0 {
		c.ImportMinTicks = 5
	}
	if c.ImportMaxTicks < c.ImportMinTicks {
		c.ImportMaxTicks = 8 * c.ImportMinTicks
	}
	if c.ComponentBudget <= 0 {
		c.ComponentBudget = 1024
	}
}

// Set is one instance of every built-in type, configured together.
type Set struct {
	Cable        *bus.DeviceType
	DenseCable   *bus.DeviceType
	Terminal     *bus.DeviceType
	ImportBus    *bus.DeviceType
	LevelEmitter *bus.DeviceType
}

func NewSet(cfg Config) *Set {
	cfg.applyDefaults()
	s := &Set{
		Cable:        &bus.DeviceType{ID: "busgrid:cable", NetID: netCable, Trunk: true, Bus: bus.BusCable},
		DenseCable:   &bus.DeviceType{ID: "busgrid:dense_cable", NetID: netDenseCable, Trunk: true, Bus: bus.BusDenseCable},
		Terminal:     &bus.DeviceType{ID: "busgrid:terminal", NetID: netTerminal, PlaceableOn: onAnyCable},
		ImportBus:    &bus.DeviceType{ID: "busgrid:import_bus", NetID: netImportBus, PlaceableOn: onAnyCable},
		LevelEmitter: &bus.DeviceType{ID: "busgrid:level_emitter", NetID: netLevelEmitter},
	}
	s.Cable.New = func() bus.Device { return newCable(s.Cable, cfg.CableCapacity, 2) }
	s.DenseCable.New = func() bus.Device { return newCable(s.DenseCable, cfg.DenseCapacity, 3) }
	s.Terminal.New = func() bus.Device { return newTerminal(s.Terminal, cfg.ComponentBudget) }
	s.ImportBus.New = func() bus.Device {
		return newImportBus(s.ImportBus, cfg.ImportMinTicks, cfg.ImportMaxTicks)
	}
	s.LevelEmitter.New = func() bus.Device { return newLevelEmitter(s.LevelEmitter, cfg.ComponentBudget) }
	return s
}

func (s *Set) All() []*bus.DeviceType {
	return []*bus.DeviceType{s.Cable, s.DenseCable, s.Terminal, s.ImportBus, s.LevelEmitter}
}

func (s *Set) Register(reg *bus.Registry) error {
	for _, t := range s.All() {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func onAnyCable(b bus.BusSupport) bool { return b == bus.BusCable || b == bus.BusDenseCable }
