package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"busgrid.ai/internal/sim/devices"
	"busgrid.ai/internal/sim/ticking"
	"busgrid.ai/internal/sim/world"
)

type Tuning struct {
	WorldID            string `yaml:"world_id"`
	TickRateHz         int    `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int    `yaml:"snapshot_every_ticks"`
	OpaqueFacades      bool   `yaml:"opaque_facades"`
	RequestQueue       int    `yaml:"request_queue"`

	Scheduler Scheduler      `yaml:"scheduler"`
	Devices   devices.Config `yaml:"devices"`
	Server    Server         `yaml:"server"`
	Log       Log            `yaml:"log"`
}

type Scheduler struct {
	IdleStep   int `yaml:"idle_step"`
	FasterStep int `yaml:"faster_step"`
}

type Server struct {
	DataDir     string `yaml:"data_dir"`
	SyncAddr    string `yaml:"sync_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	// DisableIndex turns off the sqlite read model.
	DisableIndex bool `yaml:"disable_index"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, receives a JSON copy of every log line.
	File string `yaml:"file"`
}

func Defaults() Tuning {
	var t Tuning
	t.applyDefaults()
	return t
}

func (t *Tuning) applyDefaults() {
	if t.WorldID == "" {
		t.WorldID = "world_1"
	}
	if t.TickRateHz <= 0 {
		t.TickRateHz = 20
	}
	if t.SnapshotEveryTicks <= 0 {
		t.SnapshotEveryTicks = 6000
	}
	if t.RequestQueue <= 0 {
		t.RequestQueue = 1024
	}
	if t.Scheduler.IdleStep <= 0 {
		t.Scheduler.IdleStep = 1
	}
	if t.Scheduler.FasterStep <= 0 {
		t.Scheduler.FasterStep = 2
	}
	if t.Server.DataDir == "" {
		t.Server.DataDir = "data"
	}
	if t.Server.SyncAddr == "" {
		t.Server.SyncAddr = ":8080"
	}
	if t.Log.Level == "" {
		t.Log.Level = "info"
	}
	if t.Log.Format == "" {
		t.Log.Format = "text"
	}
}

func (t *Tuning) validate() error {
	switch t.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: want text or json, got %q", t.Log.Format)
	}
	if t.Devices.ImportMaxTicks > 0 && t.Devices.ImportMaxTicks < t.Devices.ImportMinTicks {
		return fmt.Errorf("devices: import_max_ticks %d below import_min_ticks %d",
			t.Devices.ImportMaxTicks, t.Devices.ImportMinTicks)
	}
	return nil
}

// Load reads path. Missing keys take their defaults.
func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.applyDefaults()
	if err := t.validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) WorldConfig() world.Config {
	return world.Config{
		ID:                 t.WorldID,
		TickRateHz:         t.TickRateHz,
		SnapshotEveryTicks: t.SnapshotEveryTicks,
		OpaqueFacades:      t.OpaqueFacades,
		RequestQueue:       t.RequestQueue,
		Scheduler: ticking.Config{
			IdleStep:   t.Scheduler.IdleStep,
			FasterStep: t.Scheduler.FasterStep,
		},
	}
}
