package commands

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"busgrid.ai/internal/sim/world"
)

type multiTickLogger []world.TickLogger

func (m multiTickLogger) WriteTick(e world.TickLogEntry) error {
	var errs []error
	for _, l := range m {
		errs = append(errs, l.WriteTick(e))
	}
	return errors.Join(errs...)
}

type multiAuditLogger []world.AuditLogger

func (m multiAuditLogger) WriteAudit(e world.AuditEntry) error {
	var errs []error
	for _, l := range m {
		errs = append(errs, l.WriteAudit(e))
	}
	return errors.Join(errs...)
}

// latestSnapshot returns the snapshot with the highest tick under worldDir, or "".
func latestSnapshot(worldDir string) string {
	dir := filepath.Join(worldDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}
