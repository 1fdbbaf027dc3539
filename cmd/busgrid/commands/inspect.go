package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"busgrid.ai/internal/persistence/indexdb"
	persistlog "busgrid.ai/internal/persistence/log"
	"busgrid.ai/internal/persistence/snapshot"
	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/world"
)

// NewInspectCmd returns the command group that reads persisted world data
func NewInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Read snapshots and audit logs",
	}
	cmd.AddCommand(newInspectSnapshotCmd(), newInspectAuditCmd())
	return cmd
}

func newInspectSnapshotCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "snapshot <path>",
		Short: "Summarize a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := snapshot.ReadSnapshot(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			return printSnapshot(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the whole snapshot as JSON")
	return cmd
}

func printSnapshot(out io.Writer, snap snapshot.SnapshotV1) error {
	fmt.Fprintf(out, "world=%s tick=%d version=%d tick_rate_hz=%d\n",
		snap.Header.WorldID, snap.Header.Tick, snap.Header.Version, snap.TickRateHz)
	fmt.Fprintf(out, "hosts=%d blocked=%d signals=%d opaque_facades=%t\n",
		len(snap.Hosts), len(snap.Blocked), len(snap.Signals), snap.OpaqueFacades)
	for _, h := range snap.Hosts {
		var doc bus.Document
		if err := json.Unmarshal(h.Doc, &doc); err != nil {
			return fmt.Errorf("host %v: %w", h.Pos, err)
		}
		var parts []string
		for _, slot := range bus.AllSlots {
			def, ok := doc.Doc("def:" + slot.ID())
			if !ok {
				continue
			}
			id, _ := def.String("id")
			parts = append(parts, slot.ID()+"="+id)
		}
		for _, face := range geom.Faces {
			if item, ok := doc.String("facade:" + face.String()); ok {
				parts = append(parts, "facade:"+face.String()+"="+item)
			}
		}
		fmt.Fprintf(out, "  %v %s\n", h.Pos, strings.Join(parts, " "))
	}
	return nil
}

func newInspectAuditCmd() *cobra.Command {
	var (
		worldDir string
		actor    string
		pos      string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print audit entries of a world",
		RunE: func(cmd *cobra.Command, args []string) error {
			var at *[3]int
			if pos != "" {
				p, err := parsePos(pos)
				if err != nil {
					return err
				}
				at = &p
			}
			entries, err := readAudits(cmd.Context(), worldDir, actor, at, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&worldDir, "world-dir", "./data/worlds/world_1", "world data directory")
	cmd.Flags().StringVar(&actor, "actor", "", "only entries by this actor")
	cmd.Flags().StringVar(&pos, "pos", "", "only entries at x,y,z")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries")
	return cmd
}

// readAudits prefers the sqlite index for filtered queries and falls back to
// scanning the JSONL audit log.
func readAudits(ctx context.Context, worldDir, actor string, pos *[3]int, limit int) ([]world.AuditEntry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dbPath := filepath.Join(worldDir, "index", "world.sqlite")
	if (actor != "") != (pos != nil) {
		if _, err := os.Stat(dbPath); err == nil {
			idx, err := indexdb.OpenSQLite(dbPath, nil)
			if err != nil {
				return nil, err
			}
			defer idx.Close()
			if pos != nil {
				return idx.AuditsAt(ctx, *pos, limit)
			}
			return idx.AuditsBy(ctx, actor, limit)
		}
	}

	all, err := persistlog.ReadAudit(worldDir)
	if err != nil {
		return nil, err
	}
	var out []world.AuditEntry
	for _, e := range all {
		if actor != "" && e.Actor != actor {
			continue
		}
		if pos != nil && e.Pos != *pos {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func parsePos(s string) ([3]int, error) {
	var p [3]int
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return p, fmt.Errorf("pos %q: want x,y,z", s)
	}
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return p, fmt.Errorf("pos %q: %w", s, err)
		}
		p[i] = v
	}
	return p, nil
}
