package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"busgrid.ai/internal/sim/world"
)

// SnapshotRecord is a row of the snapshots table.
type SnapshotRecord struct {
	Tick    uint64 `json:"tick"`
	Path    string `json:"path"`
	WorldID string `json:"world_id"`
	Hosts   int    `json:"hosts"`
	Blocked int    `json:"blocked"`
	Signals int    `json:"signals"`
}

// LatestSnapshot returns the newest recorded snapshot at or before upToTick.
// A zero upToTick means no bound.
func (s *SQLiteIndex) LatestSnapshot(ctx context.Context, upToTick uint64) (SnapshotRecord, bool, error) {
	q := `SELECT tick,path,world_id,hosts,blocked,signals FROM snapshots`
	args := []any{}
	if upToTick > 0 {
		q += ` WHERE tick <= ?`
		args = append(args, int64(upToTick))
	}
	q += ` ORDER BY tick DESC LIMIT 1`

	var rec SnapshotRecord
	var tick int64
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&tick, &rec.Path, &rec.WorldID, &rec.Hosts, &rec.Blocked, &rec.Signals)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, false, nil
	}
	if err != nil {
		return SnapshotRecord{}, false, err
	}
	rec.Tick = uint64(tick)
	return rec, true, nil
}

// AuditsAt returns the audit entries recorded for one block position, oldest
// first, capped at limit (<= 0 means 100).
func (s *SQLiteIndex) AuditsAt(ctx context.Context, pos [3]int, limit int) ([]world.AuditEntry, error) {
	return s.audits(ctx, `SELECT raw_json FROM audits WHERE x=? AND y=? AND z=? ORDER BY tick, seq LIMIT ?`,
		pos[0], pos[1], pos[2], clampLimit(limit))
}

// AuditsBy returns the audit entries of one actor, oldest first.
func (s *SQLiteIndex) AuditsBy(ctx context.Context, actor string, limit int) ([]world.AuditEntry, error) {
	return s.audits(ctx, `SELECT raw_json FROM audits WHERE actor=? ORDER BY tick, seq LIMIT ?`,
		actor, clampLimit(limit))
}

func (s *SQLiteIndex) audits(ctx context.Context, q string, args ...any) ([]world.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []world.AuditEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e world.AuditEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FailedRequests counts the requests that were rejected, grouped by op.
func (s *SQLiteIndex) FailedRequests(ctx context.Context) (map[world.Op]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT op, COUNT(*) FROM requests WHERE error IS NOT NULL AND error <> '' GROUP BY op`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[world.Op]int{}
	for rows.Next() {
		var op string
		var n int
		if err := rows.Scan(&op, &n); err != nil {
			return nil, err
		}
		out[world.Op(op)] = n
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 10000 {
		return 10000
	}
	return limit
}
