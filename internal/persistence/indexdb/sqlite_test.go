package indexdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"busgrid.ai/internal/persistence/snapshot"
	"busgrid.ai/internal/sim/world"
	"busgrid.ai/internal/testutil"
)

func TestSQLiteIndex_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	s, err := OpenSQLite(path, testutil.NewTestLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.WriteTick(world.TickLogEntry{
		Tick:   5,
		Digest: "abc",
		Requests: []world.RecordedRequest{
			{Request: world.Request{Op: world.OpAttach, Actor: "alice", Pos: [3]int{1, 2, 3}, Slot: "center", Type: "busgrid:cable"}},
			{Request: world.Request{Op: world.OpDetach, Actor: "bob", Pos: [3]int{9, 9, 9}, Slot: "north"}, Error: "no host"},
		},
	}))
	require.NoError(t, s.WriteAudit(world.AuditEntry{Tick: 5, Actor: "alice", Action: "ATTACH", Pos: [3]int{1, 2, 3}, Slot: "center", To: "busgrid:cable"}))
	require.NoError(t, s.WriteAudit(world.AuditEntry{Tick: 7, Actor: "alice", Action: "DETACH", Pos: [3]int{1, 2, 3}, Slot: "center", From: "busgrid:cable"}))
	require.NoError(t, s.WriteAudit(world.AuditEntry{Tick: 7, Actor: "bob", Action: "FACADE", Pos: [3]int{4, 4, 4}, Slot: "up", To: "stone"}))

	snap := snapshot.SnapshotV1{Header: snapshot.Header{Version: snapshot.Version, WorldID: "w1", Tick: 6000}}
	snap.Hosts = make([]snapshot.HostV1, 3)
	s.RecordSnapshot("/data/snapshots/6000.snap.zst", snap)
	snap.Header.Tick = 12000
	s.RecordSnapshot("/data/snapshots/12000.snap.zst", snap)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	s, err = OpenSQLite(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	at, err := s.AuditsAt(ctx, [3]int{1, 2, 3}, 0)
	require.NoError(t, err)
	require.Len(t, at, 2)
	require.Equal(t, "ATTACH", at[0].Action)
	require.Equal(t, "busgrid:cable", at[1].From)

	by, err := s.AuditsBy(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, by, 1)
	require.Equal(t, "stone", by[0].To)

	failed, err := s.FailedRequests(ctx)
	require.NoError(t, err)
	require.Equal(t, map[world.Op]int{world.OpDetach: 1}, failed)

	rec, ok, err := s.LatestSnapshot(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(12000), rec.Tick)
	require.Equal(t, "w1", rec.WorldID)
	require.Equal(t, 3, rec.Hosts)

	rec, ok, err = s.LatestSnapshot(ctx, 11999)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(6000), rec.Tick)

	_, ok, err = s.LatestSnapshot(ctx, 10)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	_, err := OpenSQLite("", nil)
	require.Error(t, err)
}
