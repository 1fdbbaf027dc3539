package indexdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"busgrid.ai/internal/persistence/snapshot"
	"busgrid.ai/internal/sim/world"
)

func TestSQLiteIndex_StatsCountsDrops(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}

	require.NoError(t, s.WriteTick(world.TickLogEntry{Tick: 1}))
	require.NoError(t, s.WriteTick(world.TickLogEntry{Tick: 2}))
	require.NoError(t, s.WriteAudit(world.AuditEntry{Tick: 2}))
	s.RecordSnapshot("x", snapshot.SnapshotV1{})

	st := s.Stats()
	require.Equal(t, 1, st.QueueDepth)
	require.Equal(t, 1, st.QueueCapacity)
	require.Equal(t, uint64(1), st.DropTickTotal)
	require.Equal(t, uint64(1), st.DropAuditTotal)
	require.Equal(t, uint64(1), st.DropSnapshotTotal)
}

func TestSQLiteIndex_ClosedIgnoresWrites(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.closed.Store(true)
	require.NoError(t, s.WriteTick(world.TickLogEntry{Tick: 1}))
	require.Equal(t, 0, s.Stats().QueueDepth)
	require.Zero(t, s.Stats().DropTickTotal)

	var nilIndex *SQLiteIndex
	require.Equal(t, Stats{}, nilIndex.Stats())
}
