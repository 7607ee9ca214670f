package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	store := NewStore()
	store.ApplyFailoverLog(0, []FailoverEntry{{VBucketUUID: 1, Seqno: 0}})
	store.ApplySnapshotMarker(0, 0, 100)
	store.AdvanceSeqno(0, 50)
	store.ApplyManifestUid(0, 7)

	snap := store.Snapshot()
	data, err := snap.Marshal()
	require.NoError(t, err)

	restored, err := Unmarshal(data)
	require.NoError(t, err)

	other := NewStore()
	other.Restore(restored)

	assert.Equal(t, store.Get(0), other.Get(0))
}

func TestStableCheckpointInvariant(t *testing.T) {
	valid := State{Dcp_snapshot_seqno: 10, Seqno: 15, Dcp_snapshot_end_seqno: 20}
	assert.NoError(t, valid.Validate())

	invalid := State{Dcp_snapshot_seqno: 10, Seqno: 25, Dcp_snapshot_end_seqno: 20}
	assert.Error(t, invalid.Validate())
}

func TestFailoverLogCapped(t *testing.T) {
	store := NewStore()
	log := make([]FailoverEntry, 40)
	for i := range log {
		log[i] = FailoverEntry{VBucketUUID: uint64(i), Seqno: uint64(40 - i)}
	}
	store.ApplyFailoverLog(3, log)
	assert.Len(t, store.Get(3).FailoverLog, MaxFailoverLogEntries)
}

func TestBuildResumeRequestFromBeginning(t *testing.T) {
	req := BuildResumeRequest(State{}, Infinity)
	assert.Equal(t, uint64(0), req.VBucketUUID)
	assert.Equal(t, uint64(0), req.StartSeqno)
	assert.Equal(t, Infinity, req.EndSeqno)
}

func TestBuildResumeRequestUsesNewestFailoverEntry(t *testing.T) {
	s := State{
		Seqno:              500,
		FailoverLog:        []FailoverEntry{{VBucketUUID: 99, Seqno: 400}, {VBucketUUID: 1, Seqno: 0}},
		Dcp_snapshot_seqno: 480,
		Dcp_snapshot_end_seqno: 500,
	}
	req := BuildResumeRequest(s, Infinity)
	assert.Equal(t, uint64(99), req.VBucketUUID)
	assert.Equal(t, uint64(500), req.StartSeqno)
	assert.Equal(t, uint64(480), req.SnapshotStart)
}

func TestApplyRollbackFindsMatchingEntry(t *testing.T) {
	s := State{
		Seqno: 500,
		FailoverLog: []FailoverEntry{
			{VBucketUUID: 3, Seqno: 450},
			{VBucketUUID: 2, Seqno: 200},
			{VBucketUUID: 1, Seqno: 0},
		},
	}
	next := ApplyRollback(s, 300)
	require.NotEmpty(t, next.FailoverLog)
	assert.Equal(t, uint64(2), next.CurrentVBUUID())
	assert.Equal(t, uint64(300), next.Seqno)
	assert.Equal(t, uint64(300), next.Dcp_snapshot_seqno)
	assert.Equal(t, uint64(300), next.Dcp_snapshot_end_seqno)
}

func TestApplyRollbackToZeroWhenNoEntryMatches(t *testing.T) {
	s := State{
		Seqno: 500,
		FailoverLog: []FailoverEntry{
			{VBucketUUID: 3, Seqno: 450},
		},
	}
	next := ApplyRollback(s, 10)
	assert.True(t, next.IsRollbackToZero())
	assert.Empty(t, next.FailoverLog)
	assert.Equal(t, uint64(0), next.Seqno)
}
