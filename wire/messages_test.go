package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRequestExtrasRoundTrip(t *testing.T) {
	want := StreamRequestExtras{
		Flags:         StreamFlagActiveVBOnly,
		VBucketUUID:   0xdeadbeef,
		StartSeqno:    100,
		EndSeqno:      0xFFFFFFFFFFFFFFFF,
		SnapshotStart: 90,
		SnapshotEnd:   100,
	}
	got, err := ParseStreamRequestExtras(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFailoverLogRoundTrip(t *testing.T) {
	want := []FailoverLogEntry{
		{VBucketUUID: 111, Seqno: 500},
		{VBucketUUID: 222, Seqno: 100},
	}
	got, err := ParseFailoverLog(MarshalFailoverLog(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFailoverLogRejectsBadLength(t *testing.T) {
	_, err := ParseFailoverLog(make([]byte, 15))
	assert.Error(t, err)
}

func TestSnapshotMarkerExtrasRoundTrip(t *testing.T) {
	want := SnapshotMarkerExtras{Start: 10, End: 20, Flags: SnapshotDisk | SnapshotCheckpoint}
	got, err := ParseSnapshotMarkerExtras(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, got.Flags.Has(SnapshotDisk))
	assert.False(t, got.Flags.Has(SnapshotMemory))
}

func TestHelloFeaturesRoundTrip(t *testing.T) {
	want := []Feature{FeatureTCPNoDelay, FeatureCollections, FeatureSnappy}
	got, err := ParseHelloFeatures(MarshalHelloFeatures(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDeletionExtrasBothShapes(t *testing.T) {
	v1, err := ParseDeletionExtras(make([]byte, 18))
	require.NoError(t, err)
	assert.Zero(t, v1.DeleteTime)

	v2, err := ParseDeletionExtras(make([]byte, 20))
	require.NoError(t, err)
	assert.Zero(t, v2.DeleteTime)

	_, err = ParseDeletionExtras(make([]byte, 5))
	assert.Error(t, err)
}

func TestRollbackSeqnoParse(t *testing.T) {
	body := make([]byte, 8)
	body[7] = 42
	seqno, err := ParseRollbackSeqno(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seqno)

	_, err = ParseRollbackSeqno(make([]byte, 4))
	assert.Error(t, err)
}
