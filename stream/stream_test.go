package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbase/dcpclient/session"
	"github.com/couchbase/dcpclient/wire"
)

type fakeSink struct {
	mutations   []Mutation
	deletions   []Deletion
	rollbacks   []Rollback
	snapshots   []SnapshotEvent
	failoverLogs [][]session.FailoverEntry
	streamEnds  []EndReason
	failures    []error
	seqnoAdv    []uint64
}

func (f *fakeSink) Mutation(m Mutation)     { f.mutations = append(f.mutations, m) }
func (f *fakeSink) Deletion(d Deletion)     { f.deletions = append(f.deletions, d) }
func (f *fakeSink) SeqnoAdvanced(_ uint16, seqno uint64) { f.seqnoAdv = append(f.seqnoAdv, seqno) }
func (f *fakeSink) SystemEvent(SystemEventKind, CollectionsEvent) {}
func (f *fakeSink) Rollback(r Rollback)     { f.rollbacks = append(f.rollbacks, r) }
func (f *fakeSink) Snapshot(s SnapshotEvent) { f.snapshots = append(f.snapshots, s) }
func (f *fakeSink) FailoverLog(_ uint16, log []session.FailoverEntry) {
	f.failoverLogs = append(f.failoverLogs, log)
}
func (f *fakeSink) StreamEnd(_ uint16, reason EndReason) { f.streamEnds = append(f.streamEnds, reason) }
func (f *fakeSink) Failure(_ uint16, err error)          { f.failures = append(f.failures, err) }

func TestStreamOpenSuccessTransitionsToOpen(t *testing.T) {
	store := session.NewStore()
	sink := &fakeSink{}
	s := New(0, 1, store, sink, nil, false, false, nil, nil)

	frame := s.BuildOpenFrame(session.StreamRequest{EndSeqno: session.Infinity})
	assert.Equal(t, Opening, s.State())
	assert.Equal(t, wire.DcpStreamRequest, frame.Opcode)

	body := wire.MarshalFailoverLog([]wire.FailoverLogEntry{{VBucketUUID: 42, Seqno: 0}})
	retry, err := s.HandleOpenResponse(wire.Success, body)
	require.NoError(t, err)
	assert.Nil(t, retry)
	assert.Equal(t, Open, s.State())
	require.Len(t, sink.failoverLogs, 1)
	assert.Equal(t, uint64(42), sink.failoverLogs[0][0].VBucketUUID)
	assert.Equal(t, uint64(42), store.Get(0).FailoverLog[0].VBucketUUID)
}

func TestStreamOpenRollbackDefaultResumesWithMitigatedRequest(t *testing.T) {
	store := session.NewStore()
	store.ApplyFailoverLog(0, []session.FailoverEntry{{VBucketUUID: 9, Seqno: 400}, {VBucketUUID: 1, Seqno: 0}})
	sink := &fakeSink{}
	s := New(0, 1, store, sink, nil, false, false, nil, nil)

	s.BuildOpenFrame(session.BuildResumeRequest(store.Get(0), session.Infinity))

	body := make([]byte, 8)
	body[7] = 200 // rollback to seqno 200
	retry, err := s.HandleOpenResponse(wire.Rollback, body)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, Opening, s.State())
	require.Len(t, sink.rollbacks, 1)
	assert.Equal(t, uint64(200), sink.rollbacks[0].RollbackSeqno)
	assert.Equal(t, uint64(200), store.Get(0).Seqno)
}

func TestStreamRollbackVetoEndsStream(t *testing.T) {
	store := session.NewStore()
	// A vetoing sink calls Veto() synchronously from Rollback().
	vetoingSink := &vetoSink{}
	s := New(1, 2, store, vetoingSink, nil, false, false, nil, nil)
	s.BuildOpenFrame(session.StreamRequest{EndSeqno: session.Infinity})

	body := make([]byte, 8)
	retry, err := s.HandleOpenResponse(wire.Rollback, body)
	require.NoError(t, err)
	assert.Nil(t, retry)
	assert.Equal(t, Ended, s.State())
	require.Len(t, vetoingSink.failures, 1)
}

type vetoSink struct{ fakeSink }

func (v *vetoSink) Rollback(r Rollback) { r.Veto() }

func TestStreamMutationOutsideSnapshotWindowIsFatal(t *testing.T) {
	store := session.NewStore()
	store.ApplySnapshotMarker(0, 100, 200)
	store.AdvanceSeqno(0, 100)
	sink := &fakeSink{}
	s := New(0, 1, store, sink, nil, false, false, nil, nil)
	s.state = Open

	// bySeqno 50 is below the snapshot window [100,200]
	extras := marshalMutationExtrasForTest(50)
	f := &wire.Frame{Header: wire.Header{Opcode: wire.DcpMutation, VBucket: 0}, Extras: extras}
	err := s.HandleFrame(f, f.Size())
	assert.Error(t, err)
}

func TestStreamMutationWithinWindowDelivers(t *testing.T) {
	store := session.NewStore()
	store.ApplySnapshotMarker(0, 100, 200)
	sink := &fakeSink{}
	s := New(0, 1, store, sink, nil, false, false, nil, func(n int) func() { return func() {} })
	s.state = Open

	extras := marshalMutationExtrasForTest(150)
	f := &wire.Frame{Header: wire.Header{Opcode: wire.DcpMutation, VBucket: 0}, Extras: extras, Key: []byte("k")}
	err := s.HandleFrame(f, f.Size())
	require.NoError(t, err)
	require.Len(t, sink.mutations, 1)
	assert.Equal(t, uint64(150), sink.mutations[0].BySeqno)
	assert.Equal(t, uint64(150), store.Get(0).Seqno)
	require.NotNil(t, sink.mutations[0].Ack)
	sink.mutations[0].FlowControlAck()
}

func TestStreamSeqnoAdvancedDoesNotDeliver(t *testing.T) {
	store := session.NewStore()
	store.ApplySnapshotMarker(0, 0, 1000)
	sink := &fakeSink{}
	s := New(0, 1, store, sink, nil, true, false, nil, nil)
	s.state = Open

	extras := make([]byte, 8)
	extras[7] = 99
	f := &wire.Frame{Header: wire.Header{Opcode: wire.DcpSeqnoAdvanced, VBucket: 0}, Extras: extras}
	require.NoError(t, s.HandleFrame(f, f.Size()))
	assert.Empty(t, sink.mutations)
	assert.Equal(t, []uint64{99}, sink.seqnoAdv)
	assert.Equal(t, uint64(99), store.Get(0).Seqno)
}

func TestStreamEndOKIsTerminal(t *testing.T) {
	store := session.NewStore()
	sink := &fakeSink{}
	s := New(0, 1, store, sink, nil, false, false, nil, nil)
	s.state = Open

	f := &wire.Frame{Header: wire.Header{Opcode: wire.DcpStreamEnd, VBucket: 0}, Extras: []byte{0, 0, 0, 0}}
	require.NoError(t, s.HandleFrame(f, f.Size()))
	assert.Equal(t, Ended, s.State())
	assert.Equal(t, []EndReason{EndOK}, sink.streamEnds)
}

func TestStreamDropWithoutServerEndReportsChannelDropped(t *testing.T) {
	store := session.NewStore()
	sink := &fakeSink{}
	s := New(0, 1, store, sink, nil, false, false, nil, nil)
	s.state = Open

	s.Drop()
	assert.Equal(t, Ended, s.State())
	assert.Equal(t, []EndReason{EndChannelDropped}, sink.streamEnds)
}

func TestStreamSystemEventAppliesManifestUidAndIds(t *testing.T) {
	store := session.NewStore()
	sink := &fakeSink{}
	var delivered []CollectionsEvent
	filter := func(e CollectionsEvent) bool {
		delivered = append(delivered, e)
		return true
	}
	s := New(0, 1, store, sink, nil, true, false, filter, nil)
	s.state = Open

	extras := marshalSystemEventExtrasForTest(77, wire.SystemEventCreateCollection)
	value := marshalSystemEventValueForTest(9001, 42)
	f := &wire.Frame{
		Header: wire.Header{Opcode: wire.DcpSystemEvent, VBucket: 0},
		Extras: extras,
		Key:    []byte("my-collection"),
		Value:  value,
	}
	require.NoError(t, s.HandleFrame(f, f.Size()))

	assert.Equal(t, uint64(9001), store.Get(0).CollectionsManifestUid, "manifest uid must be applied to session state")
	require.Len(t, delivered, 1)
	assert.Equal(t, uint32(42), delivered[0].CollID)
	assert.Equal(t, uint64(9001), delivered[0].ManifestUid)
	assert.Equal(t, "my-collection", delivered[0].Name)
}

func TestStreamSystemEventWithoutValueSkipsManifestUidApplication(t *testing.T) {
	store := session.NewStore()
	sink := &fakeSink{}
	s := New(0, 1, store, sink, nil, false, false, nil, nil)
	s.state = Open

	extras := marshalSystemEventExtrasForTest(1, wire.SystemEventCreateScope)
	f := &wire.Frame{Header: wire.Header{Opcode: wire.DcpSystemEvent, VBucket: 0}, Extras: extras}
	require.NoError(t, s.HandleFrame(f, f.Size()))

	assert.Equal(t, uint64(0), store.Get(0).CollectionsManifestUid)
	assert.Equal(t, uint64(1), store.Get(0).Seqno)
}

func marshalSystemEventExtrasForTest(bySeqno uint64, typ wire.SystemEventType) []byte {
	buf := make([]byte, 13)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(bySeqno >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		buf[11-i] = byte(uint32(typ) >> (8 * i))
	}
	return buf
}

func marshalSystemEventValueForTest(manifestUid uint64, id uint32) []byte {
	buf := make([]byte, 12)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(manifestUid >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		buf[11-i] = byte(id >> (8 * i))
	}
	return buf
}

func marshalMutationExtrasForTest(bySeqno uint64) []byte {
	buf := make([]byte, 28)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(bySeqno >> (8 * i))
	}
	return buf
}
