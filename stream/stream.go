package stream

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/couchbase/dcpclient/errs"
	"github.com/couchbase/dcpclient/session"
	"github.com/couchbase/dcpclient/wire"
)

// datatypeSnappy is the DCP datatype bit indicating the value is
// SNAPPY-compressed on the wire (spec.md §9's SNAPPY feature note).
const datatypeSnappy = 0x02

// inflate decompresses v when the datatype byte carries the SNAPPY bit
// and SNAPPY was negotiated for this channel; otherwise it returns v
// unchanged.
func inflate(snappyEnabled bool, datatype uint8, v []byte) ([]byte, error) {
	if !snappyEnabled || datatype&datatypeSnappy == 0 || len(v) == 0 {
		return v, nil
	}
	out, err := snappy.Decode(nil, v)
	if err != nil {
		return nil, errors.Wrap(err, "dcpclient/stream: snappy decode")
	}
	return out, nil
}

// CollectionsFilter reports whether a scope/collection lifecycle event
// should be delivered to the listener — the default filter admits
// everything a collections-aware client observes.
type CollectionsFilter func(CollectionsEvent) bool

func AllowAll(CollectionsEvent) bool { return true }

// Sender writes a frame on the owning channel's connection. It is
// supplied by the channel package; Stream stores it but sends nothing
// through it, and the owning channel sends the frames Stream builds
// (BuildOpenFrame, CloseFrame).
type Sender interface {
	Send(*wire.Frame) error
}

// Stream drives one vbucket's state machine. It is not safe for
// concurrent use — the owning channel's single I/O task is its sole
// caller, per spec.md §5.
type Stream struct {
	VBucket uint16
	Opaque  uint32

	state        State
	store        *session.Store
	sink         Sink
	sender       Sender
	collAware    bool
	snappy       bool
	filter       CollectionsFilter
	ackMaker     func(frameLen int) func()
	pending      session.StreamRequest // the request last sent, for rollback retry
}

// New constructs a Stream. ackMaker, given a frame's on-wire byte
// length, returns the flow-control acknowledge closure that mutation
// and deletion events carry (spec.md §4.6); pass nil when flow
// control isn't negotiated. snappyEnabled mirrors whether the owning
// channel negotiated the SNAPPY feature, per SPEC_FULL.md §3.
func New(vbno uint16, opaque uint32, store *session.Store, sink Sink, sender Sender, collectionsAware, snappyEnabled bool, filter CollectionsFilter, ackMaker func(int) func()) *Stream {
	if filter == nil {
		filter = AllowAll
	}
	return &Stream{
		VBucket:   vbno,
		Opaque:    opaque,
		state:     Idle,
		store:     store,
		sink:      sink,
		sender:    sender,
		collAware: collectionsAware,
		snappy:    snappyEnabled,
		filter:    filter,
		ackMaker:  ackMaker,
	}
}

func (s *Stream) State() State { return s.state }

// BuildOpenFrame constructs the DCP_STREAM_REQUEST frame for req and
// transitions IDLE → OPENING. Calling it again while OPENING (rollback
// retry) is allowed and resends with the mitigated request.
func (s *Stream) BuildOpenFrame(req session.StreamRequest) *wire.Frame {
	s.pending = req
	s.state = Opening
	extras := wire.StreamRequestExtras{
		VBucketUUID:   req.VBucketUUID,
		StartSeqno:    req.StartSeqno,
		EndSeqno:      req.EndSeqno,
		SnapshotStart: req.SnapshotStart,
		SnapshotEnd:   req.SnapshotEnd,
	}
	return &wire.Frame{
		Header: wire.Header{
			Request: true,
			Opcode:  wire.DcpStreamRequest,
			VBucket: s.VBucket,
			Opaque:  s.Opaque,
		},
		Extras: extras.Marshal(),
	}
}

// HandleOpenResponse processes the server's reply to DCP_STREAM_REQUEST.
// It returns a non-nil retry frame when the response was ROLLBACK and
// the listener did not veto.
func (s *Stream) HandleOpenResponse(status wire.Status, body []byte) (*wire.Frame, error) {
	if s.state != Opening {
		return nil, errors.Errorf("dcpclient/stream: open response for vb %d while in state %s", s.VBucket, s.state)
	}
	switch status {
	case wire.Success:
		entries, err := wire.ParseFailoverLog(body)
		if err != nil {
			return nil, err
		}
		domainEntries := toSessionEntries(entries)
		s.store.ApplyFailoverLog(s.VBucket, domainEntries)
		s.state = Open
		s.sink.FailoverLog(s.VBucket, domainEntries)
		return nil, nil

	case wire.Rollback:
		rollbackTo, err := wire.ParseRollbackSeqno(body)
		if err != nil {
			return nil, err
		}
		return s.handleRollback(rollbackTo), nil

	default:
		s.state = Ended
		return nil, errors.Errorf("dcpclient/stream: stream open for vb %d failed: %s", s.VBucket, status)
	}
}

func (s *Stream) handleRollback(rollbackTo uint64) *wire.Frame {
	s.state = RollingBack
	current := s.store.Get(s.VBucket)
	mitigated := session.ApplyRollback(current, rollbackTo)

	var retryFrame *wire.Frame
	resume := func() {
		s.store.Set(s.VBucket, mitigated)
		req := session.BuildResumeRequest(mitigated, s.pending.EndSeqno)
		retryFrame = s.BuildOpenFrame(req)
	}
	veto := func() {
		s.state = Ended
		s.sink.Failure(s.VBucket, errs.New(errs.Fatal, errors.Errorf("dcpclient/stream: rollback to %d vetoed for vb %d", rollbackTo, s.VBucket)))
	}

	rb := NewRollback(s.VBucket, rollbackTo, resume, veto)
	s.sink.Rollback(rb)
	// Default policy (spec.md §4.5, SPEC_FULL.md §4.5): resume unless
	// the listener explicitly vetoed by calling Veto() during the
	// Rollback callback above.
	if s.state == RollingBack {
		resume()
	}
	return retryFrame
}

func toSessionEntries(entries []wire.FailoverLogEntry) []session.FailoverEntry {
	out := make([]session.FailoverEntry, len(entries))
	for i, e := range entries {
		out[i] = session.FailoverEntry{VBucketUUID: e.VBucketUUID, Seqno: e.Seqno}
	}
	return out
}

// HandleFrame dispatches one OPEN-state frame belonging to this
// stream. frameLen is the frame's total on-wire size, used to build
// the flow-control ack closure.
func (s *Stream) HandleFrame(f *wire.Frame, frameLen int) error {
	if s.state != Open {
		return errors.Errorf("dcpclient/stream: frame %s for vb %d while in state %s", f.Opcode, s.VBucket, s.state)
	}
	switch f.Opcode {
	case wire.DcpSnapshotMarker:
		return s.handleSnapshotMarker(f)
	case wire.DcpMutation:
		return s.handleMutation(f, frameLen)
	case wire.DcpDeletion, wire.DcpExpiration:
		return s.handleDeletion(f, frameLen)
	case wire.DcpSeqnoAdvanced:
		return s.handleSeqnoAdvanced(f)
	case wire.DcpSystemEvent:
		return s.handleSystemEvent(f)
	case wire.DcpOsoSnapshot:
		return nil // pass-through: OSO ordering is a delivery-order concern, not state
	case wire.DcpStreamEnd:
		return s.handleStreamEnd(f)
	default:
		return errors.Errorf("dcpclient/stream: unexpected opcode %s for vb %d in OPEN state", f.Opcode, s.VBucket)
	}
}

func (s *Stream) handleSnapshotMarker(f *wire.Frame) error {
	m, err := wire.ParseSnapshotMarkerExtras(f.Extras)
	if err != nil {
		return err
	}
	s.store.ApplySnapshotMarker(s.VBucket, m.Start, m.End)
	s.sink.Snapshot(SnapshotEvent{
		VBucket: s.VBucket,
		Start:   m.Start,
		End:     m.End,
		Disk:    m.Flags.Has(wire.SnapshotDisk),
		Memory:  m.Flags.Has(wire.SnapshotMemory),
	})
	return nil
}

// inSnapshotWindow enforces spec.md §4.5's edge case: a mutation
// outside the current snapshot window is a protocol violation and
// fatal for the channel.
func (s *Stream) inSnapshotWindow(bySeqno uint64) bool {
	cur := s.store.Get(s.VBucket)
	return bySeqno >= cur.Dcp_snapshot_seqno && bySeqno <= cur.Dcp_snapshot_end_seqno
}

func (s *Stream) handleMutation(f *wire.Frame, frameLen int) error {
	ext, err := wire.ParseMutationExtras(f.Extras)
	if err != nil {
		return err
	}
	if !s.inSnapshotWindow(ext.BySeqno) {
		return errors.Errorf("dcpclient/stream: mutation bySeqno %d outside snapshot window for vb %d", ext.BySeqno, s.VBucket)
	}
	value, err := inflate(s.snappy, f.DataType, f.Value)
	if err != nil {
		return err
	}
	s.store.AdvanceSeqno(s.VBucket, ext.BySeqno)
	s.sink.Mutation(Mutation{
		VBucket:    s.VBucket,
		Key:        f.Key,
		Value:      value,
		Cas:        f.Cas,
		BySeqno:    ext.BySeqno,
		RevSeqno:   ext.RevSeqno,
		Flags:      ext.Flags,
		Expiration: ext.Expiration,
		Datatype:   f.DataType,
		Ack:        s.ack(frameLen),
	})
	return nil
}

func (s *Stream) handleDeletion(f *wire.Frame, frameLen int) error {
	ext, err := wire.ParseDeletionExtras(f.Extras)
	if err != nil {
		return err
	}
	if !s.inSnapshotWindow(ext.BySeqno) {
		return errors.Errorf("dcpclient/stream: deletion bySeqno %d outside snapshot window for vb %d", ext.BySeqno, s.VBucket)
	}
	value, err := inflate(s.snappy, f.DataType, f.Value)
	if err != nil {
		return err
	}
	s.store.AdvanceSeqno(s.VBucket, ext.BySeqno)
	s.sink.Deletion(Deletion{
		VBucket:    s.VBucket,
		Key:        f.Key,
		Value:      value,
		Cas:        f.Cas,
		BySeqno:    ext.BySeqno,
		RevSeqno:   ext.RevSeqno,
		DeleteTime: ext.DeleteTime,
		Expired:    f.Opcode == wire.DcpExpiration,
		Ack:        s.ack(frameLen),
	})
	return nil
}

// handleSeqnoAdvanced advances the checkpoint without delivering a
// change: the sink sees only SeqnoAdvanced, never a mutation. Per
// spec.md §4.5 it exists so a purge seqno passing the
// consumer's checkpoint doesn't force a rollback-to-zero.
func (s *Stream) handleSeqnoAdvanced(f *wire.Frame) error {
	seqno, err := wire.ParseSeqnoAdvancedExtras(f.Extras)
	if err != nil {
		return err
	}
	s.store.AdvanceSeqno(s.VBucket, seqno)
	s.sink.SeqnoAdvanced(s.VBucket, seqno)
	return nil
}

// handleSystemEvent parses the SYSTEM_EVENT extras for the seqno
// checkpoint and the frame's value for the manifest uid and
// scope/collection id every subtype carries (value[0:8] manifest uid
// big-endian, value[8:12] id big-endian, uniform across
// CollectionCreate/Drop/Flush and ScopeCreate/Drop). The manifest uid
// is applied to SessionState regardless of collections-awareness,
// since it is a checkpoint field (spec.md §3), not a listener event.
func (s *Stream) handleSystemEvent(f *wire.Frame) error {
	ext, err := wire.ParseSystemEventExtras(f.Extras)
	if err != nil {
		return err
	}
	s.store.AdvanceSeqno(s.VBucket, ext.BySeqno)

	manifestUid, id, haveIds := parseSystemEventValue(f.Value)
	if haveIds {
		s.store.ApplyManifestUid(s.VBucket, manifestUid)
	}

	if !s.collAware {
		return nil
	}
	evt := CollectionsEvent{
		VBucket:     s.VBucket,
		BySeqno:     ext.BySeqno,
		Name:        string(f.Key),
		ManifestUid: manifestUid,
	}
	var kind SystemEventKind
	switch ext.Type {
	case wire.SystemEventCreateScope:
		kind = ScopeCreated
		evt.ScopeID = id
	case wire.SystemEventDropScope:
		kind = ScopeDropped
		evt.ScopeID = id
	case wire.SystemEventCreateCollection:
		kind = CollectionCreated
		evt.CollID = id
	case wire.SystemEventDropCollection:
		kind = CollectionDropped
		evt.CollID = id
	case wire.SystemEventFlushCollection:
		kind = CollectionFlushed
		evt.CollID = id
	default:
		return errors.Errorf("dcpclient/stream: unknown system event type %d for vb %d", ext.Type, s.VBucket)
	}
	if !s.filter(evt) {
		return nil
	}
	s.sink.SystemEvent(kind, evt)
	return nil
}

// parseSystemEventValue extracts the manifest uid and scope/collection
// id from a SYSTEM_EVENT frame's value, per the server's uniform
// layout across every subtype. ok is false for a short or absent value
// (e.g. a test frame with no value set).
func parseSystemEventValue(v []byte) (manifestUid uint64, id uint32, ok bool) {
	if len(v) < 12 {
		return 0, 0, false
	}
	return beUint64(v), beUint32(v[8:12]), true
}

func (s *Stream) handleStreamEnd(f *wire.Frame) error {
	reason := EndOK
	if len(f.Extras) == 4 {
		reason = EndReason(beUint32(f.Extras))
	}
	s.state = Ended
	s.sink.StreamEnd(s.VBucket, reason)
	return nil
}

// Drop forces the stream to ENDED without a server STREAM_END, used
// when the owning channel is torn down (spec.md §4.5 "channel drop").
func (s *Stream) Drop() {
	if s.state == Ended {
		return
	}
	s.state = Ended
	s.sink.StreamEnd(s.VBucket, EndChannelDropped)
}

// CloseFrame builds a DCP_CLOSE_STREAM request for a host-requested close.
func (s *Stream) CloseFrame() *wire.Frame {
	return &wire.Frame{
		Header: wire.Header{
			Request: true,
			Opcode:  wire.DcpCloseStream,
			VBucket: s.VBucket,
			Opaque:  s.Opaque,
		},
	}
}

func (s *Stream) ack(frameLen int) func() {
	if s.ackMaker == nil {
		return nil
	}
	return s.ackMaker(frameLen)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b[:8] {
		v = v<<8 | uint64(x)
	}
	return v
}
