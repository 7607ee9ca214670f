// Package stream implements the per-vbucket DCP stream state machine
// described in spec.md §4.5: IDLE → OPENING → OPEN → ENDED, with
// ROLLING_BACK as a transient side state entered from OPENING when the
// server answers ROLLBACK, and left to OPENING (resume) or ENDED (veto).
package stream

import "github.com/couchbase/dcpclient/session"

// State is a vbucket stream's position in its lifecycle.
type State int

const (
	Idle State = iota
	Opening
	Open
	RollingBack
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Opening:
		return "OPENING"
	case Open:
		return "OPEN"
	case RollingBack:
		return "ROLLING_BACK"
	case Ended:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// EndReason classifies why a stream reached ENDED, mirroring the
// StreamEndReason values a real DCP_STREAM_END frame carries.
type EndReason uint32

const (
	EndOK              EndReason = 0x00
	EndClosed          EndReason = 0x01
	EndStateChanged    EndReason = 0x02
	EndDisconnected    EndReason = 0x03
	EndTooSlow         EndReason = 0x04
	EndBackfillFail    EndReason = 0x05
	EndRollback        EndReason = 0x06
	EndFilterEmpty     EndReason = 0x07
	EndLostPrivileges  EndReason = 0x08
	EndChannelDropped  EndReason = 0xff // synthetic: not a wire value, raised locally on channel loss
)

// Retryable reports whether the Conductor should auto-reopen a stream
// that ended with this reason. Only EndOK is terminal (spec.md §4.5).
func (r EndReason) Retryable() bool { return r != EndOK }

func (r EndReason) String() string {
	switch r {
	case EndOK:
		return "OK"
	case EndClosed:
		return "CLOSED"
	case EndStateChanged:
		return "STATE_CHANGED"
	case EndDisconnected:
		return "DISCONNECTED"
	case EndTooSlow:
		return "TOO_SLOW"
	case EndBackfillFail:
		return "BACKFILL_FAIL"
	case EndRollback:
		return "ROLLBACK"
	case EndFilterEmpty:
		return "FILTER_EMPTY"
	case EndLostPrivileges:
		return "LOST_PRIVILEGES"
	case EndChannelDropped:
		return "CHANNEL_DROPPED"
	default:
		return "UNKNOWN"
	}
}

// Mutation is a delivered DCP_MUTATION event.
type Mutation struct {
	VBucket    uint16
	Key        []byte
	Value      []byte
	Cas        uint64
	BySeqno    uint64
	RevSeqno   uint64
	Flags      uint32
	Expiration uint32
	Datatype   uint8

	// Ack is set by the owning channel and returns flow-control credit
	// for this frame's bytes. Each call credits the bytes again, so call
	// it at most once per event; it is nil when the stream was built
	// without an ack maker, and a no-op when flow control is off.
	Ack func()
}

// FlowControlAck returns flow-control credit for this event, the
// default action of DatabaseChangeListener.OnMutation.
func (m Mutation) FlowControlAck() {
	if m.Ack != nil {
		m.Ack()
	}
}

// Deletion is a delivered DCP_DELETION or DCP_EXPIRATION event.
type Deletion struct {
	VBucket    uint16
	Key        []byte
	Value      []byte
	Cas        uint64
	BySeqno    uint64
	RevSeqno   uint64
	DeleteTime uint32
	Expired    bool
	Ack        func()
}

func (d Deletion) FlowControlAck() {
	if d.Ack != nil {
		d.Ack()
	}
}

// CollectionsEvent is a delivered scope/collection lifecycle event
// carried by DCP_SYSTEM_EVENT.
type CollectionsEvent struct {
	VBucket    uint16
	BySeqno    uint64
	ScopeID    uint32
	ScopeName  string
	CollID     uint32
	Name       string
	ManifestUid uint64
}

// SnapshotEvent is a delivered DCP_SNAPSHOT_MARKER.
type SnapshotEvent struct {
	VBucket uint16
	Start   uint64
	End     uint64
	Disk    bool
	Memory  bool
}

// Rollback is offered to the listener when the server rejects a
// stream open with ROLLBACK. Resume (the default) re-issues the
// stream request built from the mitigated SessionState; Veto declines
// to retry at all, per SPEC_FULL.md §4.5's resolution of spec.md §9's
// open question.
type Rollback struct {
	VBucket       uint16
	RollbackSeqno uint64
	resumeFn      func()
	vetoFn        func()
}

func (r Rollback) Resume() {
	if r.resumeFn != nil {
		r.resumeFn()
	}
}

func (r Rollback) Veto() {
	if r.vetoFn != nil {
		r.vetoFn()
	}
}

// NewRollback is used by the stream package's own state machine to
// construct the value handed to the listener.
func NewRollback(vbno uint16, rollbackSeqno uint64, resumeFn, vetoFn func()) Rollback {
	return Rollback{VBucket: vbno, RollbackSeqno: rollbackSeqno, resumeFn: resumeFn, vetoFn: vetoFn}
}

// Sink receives every event a Stream produces. The dcp package
// implements it to bridge onto the host's DatabaseChangeListener.
type Sink interface {
	Mutation(Mutation)
	Deletion(Deletion)
	SeqnoAdvanced(vbno uint16, seqno uint64)
	SystemEvent(kind SystemEventKind, e CollectionsEvent)
	Rollback(Rollback)
	Snapshot(SnapshotEvent)
	FailoverLog(vbno uint16, log []session.FailoverEntry)
	StreamEnd(vbno uint16, reason EndReason)
	Failure(vbno uint16, err error)
}

// SystemEventKind distinguishes the five collections lifecycle hooks.
type SystemEventKind int

const (
	ScopeCreated SystemEventKind = iota
	ScopeDropped
	CollectionCreated
	CollectionDropped
	CollectionFlushed
)
