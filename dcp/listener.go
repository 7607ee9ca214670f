package dcp

import "github.com/couchbase/dcpclient/stream"

// DatabaseChangeListener receives every event the client observes.
// Only OnFailure is required; embedding BaseListener supplies the
// defaults spec.md §9 asks for: onMutation/onDeletion auto-ack, the
// collections hooks are no-ops, onRollback resumes.
type DatabaseChangeListener interface {
	OnMutation(stream.Mutation)
	OnDeletion(stream.Deletion)
	OnSeqnoAdvanced(vbno uint16, seqno uint64)
	OnScopeCreated(stream.CollectionsEvent)
	OnScopeDropped(stream.CollectionsEvent)
	OnCollectionCreated(stream.CollectionsEvent)
	OnCollectionDropped(stream.CollectionsEvent)
	OnCollectionFlushed(stream.CollectionsEvent)
	OnRollback(stream.Rollback)
	OnSnapshot(stream.SnapshotEvent)
	OnFailoverLog(vbno uint16, log []FailoverEntry)
	OnStreamEnd(vbno uint16, reason stream.EndReason)
	OnFailure(vbno uint16, err error)
}

// FailoverEntry mirrors session.FailoverEntry at the host boundary so
// callers implementing DatabaseChangeListener don't need to import the
// session package for this one type.
type FailoverEntry struct {
	VBucketUUID uint64
	Seqno       uint64
}

// BaseListener implements every hook except OnFailure with the default
// behavior the source's DatabaseChangeListener.java gives them.
// Embed it and override only the hooks a listener cares about; OnFailure
// must still be supplied since Go has no default interface methods.
type BaseListener struct{}

func (BaseListener) OnMutation(m stream.Mutation) { m.FlowControlAck() }
func (BaseListener) OnDeletion(d stream.Deletion) { d.FlowControlAck() }
func (BaseListener) OnSeqnoAdvanced(uint16, uint64)          {}
func (BaseListener) OnScopeCreated(stream.CollectionsEvent)  {}
func (BaseListener) OnScopeDropped(stream.CollectionsEvent)  {}
func (BaseListener) OnCollectionCreated(stream.CollectionsEvent) {}
func (BaseListener) OnCollectionDropped(stream.CollectionsEvent) {}
func (BaseListener) OnCollectionFlushed(stream.CollectionsEvent) {}
func (BaseListener) OnRollback(r stream.Rollback)            { r.Resume() }
func (BaseListener) OnSnapshot(stream.SnapshotEvent)         {}
func (BaseListener) OnFailoverLog(uint16, []FailoverEntry)   {}
func (BaseListener) OnStreamEnd(uint16, stream.EndReason)    {}

// FlowControlMode selects when Mutation/Deletion acks are returned to
// the server, mirroring the Java client's three listener modes.
type FlowControlMode int

const (
	// AutoAck acknowledges every frame's bytes as soon as it is decoded,
	// before the listener even sees it.
	AutoAck FlowControlMode = iota
	// AutoAckAfterCallback acknowledges only after the listener's hook
	// returns, so a slow listener throttles the server.
	AutoAckAfterCallback
	// ManualAck leaves crediting entirely to the listener calling
	// Mutation.Ack()/Deletion.Ack() itself.
	ManualAck
)
