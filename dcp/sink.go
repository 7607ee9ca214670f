package dcp

import (
	"github.com/couchbase/dcpclient/conductor"
	"github.com/couchbase/dcpclient/rollback"
	"github.com/couchbase/dcpclient/session"
	"github.com/couchbase/dcpclient/stream"
)

// bridgeSink implements stream.Sink and fans every Stream event out to
// the host's DatabaseChangeListener, applying the configured
// FlowControlMode and, when enabled, interposing the rollback
// mitigation buffer ahead of Mutation/Deletion delivery.
type bridgeSink struct {
	listener  DatabaseChangeListener
	flowMode  FlowControlMode
	mitigator *rollback.Mitigator
	cond      *conductor.Conductor
}

func (b *bridgeSink) Mutation(m stream.Mutation) {
	if b.mitigator != nil {
		b.mitigator.BufferMutation(m)
		return
	}
	b.deliverMutation(m)
}

func (b *bridgeSink) Deletion(d stream.Deletion) {
	if b.mitigator != nil {
		b.mitigator.BufferDeletion(d)
		return
	}
	b.deliverDeletion(d)
}

func (b *bridgeSink) deliverMutation(m stream.Mutation) {
	switch b.flowMode {
	case AutoAck:
		m.FlowControlAck()
		b.listener.OnMutation(m)
	case AutoAckAfterCallback:
		b.listener.OnMutation(m)
		m.FlowControlAck()
	default: // ManualAck
		b.listener.OnMutation(m)
	}
}

func (b *bridgeSink) deliverDeletion(d stream.Deletion) {
	switch b.flowMode {
	case AutoAck:
		d.FlowControlAck()
		b.listener.OnDeletion(d)
	case AutoAckAfterCallback:
		b.listener.OnDeletion(d)
		d.FlowControlAck()
	default:
		b.listener.OnDeletion(d)
	}
}

func (b *bridgeSink) SeqnoAdvanced(vbno uint16, seqno uint64) {
	b.listener.OnSeqnoAdvanced(vbno, seqno)
}

func (b *bridgeSink) SystemEvent(kind stream.SystemEventKind, e stream.CollectionsEvent) {
	switch kind {
	case stream.ScopeCreated:
		b.listener.OnScopeCreated(e)
	case stream.ScopeDropped:
		b.listener.OnScopeDropped(e)
	case stream.CollectionCreated:
		b.listener.OnCollectionCreated(e)
	case stream.CollectionDropped:
		b.listener.OnCollectionDropped(e)
	case stream.CollectionFlushed:
		b.listener.OnCollectionFlushed(e)
	}
}

func (b *bridgeSink) Rollback(r stream.Rollback) {
	if b.mitigator != nil {
		// Whatever this vbucket had buffered was never confirmed
		// persisted; a rollback means it may never have happened at
		// all, so it is discarded rather than delivered.
		b.mitigator.Discard(r.VBucket)
	}
	b.listener.OnRollback(r)
}

func (b *bridgeSink) Snapshot(e stream.SnapshotEvent) {
	b.listener.OnSnapshot(e)
}

func (b *bridgeSink) FailoverLog(vbno uint16, log []session.FailoverEntry) {
	out := make([]FailoverEntry, len(log))
	for i, e := range log {
		out[i] = FailoverEntry{VBucketUUID: e.VBucketUUID, Seqno: e.Seqno}
	}
	b.listener.OnFailoverLog(vbno, out)
}

func (b *bridgeSink) StreamEnd(vbno uint16, reason stream.EndReason) {
	if b.mitigator != nil {
		b.mitigator.Discard(vbno)
	}
	if b.cond != nil {
		switch {
		case reason == stream.EndStateChanged:
			// Ownership changed; wait for the next ClusterMap arrival
			// rather than guessing at a possibly-stale owner.
			b.cond.OnStreamMigrated(vbno)
		case reason.Retryable():
			b.cond.OnStreamEndedRetryable(vbno)
		}
	}
	b.listener.OnStreamEnd(vbno, reason)
}

func (b *bridgeSink) Failure(vbno uint16, err error) {
	b.listener.OnFailure(vbno, err)
}

// mitigationTarget is the stream.Sink a Mitigator delivers through: it
// only exercises Mutation/Deletion, since those are the only events
// ever buffered.
type mitigationTarget struct {
	b *bridgeSink
}

func (t mitigationTarget) Mutation(m stream.Mutation) { t.b.deliverMutation(m) }
func (t mitigationTarget) Deletion(d stream.Deletion) { t.b.deliverDeletion(d) }
func (t mitigationTarget) SeqnoAdvanced(uint16, uint64) {}
func (t mitigationTarget) SystemEvent(stream.SystemEventKind, stream.CollectionsEvent) {}
func (t mitigationTarget) Rollback(stream.Rollback)                    {}
func (t mitigationTarget) Snapshot(stream.SnapshotEvent)               {}
func (t mitigationTarget) FailoverLog(uint16, []session.FailoverEntry) {}
func (t mitigationTarget) StreamEnd(uint16, stream.EndReason)          {}
func (t mitigationTarget) Failure(uint16, error)                       {}
