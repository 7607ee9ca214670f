package session

// Infinity is the wire-level "no end" sentinel for StreamRequest.EndSeqno.
const Infinity uint64 = 0xFFFFFFFFFFFFFFFF

// StreamRequest is the tuple sent to the server to open a vbucket
// stream (spec.md §3).
type StreamRequest struct {
	VBucketUUID   uint64
	StartSeqno    uint64
	EndSeqno      uint64
	SnapshotStart uint64
	SnapshotEnd   uint64
}

// BuildResumeRequest computes the StreamRequest parameters from a
// vbucket's current state, per spec.md §4.8: vbuuid from the newest
// failover log entry (0 if empty), start = seqno, snapStart/snapEnd
// from state, end = the caller-supplied bound (a NOW snapshot or
// Infinity).
func BuildResumeRequest(s State, end uint64) StreamRequest {
	return StreamRequest{
		VBucketUUID:   s.CurrentVBUUID(),
		StartSeqno:    s.Seqno,
		EndSeqno:      end,
		SnapshotStart: s.Dcp_snapshot_seqno,
		SnapshotEnd:   s.Dcp_snapshot_end_seqno,
	}
}

// ApplyRollback implements the rollback resolution algorithm of
// spec.md §4.8: search the failover log for the newest entry whose
// seqno is ≤ the server's requested rollback point, adopt its vbuuid,
// and collapse seqno/snapStart/snapEnd to the rollback point. If no
// entry qualifies, the result is a rollback to zero (vbuuid 0, all
// offsets 0, failover log cleared).
func ApplyRollback(s State, rollbackTo uint64) State {
	next := s.clone()
	next.Seqno = rollbackTo
	next.Dcp_snapshot_seqno = rollbackTo
	next.Dcp_snapshot_end_seqno = rollbackTo

	for _, entry := range s.FailoverLog {
		if entry.Seqno <= rollbackTo {
			next.FailoverLog = trimFailoverLogFrom(s.FailoverLog, entry)
			return next
		}
	}

	// No entry matches: rollback to zero.
	next.Seqno = 0
	next.Dcp_snapshot_seqno = 0
	next.Dcp_snapshot_end_seqno = 0
	next.FailoverLog = nil
	return next
}

// trimFailoverLogFrom returns the suffix of the failover log starting
// at the matched entry — the entries strictly newer than it no longer
// describe a valid generation for the rolled-back offset.
func trimFailoverLogFrom(log []FailoverEntry, from FailoverEntry) []FailoverEntry {
	for i, e := range log {
		if e == from {
			return append([]FailoverEntry(nil), log[i:]...)
		}
	}
	return append([]FailoverEntry(nil), log...)
}

// IsRollbackToZero reports whether a rolled-back state has an empty
// failover log, i.e. the client must start over "from beginning".
func (s State) IsRollbackToZero() bool {
	return len(s.FailoverLog) == 0 && s.Seqno == 0
}
