// Package session owns the per-vbucket SessionState: the resumable
// checkpoint a Stream needs to reopen without gaps or duplicates
// (spec.md §3, §4.8). SessionState crosses the Conductor/Stream
// boundary, so every read and mutation goes through the lock in Store.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MaxFailoverLogEntries is the server-side cap on failover log length
// (spec.md §3).
const MaxFailoverLogEntries = 25

// FailoverEntry is one (vbuuid, seqno) pair in a vbucket's failover
// log, newest first.
type FailoverEntry struct {
	VBucketUUID uint64 `json:"vbuuid"`
	Seqno       uint64 `json:"seqno"`
}

// State is the checkpoint for a single vbucket. Field names follow
// the teacher's metadata.CheckpointRecord convention
// (Failover_uuid/Seqno/Dcp_snapshot_seqno/Dcp_snapshot_end_seqno) so a
// host serializing this snapshot to its own store recognizes the
// shape.
type State struct {
	Failover_uuid              uint64          `json:"failover_uuid"`
	Seqno                      uint64          `json:"seqno"`
	Dcp_snapshot_seqno         uint64          `json:"dcp_snapshot_seqno"`
	Dcp_snapshot_end_seqno     uint64          `json:"dcp_snapshot_end_seqno"`
	FailoverLog                []FailoverEntry `json:"failover_log"`
	CollectionsManifestUid     uint64          `json:"collections_manifest_uid"`
}

// Validate checks the stable-checkpoint invariant from spec.md §3:
// snapshotStart ≤ seqno ≤ snapshotEnd.
func (s State) Validate() error {
	if s.Dcp_snapshot_seqno > s.Seqno || s.Seqno > s.Dcp_snapshot_end_seqno {
		return fmt.Errorf("dcpclient/session: invariant violated: snapshotStart=%d seqno=%d snapshotEnd=%d",
			s.Dcp_snapshot_seqno, s.Seqno, s.Dcp_snapshot_end_seqno)
	}
	return nil
}

func (s State) clone() State {
	out := s
	if s.FailoverLog != nil {
		out.FailoverLog = append([]FailoverEntry(nil), s.FailoverLog...)
	}
	return out
}

// CurrentVBUUID returns the vbuuid the stream should currently claim:
// the newest failover log entry, or 0 if the log is empty (never
// streamed).
func (s State) CurrentVBUUID() uint64 {
	if len(s.FailoverLog) == 0 {
		return 0
	}
	return s.FailoverLog[0].VBucketUUID
}

// Snapshot is the host-facing, JSON-serializable form of the entire
// session: one State per vbucket. The core exposes this canonical
// shape and round-trips it, per spec.md §6.
type Snapshot map[uint16]State

func (s Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

func Unmarshal(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Store is the concurrency-safe home for every vbucket's SessionState.
// A Stream is the sole writer for its vbucket while it is open; the
// Conductor only reads, except when explicitly quiescing a vbucket
// (spec.md §5).
type Store struct {
	mu     sync.RWMutex
	states map[uint16]*State
}

func NewStore() *Store {
	return &Store{states: make(map[uint16]*State)}
}

// Get returns a copy of the vbucket's current state, creating an
// empty one lazily on first access (spec.md §3 lifecycle).
func (st *Store) Get(vbno uint16) State {
	st.mu.RLock()
	s, ok := st.states[vbno]
	st.mu.RUnlock()
	if ok {
		return s.clone()
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok = st.states[vbno]; ok {
		return s.clone()
	}
	s = &State{}
	st.states[vbno] = s
	return s.clone()
}

// Set overwrites a vbucket's state wholesale, used to install the
// result of ApplyRollback and to seed a vbucket's start offset.
func (st *Store) Set(vbno uint16, s State) {
	cloned := s.clone()
	st.mu.Lock()
	st.states[vbno] = &cloned
	st.mu.Unlock()
}

// Clear resets a vbucket's state to empty, per the caller-requested or
// rollback-to-zero lifecycle path in spec.md §3.
func (st *Store) Clear(vbno uint16) {
	st.mu.Lock()
	st.states[vbno] = &State{}
	st.mu.Unlock()
}

// AdvanceSeqno records a delivered event's offset. It sets Seqno only
// and does not check it against the snapshot window; the stream checks
// mutations and deletions against the window before calling it. It is
// the single mutation path used on every
// MUTATION/DELETION/SEQNO_ADVANCED/SYSTEM_EVENT.
func (st *Store) AdvanceSeqno(vbno uint16, seqno uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.states[vbno]
	if s == nil {
		s = &State{}
		st.states[vbno] = s
	}
	s.Seqno = seqno
}

// ApplySnapshotMarker updates the snapshot window bounds.
func (st *Store) ApplySnapshotMarker(vbno uint16, start, end uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.states[vbno]
	if s == nil {
		s = &State{}
		st.states[vbno] = s
	}
	s.Dcp_snapshot_seqno = start
	s.Dcp_snapshot_end_seqno = end
}

// ApplyFailoverLog replaces the failover log after a successful
// stream open, capping it at MaxFailoverLogEntries per spec.md §3.
func (st *Store) ApplyFailoverLog(vbno uint16, log []FailoverEntry) {
	if len(log) > MaxFailoverLogEntries {
		log = log[:MaxFailoverLogEntries]
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.states[vbno]
	if s == nil {
		s = &State{}
		st.states[vbno] = s
	}
	s.FailoverLog = append([]FailoverEntry(nil), log...)
}

// ApplyManifestUid records the last-applied collections manifest id.
func (st *Store) ApplyManifestUid(vbno uint16, uid uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.states[vbno]
	if s == nil {
		s = &State{}
		st.states[vbno] = s
	}
	s.CollectionsManifestUid = uid
}

// Snapshot returns the host-facing serializable copy of every vbucket
// this store has ever touched.
func (st *Store) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(Snapshot, len(st.states))
	for vbno, s := range st.states {
		out[vbno] = s.clone()
	}
	return out
}

// Restore replaces the store's contents wholesale from a host-provided
// snapshot, per spec.md §6 restoreSessionState.
func (st *Store) Restore(snap Snapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.states = make(map[uint16]*State, len(snap))
	for vbno, s := range snap {
		cloned := s.clone()
		st.states[vbno] = &cloned
	}
}
