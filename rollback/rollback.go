// Package rollback implements the persistence-based delivery
// mitigation of spec.md §4.7: events are withheld from the listener
// until they are known to be persisted on the node the Poller
// observes (the vbucket's active owner), so a subsequent rollback can
// never expose an item the application already believed durable. The
// number of copies is not configurable; replicas are not consulted.
package rollback

import (
	"sort"
	"sync"

	"github.com/couchbase/dcpclient/stream"
)

// PersistedSeqnoSource reports the most recently observed persisted
// seqno for a vbucket, as maintained by a Poller.
type PersistedSeqnoSource interface {
	Persisted(vbno uint16) (uint64, bool)
}

// PersistedSeqnoTracker is the concurrency-safe P[v] table a
// Poller writes and a Mitigator reads.
type PersistedSeqnoTracker struct {
	mu   sync.RWMutex
	seqs map[uint16]uint64
}

func NewPersistedSeqnoTracker() *PersistedSeqnoTracker {
	return &PersistedSeqnoTracker{seqs: make(map[uint16]uint64)}
}

// Observe records a new persisted-seqno reading. Readings never move
// backwards for a vbucket within one session.
func (t *PersistedSeqnoTracker) Observe(vbno uint16, seqno uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.seqs[vbno]; !ok || seqno > cur {
		t.seqs[vbno] = seqno
	}
}

func (t *PersistedSeqnoTracker) Persisted(vbno uint16) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seqno, ok := t.seqs[vbno]
	return seqno, ok
}

// Clear drops a vbucket's tracked persisted seqno; Persisted then
// reports no reading for it until the next Observe.
func (t *PersistedSeqnoTracker) Clear(vbno uint16) {
	t.mu.Lock()
	delete(t.seqs, vbno)
	t.mu.Unlock()
}

type bufferedEvent struct {
	bySeqno  uint64
	mutation *stream.Mutation
	deletion *stream.Deletion
}

// Mitigator interposes a per-vbucket FIFO ring buffer between a
// Stream and the listener. BufferMutation and BufferDeletion, called
// for every mutation and deletion, and Release, called whenever the
// persisted-seqno tracker advances, together implement spec.md §4.7's
// release task.
type Mitigator struct {
	mu       sync.Mutex
	persisted PersistedSeqnoSource
	sink     stream.Sink
	buffers  map[uint16][]bufferedEvent
}

func NewMitigator(persisted PersistedSeqnoSource, sink stream.Sink) *Mitigator {
	return &Mitigator{persisted: persisted, sink: sink, buffers: make(map[uint16][]bufferedEvent)}
}

// BufferMutation queues a mutation instead of delivering it directly;
// call Release afterward (or let a poller call it) to flush anything
// now eligible.
func (m *Mitigator) BufferMutation(evt stream.Mutation) {
	m.mu.Lock()
	m.buffers[evt.VBucket] = insertSorted(m.buffers[evt.VBucket], bufferedEvent{bySeqno: evt.BySeqno, mutation: &evt})
	m.mu.Unlock()
}

func (m *Mitigator) BufferDeletion(evt stream.Deletion) {
	m.mu.Lock()
	m.buffers[evt.VBucket] = insertSorted(m.buffers[evt.VBucket], bufferedEvent{bySeqno: evt.BySeqno, deletion: &evt})
	m.mu.Unlock()
}

func insertSorted(buf []bufferedEvent, e bufferedEvent) []bufferedEvent {
	i := sort.Search(len(buf), func(i int) bool { return buf[i].bySeqno >= e.bySeqno })
	buf = append(buf, bufferedEvent{})
	copy(buf[i+1:], buf[i:])
	buf[i] = e
	return buf
}

// Release drains every buffered event for vbno whose bySeqno is now
// ≤ the tracked persisted seqno, delivering them to the sink in
// ascending order. This is the invariant of spec.md §4.7: every event
// delivered under mitigation satisfies bySeqno ≤ persistedSeqno at
// the moment of delivery.
func (m *Mitigator) Release(vbno uint16) {
	persisted, ok := m.persisted.Persisted(vbno)
	if !ok {
		return
	}
	m.mu.Lock()
	buf := m.buffers[vbno]
	i := 0
	for ; i < len(buf); i++ {
		if buf[i].bySeqno > persisted {
			break
		}
	}
	ready := buf[:i]
	m.buffers[vbno] = buf[i:]
	m.mu.Unlock()

	for _, e := range ready {
		switch {
		case e.mutation != nil:
			m.sink.Mutation(*e.mutation)
		case e.deletion != nil:
			m.sink.Deletion(*e.deletion)
		}
	}
}

// Discard clears vbno's buffer without delivering anything, per
// spec.md §4.7's "on channel drop or topology change, cleared without
// delivery" rule — this is the rollback-avoidance property itself.
func (m *Mitigator) Discard(vbno uint16) {
	m.mu.Lock()
	delete(m.buffers, vbno)
	m.mu.Unlock()
}

// Pending returns the number of buffered-but-undelivered events for a
// vbucket, for diagnostics and tests.
func (m *Mitigator) Pending(vbno uint16) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers[vbno])
}
