package conductor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbase/dcpclient/errs"
	"github.com/couchbase/dcpclient/session"
)

type fakeChannel struct {
	mu      sync.Mutex
	node    Node
	closed  bool
	opened  map[uint16]session.StreamRequest
	closedS map[uint16]bool
}

func newFakeChannel(n Node) *fakeChannel {
	return &fakeChannel{node: n, opened: make(map[uint16]session.StreamRequest), closedS: make(map[uint16]bool)}
}

func (f *fakeChannel) Node() Node { return f.node }

func (f *fakeChannel) OpenStream(vbno uint16, req session.StreamRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened[vbno] = req
	return nil
}

func (f *fakeChannel) CloseStream(vbno uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedS[vbno] = true
	return nil
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeFactory struct {
	mu       sync.Mutex
	channels map[Node]*fakeChannel
	opens    int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{channels: make(map[Node]*fakeChannel)}
}

func (f *fakeFactory) open(n Node) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	ch := newFakeChannel(n)
	f.channels[n] = ch
	return ch, nil
}

func TestConductorOpensChannelsForOwningNodes(t *testing.T) {
	factory := newFakeFactory()
	interested := []uint16{0, 1, 2, 3}
	c := New(factory.open, session.NewStore(), interested, nil, nil)

	nodeA, nodeB := node(11210), node(11211)
	m := ClusterMap{
		Revision:           Revision{Epoch: 1, Number: 1},
		Nodes:              []Node{nodeA, nodeB},
		VBucketToNodeIndex: []int{0, 0, 1, 1},
	}

	c.Reconcile(m)

	require.Len(t, factory.channels, 2)
	chA := factory.channels[nodeA]
	chB := factory.channels[nodeB]
	assert.Contains(t, chA.opened, uint16(0))
	assert.Contains(t, chA.opened, uint16(1))
	assert.Contains(t, chB.opened, uint16(2))
	assert.Contains(t, chB.opened, uint16(3))
}

func TestConductorReconcileIsIdempotent(t *testing.T) {
	factory := newFakeFactory()
	interested := []uint16{0, 1}
	c := New(factory.open, session.NewStore(), interested, nil, nil)

	nodeA := node(11210)
	m := ClusterMap{
		Revision:           Revision{Epoch: 1, Number: 1},
		Nodes:              []Node{nodeA},
		VBucketToNodeIndex: []int{0, 0},
	}

	c.Reconcile(m)
	require.Equal(t, 1, factory.opens)

	c.Reconcile(m)
	assert.Equal(t, 1, factory.opens, "reapplying the same map must not reopen channels")

	chA := factory.channels[nodeA]
	assert.Len(t, chA.opened, 2, "reapplying the same map must not reopen streams")
}

func TestConductorClosesChannelForNodeThatLosesAllVBuckets(t *testing.T) {
	factory := newFakeFactory()
	interested := []uint16{0, 1}
	c := New(factory.open, session.NewStore(), interested, nil, nil)

	nodeA, nodeB := node(11210), node(11211)
	first := ClusterMap{
		Revision:           Revision{Epoch: 1, Number: 1},
		Nodes:              []Node{nodeA, nodeB},
		VBucketToNodeIndex: []int{0, 0},
	}
	c.Reconcile(first)

	second := ClusterMap{
		Revision:           Revision{Epoch: 1, Number: 2},
		Nodes:              []Node{nodeA, nodeB},
		VBucketToNodeIndex: []int{1, 1},
	}
	c.Reconcile(second)

	assert.True(t, factory.channels[nodeA].closed)
	require.Contains(t, factory.channels, nodeB)
	assert.False(t, factory.channels[nodeB].closed)
	assert.Contains(t, factory.channels[nodeB].opened, uint16(0))
	assert.Contains(t, factory.channels[nodeB].opened, uint16(1))
}

func TestConductorMigratesStreamWhenOwnerChanges(t *testing.T) {
	factory := newFakeFactory()
	interested := []uint16{0}
	c := New(factory.open, session.NewStore(), interested, nil, nil)

	nodeA, nodeB := node(11210), node(11211)
	first := ClusterMap{
		Revision:           Revision{Epoch: 1, Number: 1},
		Nodes:              []Node{nodeA, nodeB},
		VBucketToNodeIndex: []int{0},
	}
	c.Reconcile(first)
	assert.Contains(t, factory.channels[nodeA].opened, uint16(0))

	second := ClusterMap{
		Revision:           Revision{Epoch: 1, Number: 2},
		Nodes:              []Node{nodeA, nodeB},
		VBucketToNodeIndex: []int{1},
	}
	c.Reconcile(second)

	assert.True(t, factory.channels[nodeA].closedS[0], "old owner's stream must be closed on migration")
	require.Contains(t, factory.channels, nodeB)
	assert.Contains(t, factory.channels[nodeB].opened, uint16(0))
}

func TestConductorNeverOpensAgainstReplica(t *testing.T) {
	// ClusterMap has no replica concept at all: OwnerOf only ever
	// resolves to the active owner recorded in VBucketToNodeIndex, so a
	// replica-only node can never even appear in desiredChannelsLocked.
	factory := newFakeFactory()
	interested := []uint16{0}
	c := New(factory.open, session.NewStore(), interested, nil, nil)

	active, replica := node(11210), node(11211)
	m := ClusterMap{
		Revision:           Revision{Epoch: 1, Number: 1},
		Nodes:              []Node{active, replica},
		VBucketToNodeIndex: []int{0},
	}
	c.Reconcile(m)

	assert.Contains(t, factory.channels, active)
	assert.NotContains(t, factory.channels, replica)
}

func TestConductorReopensStreamOnRetryableEnd(t *testing.T) {
	factory := newFakeFactory()
	interested := []uint16{0}
	c := New(factory.open, session.NewStore(), interested, nil, nil)

	nodeA := node(11210)
	m := ClusterMap{
		Revision:           Revision{Epoch: 1, Number: 1},
		Nodes:              []Node{nodeA},
		VBucketToNodeIndex: []int{0},
	}
	c.Reconcile(m)
	require.Contains(t, factory.channels[nodeA].opened, uint16(0))

	c.OnStreamEndedRetryable(0)

	assert.Equal(t, 1, factory.opens, "no new channel should be opened, only a new stream")
	require.Contains(t, factory.channels[nodeA].opened, uint16(0), "stream must be reopened against the current owner")
}

func TestConductorOnStreamEndedRetryableNoOpWithoutClusterMap(t *testing.T) {
	factory := newFakeFactory()
	c := New(factory.open, session.NewStore(), []uint16{0}, nil, nil)

	assert.NotPanics(t, func() { c.OnStreamEndedRetryable(0) })
}

// flakyFactory fails to open a channel failNTimes times before
// succeeding, letting a test drive Conductor's backoff-retry path.
type flakyFactory struct {
	mu         sync.Mutex
	failNTimes int
	err        error
	opens      int
	channels   map[Node]*fakeChannel
}

func (f *flakyFactory) open(n Node) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.failNTimes > 0 {
		f.failNTimes--
		return nil, f.err
	}
	ch := newFakeChannel(n)
	if f.channels == nil {
		f.channels = make(map[Node]*fakeChannel)
	}
	f.channels[n] = ch
	return ch, nil
}

func TestConductorReportsOnFailureForOwnedVBuckets(t *testing.T) {
	factory := &flakyFactory{failNTimes: 1000, err: errors.New("dial refused")}
	interested := []uint16{0, 1}
	c := New(factory.open, session.NewStore(), interested, nil, nil)

	var mu sync.Mutex
	var failed []uint16
	c.OnFailure(func(vbno uint16, err error) {
		mu.Lock()
		failed = append(failed, vbno)
		mu.Unlock()
	})

	nodeA := node(11210)
	m := ClusterMap{
		Revision:           Revision{Epoch: 1, Number: 1},
		Nodes:              []Node{nodeA},
		VBucketToNodeIndex: []int{0, 0},
	}
	c.Reconcile(m)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []uint16{0, 1}, failed, "onFailure must fire for every interested vbucket the failed node owns")
}

func TestConductorRetriesTransientChannelOpenFailureWithBackoff(t *testing.T) {
	old := channelRetryBaseWait
	channelRetryBaseWait = 5 * time.Millisecond
	defer func() { channelRetryBaseWait = old }()

	factory := &flakyFactory{failNTimes: 2, err: errors.New("connection reset")}
	interested := []uint16{0}
	c := New(factory.open, session.NewStore(), interested, nil, nil)

	nodeA := node(11210)
	m := ClusterMap{
		Revision:           Revision{Epoch: 1, Number: 1},
		Nodes:              []Node{nodeA},
		VBucketToNodeIndex: []int{0},
	}
	c.Reconcile(m)

	require.Eventually(t, func() bool {
		return len(c.Nodes()) == 1
	}, time.Second, time.Millisecond, "channel must eventually open once transient failures back off and retry")

	factory.mu.Lock()
	ch := factory.channels[nodeA]
	factory.mu.Unlock()
	require.NotNil(t, ch)
	assert.Contains(t, ch.opened, uint16(0), "the retried channel must have its stream opened too, not just the connection")
}

func TestConductorDoesNotRetryPermanentHandshakeFailure(t *testing.T) {
	old := channelRetryBaseWait
	channelRetryBaseWait = 5 * time.Millisecond
	defer func() { channelRetryBaseWait = old }()

	factory := &flakyFactory{failNTimes: 1000, err: errs.NewPermanent(errs.HandshakeFailure, errors.New("auth failed"))}
	interested := []uint16{0}
	c := New(factory.open, session.NewStore(), interested, nil, nil)

	nodeA := node(11210)
	m := ClusterMap{
		Revision:           Revision{Epoch: 1, Number: 1},
		Nodes:              []Node{nodeA},
		VBucketToNodeIndex: []int{0},
	}
	c.Reconcile(m)

	time.Sleep(50 * time.Millisecond)

	factory.mu.Lock()
	opens := factory.opens
	factory.mu.Unlock()
	assert.Equal(t, 1, opens, "a permanent handshake failure must not be retried")
}

func TestConductorUsesStoredSessionStateOnResume(t *testing.T) {
	factory := newFakeFactory()
	store := session.NewStore()
	store.ApplyFailoverLog(0, []session.FailoverEntry{{VBucketUUID: 42, Seqno: 0}})
	store.AdvanceSeqno(0, 100)
	store.ApplySnapshotMarker(0, 90, 100)

	c := New(factory.open, store, []uint16{0}, nil, nil)

	nodeA := node(11210)
	m := ClusterMap{
		Revision:           Revision{Epoch: 1, Number: 1},
		Nodes:              []Node{nodeA},
		VBucketToNodeIndex: []int{0},
	}
	c.Reconcile(m)

	req := factory.channels[nodeA].opened[0]
	assert.Equal(t, uint64(42), req.VBucketUUID)
	assert.Equal(t, uint64(100), req.StartSeqno)
	assert.Equal(t, session.Infinity, req.EndSeqno)
}
