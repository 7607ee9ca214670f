package conductor

import (
	"sort"
	"sync"
	"time"

	"github.com/couchbase/dcpclient/errs"
	"github.com/couchbase/dcpclient/log"
	"github.com/couchbase/dcpclient/session"
)

// channelRetryBaseWait is the base wait a failed channel open backs
// off from, doubling per consecutive failure up to maxBackoffSteps. A
// var, not a const, so a test can shrink it. Grounded on the teacher's
// own hand-rolled backoff_factor counter in base/xmem_client.go: no
// third-party backoff library appears anywhere in the corpus.
var channelRetryBaseWait = 500 * time.Millisecond

// maxBackoffSteps caps a node's consecutive-failure counter, bounding
// the wait at channelRetryBaseWait*2^maxBackoffSteps.
const maxBackoffSteps = 6

// Channel is the subset of the channel package's connection type the
// Conductor needs to drive reconciliation. Keeping it as an interface
// lets reconciliation be tested without real sockets.
type Channel interface {
	Node() Node
	OpenStream(vbno uint16, req session.StreamRequest) error
	CloseStream(vbno uint16) error
	Close()
}

// ChannelFactory opens a new Channel to a node and returns it once it
// has reached READY; the Conductor issues stream requests on the
// returned Channel immediately.
type ChannelFactory func(Node) (Channel, error)

// Conductor reconciles the set of open Channels against the latest
// ClusterMap and shards the caller's vbuckets of interest onto the
// nodes that actively own them (spec.md §4.4).
type Conductor struct {
	mu       sync.Mutex
	factory  ChannelFactory
	sessions *session.Store
	logger   *log.CommonLogger

	interested []uint16
	endOffset  func(vbno uint16) uint64
	onFailure  func(vbno uint16, err error)

	channels    map[Node]Channel
	streamOwner map[uint16]Node // vbucket -> node currently streaming it
	backoff     map[Node]int    // consecutive channel-open failures, for retry backoff
	lastMap     ClusterMap
	haveLastMap bool
}

func New(factory ChannelFactory, sessions *session.Store, interested []uint16, endOffset func(uint16) uint64, logger *log.CommonLogger) *Conductor {
	if logger == nil {
		logger = log.New("Conductor", nil)
	}
	return &Conductor{
		factory:     factory,
		sessions:    sessions,
		interested:  append([]uint16(nil), interested...),
		endOffset:   endOffset,
		channels:    make(map[Node]Channel),
		streamOwner: make(map[uint16]Node),
		backoff:     make(map[Node]int),
		logger:      logger,
	}
}

// OnFailure registers a callback invoked once per interested vbucket
// owned by a node this Conductor could not open a channel to, per
// spec.md §7's "reported to listener as onFailure".
func (c *Conductor) OnFailure(fn func(vbno uint16, err error)) {
	c.mu.Lock()
	c.onFailure = fn
	c.mu.Unlock()
}

// Reconcile applies a new ClusterMap. It is idempotent: applying the
// same map twice performs no channel or stream operations the second
// time (spec.md §4.4).
func (c *Conductor) Reconcile(m ClusterMap) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveLastMap && !m.Revision.Newer(c.lastMap.Revision) && sameOwnership(c.lastMap, m, c.interested) {
		return
	}

	desired := c.desiredChannelsLocked(m)

	// Close channels for nodes no longer desired, sending CLOSE_STREAM
	// for each stream they own before the channel itself is closed.
	for node, ch := range c.channels {
		if _, ok := desired[node]; !ok {
			c.logger.Infof("closing channel to %v: no longer owns any interesting vbucket", node)
			delete(c.channels, node)
			delete(c.backoff, node)
			for vbno, owner := range c.streamOwner {
				if owner == node {
					if err := ch.CloseStream(vbno); err != nil {
						c.logger.Warnf("close stream vb %d on %v: %v", vbno, node, err)
					}
					delete(c.streamOwner, vbno)
				}
			}
			ch.Close()
		}
	}

	// Open channels for newly desired nodes.
	for node := range desired {
		if _, ok := c.channels[node]; ok {
			continue
		}
		if err := c.tryOpenChannelLocked(node); err != nil {
			c.reportFailureLocked(node, m, err)
			continue
		}
	}

	c.reconcileStreamsLocked(m)

	c.lastMap = m
	c.haveLastMap = true
}

// tryOpenChannelLocked opens a channel to node via the factory and
// records it, resetting the node's backoff counter on success. Called
// with c.mu held.
func (c *Conductor) tryOpenChannelLocked(node Node) error {
	ch, err := c.factory(node)
	if err != nil {
		return err
	}
	c.channels[node] = ch
	delete(c.backoff, node)
	return nil
}

// reportFailureLocked logs a channel-open failure, reports it to the
// registered onFailure listener for every interested vbucket node
// currently owns, and schedules a backoff retry unless the failure is
// classified Permanent (spec.md §7: "Conductor retries with backoff
// unless the failure is marked permanent"). Called with c.mu held.
func (c *Conductor) reportFailureLocked(node Node, m ClusterMap, err error) {
	c.logger.Errorf("failed to open channel to %v: %v", node, err)
	if c.onFailure != nil {
		for _, vbno := range c.interested {
			if owner, ok := m.OwnerOf(vbno); ok && owner == node {
				c.onFailure(vbno, err)
			}
		}
	}
	if errs.IsPermanent(err) {
		return
	}
	c.scheduleRetryLocked(node)
}

// scheduleRetryLocked arms a timer that reattempts opening a channel
// to node after an exponentially increasing wait. Called with c.mu
// held.
func (c *Conductor) scheduleRetryLocked(node Node) {
	step := c.backoff[node]
	if step > maxBackoffSteps {
		step = maxBackoffSteps
	}
	wait := channelRetryBaseWait * time.Duration(uint64(1)<<uint(step))
	c.backoff[node] = step + 1
	time.AfterFunc(wait, func() { c.retryChannel(node) })
}

// retryChannel is the backoff timer's callback. It re-checks that node
// is still desired before reattempting, since the ClusterMap may have
// moved on while the timer was pending.
func (c *Conductor) retryChannel(node Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.channels[node]; ok {
		return // opened another way (e.g. a later Reconcile) while waiting
	}
	if !c.haveLastMap {
		return
	}
	if _, stillDesired := c.desiredChannelsLocked(c.lastMap)[node]; !stillDesired {
		return
	}
	if err := c.tryOpenChannelLocked(node); err != nil {
		c.reportFailureLocked(node, c.lastMap, err)
		return
	}
	c.reconcileStreamsLocked(c.lastMap)
}

// reconcileStreamsLocked migrates or (re)opens streams for every
// interesting vbucket against m's current owners. Called with c.mu
// held, both from Reconcile and from a successful backoff retry.
func (c *Conductor) reconcileStreamsLocked(m ClusterMap) {
	for _, vbno := range c.interested {
		owner, ok := m.OwnerOf(vbno)
		if !ok {
			continue
		}
		ch, chOK := c.channels[owner]
		if !chOK {
			continue
		}
		if current, streaming := c.streamOwner[vbno]; streaming {
			if current == owner {
				continue // already streaming from the correct node
			}
			if oldCh, ok := c.channels[current]; ok {
				oldCh.CloseStream(vbno)
			}
			delete(c.streamOwner, vbno)
		}
		if err := c.openStreamLocked(ch, vbno, owner); err != nil {
			c.logger.Errorf("failed to open stream for vb %d on %v: %v", vbno, owner, err)
			continue
		}
	}
}

// openStreamLocked issues a resume-from-current-SessionState
// StreamRequest for vbno against ch and records it as the vbucket's
// current owner. Called with c.mu held.
func (c *Conductor) openStreamLocked(ch Channel, vbno uint16, owner Node) error {
	state := c.sessions.Get(vbno)
	end := uint64(session.Infinity)
	if c.endOffset != nil {
		end = c.endOffset(vbno)
	}
	req := session.BuildResumeRequest(state, end)
	if err := ch.OpenStream(vbno, req); err != nil {
		return err
	}
	c.streamOwner[vbno] = owner
	return nil
}

// desiredChannelsLocked returns, for the interested vbuckets, the set
// of nodes that own at least one of them. Only active owners are
// considered — a stream is never opened against a replica (spec.md
// §4.4 tie-break rule; this ClusterMap carries no replica index at
// all, see clustermap.go).
func (c *Conductor) desiredChannelsLocked(m ClusterMap) map[Node]struct{} {
	desired := make(map[Node]struct{})
	for _, vbno := range c.interested {
		if owner, ok := m.OwnerOf(vbno); ok {
			desired[owner] = struct{}{}
		}
	}
	return desired
}

// OnStreamMigrated is called by a Channel/Stream when a vbucket's
// stream ended with a reason indicating the vbucket moved (e.g.
// NOT_MY_VBUCKET-style STATE_CHANGED); it clears the bookkeeping so
// the next Reconcile reopens it on the correct node.
func (c *Conductor) OnStreamMigrated(vbno uint16) {
	c.mu.Lock()
	delete(c.streamOwner, vbno)
	c.mu.Unlock()
}

// OnStreamEndedRetryable is called when a vbucket's stream ended with
// a non-OK reason that doesn't indicate the vbucket moved (spec.md
// §4.5/§7: "transient; automatically reopened by Conductor using
// current SessionState"). It reopens the stream immediately against
// the vbucket's current owner rather than waiting for the next
// ClusterMap arrival, since none may be forthcoming.
func (c *Conductor) OnStreamEndedRetryable(vbno uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streamOwner, vbno)
	if !c.haveLastMap {
		return
	}
	owner, ok := c.lastMap.OwnerOf(vbno)
	if !ok {
		return
	}
	ch, ok := c.channels[owner]
	if !ok {
		return
	}
	if err := c.openStreamLocked(ch, vbno, owner); err != nil {
		c.logger.Errorf("failed to reopen stream for vb %d on %v: %v", vbno, owner, err)
	}
}

// OnChannelDropped is called when a Channel tears itself down (I/O
// error); the Conductor forgets about it so the next Reconcile
// reopens it if it is still desired.
func (c *Conductor) OnChannelDropped(node Node) {
	c.mu.Lock()
	delete(c.channels, node)
	delete(c.backoff, node)
	for vbno, owner := range c.streamOwner {
		if owner == node {
			delete(c.streamOwner, vbno)
		}
	}
	c.mu.Unlock()
}

// sameOwnership reports whether two maps assign the same owning node
// to every interested vbucket. Reconcile consults it only for a map
// whose revision is not newer than the last applied one, and returns
// without any channel or stream operation when it holds.
func sameOwnership(a, b ClusterMap, interested []uint16) bool {
	for _, vbno := range interested {
		na, oka := a.OwnerOf(vbno)
		nb, okb := b.OwnerOf(vbno)
		if oka != okb || na != nb {
			return false
		}
	}
	return true
}

// Nodes returns the set of nodes currently channeled, sorted for
// deterministic diagnostics/tests.
func (c *Conductor) Nodes() []Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	nodes := make([]Node, 0, len(c.channels))
	for n := range c.channels {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].String() < nodes[j].String() })
	return nodes
}
