// Package dcp is the host-facing API of spec.md §6: Client wires
// together the wire codec, channel handshake, conductor reconciliation,
// stream state machines and rollback mitigation behind
// open/connect/disconnect/streamPartitions/sessionState.
package dcp

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/couchbase/dcpclient/auth"
	"github.com/couchbase/dcpclient/channel"
	"github.com/couchbase/dcpclient/conductor"
	"github.com/couchbase/dcpclient/log"
	"github.com/couchbase/dcpclient/rollback"
	"github.com/couchbase/dcpclient/session"
	"github.com/couchbase/dcpclient/stream"
)

// Offset selects a from/to bound for StreamPartitions, per spec.md §6's
// `fromOffset | BEGINNING | NOW` and `toOffset | NOW | INFINITY`.
type Offset struct {
	kind  offsetKind
	value uint64
}

type offsetKind int

const (
	offBeginning offsetKind = iota
	offNow
	offInfinity
	offExplicit
)

func Beginning() Offset      { return Offset{kind: offBeginning} }
func Now() Offset            { return Offset{kind: offNow} }
func ToInfinity() Offset     { return Offset{kind: offInfinity} }
func At(seqno uint64) Offset { return Offset{kind: offExplicit, value: seqno} }

// Environment configures a Client, mirroring the Java client's
// Client.Environment and spec.md §6's environment-inputs list.
type Environment struct {
	SeedNodes  []string
	Bucket     string
	TLSConfig  *tls.Config
	Credentials auth.Provider

	DcpControlOptions []channel.KV
	CollectionsFilter stream.CollectionsFilter

	RollbackMitigation bool
	PersistPollInterval time.Duration

	SocketConnectTimeout time.Duration
	HandshakeGracePeriod time.Duration
	BufferSize           uint32
	NoopIntervalSeconds  uint32

	ClientName string
	Logger     *log.CommonLogger
}

func (e Environment) channelOptions() channel.Options {
	return channel.Options{
		Bucket:               e.Bucket,
		ClientName:           e.ClientName,
		Credentials:          e.Credentials,
		DcpControlOptions:    e.DcpControlOptions,
		CollectionsAware:     true,
		CollectionsFilter:    e.CollectionsFilter,
		SocketConnectTimeout: e.SocketConnectTimeout,
		HandshakeGracePeriod: e.HandshakeGracePeriod,
		BufferSize:           e.BufferSize,
		NoopIntervalSeconds:  e.NoopIntervalSeconds,
		RollbackMitigation:   e.RollbackMitigation,
	}
}

// Client is one bucket's DCP session: a Conductor reconciling Channels
// against a ClusterMap kept fresh by an Arbiter, delivering to exactly
// one DatabaseChangeListener.
type Client struct {
	env        Environment
	listener   DatabaseChangeListener
	instanceID string
	logger     *log.CommonLogger

	store   *session.Store
	arbiter *conductor.Arbiter
	cond    *conductor.Conductor
	sink    *bridgeSink

	tracker   *rollback.PersistedSeqnoTracker
	mitigator *rollback.Mitigator

	dial func(node conductor.Node) (net.Conn, error)

	mu          sync.Mutex
	channels    map[conductor.Node]*channel.Channel
	pollers     map[conductor.Node]*rollback.Poller
	unsubscribe func()
	connected   bool
	interested  []uint16
	fromOffset  Offset
	toOffset    Offset
	resolvedEnd map[uint16]uint64
}

// Open constructs a Client. Connect must be called before any stream
// is opened.
func Open(env Environment, listener DatabaseChangeListener) (*Client, error) {
	if len(env.SeedNodes) == 0 {
		return nil, errors.New("dcpclient: at least one seed node is required")
	}
	if listener == nil {
		return nil, errors.New("dcpclient: a DatabaseChangeListener is required")
	}
	if env.ClientName == "" {
		env.ClientName = "dcpclient"
	}
	if env.PersistPollInterval == 0 {
		env.PersistPollInterval = time.Second
	}
	logger := env.Logger
	if logger == nil {
		logger = log.New("dcp.Client", nil)
	}

	c := &Client{
		env:         env,
		listener:    listener,
		instanceID:  uuid.New().String(),
		logger:      logger,
		store:       session.NewStore(),
		arbiter:     conductor.NewArbiter(),
		tracker:     rollback.NewPersistedSeqnoTracker(),
		channels:    make(map[conductor.Node]*channel.Channel),
		pollers:     make(map[conductor.Node]*rollback.Poller),
		fromOffset:  Beginning(),
		toOffset:    ToInfinity(),
		resolvedEnd: make(map[uint16]uint64),
		dial:        defaultDialer(env),
	}
	c.sink = &bridgeSink{listener: listener, flowMode: AutoAck}
	if env.RollbackMitigation {
		c.mitigator = rollback.NewMitigator(c.tracker, mitigationTarget{b: c.sink})
		c.sink.mitigator = c.mitigator
	}
	return c, nil
}

// FlowControlMode sets when Mutation/Deletion acks are returned. Call
// before Connect.
func (c *Client) FlowControlMode(mode FlowControlMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink.flowMode = mode
}

// StreamPartitions declares which vbuckets this client streams and the
// [from, to) window each one opens with. Call before Connect; calling
// it again afterward has no effect on already-open streams.
func (c *Client) StreamPartitions(vbuckets []uint16, from, to Offset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interested = append([]uint16(nil), vbuckets...)
	c.fromOffset = from
	c.toOffset = to
}

// InstanceID is the uuid embedded in this client's DCP_OPEN_CONNECTION
// connection name, the way the teacher composes a user agent string in
// dcp.composeUserAgent().
func (c *Client) InstanceID() string { return c.instanceID }

func (c *Client) userAgent() string {
	return c.env.ClientName + "/" + c.instanceID
}

// Connect bootstraps the initial cluster map from a seed node, then
// starts the Conductor reconciling channels against it and every map
// the Arbiter subsequently accepts.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	m, err := c.bootstrap()
	if err != nil {
		return errors.Wrap(err, "dcpclient: bootstrap")
	}

	c.mu.Lock()
	if c.interested == nil {
		c.interested = allVBuckets(m.NumVBuckets())
	}
	if err := c.resolveNowOffsetsLocked(m); err != nil {
		c.mu.Unlock()
		return errors.Wrap(err, "dcpclient: resolving NOW offset")
	}
	c.seedFromOffsetLocked()
	interested := append([]uint16(nil), c.interested...)
	c.mu.Unlock()

	c.cond = conductor.New(c.factory, c.store, interested, c.endOffset, c.logger)
	c.sink.cond = c.cond
	c.cond.OnFailure(c.sink.Failure)

	sub, unsubscribe := c.arbiter.Subscribe()
	go func() {
		for cm := range sub {
			c.cond.Reconcile(cm)
		}
	}()

	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.connected = true
	c.mu.Unlock()

	c.cond.Reconcile(m)
	return nil
}

// Disconnect closes every Channel and stops the persistence pollers.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	for _, p := range c.pollers {
		p.Stop()
	}
	for _, ch := range c.channels {
		ch.Close()
	}
	c.channels = make(map[conductor.Node]*channel.Channel)
	c.pollers = make(map[conductor.Node]*rollback.Poller)
	c.connected = false
}

// SessionState returns the current per-vbucket checkpoint snapshot,
// the caller's persistence concern per spec.md §6.
func (c *Client) SessionState() session.Snapshot {
	return c.store.Snapshot()
}

// RestoreSessionState replaces the store's contents, letting a
// subsequent Connect resume instead of starting from BEGINNING.
func (c *Client) RestoreSessionState(snap session.Snapshot) {
	c.store.Restore(snap)
}

func (c *Client) bootstrap() (conductor.ClusterMap, error) {
	var lastErr error
	for _, host := range c.env.SeedNodes {
		node, err := parseNode(host)
		if err != nil {
			lastErr = err
			continue
		}
		ch, err := c.dialChannel(node, false)
		if err != nil {
			lastErr = err
			continue
		}
		m, err := ch.FetchClusterConfig()
		ch.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return m, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no seed nodes configured")
	}
	return conductor.ClusterMap{}, errors.Wrap(lastErr, "unable to bootstrap a cluster map from any seed node")
}

// resolveNowOffsetsLocked queries GET_ALL_VB_SEQNOS against the map's
// first reachable node when either bound resolves to NOW, so
// StreamPartitions(vbuckets, Now(), ToInfinity()) has a concrete
// per-vbucket seqno to seed or stop at. Called with c.mu held.
func (c *Client) resolveNowOffsetsLocked(m conductor.ClusterMap) error {
	if c.fromOffset.kind != offNow && c.toOffset.kind != offNow {
		return nil
	}
	for _, node := range m.Nodes {
		ch, err := c.dialChannel(node, false)
		if err != nil {
			continue
		}
		seqnos, err := ch.FetchVBucketSeqnos()
		ch.Close()
		if err != nil {
			continue
		}
		for _, vbno := range c.interested {
			if seqno, ok := seqnos[vbno]; ok {
				c.resolvedEnd[vbno] = seqno
			}
		}
		return nil
	}
	return errors.New("no node answered GET_ALL_VB_SEQNOS")
}

// seedFromOffsetLocked seeds session state for a NOW/explicit start so
// the first stream-open request begins at the right seqno. A NOW start
// carries no known vbucket uuid; if the server's failover log doesn't
// agree, it replies ROLLBACK and the normal resume machinery corrects
// course on the retry. Called with c.mu held.
func (c *Client) seedFromOffsetLocked() {
	switch c.fromOffset.kind {
	case offBeginning:
		return
	case offExplicit:
		for _, vbno := range c.interested {
			c.store.Set(vbno, session.State{Seqno: c.fromOffset.value, Dcp_snapshot_end_seqno: session.Infinity})
		}
	case offNow:
		for _, vbno := range c.interested {
			if seqno, ok := c.resolvedEnd[vbno]; ok {
				c.store.Set(vbno, session.State{Seqno: seqno, Dcp_snapshot_end_seqno: session.Infinity})
			}
		}
	}
}

func (c *Client) endOffset(vbno uint16) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.toOffset.kind {
	case offExplicit:
		return c.toOffset.value
	case offNow:
		if seqno, ok := c.resolvedEnd[vbno]; ok {
			return seqno
		}
		return session.Infinity
	default:
		return session.Infinity
	}
}

// factory implements conductor.ChannelFactory.
func (c *Client) factory(node conductor.Node) (conductor.Channel, error) {
	return c.dialChannel(node, true)
}

func (c *Client) dialChannel(node conductor.Node, runKeepaliveAndPoll bool) (*channel.Channel, error) {
	conn, err := c.dial(node)
	if err != nil {
		return nil, err
	}
	opts := c.env.channelOptions()
	opts.ClientName = c.userAgent()

	onDropped := func(dropped conductor.Node) {
		c.mu.Lock()
		delete(c.channels, dropped)
		if p, ok := c.pollers[dropped]; ok {
			p.Stop()
			delete(c.pollers, dropped)
		}
		c.mu.Unlock()
		if c.cond != nil {
			c.cond.OnChannelDropped(dropped)
		}
	}

	ch := channel.New(node, conn, opts, c.store, c.sink, c.arbiter, ParseClusterMap, onDropped, c.logger)
	if err := ch.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	go ch.Run()

	if !runKeepaliveAndPoll {
		return ch, nil
	}

	go ch.RunKeepalive()

	c.mu.Lock()
	c.channels[node] = ch
	c.mu.Unlock()

	if c.mitigator != nil {
		interested := append([]uint16(nil), c.interested...)
		poller := rollback.NewPoller(ch, c.tracker, c.env.PersistPollInterval, interested)
		poller.OnObserve(func(vbno uint16) { c.mitigator.Release(vbno) })
		c.mu.Lock()
		c.pollers[node] = poller
		c.mu.Unlock()
		go poller.Run()
	}

	return ch, nil
}

func defaultDialer(env Environment) func(conductor.Node) (net.Conn, error) {
	timeout := env.SocketConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return func(node conductor.Node) (net.Conn, error) {
		conn, err := net.DialTimeout("tcp", node.String(), timeout)
		if err != nil {
			return nil, err
		}
		if env.TLSConfig != nil {
			return tls.Client(conn, env.TLSConfig), nil
		}
		return conn, nil
	}
}

func allVBuckets(n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(i)
	}
	return out
}
