// Package channel implements one Channel: the handshake state machine
// of spec.md §4.2 and the steady-state frame dispatcher that owns a
// node's active Streams.
package channel

import (
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/couchbase/dcpclient/auth"
	"github.com/couchbase/dcpclient/conductor"
	"github.com/couchbase/dcpclient/errs"
	"github.com/couchbase/dcpclient/log"
	"github.com/couchbase/dcpclient/session"
	"github.com/couchbase/dcpclient/stream"
	"github.com/couchbase/dcpclient/wire"
)

// ClusterMapParser decodes a server-pushed GET_CLUSTER_CONFIG body
// into a conductor.ClusterMap. The dcp package supplies the concrete
// implementation; the channel package only needs the shape.
type ClusterMapParser func([]byte) (conductor.ClusterMap, error)

// Channel is a single TCP connection to one data node, driving its
// handshake and every vbucket Stream this client has opened against
// that node.
type Channel struct {
	node    conductor.Node
	opts    Options
	conn    io.ReadWriteCloser
	codec   *wire.Codec
	logger  *log.CommonLogger
	sink    stream.Sink
	store   *session.Store
	arbiter *conductor.Arbiter
	parseClusterMap ClusterMapParser
	onDropped func(conductor.Node)

	writeMu sync.Mutex

	mu              sync.Mutex
	phase           Phase
	streams         map[uint16]*stream.Stream
	opaqueToVBucket map[uint32]uint16
	pending         map[uint32]chan *wire.Frame
	nextOpaque      uint32
	fc              *FlowControl
	collectionsAware bool
	snappyEnabled    bool
	closed           bool
	stallReported    bool

	lastRecv atomic.Int64 // unix nanos of last frame received, for idle detection
}

// New constructs a Channel over an already-dialed connection. Call
// Handshake then Run to bring it to READY and start dispatching.
func New(node conductor.Node, conn io.ReadWriteCloser, opts Options, store *session.Store, sink stream.Sink, arbiter *conductor.Arbiter, parseClusterMap ClusterMapParser, onDropped func(conductor.Node), logger *log.CommonLogger) *Channel {
	if logger == nil {
		logger = log.New("Channel", nil)
	}
	return &Channel{
		node:            node,
		opts:            opts.WithDefaults(),
		conn:            conn,
		codec:           wire.NewCodec(conn),
		logger:          logger,
		sink:            sink,
		store:           store,
		arbiter:         arbiter,
		parseClusterMap: parseClusterMap,
		onDropped:       onDropped,
		phase:           Connecting,
		streams:         make(map[uint16]*stream.Stream),
		opaqueToVBucket: make(map[uint32]uint16),
		pending:         make(map[uint32]chan *wire.Frame),
	}
}

func (c *Channel) Node() conductor.Node { return c.node }
func (c *Channel) Phase() Phase         { return c.phase }

func (c *Channel) nextOpaqueID() uint32 {
	return atomic.AddUint32(&c.nextOpaque, 1)
}

// Send writes a frame to the connection. It implements stream.Sender.
func (c *Channel) Send(f *wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errors.Errorf("dcpclient/channel: send on closed channel to %v", c.node)
	}
	return c.codec.WriteFrame(f)
}

// Request sends f and blocks for its correlated response, exposed for
// out-of-band requests the dcp/rollback packages issue outside the
// handshake (GET_ALL_VB_SEQNOS, OBSERVE_SEQNO).
func (c *Channel) Request(f *wire.Frame, timeout time.Duration) (*wire.Frame, error) {
	return c.request(f, timeout)
}

// request sends f and blocks for its correlated response or until
// timeout elapses.
func (c *Channel) request(f *wire.Frame, timeout time.Duration) (*wire.Frame, error) {
	ch := make(chan *wire.Frame, 1)
	c.mu.Lock()
	c.pending[f.Opaque] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Opaque)
		c.mu.Unlock()
	}()

	if err := c.Send(f); err != nil {
		return nil, err
	}
	if c.phase < Ready {
		// Run is not reading frames before READY, so during the
		// handshake read here until this request's response is dispatched.
		go func() {
			for {
				resp, err := c.codec.ReadFrame()
				if err != nil || c.dispatch(resp) != nil {
					return
				}
				if !resp.Request && resp.Opaque == f.Opaque {
					return
				}
			}
		}()
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return nil, errors.Errorf("dcpclient/channel: %s to %v timed out after %s", f.Opcode, c.node, timeout)
	}
}

// FetchClusterConfig issues an explicit GET_CLUSTER_CONFIG request and
// applies the result to the arbiter. The dcp package's bootstrap uses
// this same request; the other source of maps is the server's own push
// handled in dispatch.go.
func (c *Channel) FetchClusterConfig() (conductor.ClusterMap, error) {
	if c.parseClusterMap == nil {
		return conductor.ClusterMap{}, errors.Errorf("dcpclient/channel: no cluster map parser configured")
	}
	f := &wire.Frame{Header: wire.Header{Request: true, Opcode: wire.GetClusterConfig, Opaque: c.nextOpaqueID()}}
	resp, err := c.request(f, c.opts.HandshakeTimeout())
	if err != nil {
		return conductor.ClusterMap{}, err
	}
	if !resp.Status.IsSuccess() {
		return conductor.ClusterMap{}, errors.Errorf("GET_CLUSTER_CONFIG rejected: %s", resp.Status)
	}
	m, err := c.parseClusterMap(resp.Value)
	if err != nil {
		return conductor.ClusterMap{}, err
	}
	if c.arbiter != nil {
		c.arbiter.Apply(m)
	}
	return m, nil
}

// FetchVBucketSeqnos issues GET_ALL_VB_SEQNOS, used to resolve a NOW
// offset at StreamPartitions time.
func (c *Channel) FetchVBucketSeqnos() (map[uint16]uint64, error) {
	f := &wire.Frame{Header: wire.Header{Request: true, Opcode: wire.GetAllVBSeqnos, Opaque: c.nextOpaqueID()}}
	resp, err := c.request(f, c.opts.HandshakeTimeout())
	if err != nil {
		return nil, err
	}
	if !resp.Status.IsSuccess() {
		return nil, errors.Errorf("GET_ALL_VB_SEQNOS rejected: %s", resp.Status)
	}
	return wire.ParseVBucketSeqnos(resp.Value)
}

// Handshake drives CONNECTING → READY, per spec.md §4.2's fixed order.
// TLS (HANDSHAKE_SSL) is the caller's responsibility: conn is expected
// to already be a *tls.Conn when TLS is desired, matching the way the
// pipeline in the source layers SslHandler ahead of everything else.
func (c *Channel) Handshake() error {
	c.phase = Auth
	if err := c.doAuth(); err != nil {
		// Bad credentials never succeed on retry (spec.md §7).
		return errs.NewPermanent(errs.HandshakeFailure, errors.Wrap(err, "dcpclient/channel: AUTH"))
	}

	c.phase = Hello
	if err := c.doHello(); err != nil {
		return errs.New(errs.HandshakeFailure, errors.Wrap(err, "dcpclient/channel: HELLO"))
	}

	c.phase = SelectBucket
	if err := c.doSelectBucket(); err != nil {
		// No-such-bucket never succeeds on retry (spec.md §7).
		return errs.NewPermanent(errs.HandshakeFailure, errors.Wrap(err, "dcpclient/channel: SELECT_BUCKET"))
	}

	c.phase = DcpOpen
	if err := c.doDcpOpen(); err != nil {
		return errs.New(errs.HandshakeFailure, errors.Wrap(err, "dcpclient/channel: DCP_OPEN_CONNECTION"))
	}

	c.phase = DcpControl
	if err := c.doDcpControl(); err != nil {
		return errs.New(errs.HandshakeFailure, errors.Wrap(err, "dcpclient/channel: DCP_CONTROL"))
	}

	c.phase = Ready
	c.fc = NewFlowControl(c.opts.BufferSize)
	return nil
}

func (c *Channel) doHello() error {
	f := &wire.Frame{
		Header: wire.Header{Request: true, Opcode: wire.Hello, Opaque: c.nextOpaqueID()},
		Key:    []byte(c.opts.ClientName),
		Value:  wire.MarshalHelloFeatures(c.opts.Features),
	}
	resp, err := c.request(f, c.opts.HandshakeTimeout())
	if err != nil {
		return err
	}
	if !resp.Status.IsSuccess() {
		return errors.Errorf("HELLO rejected: %s", resp.Status)
	}
	honored, err := wire.ParseHelloFeatures(resp.Value)
	if err != nil {
		return err
	}
	for _, feat := range honored {
		switch feat {
		case wire.FeatureCollections:
			c.collectionsAware = true
		case wire.FeatureSnappy:
			c.snappyEnabled = true
		}
	}
	return nil
}

// doAuth performs SASL PLAIN authentication when a Credentials provider
// is configured; a nil provider means the connection relies on a
// bucket-less anonymous handshake (dev/test clusters).
func (c *Channel) doAuth() error {
	if c.opts.Credentials == nil {
		return nil
	}
	creds, err := c.opts.Credentials.Get(c.node.String())
	if err != nil {
		return err
	}
	f := &wire.Frame{
		Header: wire.Header{Request: true, Opcode: wire.SaslAuth, Opaque: c.nextOpaqueID()},
		Key:    []byte(auth.MechanismPlain),
		Value:  auth.PlainAuthPayload(creds),
	}
	resp, err := c.request(f, c.opts.HandshakeTimeout())
	if err != nil {
		return err
	}
	if !resp.Status.IsSuccess() {
		return errors.Errorf("SASL AUTH rejected: %s", resp.Status)
	}
	return nil
}

func (c *Channel) doSelectBucket() error {
	if c.opts.Bucket == "" {
		return nil
	}
	f := &wire.Frame{
		Header: wire.Header{Request: true, Opcode: wire.SelectBucket, Opaque: c.nextOpaqueID()},
		Key:    []byte(c.opts.Bucket),
	}
	resp, err := c.request(f, c.opts.HandshakeTimeout())
	if err != nil {
		return err
	}
	if !resp.Status.IsSuccess() {
		return errors.Errorf("SELECT_BUCKET %q rejected: %s", c.opts.Bucket, resp.Status)
	}
	return nil
}

func (c *Channel) doDcpOpen() error {
	f := &wire.Frame{
		Header: wire.Header{Request: true, Opcode: wire.DcpOpenConnection, Opaque: c.nextOpaqueID()},
		Key:    []byte(c.opts.ClientName),
		Extras: wire.MarshalOpenConnectionExtras(0, uint32(wire.OpenConnectionFlagProducer)),
	}
	resp, err := c.request(f, c.opts.HandshakeTimeout())
	if err != nil {
		return err
	}
	if !resp.Status.IsSuccess() {
		return errors.Errorf("DCP_OPEN_CONNECTION rejected: %s", resp.Status)
	}
	return nil
}

// doDcpControl negotiates every key/value in a fixed order; any
// rejection is fatal for the channel (spec.md §4.2).
func (c *Channel) doDcpControl() error {
	for _, kv := range c.controlOptions() {
		f := &wire.Frame{
			Header: wire.Header{Request: true, Opcode: wire.DcpControl, Opaque: c.nextOpaqueID()},
			Key:    []byte(kv.Key),
			Value:  []byte(kv.Value),
		}
		resp, err := c.request(f, c.opts.HandshakeTimeout())
		if err != nil {
			return err
		}
		if !resp.Status.IsSuccess() {
			return errors.Errorf("DCP_CONTROL %s=%s rejected: %s", kv.Key, kv.Value, resp.Status)
		}
	}
	return nil
}

func (c *Channel) controlOptions() []KV {
	opts := append([]KV(nil), c.opts.DcpControlOptions...)
	if c.opts.BufferSize > 0 {
		opts = append(opts, KV{"connection_buffer_size", strconv.Itoa(int(c.opts.BufferSize))})
	}
	if c.opts.NoopIntervalSeconds > 0 {
		opts = append(opts,
			KV{"enable_noop", "true"},
			KV{"set_noop_interval", strconv.Itoa(int(c.opts.NoopIntervalSeconds))},
		)
	}
	return opts
}
