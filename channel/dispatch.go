package channel

import (
	"time"

	"github.com/pkg/errors"

	"github.com/couchbase/dcpclient/session"
	"github.com/couchbase/dcpclient/stream"
	"github.com/couchbase/dcpclient/wire"
)

// Run reads frames until the connection errors or Close is called. It
// is meant to be launched with `go channel.Run()` once Handshake
// succeeds.
func (c *Channel) Run() {
	for {
		f, err := c.codec.ReadFrame()
		if err != nil {
			c.drop(errors.Wrap(err, "dcpclient/channel: read"))
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())
		if err := c.dispatch(f); err != nil {
			c.logger.Errorf("dcpclient/channel: %v", err)
			c.drop(err)
			return
		}
	}
}

func (c *Channel) dispatch(f *wire.Frame) error {
	switch {
	case f.Request && f.Opcode == wire.DcpNoop:
		return c.Send(&wire.Frame{Header: wire.Header{Request: false, Opcode: wire.DcpNoop, Opaque: f.Opaque, Status: wire.Success}})

	case f.Request && f.Opcode == wire.GetClusterConfig:
		c.forwardClusterMap(f.Value)
		return c.Send(&wire.Frame{Header: wire.Header{Request: false, Opcode: wire.GetClusterConfig, Opaque: f.Opaque, Status: wire.Success}})

	case isStreamDataFrame(f.Opcode):
		return c.dispatchStreamFrame(f)

	case !f.Request && f.Opcode == wire.DcpStreamRequest:
		return c.dispatchOpenResponse(f)

	case !f.Request:
		return c.dispatchPendingResponse(f)

	default:
		// Unknown request opcode from the server: ignored with a reply
		// error, per spec.md §4.1.
		return c.Send(&wire.Frame{Header: wire.Header{Request: false, Opcode: f.Opcode, Opaque: f.Opaque, Status: wire.UnknownCommand}})
	}
}

func isStreamDataFrame(op wire.Opcode) bool {
	switch op {
	case wire.DcpMutation, wire.DcpDeletion, wire.DcpExpiration, wire.DcpSnapshotMarker,
		wire.DcpStreamEnd, wire.DcpSeqnoAdvanced, wire.DcpSystemEvent, wire.DcpOsoSnapshot:
		return true
	default:
		return false
	}
}

// forwardClusterMap decodes and applies a server-pushed clustermap
// before any stream frame that arrived after it is dispatched, per
// spec.md §4.2's ordering requirement.
func (c *Channel) forwardClusterMap(body []byte) {
	if c.parseClusterMap == nil || c.arbiter == nil {
		return
	}
	m, err := c.parseClusterMap(body)
	if err != nil {
		c.logger.Warnf("dcpclient/channel: malformed clustermap push from %v: %v", c.node, err)
		return
	}
	c.arbiter.Apply(m)
}

func (c *Channel) dispatchStreamFrame(f *wire.Frame) error {
	c.mu.Lock()
	vbno, ok := c.opaqueToVBucket[f.Opaque]
	var st *stream.Stream
	if ok {
		st = c.streams[vbno]
	}
	fc := c.fc
	c.mu.Unlock()

	if st == nil {
		c.logger.Warnf("dcpclient/channel: frame %s for unknown opaque %d, dropped", f.Opcode, f.Opaque)
		return nil
	}

	frameLen := f.Size()
	if fc != nil {
		fc.OnFrameReceived(frameLen)
		if fc.Stalled() {
			c.reportStallOnce(vbno)
		}
	}

	if err := st.HandleFrame(f, frameLen); err != nil {
		return err
	}

	if f.Opcode == wire.DcpStreamEnd {
		c.mu.Lock()
		delete(c.streams, vbno)
		delete(c.opaqueToVBucket, f.Opaque)
		c.mu.Unlock()
	}
	return nil
}

// reportStallOnce reports a flow-control stall to the sink exactly
// once per channel: unacked has reached the negotiated buffer size
// with no sign of the listener catching up, a fatal condition rather
// than one the Conductor should retry (spec.md §4.6).
func (c *Channel) reportStallOnce(vbno uint16) {
	c.mu.Lock()
	if c.stallReported {
		c.mu.Unlock()
		return
	}
	c.stallReported = true
	c.mu.Unlock()
	c.sink.Failure(vbno, errors.Errorf("dcpclient/channel: flow-control buffer stalled on %v: unacked bytes reached connection_buffer_size", c.node))
}

func (c *Channel) dispatchOpenResponse(f *wire.Frame) error {
	c.mu.Lock()
	vbno, ok := c.opaqueToVBucket[f.Opaque]
	var st *stream.Stream
	if ok {
		st = c.streams[vbno]
	}
	c.mu.Unlock()
	if st == nil {
		return errors.Errorf("dcpclient/channel: stream-open response for unknown opaque %d", f.Opaque)
	}
	retry, err := st.HandleOpenResponse(f.Status, f.Value)
	if err != nil {
		return err
	}
	if retry != nil {
		return c.Send(retry)
	}
	return nil
}

func (c *Channel) dispatchPendingResponse(f *wire.Frame) error {
	c.mu.Lock()
	ch, ok := c.pending[f.Opaque]
	c.mu.Unlock()
	if !ok {
		c.logger.Warnf("dcpclient/channel: unmatched response %s opaque %d from %v", f.Opcode, f.Opaque, c.node)
		return nil
	}
	select {
	case ch <- f:
	default:
	}
	return nil
}

// OpenStream implements conductor.Channel: it allocates an opaque,
// creates the vbucket's Stream, and sends DCP_STREAM_REQUEST.
func (c *Channel) OpenStream(vbno uint16, req session.StreamRequest) error {
	opaque := c.nextOpaqueID()
	var ackMaker func(int) func()
	c.mu.Lock()
	fc := c.fc
	c.mu.Unlock()
	if fc != nil {
		ackMaker = func(n int) func() {
			return func() {
				if ackFrame := fc.Ack(n); ackFrame != nil {
					c.Send(ackFrame)
				}
			}
		}
	}

	st := stream.New(vbno, opaque, c.store, c.sink, c, c.collectionsAware, c.snappyEnabled, c.opts.CollectionsFilter, ackMaker)
	frame := st.BuildOpenFrame(req)

	c.mu.Lock()
	c.streams[vbno] = st
	c.opaqueToVBucket[opaque] = vbno
	c.mu.Unlock()

	return c.Send(frame)
}

// CloseStream implements conductor.Channel: it sends CLOSE_STREAM and
// waits for the server's correlated response before clearing the
// vbucket's local bookkeeping, per spec.md §4.5's host-initiated close
// ("the client sends CLOSE_STREAM and expects... an immediate
// response").
func (c *Channel) CloseStream(vbno uint16) error {
	c.mu.Lock()
	st, ok := c.streams[vbno]
	timeout := c.opts.HandshakeTimeout()
	c.mu.Unlock()
	if !ok {
		return nil
	}

	resp, err := c.request(st.CloseFrame(), timeout)

	c.mu.Lock()
	delete(c.streams, vbno)
	delete(c.opaqueToVBucket, st.Opaque)
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if !resp.Status.IsSuccess() {
		return errors.Errorf("dcpclient/channel: CLOSE_STREAM for vb %d rejected: %s", vbno, resp.Status)
	}
	return nil
}

// Close implements conductor.Channel: it tears down the connection and
// drops every active stream, which reports a CHANNEL_DROPPED stream end
// for each to its sink; no further frames are delivered.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.phase = Closing
	streams := make([]*stream.Stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.streams = make(map[uint16]*stream.Stream)
	c.opaqueToVBucket = make(map[uint32]uint16)
	c.mu.Unlock()

	for _, st := range streams {
		st.Drop()
	}
	c.conn.Close()
}

func (c *Channel) drop(err error) {
	c.logger.Errorf("dcpclient/channel: channel to %v dropped: %v", c.node, err)
	c.Close()
	if c.onDropped != nil {
		c.onDropped(c.node)
	}
}
