package channel

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbase/dcpclient/conductor"
	"github.com/couchbase/dcpclient/session"
	"github.com/couchbase/dcpclient/stream"
	"github.com/couchbase/dcpclient/wire"
)

type noopSink struct{}

func (noopSink) Mutation(stream.Mutation)                      {}
func (noopSink) Deletion(stream.Deletion)                      {}
func (noopSink) SeqnoAdvanced(uint16, uint64)                  {}
func (noopSink) SystemEvent(stream.SystemEventKind, stream.CollectionsEvent) {}
func (noopSink) Rollback(stream.Rollback)                      {}
func (noopSink) Snapshot(stream.SnapshotEvent)                 {}
func (noopSink) FailoverLog(uint16, []session.FailoverEntry)   {}
func (noopSink) StreamEnd(uint16, stream.EndReason)            {}
func (noopSink) Failure(uint16, error)                         {}

// fakeServer answers every request frame it reads with a bare success
// response carrying the same opaque, echoing HELLO's requested
// features straight back so the client believes everything negotiated.
func fakeServer(t *testing.T, conn net.Conn) {
	codec := wire.NewCodec(conn)
	for {
		f, err := codec.ReadFrame()
		if err != nil {
			return
		}
		resp := &wire.Frame{Header: wire.Header{Request: false, Opcode: f.Opcode, Opaque: f.Opaque, Status: wire.Success}}
		if f.Opcode == wire.Hello {
			resp.Value = f.Value // honor every requested feature
		}
		if err := codec.WriteFrame(resp); err != nil {
			return
		}
	}
}

func newTestChannel(t *testing.T) (*Channel, net.Conn) {
	client, server := net.Pipe()
	go fakeServer(t, server)

	opts := Options{Bucket: "default", BufferSize: 1024}
	ch := New(conductor.Node{Host: "127.0.0.1", Port: 11210}, client, opts, session.NewStore(), noopSink{}, nil, nil, nil, nil)
	return ch, server
}

func TestChannelHandshakeReachesReady(t *testing.T) {
	ch, server := newTestChannel(t)
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- ch.Handshake() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
	assert.Equal(t, Ready, ch.Phase())
	assert.True(t, ch.collectionsAware)
	assert.True(t, ch.snappyEnabled)
}

func TestChannelOpenStreamSendsStreamRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	opts := Options{}
	store := session.NewStore()
	ch := New(conductor.Node{Host: "127.0.0.1", Port: 11210}, client, opts, store, noopSink{}, nil, nil, nil, nil)
	ch.phase = Ready

	serverCodec := wire.NewCodec(server)
	sent := make(chan *wire.Frame, 1)
	go func() {
		f, err := serverCodec.ReadFrame()
		if err == nil {
			sent <- f
		}
	}()

	err := ch.OpenStream(3, session.BuildResumeRequest(session.State{}, session.Infinity))
	require.NoError(t, err)

	select {
	case f := <-sent:
		assert.Equal(t, wire.DcpStreamRequest, f.Opcode)
		assert.Equal(t, uint16(3), f.VBucket)
	case <-time.After(time.Second):
		t.Fatal("stream request never sent")
	}
}

func TestChannelCloseStreamCorrelatesResponseAndClearsBookkeeping(t *testing.T) {
	ch, server := newTestChannel(t)
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- ch.Handshake() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
	go ch.Run()

	require.NoError(t, ch.OpenStream(5, session.BuildResumeRequest(session.State{}, session.Infinity)))
	ch.mu.Lock()
	_, opened := ch.streams[5]
	ch.mu.Unlock()
	require.True(t, opened, "OpenStream must register the stream before returning")

	err := ch.CloseStream(5)
	require.NoError(t, err, "CLOSE_STREAM's immediate response must be correlated, not dropped as unmatched")

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.NotContains(t, ch.streams, uint16(5))
	assert.Empty(t, ch.opaqueToVBucket, "the closed stream's opaque mapping must be cleared too")
}

func TestChannelCloseStreamOnUnknownVBucketIsNoOp(t *testing.T) {
	ch, server := newTestChannel(t)
	defer server.Close()
	assert.NoError(t, ch.CloseStream(99))
}

func TestFlowControlEmitsBufferAckAtThreshold(t *testing.T) {
	fc := NewFlowControl(1000)
	fc.OnFrameReceived(600)
	ack := fc.Ack(600)
	require.NotNil(t, ack, "600 bytes acked crosses the 500-byte (0.5x1000) threshold")
	assert.Equal(t, wire.DcpBufferAck, ack.Opcode)
}

func TestFlowControlNoAckBelowThreshold(t *testing.T) {
	fc := NewFlowControl(1000)
	fc.OnFrameReceived(100)
	ack := fc.Ack(100)
	assert.Nil(t, ack)
}

func TestFlowControlDisabledWhenBufferSizeZero(t *testing.T) {
	fc := NewFlowControl(0)
	fc.OnFrameReceived(10000)
	assert.Nil(t, fc.Ack(10000))
	assert.False(t, fc.Stalled())
}

func TestFlowControlStalledAtFullBuffer(t *testing.T) {
	fc := NewFlowControl(1000)
	fc.OnFrameReceived(1000)
	assert.True(t, fc.Stalled())
}

type failureRecordingSink struct {
	noopSink
	failures []uint16
}

func (s *failureRecordingSink) Failure(vbno uint16, _ error) {
	s.failures = append(s.failures, vbno)
}

func TestChannelReportsStallOnceToSink(t *testing.T) {
	sink := &failureRecordingSink{}
	ch := New(conductor.Node{Host: "127.0.0.1", Port: 11210}, nil, Options{}, session.NewStore(), sink, nil, nil, nil, nil)

	ch.reportStallOnce(3)
	ch.reportStallOnce(3)

	require.Len(t, sink.failures, 1, "a stall must be reported at most once per channel")
	assert.Equal(t, uint16(3), sink.failures[0])
}
