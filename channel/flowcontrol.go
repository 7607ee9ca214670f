package channel

import (
	"sync"

	"github.com/rcrowley/go-metrics"

	"github.com/couchbase/dcpclient/wire"
)

// AckMode selects when flow-control credit is returned to the server,
// per spec.md §4.6.
type AckMode int

const (
	// AutoAck returns credit before the listener callback runs.
	AutoAck AckMode = iota
	// AutoAckAfterCallback returns credit after the callback returns
	// successfully.
	AutoAckAfterCallback
	// ManualAck leaves crediting entirely to the application.
	ManualAck
)

// DefaultAckThreshold is the fraction of the negotiated buffer size at
// which a DCP_BUFFER_ACK is emitted (spec.md §4.6).
const DefaultAckThreshold = 0.5

// FlowControl tracks one channel's connection_buffer_size accounting.
// Every received data-bearing frame increments unacked by its full
// on-wire size (header included); crediting decrements it and, once
// the threshold is crossed, emits a DCP_BUFFER_ACK.
type FlowControl struct {
	mu           sync.Mutex
	bufferSize   uint32
	threshold    float64
	unacked      uint32
	ackedTotal   uint32
	registry     metrics.Registry
	bytesRecv    metrics.Counter
	bytesAcked   metrics.Counter
	acksSent     metrics.Counter
}

// NewFlowControl builds a FlowControl for a channel that negotiated
// bufferSize bytes of connection_buffer_size. bufferSize == 0 means
// flow control was not negotiated: Ack is then a no-op.
func NewFlowControl(bufferSize uint32) *FlowControl {
	registry := metrics.NewRegistry()
	fc := &FlowControl{
		bufferSize: bufferSize,
		threshold:  DefaultAckThreshold,
		registry:   registry,
		bytesRecv:  metrics.NewCounter(),
		bytesAcked: metrics.NewCounter(),
		acksSent:   metrics.NewCounter(),
	}
	registry.Register("bytes_received", fc.bytesRecv)
	registry.Register("bytes_acked", fc.bytesAcked)
	registry.Register("buffer_acks_sent", fc.acksSent)
	return fc
}

func (fc *FlowControl) Enabled() bool { return fc.bufferSize > 0 }

// OnFrameReceived records a data-bearing frame's arrival.
func (fc *FlowControl) OnFrameReceived(frameLen int) {
	if !fc.Enabled() {
		return
	}
	fc.mu.Lock()
	fc.unacked += uint32(frameLen)
	fc.mu.Unlock()
	fc.bytesRecv.Inc(int64(frameLen))
}

// Ack returns credit for frameLen bytes. It returns a non-nil
// DCP_BUFFER_ACK frame when the accumulated acked total crosses the
// threshold, in which case the caller must send it and the local
// counter is reset.
func (fc *FlowControl) Ack(frameLen int) *wire.Frame {
	if !fc.Enabled() {
		return nil
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if uint32(frameLen) > fc.unacked {
		fc.unacked = 0
	} else {
		fc.unacked -= uint32(frameLen)
	}
	fc.ackedTotal += uint32(frameLen)
	fc.bytesAcked.Inc(int64(frameLen))

	if float64(fc.ackedTotal) < float64(fc.bufferSize)*fc.threshold {
		return nil
	}
	acked := fc.ackedTotal
	fc.ackedTotal = 0
	fc.acksSent.Inc(1)
	return &wire.Frame{
		Header: wire.Header{Request: true, Opcode: wire.DcpBufferAck},
		Extras: wire.MarshalBufferAck(acked),
	}
}

// Stalled reports whether unacked has reached the full buffer size —
// a stall is a failure, not a retryable condition (spec.md §4.6).
func (fc *FlowControl) Stalled() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.Enabled() && fc.unacked >= fc.bufferSize
}

func (fc *FlowControl) Registry() metrics.Registry { return fc.registry }
