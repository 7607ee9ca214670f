package wire

import (
	"encoding/binary"
	"fmt"
)

// StreamRequestExtras is the 48-byte extras payload of a
// DCP_STREAM_REQUEST. Its fields follow the (vbuuid, start, end,
// snapStart, snapEnd) tuple order of this module's domain types;
// Marshal writes them in wire order (flags, reserved, start, end,
// vbuuid, snapStart, snapEnd) — see spec.md §3.
type StreamRequestExtras struct {
	Flags         StreamRequestFlag
	VBucketUUID   uint64
	StartSeqno    uint64
	EndSeqno      uint64
	SnapshotStart uint64
	SnapshotEnd   uint64
}

const streamRequestExtrasLen = 48

func (e StreamRequestExtras) Marshal() []byte {
	buf := make([]byte, streamRequestExtrasLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.Flags))
	// bytes 4:8 reserved
	binary.BigEndian.PutUint64(buf[8:16], e.StartSeqno)
	binary.BigEndian.PutUint64(buf[16:24], e.EndSeqno)
	binary.BigEndian.PutUint64(buf[24:32], e.VBucketUUID)
	binary.BigEndian.PutUint64(buf[32:40], e.SnapshotStart)
	binary.BigEndian.PutUint64(buf[40:48], e.SnapshotEnd)
	return buf
}

func ParseStreamRequestExtras(buf []byte) (StreamRequestExtras, error) {
	var e StreamRequestExtras
	if len(buf) != streamRequestExtrasLen {
		return e, fmt.Errorf("dcpclient/wire: stream request extras: want %d bytes, got %d", streamRequestExtrasLen, len(buf))
	}
	e.Flags = StreamRequestFlag(binary.BigEndian.Uint32(buf[0:4]))
	e.StartSeqno = binary.BigEndian.Uint64(buf[8:16])
	e.EndSeqno = binary.BigEndian.Uint64(buf[16:24])
	e.VBucketUUID = binary.BigEndian.Uint64(buf[24:32])
	e.SnapshotStart = binary.BigEndian.Uint64(buf[32:40])
	e.SnapshotEnd = binary.BigEndian.Uint64(buf[40:48])
	return e, nil
}

// ParseRollbackSeqno extracts the rollback-to sequence number carried
// in the body of a ROLLBACK response to DCP_STREAM_REQUEST.
func ParseRollbackSeqno(body []byte) (uint64, error) {
	if len(body) != 8 {
		return 0, fmt.Errorf("dcpclient/wire: rollback body: want 8 bytes, got %d", len(body))
	}
	return binary.BigEndian.Uint64(body), nil
}

// FailoverLogEntry is one (vbuuid, seqno) pair.
type FailoverLogEntry struct {
	VBucketUUID uint64
	Seqno       uint64
}

// ParseFailoverLog decodes the body of a successful DCP_STREAM_REQUEST
// or DCP_FAILOVER_LOG response: a sequence of 16-byte (vbuuid, seqno)
// pairs, newest entry first, per spec.md §3.
func ParseFailoverLog(body []byte) ([]FailoverLogEntry, error) {
	if len(body)%16 != 0 {
		return nil, fmt.Errorf("dcpclient/wire: failover log body length %d is not a multiple of 16", len(body))
	}
	entries := make([]FailoverLogEntry, len(body)/16)
	for i := range entries {
		off := i * 16
		entries[i] = FailoverLogEntry{
			VBucketUUID: binary.BigEndian.Uint64(body[off : off+8]),
			Seqno:       binary.BigEndian.Uint64(body[off+8 : off+16]),
		}
	}
	return entries, nil
}

func MarshalFailoverLog(entries []FailoverLogEntry) []byte {
	buf := make([]byte, len(entries)*16)
	for i, e := range entries {
		off := i * 16
		binary.BigEndian.PutUint64(buf[off:off+8], e.VBucketUUID)
		binary.BigEndian.PutUint64(buf[off+8:off+16], e.Seqno)
	}
	return buf
}

// MutationExtras is the extras payload common to DCP_MUTATION frames.
type MutationExtras struct {
	BySeqno    uint64
	RevSeqno   uint64
	Flags      uint32
	Expiration uint32
	LockTime   uint32
}

const mutationExtrasLen = 28

func ParseMutationExtras(buf []byte) (MutationExtras, error) {
	var m MutationExtras
	if len(buf) < mutationExtrasLen {
		return m, fmt.Errorf("dcpclient/wire: mutation extras: want at least %d bytes, got %d", mutationExtrasLen, len(buf))
	}
	m.BySeqno = binary.BigEndian.Uint64(buf[0:8])
	m.RevSeqno = binary.BigEndian.Uint64(buf[8:16])
	m.Flags = binary.BigEndian.Uint32(buf[16:20])
	m.Expiration = binary.BigEndian.Uint32(buf[20:24])
	m.LockTime = binary.BigEndian.Uint32(buf[24:28])
	return m, nil
}

// DeletionExtras is the extras payload of DCP_DELETION/DCP_EXPIRATION
// frames. Two on-wire shapes exist; ParseDeletionExtras picks the
// right one from the extras length, as real DCP clients do.
type DeletionExtras struct {
	BySeqno    uint64
	RevSeqno   uint64
	DeleteTime uint32 // only set when the collections-aware (V2) shape was used
}

func ParseDeletionExtras(buf []byte) (DeletionExtras, error) {
	var d DeletionExtras
	switch len(buf) {
	case 18: // by_seqno, rev_seqno, nmeta
		d.BySeqno = binary.BigEndian.Uint64(buf[0:8])
		d.RevSeqno = binary.BigEndian.Uint64(buf[8:16])
	case 20: // by_seqno, rev_seqno, delete_time (collections-aware)
		d.BySeqno = binary.BigEndian.Uint64(buf[0:8])
		d.RevSeqno = binary.BigEndian.Uint64(buf[8:16])
		d.DeleteTime = binary.BigEndian.Uint32(buf[16:20])
	default:
		return d, fmt.Errorf("dcpclient/wire: deletion extras: unexpected length %d", len(buf))
	}
	return d, nil
}

// SnapshotMarkerExtras is the extras payload of DCP_SNAPSHOT_MARKER.
type SnapshotMarkerExtras struct {
	Start uint64
	End   uint64
	Flags SnapshotFlag
}

const snapshotMarkerExtrasLen = 20

func ParseSnapshotMarkerExtras(buf []byte) (SnapshotMarkerExtras, error) {
	var s SnapshotMarkerExtras
	if len(buf) != snapshotMarkerExtrasLen {
		return s, fmt.Errorf("dcpclient/wire: snapshot marker extras: want %d bytes, got %d", snapshotMarkerExtrasLen, len(buf))
	}
	s.Start = binary.BigEndian.Uint64(buf[0:8])
	s.End = binary.BigEndian.Uint64(buf[8:16])
	s.Flags = SnapshotFlag(binary.BigEndian.Uint32(buf[16:20]))
	return s, nil
}

func (s SnapshotMarkerExtras) Marshal() []byte {
	buf := make([]byte, snapshotMarkerExtrasLen)
	binary.BigEndian.PutUint64(buf[0:8], s.Start)
	binary.BigEndian.PutUint64(buf[8:16], s.End)
	binary.BigEndian.PutUint32(buf[16:20], uint32(s.Flags))
	return buf
}

// SystemEventExtras is the extras payload of DCP_SYSTEM_EVENT.
type SystemEventExtras struct {
	BySeqno uint64
	Type    SystemEventType
	Version uint8
}

const systemEventExtrasLen = 13

func ParseSystemEventExtras(buf []byte) (SystemEventExtras, error) {
	var e SystemEventExtras
	if len(buf) != systemEventExtrasLen {
		return e, fmt.Errorf("dcpclient/wire: system event extras: want %d bytes, got %d", systemEventExtrasLen, len(buf))
	}
	e.BySeqno = binary.BigEndian.Uint64(buf[0:8])
	e.Type = SystemEventType(binary.BigEndian.Uint32(buf[8:12]))
	e.Version = buf[12]
	return e, nil
}

// ParseSeqnoAdvancedExtras decodes the extras of DCP_SEQNO_ADVANCED:
// a single by_seqno.
func ParseSeqnoAdvancedExtras(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, fmt.Errorf("dcpclient/wire: seqno-advanced extras: want 8 bytes, got %d", len(buf))
	}
	return binary.BigEndian.Uint64(buf), nil
}

// OSOSnapshotFlag distinguishes the begin/end markers of an
// out-of-sequence-order snapshot.
type OSOSnapshotFlag uint32

const (
	OSOSnapshotBegin OSOSnapshotFlag = 0x01
	OSOSnapshotEnd   OSOSnapshotFlag = 0x02
)

func ParseOSOSnapshotExtras(buf []byte) (OSOSnapshotFlag, error) {
	if len(buf) != 4 {
		return 0, fmt.Errorf("dcpclient/wire: OSO snapshot extras: want 4 bytes, got %d", len(buf))
	}
	return OSOSnapshotFlag(binary.BigEndian.Uint32(buf)), nil
}

// MarshalBufferAck encodes the body of a DCP_BUFFER_ACK request: the
// cumulative number of acknowledged bytes.
func MarshalBufferAck(ackedBytes uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, ackedBytes)
	return buf
}

// MarshalOpenConnectionExtras encodes the extras of DCP_OPEN_CONNECTION.
func MarshalOpenConnectionExtras(seqno, flags uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], seqno)
	binary.BigEndian.PutUint32(buf[4:8], flags)
	return buf
}

// OpenConnectionFlag bits for DCP_OPEN_CONNECTION.
type OpenConnectionFlag uint32

const (
	OpenConnectionFlagProducer OpenConnectionFlag = 0x01
)

// MarshalHelloFeatures encodes the requested-feature list for a HELLO
// request body: a sequence of big-endian uint16 feature codes.
func MarshalHelloFeatures(features []Feature) []byte {
	buf := make([]byte, len(features)*2)
	for i, f := range features {
		binary.BigEndian.PutUint16(buf[i*2:i*2+2], uint16(f))
	}
	return buf
}

// ParseHelloFeatures decodes a HELLO response body into the feature
// list the server agreed to honor.
func ParseHelloFeatures(body []byte) ([]Feature, error) {
	if len(body)%2 != 0 {
		return nil, fmt.Errorf("dcpclient/wire: HELLO response body length %d is odd", len(body))
	}
	features := make([]Feature, len(body)/2)
	for i := range features {
		features[i] = Feature(binary.BigEndian.Uint16(body[i*2 : i*2+2]))
	}
	return features, nil
}

// ParseVBucketSeqnos decodes a GET_ALL_VB_SEQNOS response: a run of
// (vbid uint16, highSeqno uint64) pairs, ten bytes each, in the
// no-state-filter reply shape.
func ParseVBucketSeqnos(body []byte) (map[uint16]uint64, error) {
	if len(body)%10 != 0 {
		return nil, fmt.Errorf("dcpclient/wire: GET_ALL_VB_SEQNOS response length %d is not a multiple of 10", len(body))
	}
	out := make(map[uint16]uint64, len(body)/10)
	for off := 0; off < len(body); off += 10 {
		vbno := binary.BigEndian.Uint16(body[off : off+2])
		out[vbno] = binary.BigEndian.Uint64(body[off+2 : off+10])
	}
	return out, nil
}
