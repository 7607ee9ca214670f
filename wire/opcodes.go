package wire

// Opcode identifies a memcached/DCP binary protocol command.
//
// The numeric values match the on-wire values used by real Couchbase
// clusters (and by github.com/couchbase/gomemcached, whose CommandCode
// table this mirrors) so that a Codec built on this package interops
// with a real server per spec.md §6.
type Opcode uint8

const (
	Get      Opcode = 0x00
	Set      Opcode = 0x01
	Delete   Opcode = 0x04
	Noop     Opcode = 0x0a
	Version  Opcode = 0x0b
	Hello    Opcode = 0x1f
	GetAllVBSeqnos Opcode = 0x48

	SaslListMechs Opcode = 0x20
	SaslAuth      Opcode = 0x21
	SaslStep      Opcode = 0x22

	SelectBucket Opcode = 0x89
	ObserveSeqno Opcode = 0x91

	GetClusterConfig Opcode = 0xb5

	// DCP / UPR opcodes. UPR is the pre-rename spelling still used on
	// the wire; the constant names use the DCP terminology from
	// spec.md §4.1.
	DcpOpenConnection Opcode = 0x50
	DcpAddStream      Opcode = 0x51
	DcpCloseStream    Opcode = 0x52
	DcpStreamRequest  Opcode = 0x53
	DcpFailoverLog    Opcode = 0x54
	DcpStreamEnd      Opcode = 0x55
	DcpSnapshotMarker Opcode = 0x56
	DcpMutation       Opcode = 0x57
	DcpDeletion       Opcode = 0x58
	DcpExpiration     Opcode = 0x59
	DcpFlush          Opcode = 0x5a
	DcpNoop           Opcode = 0x5c
	DcpBufferAck      Opcode = 0x5d
	DcpControl        Opcode = 0x5e
	DcpSystemEvent    Opcode = 0x5f
	DcpSeqnoAdvanced  Opcode = 0x64
	DcpOsoSnapshot    Opcode = 0x65
)

var opcodeNames = map[Opcode]string{
	Get:               "GET",
	Set:               "SET",
	Delete:            "DELETE",
	Noop:              "NOOP",
	Version:           "VERSION",
	Hello:             "HELLO",
	GetAllVBSeqnos:    "GET_ALL_VB_SEQNOS",
	SaslListMechs:     "SASL_LIST_MECHS",
	SaslAuth:          "SASL_AUTH",
	SaslStep:          "SASL_STEP",
	SelectBucket:      "SELECT_BUCKET",
	ObserveSeqno:      "OBSERVE_SEQNO",
	GetClusterConfig:  "GET_CLUSTER_CONFIG",
	DcpOpenConnection: "DCP_OPEN_CONNECTION",
	DcpAddStream:      "DCP_ADD_STREAM",
	DcpCloseStream:    "DCP_CLOSE_STREAM",
	DcpStreamRequest:  "DCP_STREAM_REQUEST",
	DcpFailoverLog:    "DCP_FAILOVER_LOG",
	DcpStreamEnd:      "DCP_STREAM_END",
	DcpSnapshotMarker: "DCP_SNAPSHOT_MARKER",
	DcpMutation:       "DCP_MUTATION",
	DcpDeletion:       "DCP_DELETION",
	DcpExpiration:     "DCP_EXPIRATION",
	DcpFlush:          "DCP_FLUSH",
	DcpNoop:           "DCP_NOOP",
	DcpBufferAck:      "DCP_BUFFER_ACK",
	DcpControl:        "DCP_CONTROL",
	DcpSystemEvent:    "DCP_SYSTEM_EVENT",
	DcpSeqnoAdvanced:  "DCP_SEQNO_ADVANCED",
	DcpOsoSnapshot:    "DCP_OSO_SNAPSHOT",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "UNKNOWN_OPCODE"
}

// Feature is a HELLO negotiation feature code (spec.md §4.2). Values
// match the real HELO feature codes on the wire.
type Feature uint16

const (
	FeatureTCPNoDelay                    Feature = 0x03
	FeatureCollections                   Feature = 0x12
	FeatureSnappy                        Feature = 0x0a
	FeatureXattr                         Feature = 0x06
	FeatureSelectBucket                  Feature = 0x08
	FeatureClustermapChangeNotification  Feature = 0x0f
	FeatureXerror                        Feature = 0x07
	FeatureAltRequestSupport             Feature = 0x10
)

// SystemEventType distinguishes DCP_SYSTEM_EVENT payloads.
type SystemEventType uint32

const (
	SystemEventCreateCollection SystemEventType = 0
	SystemEventDropCollection   SystemEventType = 1
	SystemEventFlushCollection  SystemEventType = 2
	SystemEventCreateScope      SystemEventType = 3
	SystemEventDropScope        SystemEventType = 4
)

// SnapshotFlag bits carried in a DCP_SNAPSHOT_MARKER's flags extra.
type SnapshotFlag uint32

const (
	SnapshotDisk       SnapshotFlag = 0x1
	SnapshotMemory     SnapshotFlag = 0x2
	SnapshotAck        SnapshotFlag = 0x8
	SnapshotCheckpoint SnapshotFlag = 0x10
)

func (f SnapshotFlag) Has(bit SnapshotFlag) bool { return f&bit != 0 }

// StreamRequestFlag bits sent with DCP_STREAM_REQUEST.
type StreamRequestFlag uint32

const (
	StreamFlagNone           StreamRequestFlag = 0x0
	StreamFlagIgnoreTombstones StreamRequestFlag = 0x80
	StreamFlagActiveVBOnly   StreamRequestFlag = 0x10
)
