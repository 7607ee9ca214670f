package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderLen is the fixed size of a DCP/memcached binary protocol
// header, reproduced byte-for-byte from the layout asserted by the
// teacher's mc_req_test.go (TestEncodingRequest) and mc_res.go.
const HeaderLen = 24

// BodyLengthOffset is the byte offset of the 4-byte big-endian total
// body length field within the header, per spec.md §4.1.
const BodyLengthOffset = 8

const (
	magicRequest  = 0x80
	magicResponse = 0x81
)

// Header is the 24-byte frame header common to every DCP/memcached
// message.
type Header struct {
	Request    bool
	Opcode     Opcode
	KeyLen     uint16
	ExtrasLen  uint8
	DataType   uint8
	// VBucket carries the vbucket id on request frames and the Status
	// code on response frames — both occupy the same 2 bytes at the
	// same offset, per spec.md §4.1.
	VBucket uint16
	Status  Status
	BodyLen uint32
	Opaque  uint32
	Cas     uint64
}

// Frame is a fully decoded DCP/memcached message: header plus the
// extras/key/value segments that make up the body.
type Frame struct {
	Header
	Extras []byte
	Key    []byte
	Value  []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("{%s opcode=%s opaque=%d vb=%d status=%s keylen=%d extlen=%d bodylen=%d}",
		reqOrResp(f.Request), f.Opcode, f.Opaque, f.VBucket, f.Status, len(f.Key), len(f.Extras), len(f.Value))
}

func reqOrResp(isReq bool) string {
	if isReq {
		return "REQ"
	}
	return "RESP"
}

// Size returns the number of bytes this frame occupies on the wire.
func (f *Frame) Size() int {
	return HeaderLen + len(f.Extras) + len(f.Key) + len(f.Value)
}

// Marshal encodes the frame to its wire representation.
func (f *Frame) Marshal() []byte {
	buf := make([]byte, f.Size())
	pos := 0
	if f.Request {
		buf[pos] = magicRequest
	} else {
		buf[pos] = magicResponse
	}
	pos++
	buf[pos] = byte(f.Opcode)
	pos++
	binary.BigEndian.PutUint16(buf[pos:pos+2], uint16(len(f.Key)))
	pos += 2
	buf[pos] = uint8(len(f.Extras))
	pos++
	buf[pos] = f.DataType
	pos++
	if f.Request {
		binary.BigEndian.PutUint16(buf[pos:pos+2], f.VBucket)
	} else {
		binary.BigEndian.PutUint16(buf[pos:pos+2], uint16(f.Status))
	}
	pos += 2
	binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(len(f.Extras)+len(f.Key)+len(f.Value)))
	pos += 4
	binary.BigEndian.PutUint32(buf[pos:pos+4], f.Opaque)
	pos += 4
	binary.BigEndian.PutUint64(buf[pos:pos+8], f.Cas)
	pos += 8

	pos += copy(buf[pos:], f.Extras)
	pos += copy(buf[pos:], f.Key)
	copy(buf[pos:], f.Value)
	return buf
}

// ErrMalformedFrame is returned when a header's magic byte or derived
// body length is invalid; per spec.md §4.1 this is fatal for the
// channel that produced it.
var ErrMalformedFrame = fmt.Errorf("dcpclient/wire: malformed frame header")

// UnmarshalHeader decodes the fixed 24-byte header. buf must be
// exactly HeaderLen bytes.
func UnmarshalHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) != HeaderLen {
		return h, ErrMalformedFrame
	}
	switch buf[0] {
	case magicRequest:
		h.Request = true
	case magicResponse:
		h.Request = false
	default:
		return h, ErrMalformedFrame
	}
	h.Opcode = Opcode(buf[1])
	h.KeyLen = binary.BigEndian.Uint16(buf[2:4])
	h.ExtrasLen = buf[4]
	h.DataType = buf[5]
	statusOrVB := binary.BigEndian.Uint16(buf[6:8])
	if h.Request {
		h.VBucket = statusOrVB
	} else {
		h.Status = Status(statusOrVB)
	}
	h.BodyLen = binary.BigEndian.Uint32(buf[8:12])
	h.Opaque = binary.BigEndian.Uint32(buf[12:16])
	h.Cas = binary.BigEndian.Uint64(buf[16:24])
	if uint32(h.ExtrasLen)+uint32(h.KeyLen) > h.BodyLen {
		return h, ErrMalformedFrame
	}
	return h, nil
}

// Codec reads and writes complete frames from an underlying stream.
// It never returns a partial frame: ReadFrame blocks until a full
// header and body have been read or the connection errors, matching
// spec.md §4.1's "the decoder emits complete frames, never partial".
type Codec struct {
	rw      io.ReadWriter
	hdrBuf  [HeaderLen]byte
}

func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw}
}

// ReadFrame reads and decodes the next complete frame.
func (c *Codec) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(c.rw, c.hdrBuf[:]); err != nil {
		return nil, err
	}
	hdr, err := UnmarshalHeader(c.hdrBuf[:])
	if err != nil {
		return nil, err
	}
	body := make([]byte, hdr.BodyLen)
	if len(body) > 0 {
		if _, err := io.ReadFull(c.rw, body); err != nil {
			return nil, err
		}
	}
	f := &Frame{Header: hdr}
	f.Extras = body[:hdr.ExtrasLen]
	f.Key = body[hdr.ExtrasLen : uint32(hdr.ExtrasLen)+uint32(hdr.KeyLen)]
	f.Value = body[uint32(hdr.ExtrasLen)+uint32(hdr.KeyLen):]
	return f, nil
}

// WriteFrame encodes and writes a frame in full.
func (c *Codec) WriteFrame(f *Frame) error {
	_, err := c.rw.Write(f.Marshal())
	return err
}
