package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []*Frame{
		{
			Header: Header{Request: true, Opcode: DcpStreamRequest, VBucket: 42, Opaque: 42, Cas: 0},
			Extras: make([]byte, 48),
		},
		{
			Header: Header{Request: false, Opcode: DcpMutation, Status: Success, Opaque: 7, Cas: 938424885},
			Extras: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			Key:    []byte("somekey"),
			Value:  []byte("somevalue"),
		},
		{
			Header: Header{Request: false, Opcode: DcpStreamEnd, Status: Success, Opaque: 3},
			Extras: []byte{0, 0, 0, 0},
		},
	}

	for _, want := range cases {
		buf := want.Marshal()
		codec := NewCodec(bytes.NewBuffer(buf))
		got, err := codec.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want.Header, got.Header)
		assert.Equal(t, want.Extras, got.Extras)
		assert.Equal(t, want.Key, got.Key)
		assert.Equal(t, want.Value, got.Value)
	}
}

func TestEncodingMatchesKnownBytes(t *testing.T) {
	// Reproduces the layout assertion from the teacher's
	// mc_req_test.go TestEncodingRequest, adapted to a DCP request.
	f := &Frame{
		Header: Header{Request: true, Opcode: Set, VBucket: 824, Opaque: 7242, Cas: 938424885},
		Key:    []byte("somekey"),
		Value:  []byte("somevalue"),
	}
	got := f.Marshal()
	want := []byte{
		magicRequest, byte(Set),
		0x0, 0x7, // key length
		0x0,       // extras length
		0x0,       // datatype
		0x3, 0x38, // vbucket
		0x0, 0x0, 0x0, 0x10, // total body length
		0x0, 0x0, 0x1c, 0x4a, // opaque
		0x0, 0x0, 0x0, 0x0, 0x37, 0xef, 0x3a, 0x35, // cas
		's', 'o', 'm', 'e', 'k', 'e', 'y',
		's', 'o', 'm', 'e', 'v', 'a', 'l', 'u', 'e',
	}
	assert.Equal(t, want, got)
}

func TestUnmarshalHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = 0x00
	_, err := UnmarshalHeader(buf)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestUnmarshalHeaderRejectsInconsistentLengths(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = magicRequest
	buf[2] = 0xff // keylen larger than bodylen
	buf[3] = 0xff
	_, err := UnmarshalHeader(buf)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReadFrameNeverPartial(t *testing.T) {
	f := &Frame{Header: Header{Request: true, Opcode: Noop}}
	full := f.Marshal()
	// Truncate to simulate a short read; ReadFrame must error, not
	// return a zero-value partial frame.
	codec := NewCodec(bytes.NewBuffer(full[:HeaderLen-1]))
	_, err := codec.ReadFrame()
	assert.Error(t, err)
}
