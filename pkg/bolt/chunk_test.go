package bolt

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkRoundTrip(t *testing.T) {
	sizes := []int{1, 15, 255, 65534, 65535, 65536, 200000}
	for _, n := range sizes {
		msg := bytes.Repeat([]byte{0x42}, n)
		framed := appendChunked(nil, msg)

		d := newDechunker(bytes.NewReader(framed))
		out, err := d.read()
		require.NoError(t, err, "size %d", n)
		assert.Equal(t, msg, out, "size %d", n)
	}
}

func TestChunkBoundariesInvisible(t *testing.T) {
	// Hand-framed message split at an arbitrary boundary must
	// reassemble identically to a single-chunk framing.
	msg := []byte("abcdefghij")
	var framed []byte
	framed = append(framed, 0x00, 0x03, 'a', 'b', 'c')
	framed = append(framed, 0x00, 0x07, 'd', 'e', 'f', 'g', 'h', 'i', 'j')
	framed = append(framed, 0x00, 0x00)

	out, err := newDechunker(bytes.NewReader(framed)).read()
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestChunkNoopSkipped(t *testing.T) {
	var framed []byte
	framed = append(framed, 0x00, 0x00) // keep-alive before the message
	framed = appendChunked(framed, []byte("hi"))

	out, err := newDechunker(bytes.NewReader(framed)).read()
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), out)
}

func TestChunkTruncated(t *testing.T) {
	framed := appendChunked(nil, []byte("hello"))

	// Cut inside the payload.
	_, err := newDechunker(bytes.NewReader(framed[:4])).read()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Cut before the end-of-message marker: the next header read
	// hits EOF.
	_, err = newDechunker(bytes.NewReader(framed[:len(framed)-2])).read()
	require.Error(t, err)
}

func TestChunkMultipleMessages(t *testing.T) {
	var framed []byte
	framed = appendChunked(framed, []byte("first"))
	framed = appendChunked(framed, []byte("second"))

	d := newDechunker(bytes.NewReader(framed))
	out, err := d.read()
	require.NoError(t, err)
	first := string(out) // the read buffer is reused, copy before the next read
	out, err = d.read()
	require.NoError(t, err)
	assert.Equal(t, "first", first)
	assert.Equal(t, "second", string(out))
}
