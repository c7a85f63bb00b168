package bolt

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Chunk framing: a message travels as a sequence of chunks, each a
// big-endian uint16 length followed by that many payload bytes, and
// ends with a zero-length chunk. Zero-length chunks between messages
// are keep-alive no-ops and are skipped.
const maxChunkSize = 0xFFFF

// appendChunked appends msg to dst in chunked form, including the
// end-of-message marker.
func appendChunked(dst, msg []byte) []byte {
	for len(msg) > 0 {
		n := len(msg)
		if n > maxChunkSize {
			n = maxChunkSize
		}
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
		dst = append(dst, msg[:n]...)
		msg = msg[n:]
	}
	return append(dst, 0x00, 0x00)
}

// dechunker reassembles messages from the chunked byte stream.
type dechunker struct {
	rd  *bufio.Reader
	buf []byte
}

func newDechunker(r io.Reader) *dechunker {
	return &dechunker{rd: bufio.NewReaderSize(r, 8192)}
}

// read returns the next complete message. The returned slice is only
// valid until the next call. A short read mid-chunk means the peer
// violated the framing and the connection cannot be recovered.
func (d *dechunker) read() ([]byte, error) {
	d.buf = d.buf[:0]
	for {
		var header [2]byte
		if _, err := io.ReadFull(d.rd, header[:]); err != nil {
			return nil, err
		}
		size := int(binary.BigEndian.Uint16(header[:]))
		if size == 0 {
			if len(d.buf) == 0 {
				continue // no-op chunk between messages
			}
			return d.buf, nil
		}
		off := len(d.buf)
		d.buf = append(d.buf, make([]byte, size)...)
		if _, err := io.ReadFull(d.rd, d.buf[off:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("bolt: truncated chunk: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
	}
}
