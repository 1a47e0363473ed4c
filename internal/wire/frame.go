// Package wire implements the two framings used on mesh links, the UDP
// beacon format, and the fixed keepalive frame. Stream frame encode/decode
// round-trips for any payload up to MaxStreamFrameSize, and the datagram
// fragment split/reassemble pair round-trips for any payload that fits in
// Reassembler's bookkeeping limits.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

// MaxStreamFrameSize is the largest JSON payload a stream frame may
// carry; oversize frames MUST cause the caller to reset the link.
const MaxStreamFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned by Frame and ReadFrame when a length
// exceeds MaxStreamFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// Frame wraps an already-serialised payload with the 4-byte big-endian
// length prefix used by the stream framing.
func Frame(payload []byte) ([]byte, error) {
	if len(payload) > MaxStreamFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

// EncodeMessage JSON-marshals v and frames the result.
func EncodeMessage(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Frame(b)
}

// ReadFrame reads one length-prefixed JSON payload from r, validating
// the length against MaxStreamFrameSize before allocating the buffer.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxStreamFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// DecodeMessage reads one frame from r and JSON-unmarshals it into v.
func DecodeMessage(r io.Reader, v interface{}) error {
	payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
