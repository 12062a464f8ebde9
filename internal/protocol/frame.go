package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize caps a single framed payload.  Anything larger is treated as a
// corrupt length header rather than an honest payload.
const MaxFrameSize = 16 << 20

// WriteFrame writes the 4-byte big-endian length header followed by payload.
// The two writes are issued as one buffer so concurrent writers holding the
// same socket lock can never interleave a header with a foreign payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload.  Exactly the advertised number
// of bytes is consumed; a short read is a transport error, not an empty frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return payload, nil
}

// WriteMessage encodes m with codec and writes it as one frame.
func WriteMessage(w io.Writer, codec Codec, m *Message) error {
	payload, err := codec.Encode(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads one frame and decodes it with codec.
func ReadMessage(r io.Reader, codec Codec) (*Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return codec.Decode(payload)
}
