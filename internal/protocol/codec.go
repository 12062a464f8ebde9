package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Codec converts a Message to and from its wire payload.  The payload never
// includes the 4-byte frame header; see frame.go for framing.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
	Name() string
}

// ForMode returns the cluster-wide codec: binary when custom is true,
// otherwise JSON.
func ForMode(custom bool) Codec {
	if custom {
		return BinaryCodec{}
	}
	return JSONCodec{}
}

// ---------------------------------------------------------------------------
// JSON codec
// ---------------------------------------------------------------------------

// JSONCodec encodes a Message as a single JSON object.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func (JSONCodec) Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode json message: %w", err)
	}
	return &m, nil
}

// ---------------------------------------------------------------------------
// Binary codec
// ---------------------------------------------------------------------------

// BinaryCodec encodes a Message as:
//
//	len1(cmd)‖cmd ‖ len1(src)‖src ‖ len1(to)‖to ‖ len2(body)‖body ‖
//	errorByte ‖ len2(idsPayload)‖idsPayload ‖ limit16
//
// lenN is an N-byte big-endian length, errorByte is 0x01/0x00, idsPayload is
// the JSON array of message ids (empty slice encodes as zero length), and
// limit16 is a big-endian uint16.
type BinaryCodec struct{}

func (BinaryCodec) Name() string { return "binary" }

func (BinaryCodec) Encode(m *Message) ([]byte, error) {
	if len(m.Cmd) > 0xFF {
		return nil, fmt.Errorf("binary encode: cmd exceeds %d bytes", 0xFF)
	}
	if len(m.Src) > 0xFF {
		return nil, fmt.Errorf("binary encode: src exceeds %d bytes", 0xFF)
	}
	if len(m.To) > 0xFF {
		return nil, fmt.Errorf("binary encode: to exceeds %d bytes", 0xFF)
	}
	if len(m.Body) > 0xFFFF {
		return nil, fmt.Errorf("binary encode: body exceeds %d bytes", 0xFFFF)
	}

	var ids []byte
	if len(m.MsgIDs) > 0 {
		var err error
		ids, err = json.Marshal(m.MsgIDs)
		if err != nil {
			return nil, fmt.Errorf("binary encode: marshal msg_ids: %w", err)
		}
		if len(ids) > 0xFFFF {
			return nil, fmt.Errorf("binary encode: msg_ids exceed %d bytes", 0xFFFF)
		}
	}

	out := make([]byte, 0, 1+len(m.Cmd)+1+len(m.Src)+1+len(m.To)+2+len(m.Body)+1+2+len(ids)+2)
	out = append(out, byte(len(m.Cmd)))
	out = append(out, m.Cmd...)
	out = append(out, byte(len(m.Src)))
	out = append(out, m.Src...)
	out = append(out, byte(len(m.To)))
	out = append(out, m.To...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(m.Body)))
	out = append(out, m.Body...)
	if m.Error {
		out = append(out, 0x01)
	} else {
		out = append(out, 0x00)
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(ids)))
	out = append(out, ids...)
	out = binary.BigEndian.AppendUint16(out, m.Limit)
	return out, nil
}

func (BinaryCodec) Decode(data []byte) (*Message, error) {
	var m Message
	pos := 0

	next1 := func(field string) (string, error) {
		if pos >= len(data) {
			return "", fmt.Errorf("binary decode: truncated before %s length", field)
		}
		n := int(data[pos])
		pos++
		if pos+n > len(data) {
			return "", fmt.Errorf("binary decode: truncated %s", field)
		}
		s := string(data[pos : pos+n])
		pos += n
		return s, nil
	}
	next2 := func(field string) ([]byte, error) {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("binary decode: truncated before %s length", field)
		}
		n := int(binary.BigEndian.Uint16(data[pos : pos+2]))
		pos += 2
		if pos+n > len(data) {
			return nil, fmt.Errorf("binary decode: truncated %s", field)
		}
		b := data[pos : pos+n]
		pos += n
		return b, nil
	}

	var err error
	if m.Cmd, err = next1("cmd"); err != nil {
		return nil, err
	}
	if m.Src, err = next1("src"); err != nil {
		return nil, err
	}
	if m.To, err = next1("to"); err != nil {
		return nil, err
	}
	body, err := next2("body")
	if err != nil {
		return nil, err
	}
	m.Body = string(body)

	if pos >= len(data) {
		return nil, fmt.Errorf("binary decode: truncated error byte")
	}
	m.Error = data[pos] == 0x01
	pos++

	ids, err := next2("msg_ids")
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if err := json.Unmarshal(ids, &m.MsgIDs); err != nil {
			return nil, fmt.Errorf("binary decode: unmarshal msg_ids: %w", err)
		}
	}

	if pos+2 > len(data) {
		return nil, fmt.Errorf("binary decode: truncated limit")
	}
	m.Limit = binary.BigEndian.Uint16(data[pos : pos+2])
	return &m, nil
}
