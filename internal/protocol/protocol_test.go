package protocol

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

func sampleMessages() []*Message {
	return []*Message{
		{Cmd: CmdCreate, Src: "alice", Body: "s3cret"},
		{Cmd: CmdSend, Src: "alice", To: "bob", Body: "hello bob"},
		{Cmd: CmdDeliver, Src: "alice", Body: "hello bob", MsgIDs: []string{"id-1"}},
		{Cmd: CmdDeliver, Src: "bob", Limit: 5},
		{Cmd: CmdDeleteMsgs, Src: "bob", MsgIDs: []string{"id-1", "id-2", "id-3"}},
		{Cmd: CmdLogin, Body: "Username/Password error", Error: true},
		{Cmd: CmdServerStatus, Body: "server is in transition, please retry", Error: true},
		{Cmd: CmdList, Body: ""},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, BinaryCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			for _, want := range sampleMessages() {
				data, err := codec.Encode(want)
				if err != nil {
					t.Fatalf("encode %+v: %v", want, err)
				}
				got, err := codec.Decode(data)
				if err != nil {
					t.Fatalf("decode %+v: %v", want, err)
				}
				if !reflect.DeepEqual(got, want) {
					t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, want)
				}
			}
		})
	}
}

func TestBinaryLayout(t *testing.T) {
	m := &Message{Cmd: "send", Src: "a", To: "bb", Body: "hi", Error: true, Limit: 7}
	data, err := (BinaryCodec{}).Encode(m)
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{
		4, 's', 'e', 'n', 'd', // len1(cmd) ‖ cmd
		1, 'a', // len1(src) ‖ src
		2, 'b', 'b', // len1(to) ‖ to
		0, 2, 'h', 'i', // len2(body) ‖ body
		1,    // error byte
		0, 0, // len2(msg_ids payload) — empty
		0, 7, // limit
	}
	if !bytes.Equal(data, want) {
		t.Errorf("layout mismatch:\n got  %v\n want %v", data, want)
	}
}

func TestBinaryDecodeTruncated(t *testing.T) {
	m := &Message{Cmd: "deliver", Src: "alice", Body: "hello", MsgIDs: []string{"x"}}
	data, err := (BinaryCodec{}).Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	// Every strict prefix must fail cleanly, never panic.
	for n := 0; n < len(data); n++ {
		if _, err := (BinaryCodec{}).Decode(data[:n]); err == nil {
			t.Errorf("decode of %d/%d bytes succeeded", n, len(data))
		}
	}
}

// Bodies are arbitrary bytes, not text.  The binary codec must carry any
// byte sequence intact, right up to the 0xFFFF length cap.  The JSON codec
// makes no such promise: encoding/json replaces invalid UTF-8 with U+FFFD,
// so only the binary codec is exercised here.
func TestBinaryBodyBoundary(t *testing.T) {
	raw := make([]byte, 0xFFFF)
	for i := range raw {
		raw[i] = byte(i * 31) // cycles through all values, incl. invalid UTF-8
	}
	want := &Message{Cmd: CmdSend, Src: "alice", To: "bob", Body: string(raw)}

	data, err := (BinaryCodec{}).Encode(want)
	if err != nil {
		t.Fatalf("encode max body: %v", err)
	}
	got, err := (BinaryCodec{}).Decode(data)
	if err != nil {
		t.Fatalf("decode max body: %v", err)
	}
	if got.Body != want.Body {
		t.Error("max-length body corrupted in round trip")
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch outside body: got %+v", got)
	}

	// One byte past the cap is refused, not truncated.
	over := string(make([]byte, 0x10000))
	if _, err := (BinaryCodec{}).Encode(&Message{Cmd: CmdSend, Body: over}); err == nil {
		t.Error("body one past the length cap accepted")
	}
}

func TestBinaryEncodeFieldLimits(t *testing.T) {
	long := make([]byte, 0x100)
	if _, err := (BinaryCodec{}).Encode(&Message{Cmd: string(long)}); err == nil {
		t.Error("oversized cmd accepted")
	}
	if _, err := (BinaryCodec{}).Encode(&Message{Cmd: "send", Src: string(long)}); err == nil {
		t.Error("oversized src accepted")
	}
	bigBody := make([]byte, 0x10000)
	if _, err := (BinaryCodec{}).Encode(&Message{Cmd: "send", Body: string(bigBody)}); err == nil {
		t.Error("oversized body accepted")
	}
}

func TestForMode(t *testing.T) {
	if ForMode(false).Name() != "json" {
		t.Error("default mode should select the json codec")
	}
	if ForMode(true).Name() != "binary" {
		t.Error("custom mode should select the binary codec")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		[]byte("first"),
		{},
		[]byte("third, after an empty frame"),
	}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatal(err)
		}
	}
	for i, want := range payloads {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d: got %q, want %q", i, got, want)
		}
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	buf.Write(header[:])
	if _, err := ReadFrame(&buf); err == nil {
		t.Error("oversized length header accepted")
	}
}

func TestReadFrameShortBody(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 10)
	buf.Write(header[:])
	buf.WriteString("short")
	if _, err := ReadFrame(&buf); err == nil {
		t.Error("truncated frame body accepted")
	}
}

func TestWriteReadMessage(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, BinaryCodec{}} {
		var buf bytes.Buffer
		want := &Message{Cmd: CmdSend, Src: "alice", To: "bob", Body: "framed"}
		if err := WriteMessage(&buf, codec, want); err != nil {
			t.Fatal(err)
		}
		got, err := ReadMessage(&buf, codec)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s: got %+v, want %+v", codec.Name(), got, want)
		}
	}
}
