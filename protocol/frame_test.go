package protocol

import (
	"bytes"
	"testing"

	"duplexrpc/codec"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := frameHeader{Codec: codec.CodecTypeJSON, Type: msgTypeRequest, BodyLen: 5}
	if err := encodeFrame(&buf, h, []byte("hello")); err != nil {
		t.Fatalf("encodeFrame failed: %v", err)
	}

	gotHeader, gotBody, err := decodeFrame(&buf)
	if err != nil {
		t.Fatalf("decodeFrame failed: %v", err)
	}
	if gotHeader.Codec != h.Codec || gotHeader.Type != h.Type {
		t.Fatalf("header mismatch: got %+v, want %+v", gotHeader, h)
	}
	if string(gotBody) != "hello" {
		t.Fatalf("body mismatch: got %q", gotBody)
	}
}

func TestDecodeFrameRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, version, 0, 0, 0, 0, 0, 0})
	if _, _, err := decodeFrame(&buf); err == nil {
		t.Fatal("expected an error for a bad magic number")
	}
}

func TestDecodeFrameRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	h := frameHeader{Codec: codec.CodecTypeJSON, Type: msgTypeRequest, BodyLen: maxBodyLen + 1}
	headerBytes := []byte{magicByte1, magicByte2, magicByte3, version, byte(h.Codec), byte(h.Type)}
	buf.Write(headerBytes)
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff}) // bodyLen larger than maxBodyLen
	if _, _, err := decodeFrame(&buf); err == nil {
		t.Fatal("expected an error for an oversized body length")
	}
}
