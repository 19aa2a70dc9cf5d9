// Package protocol implements the per-connection message exchange protocol:
// the identification handshake, the length-framed envelope wire format, and
// the client/server/subscriber state machine that multiplexes request and
// response pairs over one long-lived connection.
//
// It solves TCP's sticky packet problem the same way the teacher's original
// frame layout did: a fixed-size header carries the body length, so the
// receiver always knows exactly how many more bytes make up the envelope.
// The per-message sequence number the teacher used for multiplexing is
// dropped — the exchange protocol guarantees at most one envelope in flight
// per direction per connection (see ExchangeAsClient/ExchangeAsServer), so a
// sequence number would be redundant.
//
// Frame format:
//
//	0      3  4  5  6             10
//	┌──────┬──┬──┬──┬─────────────┐───────────────┐
//	│magic │v │ct│mt│   bodyLen   │    body ...    │
//	│ hlx  │01│  │  │   uint32    │  bodyLen bytes │
//	└──────┴──┴──┴──┴─────────────┘───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"duplexrpc/codec"
)

const (
	magicByte1 byte = 0x68 // 'h'
	magicByte2 byte = 0x6c // 'l'
	magicByte3 byte = 0x78 // 'x'
	version    byte = 0x01
	headerSize int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)

	// maxBodyLen guards against a corrupted or hostile peer claiming an
	// enormous body length and forcing an equally enormous allocation.
	maxBodyLen uint32 = 64 << 20 // 64 MiB
)

// msgType distinguishes a request envelope from a response envelope.
type msgType byte

const (
	msgTypeRequest  msgType = 0
	msgTypeResponse msgType = 1
)

type frameHeader struct {
	Codec   codec.CodecType
	Type    msgType
	BodyLen uint32
}

// encodeFrame writes one complete frame (header + body) to w.
func encodeFrame(w io.Writer, h frameHeader, body []byte) error {
	buf := make([]byte, headerSize)
	buf[0], buf[1], buf[2] = magicByte1, magicByte2, magicByte3
	buf[3] = version
	buf[4] = byte(h.Codec)
	buf[5] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// decodeFrame reads one complete frame (header + body) from r, validating
// the magic number, version, and codec type before trusting the body
// length.
func decodeFrame(r io.Reader) (frameHeader, []byte, error) {
	headerBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return frameHeader{}, nil, err
	}

	if headerBuf[0] != magicByte1 || headerBuf[1] != magicByte2 || headerBuf[2] != magicByte3 {
		return frameHeader{}, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != version {
		return frameHeader{}, nil, fmt.Errorf("unsupported protocol version: %d", headerBuf[3])
	}
	ct := codec.CodecType(headerBuf[4])
	if ct != codec.CodecTypeJSON && ct != codec.CodecTypeBinary {
		return frameHeader{}, nil, fmt.Errorf("unsupported codec type: %d", ct)
	}
	mt := msgType(headerBuf[5])
	if mt != msgTypeRequest && mt != msgTypeResponse {
		return frameHeader{}, nil, fmt.Errorf("unsupported message type: %d", mt)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > maxBodyLen {
		return frameHeader{}, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return frameHeader{}, nil, err
		}
	}

	return frameHeader{Codec: ct, Type: mt, BodyLen: bodyLen}, body, nil
}
