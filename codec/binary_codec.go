package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"duplexrpc/message"
)

// BinaryCodec is a hand-rolled, self-describing length-prefixed encoding for
// RequestMessage/ResponseMessage, offered as a leaner alternative to JSON
// for deployments that want to shave the reflection and string-parsing cost
// out of every envelope. It never needs to understand a nested envelope's
// argument types: RequestMessage.Params and ResponseMessage.Result are
// already-serialized bytes (json.RawMessage) by the time they reach here,
// so the binary codec just has to frame them, not parse them.
type BinaryCodec struct{}

const (
	tagRequest  byte = 0x01
	tagResponse byte = 0x02
)

func putString(buf *[]byte, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	*buf = append(*buf, lenBuf[:]...)
	*buf = append(*buf, s...)
}

func getString(data []byte, offset int) (string, int, error) {
	if offset+4 > len(data) {
		return "", offset, errors.New("BinaryCodec: truncated length prefix")
	}
	n := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if offset+n > len(data) {
		return "", offset, errors.New("BinaryCodec: truncated field")
	}
	return string(data[offset : offset+n]), offset + n, nil
}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.RequestMessage:
		buf := []byte{tagRequest}
		putString(&buf, msg.ActivityID)
		putString(&buf, msg.RequestID)
		putString(&buf, msg.DestinationURI)
		putString(&buf, msg.ServiceName)
		putString(&buf, msg.MethodName)

		var countBuf [4]byte
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(msg.Params)))
		buf = append(buf, countBuf[:]...)
		for _, p := range msg.Params {
			putString(&buf, string(p))
		}
		return buf, nil

	case *message.ResponseMessage:
		buf := []byte{tagResponse}
		putString(&buf, msg.RequestID)
		if msg.IsError() {
			buf = append(buf, 1)
			putString(&buf, msg.Err.Message)
			putString(&buf, msg.Err.Remote)
		} else {
			buf = append(buf, 0)
			putString(&buf, string(msg.Result))
		}
		return buf, nil

	default:
		return nil, errors.New("BinaryCodec: v must be *message.RequestMessage or *message.ResponseMessage")
	}
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	if len(data) < 1 {
		return errors.New("BinaryCodec: empty frame")
	}
	tag := data[0]
	offset := 1

	switch msg := v.(type) {
	case *message.RequestMessage:
		if tag != tagRequest {
			return errors.New("BinaryCodec: expected request frame")
		}
		var s string
		var err error
		if msg.ActivityID, offset, err = getString(data, offset); err != nil {
			return err
		}
		if msg.RequestID, offset, err = getString(data, offset); err != nil {
			return err
		}
		if msg.DestinationURI, offset, err = getString(data, offset); err != nil {
			return err
		}
		if msg.ServiceName, offset, err = getString(data, offset); err != nil {
			return err
		}
		if msg.MethodName, offset, err = getString(data, offset); err != nil {
			return err
		}
		if offset+4 > len(data) {
			return errors.New("BinaryCodec: truncated param count")
		}
		count := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		offset += 4
		msg.Params = make([]json.RawMessage, 0, count)
		for i := 0; i < count; i++ {
			if s, offset, err = getString(data, offset); err != nil {
				return err
			}
			msg.Params = append(msg.Params, json.RawMessage(s))
		}
		return msg.ResolveDestination()

	case *message.ResponseMessage:
		if tag != tagResponse {
			return errors.New("BinaryCodec: expected response frame")
		}
		var err error
		if msg.RequestID, offset, err = getString(data, offset); err != nil {
			return err
		}
		if offset >= len(data) {
			return errors.New("BinaryCodec: truncated error flag")
		}
		isErr := data[offset]
		offset++
		if isErr == 1 {
			var m, r string
			if m, offset, err = getString(data, offset); err != nil {
				return err
			}
			if r, offset, err = getString(data, offset); err != nil {
				return err
			}
			msg.Err = &message.RemoteError{Message: m, Remote: r}
		} else {
			var res string
			if res, offset, err = getString(data, offset); err != nil {
				return err
			}
			msg.Result = json.RawMessage(res)
		}
		return nil

	default:
		return errors.New("BinaryCodec: v must be *message.RequestMessage or *message.ResponseMessage")
	}
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
