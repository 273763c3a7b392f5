// Package protocol frames (command, payload) messages over a byte stream.
//
// Frame layout, big endian:
//
//	commandLength uint32
//	command       [commandLength]byte
//	hasPayload    byte (0 or 1)
//	payloadLength uint32           only when hasPayload == 1
//	payload       [payloadLength]byte  JSON text
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"DistMR/internal/types"
)

const (
	// MaxCommandLength bounds the command tag.
	MaxCommandLength = 64
	// MaxPayloadLength bounds a single payload. Reduce mappings are the
	// largest payloads and stay far below this.
	MaxPayloadLength = 64 << 20

	lengthSize = 4
	flagSize   = 1
)

var (
	// ErrIncompleteFrame means more bytes are needed; keep buffering.
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrMalformedFrame means the length fields are inconsistent. The
	// connection cannot be resynchronised and must be closed.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrCommandTooLong is returned by Encode.
	ErrCommandTooLong = errors.New("command tag too long")
)

// Frame is one decoded message. Payload is nil when the frame carried none.
type Frame struct {
	Command types.Command
	Payload json.RawMessage
}

// HasPayload reports whether the frame carried a payload.
func (f Frame) HasPayload() bool {
	return f.Payload != nil
}

// Unmarshal decodes the payload into v.
func (f Frame) Unmarshal(v interface{}) error {
	if f.Payload == nil {
		return fmt.Errorf("command %s carried no payload", f.Command)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", f.Command, err)
	}
	return nil
}

// Encode serialises command and payload into one frame. A nil payload
// produces a frame without payload.
func Encode(command types.Command, payload interface{}) ([]byte, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command tag")
	}
	if len(command) > MaxCommandLength {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrCommandTooLong, len(command), MaxCommandLength)
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", command, err)
		}
		if len(body) > MaxPayloadLength {
			return nil, fmt.Errorf("%s payload too large: %d bytes", command, len(body))
		}
	}

	size := lengthSize + len(command) + flagSize
	if payload != nil {
		size += lengthSize + len(body)
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(command)))
	buf = append(buf, string(command)...)
	if payload == nil {
		return append(buf, 0), nil
	}
	buf = append(buf, 1)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	return append(buf, body...), nil
}

// DecodeFrame decodes the first frame in buf and returns it with the number
// of bytes it occupied. It never consumes a partial frame.
func DecodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < lengthSize {
		return Frame{}, 0, ErrIncompleteFrame
	}

	cmdLen := binary.BigEndian.Uint32(buf)
	if cmdLen == 0 || cmdLen > MaxCommandLength {
		return Frame{}, 0, fmt.Errorf("%w: command length %d", ErrMalformedFrame, cmdLen)
	}

	off := lengthSize
	if len(buf) < off+int(cmdLen)+flagSize {
		return Frame{}, 0, ErrIncompleteFrame
	}

	cmd := buf[off : off+int(cmdLen)]
	if !utf8.Valid(cmd) {
		return Frame{}, 0, fmt.Errorf("%w: command tag is not valid UTF-8", ErrMalformedFrame)
	}
	off += int(cmdLen)

	frame := Frame{Command: types.Command(cmd)}

	switch buf[off] {
	case 0:
		return frame, off + flagSize, nil
	case 1:
	default:
		return Frame{}, 0, fmt.Errorf("%w: payload flag %d", ErrMalformedFrame, buf[off])
	}
	off += flagSize

	if len(buf) < off+lengthSize {
		return Frame{}, 0, ErrIncompleteFrame
	}
	payloadLen := binary.BigEndian.Uint32(buf[off:])
	if payloadLen > MaxPayloadLength {
		return Frame{}, 0, fmt.Errorf("%w: payload length %d", ErrMalformedFrame, payloadLen)
	}
	off += lengthSize

	if len(buf) < off+int(payloadLen) {
		return Frame{}, 0, ErrIncompleteFrame
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[off:off+int(payloadLen)])
	frame.Payload = payload

	return frame, off + int(payloadLen), nil
}

// Decode consumes every complete frame at the front of buf and returns them
// with the unconsumed remainder. A trailing partial frame is not an error.
// On ErrMalformedFrame the frames decoded before the bad one are still
// returned.
func Decode(buf []byte) ([]Frame, []byte, error) {
	var frames []Frame
	for {
		frame, n, err := DecodeFrame(buf)
		if errors.Is(err, ErrIncompleteFrame) {
			return frames, buf, nil
		}
		if err != nil {
			return frames, buf, err
		}
		frames = append(frames, frame)
		buf = buf[n:]
	}
}
