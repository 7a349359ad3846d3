// Package frame implements the 23-byte binary header codec used on the
// chatsync event channel. Payloads are JSON documents from package wire.
//
// Header layout (23 bytes, big-endian):
//
//	[0]     proto_version   uint8
//	[1]     frame_type      uint8
//	[2]     flags           uint8  (bit0=compressed)
//	[3-6]   payload_len     uint32
//	[7-22]  event_id        16 bytes (ULID)
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderSize    = 23
	ProtoVersion  = 1
	MaxPayloadLen = 64 * 1024 // 64 KB hard limit
)

// Frame types. Must fit in uint8.
const (
	TypeAnnounce        uint8 = 1
	TypeMessageSent     uint8 = 2
	TypeMessageReceived uint8 = 3
)

// Event names carried by each frame type.
const (
	EventAnnounce        = "announce"
	EventMessageSent     = "messageSent"
	EventMessageReceived = "messageReceived"
)

// Flag bits.
const (
	FlagCompressed uint8 = 1 << 0
)

var (
	ErrBadVersion      = errors.New("frame: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("frame: payload exceeds maximum size")
	ErrShortRead       = errors.New("frame: short read")
	ErrUnknownEvent    = errors.New("frame: unknown event")
)

// Header is the fixed 23-byte header preceding every frame.
type Header struct {
	Version    uint8
	Type       uint8
	Flags      uint8
	PayloadLen uint32
	EventID    [16]byte // ULID
}

// Encode serialises a header and payload into a single byte slice.
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	h.PayloadLen = uint32(len(payload))
	h.Version = ProtoVersion

	out := make([]byte, HeaderSize+len(payload))
	out[0] = h.Version
	out[1] = h.Type
	out[2] = h.Flags
	binary.BigEndian.PutUint32(out[3:7], h.PayloadLen)
	copy(out[7:23], h.EventID[:])
	copy(out[HeaderSize:], payload)
	return out, nil
}

// Decode parses a byte slice into a header and payload.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, ErrShortRead
	}
	var h Header
	h.Version = data[0]
	if h.Version != ProtoVersion {
		return Header{}, nil, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, h.Version, ProtoVersion)
	}
	h.Type = data[1]
	h.Flags = data[2]
	h.PayloadLen = binary.BigEndian.Uint32(data[3:7])
	copy(h.EventID[:], data[7:23])

	if h.PayloadLen > MaxPayloadLen {
		return Header{}, nil, ErrPayloadTooLarge
	}

	end := HeaderSize + int(h.PayloadLen)
	if len(data) < end {
		return Header{}, nil, ErrShortRead
	}

	return h, data[HeaderSize:end], nil
}

// EncodeEvent builds a frame for a named event, compressing the payload
// when that makes it smaller.
func EncodeEvent(event string, id [16]byte, payload []byte) ([]byte, error) {
	t, err := TypeOf(event)
	if err != nil {
		return nil, err
	}
	h := Header{Type: t, EventID: id}
	if body, ok := Compress(payload); ok {
		h.Flags |= FlagCompressed
		payload = body
	}
	return Encode(h, payload)
}

// DecodeEvent is the inverse of EncodeEvent. The returned payload is
// always uncompressed.
func DecodeEvent(data []byte) (Header, string, []byte, error) {
	h, payload, err := Decode(data)
	if err != nil {
		return Header{}, "", nil, err
	}
	name, err := EventName(h.Type)
	if err != nil {
		return Header{}, "", nil, err
	}
	if h.IsCompressed() {
		payload, err = Decompress(payload)
		if err != nil {
			return Header{}, "", nil, fmt.Errorf("frame: decompress: %w", err)
		}
	}
	return h, name, payload, nil
}

// TypeOf maps an event name to its frame type.
func TypeOf(event string) (uint8, error) {
	switch event {
	case EventAnnounce:
		return TypeAnnounce, nil
	case EventMessageSent:
		return TypeMessageSent, nil
	case EventMessageReceived:
		return TypeMessageReceived, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
}

// EventName maps a frame type to its event name.
func EventName(t uint8) (string, error) {
	switch t {
	case TypeAnnounce:
		return EventAnnounce, nil
	case TypeMessageSent:
		return EventMessageSent, nil
	case TypeMessageReceived:
		return EventMessageReceived, nil
	}
	return "", fmt.Errorf("%w: type %d", ErrUnknownEvent, t)
}

// IsCompressed returns true if the compressed flag is set.
func (h Header) IsCompressed() bool { return h.Flags&FlagCompressed != 0 }
