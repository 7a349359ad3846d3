package frame

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Payloads at or below this size go out as plain JSON.
const minCompressLen = 1024

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	zdec, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadLen*16), zstd.WithDecoderConcurrency(0))
)

// Compress returns the zstd form of payload and true when payload is
// large enough and the result is smaller. Otherwise it returns payload
// unchanged and false.
func Compress(payload []byte) ([]byte, bool) {
	if len(payload) <= minCompressLen {
		return payload, false
	}
	out := zenc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	if len(out) >= len(payload) {
		return payload, false
	}
	return out, true
}

// Decompress reverses Compress. Decoded payloads obey the same cap as raw
// ones, so a small compressed frame cannot expand past MaxPayloadLen.
func Decompress(data []byte) ([]byte, error) {
	out, err := zdec.DecodeAll(data, nil)
	switch {
	case errors.Is(err, zstd.ErrDecoderSizeExceeded):
		return nil, ErrPayloadTooLarge
	case err != nil:
		return nil, fmt.Errorf("zstd: %w", err)
	case len(out) > MaxPayloadLen:
		return nil, ErrPayloadTooLarge
	}
	return out, nil
}
