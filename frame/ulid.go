package frame

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// ULIDGen generates monotonic ULIDs (16 bytes each) used as event ids.
// Safe for concurrent use.
type ULIDGen struct {
	mu   sync.Mutex
	last [16]byte
	now  func() time.Time
}

// NewULIDGen creates a new ULID generator.
func NewULIDGen() *ULIDGen {
	return &ULIDGen{now: time.Now}
}

// Next returns a new monotonic ULID.
//
// Layout:
//
//	[0-5]   48-bit Unix millisecond timestamp (big-endian)
//	[6-15]  80-bit random, incremented within the same millisecond
func (g *ULIDGen) Next() [16]byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(g.now().UnixMilli())

	var id [16]byte
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)

	if [6]byte(id[:6]) == [6]byte(g.last[:6]) {
		copy(id[6:], g.last[6:])
		for i := 15; i >= 6; i-- {
			id[i]++
			if id[i] != 0 {
				break
			}
		}
	} else {
		rand.Read(id[6:])
	}

	g.last = id
	return id
}

// Timestamp extracts the millisecond timestamp from a ULID.
func Timestamp(id [16]byte) time.Time {
	ms := uint64(id[0])<<40 | uint64(id[1])<<32 | uint64(id[2])<<24 |
		uint64(id[3])<<16 | uint64(id[4])<<8 | uint64(id[5])
	return time.UnixMilli(int64(ms))
}

// ULIDToUint64 extracts a uint64 from the first 8 bytes for comparison.
func ULIDToUint64(id [16]byte) uint64 {
	return binary.BigEndian.Uint64(id[:8])
}
