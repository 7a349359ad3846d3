package frame

import (
	"sync"
	"time"
)

const (
	dedupWindowSize = 1000
	dedupWindowTTL  = 5 * time.Minute
)

type dedupEntry struct {
	id   [16]byte
	seen time.Time
}

// DedupWindow remembers recently delivered event ids so a frame the relay
// sends twice reaches handlers once. It keeps up to dedupWindowSize ids or
// dedupWindowTTL, whichever is reached first.
type DedupWindow struct {
	mu      sync.Mutex
	entries []dedupEntry
	index   map[[16]byte]struct{}
	now     func() time.Time
}

// NewDedupWindow creates a new dedup window.
func NewDedupWindow() *DedupWindow {
	return &DedupWindow{
		entries: make([]dedupEntry, 0, dedupWindowSize),
		index:   make(map[[16]byte]struct{}, dedupWindowSize),
		now:     time.Now,
	}
}

// IsDuplicate reports whether id has already been seen. If not, it records it.
func (d *DedupWindow) IsDuplicate(id [16]byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	cutoff := now.Add(-dedupWindowTTL)
	start := 0
	for start < len(d.entries) && d.entries[start].seen.Before(cutoff) {
		delete(d.index, d.entries[start].id)
		start++
	}
	if start > 0 {
		d.entries = d.entries[start:]
	}

	if _, ok := d.index[id]; ok {
		return true
	}

	if len(d.entries) >= dedupWindowSize {
		delete(d.index, d.entries[0].id)
		d.entries = d.entries[1:]
	}

	d.entries = append(d.entries, dedupEntry{id: id, seen: now})
	d.index[id] = struct{}{}
	return false
}

// Len returns the current number of tracked ids.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
