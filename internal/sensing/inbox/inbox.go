// Package inbox provides the size-1 overwrite-on-full payload cell sitting
// between the capture boundary and each modality's dispatch cadence.
package inbox

import (
	"sync"
	"sync/atomic"

	"github.com/tiger/handwash-assess/internal/sensing/contracts"
)

// Inbox holds at most one pending payload. A new publish overwrites an
// unconsumed payload; the overwritten payload counts as dropped. Freshness
// over completeness.
type Inbox struct {
	mu      sync.Mutex
	pending *contracts.Payload
	drops   atomic.Int64
}

// New returns an empty inbox.
func New() *Inbox {
	return &Inbox{}
}

// Publish stores payload as the pending unit, replacing any unconsumed one.
func (b *Inbox) Publish(payload contracts.Payload) {
	b.mu.Lock()
	if b.pending != nil {
		b.drops.Add(1)
	}
	b.pending = &payload
	b.mu.Unlock()
}

// Take removes and returns the pending payload, if any.
func (b *Inbox) Take() (contracts.Payload, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return contracts.Payload{}, false
	}
	payload := *b.pending
	b.pending = nil
	return payload, true
}

// DroppedCount returns how many unconsumed payloads were overwritten.
func (b *Inbox) DroppedCount() int64 {
	return b.drops.Load()
}
