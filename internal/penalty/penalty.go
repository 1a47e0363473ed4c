// Package penalty tracks a short redial penalty window per remote
// address, so a peer whose handshake failed for a protocol-kind reason
// (§7) isn't redialed on every beacon tick while its misbehavior is
// still fresh. Grounded on network/protocol.go's bzzHandshakeTimeout
// wait-before-giving-up shape, generalized from "wait once for this
// handshake" to "wait before trying this address again".
package penalty

import (
	"sync"
	"time"
)

// Window is the standard protocol-error penalty duration (§7).
const Window = 30 * time.Second

// Tracker records, per key (typically a transport address), the time
// before which redial attempts should be skipped.
type Tracker struct {
	mu    sync.Mutex
	until map[string]time.Time
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{until: make(map[string]time.Time)}
}

// Penalize suppresses redial attempts against key until d has elapsed.
func (t *Tracker) Penalize(key string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.until[key] = time.Now().Add(d)
}

// Penalized reports whether key is still within its penalty window,
// clearing the entry once it has expired so the map doesn't grow
// unbounded with stale keys.
func (t *Tracker) Penalized(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.until[key]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(t.until, key)
		return false
	}
	return true
}
