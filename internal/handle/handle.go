// Package handle implements the opaque handle table that backs the
// public host surface. Every started mesh node is identified to its
// embedder by an opaque string handle rather than a pointer, so the
// surface stays safe across an FFI boundary where the embedder only
// ever carries the string back and forth.
package handle

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Table holds live values keyed by opaque handle, generating a fresh
// uuid.New().String() id for every Put, the same connection-id pattern
// used broadly across the retrieved peer-to-peer node corpus.
type Table struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// New returns an empty handle table.
func New() *Table {
	return &Table{values: make(map[string]interface{})}
}

// Put registers v under a fresh handle and returns it.
func (t *Table) Put(v interface{}) string {
	id := uuid.New().String()
	t.mu.Lock()
	t.values[id] = v
	t.mu.Unlock()
	return id
}

// Get returns the value registered under id, if any.
func (t *Table) Get(id string) (interface{}, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[id]
	return v, ok
}

// Drop removes id from the table. It is not an error to drop an id that
// is absent or was already dropped.
func (t *Table) Drop(id string) {
	t.mu.Lock()
	delete(t.values, id)
	t.mu.Unlock()
}

// ErrUnknownHandle is returned by callers that look up a handle via
// Require and find it missing or already closed.
type ErrUnknownHandle struct {
	Handle string
}

func (e *ErrUnknownHandle) Error() string {
	return fmt.Sprintf("handle: unknown or closed handle %q", e.Handle)
}

// Require looks up id and returns ErrUnknownHandle if it is absent,
// sparing callers the repetitive not-found branch at every surface entry
// point.
func (t *Table) Require(id string) (interface{}, error) {
	v, ok := t.Get(id)
	if !ok {
		return nil, &ErrUnknownHandle{Handle: id}
	}
	return v, nil
}
