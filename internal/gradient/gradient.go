// Package gradient maintains the ranked "_capabilities" projection the
// host reads to decide which peer to route a request to. Grounded on
// swarm/network/hive.go's live peer table: an in-memory projection kept
// current by subscribing to the underlying store rather than re-scanning
// it, with entries for peers the protocol has lost track of treated as
// stale rather than deleted outright.
package gradient

import (
	"encoding/json"
	"sync"

	alog "github.com/llama-farm/atmosphere-core/internal/log"
	"github.com/llama-farm/atmosphere-core/internal/store"
)

var log = alog.New("component", "gradient")

// Entry is one row of the ranked projection the host sees. Ranking
// itself is the host's affair; the table only guarantees the fields are
// current as of the last commit to _capabilities.
type Entry struct {
	CapabilityID string          `json:"capability_id"`
	PeerID       string          `json:"peer_id"`
	Label        string          `json:"label"`
	Hops         int             `json:"hops"`
	LastRTTMs    float64         `json:"last_rtt_ms"`
	Local        bool            `json:"local"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Stale        bool            `json:"stale"`
}

type capabilityPayload struct {
	Label   string          `json:"label"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Table is the live _capabilities projection. One Table is constructed
// per open store and kept for the process lifetime.
type Table struct {
	store       *store.Store
	localPeerID string
	cancelSub   func()

	mu      sync.RWMutex
	entries map[string]Entry // doc_id -> entry, Stale/LastRTTMs/Local computed at Snapshot time
	rtt     map[string]float64
	ready   map[string]bool
}

// New builds a Table backed by s, hydrates it from whatever _capabilities
// documents already exist, and subscribes to keep it current.
func New(s *store.Store, localPeerID string) (*Table, error) {
	t := &Table{
		store: s, localPeerID: localPeerID,
		entries: make(map[string]Entry), rtt: make(map[string]float64), ready: make(map[string]bool),
	}
	if err := t.hydrate(); err != nil {
		return nil, err
	}
	t.cancelSub = s.Subscribe(t.onChange)
	return t, nil
}

func (t *Table) hydrate() error {
	docs, err := t.store.List(store.CollectionCapabilities)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range docs {
		t.entries[d.DocID] = entryFromDocument(d)
	}
	return nil
}

func entryFromDocument(d store.Document) Entry {
	var body capabilityPayload
	if err := json.Unmarshal(d.Payload, &body); err != nil {
		body.Label = d.DocID
	}
	return Entry{CapabilityID: d.DocID, PeerID: d.Version.PeerID, Label: body.Label, Payload: body.Payload}
}

// onChange is the store observer: it runs once per accepted put/merge to
// _capabilities, keeping the projection atomically consistent with the
// log without re-scanning the whole collection. A tombstoned capability
// is removed from the projection in the same call that observes the
// tombstone's commit.
func (t *Table) onChange(cr store.ChangeRecord) {
	if cr.Collection != store.CollectionCapabilities {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cr.Tombstone {
		delete(t.entries, cr.DocID)
		return
	}
	var body capabilityPayload
	if err := json.Unmarshal(cr.Payload, &body); err != nil {
		log.Warn("capability payload decode failed", "doc_id", cr.DocID, "err", err)
		body.Label = cr.DocID
	}
	t.entries[cr.DocID] = Entry{
		CapabilityID: cr.DocID, PeerID: cr.Version.PeerID, Label: body.Label,
		Hops: cr.Hops, Payload: body.Payload,
	}
}

// MarkReady records that peerID currently has a READY link; entries for
// that peer stop being reported stale.
func (t *Table) MarkReady(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready[peerID] = true
}

// MarkUnready records that peerID has no READY link; its entries are
// reported stale until the next MarkReady.
func (t *Table) MarkUnready(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ready, peerID)
	delete(t.rtt, peerID)
}

// UpdateRTT records the latest round-trip estimate for peerID, surfaced
// as LastRTTMs on every entry belonging to that peer.
func (t *Table) UpdateRTT(peerID string, rttMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtt[peerID] = rttMs
}

// Snapshot returns every known capability entry, with Local, Stale, and
// LastRTTMs computed as of now.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		e.Local = e.PeerID == t.localPeerID
		e.Stale = !e.Local && !t.ready[e.PeerID]
		e.LastRTTMs = t.rtt[e.PeerID]
		out = append(out, e)
	}
	return out
}

// Close stops the table from observing further store changes.
func (t *Table) Close() {
	if t.cancelSub != nil {
		t.cancelSub()
	}
}
