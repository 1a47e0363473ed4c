// Package syncengine drives the per-peer, per-collection diff/change/done
// sync protocol over a READY handshake link, grounded on the teacher's
// pushsync round-trip bookkeeping in pushsync/pusher.go: a span opened when
// the round trip starts, closed when the peer acknowledges, and
// rcrowley/go-metrics counters alongside it.
package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opentracing/opentracing-go"
	olog "github.com/opentracing/opentracing-go/log"
	"github.com/rcrowley/go-metrics"

	alog "github.com/llama-farm/atmosphere-core/internal/log"
	"github.com/llama-farm/atmosphere-core/internal/store"
	"github.com/llama-farm/atmosphere-core/internal/wire"
)

var log = alog.New("component", "syncengine")

var (
	metricDiffSent    = metrics.GetOrRegisterCounter("syncengine.diff_sent", nil)
	metricChangeSent  = metrics.GetOrRegisterCounter("syncengine.change_sent", nil)
	metricChangeRecv  = metrics.GetOrRegisterCounter("syncengine.change_recv", nil)
	metricMergeReject = metrics.GetOrRegisterCounter("syncengine.merge_rejected", nil)
	metricRoundTrips  = metrics.GetOrRegisterCounter("syncengine.round_trips", nil)
)

// Link is the subset of handshake.Link the engine needs: a READY link's
// framed send/receive. Kept as a local interface so tests can drive the
// engine with an in-memory fake instead of a full handshake.Link.
type Link interface {
	Send(ctx context.Context, framed []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Sender routes an outbound frame for peerID through the multiplexer's
// bounded per-peer queue instead of straight to a single link, so a slow
// peer applies backpressure to the engine rather than the engine writing
// straight past mux's queueing/failover policy. Satisfied by *mux.Mux.
type Sender interface {
	Send(ctx context.Context, peerID string, framed []byte) error
}

// Vector is a per-source sequence vector: source peer_id -> highest seq
// seen from that source.
type Vector map[string]uint64

func (v Vector) clone() Vector {
	out := make(Vector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

func mergeMax(dst Vector, src Vector) {
	for k, v := range src {
		if v > dst[k] {
			dst[k] = v
		}
	}
}

type syncDiffMsg struct {
	Type       string `json:"type"`
	Collection string `json:"collection"`
	FromVector Vector `json:"from_vector"`
}

type changeMsg struct {
	Type       string        `json:"type"`
	Collection string        `json:"collection"`
	DocID      string        `json:"doc_id"`
	Version    store.Version `json:"version"`
	Payload    []byte        `json:"payload,omitempty"`
	Tombstone  bool          `json:"tombstone,omitempty"`
	Source     string        `json:"source"`
	Hops       int           `json:"hops,omitempty"`
}

type syncDoneMsg struct {
	Type       string `json:"type"`
	Collection string `json:"collection"`
	AtVector   Vector `json:"at_vector"`
}

// peerState is the engine's per-peer, per-collection bookkeeping. It
// survives across link switches: the engine holds it keyed by peer_id,
// never by link, so a mid-sync link drop just means the next RunPeer call
// resumes from the last recorded acknowledged vector.
type peerState struct {
	mu       sync.Mutex
	acked    map[string]Vector          // collection -> what the remote last told us it holds
	inFlight map[string]opentracing.Span // collection -> open round-trip span
}

func newPeerState() *peerState {
	return &peerState{acked: make(map[string]Vector), inFlight: make(map[string]opentracing.Span)}
}

// Engine runs the sync protocol against the local store on behalf of any
// number of peers. One Engine is shared process-wide; RunPeer is called
// once per active link (the multiplexer decides which link that is).
type Engine struct {
	store       *store.Store
	localPeerID string

	mu          sync.Mutex
	collections map[string]bool
	peers       map[string]*peerState
	sessions    map[string]Link // peerID -> the link RunPeer is currently driving, for Track's fan-out

	sender Sender // optional; falls back to link.Send directly when nil
}

// SetSender wires sender as the outbound path for every frame the engine
// emits from here on: sendDiff, handleDiff's change/sync_done replies,
// and subscribeOutbound's incremental pushes all route through it instead
// of the RunPeer link directly. Production wires the peer's *mux.Mux
// here so outbound sync traffic gets mux's queueing and failover, not a
// single stuck link; left nil (e.g. in unit tests driving the engine
// directly against an in-memory Link fake), sends fall back to the link.
func (e *Engine) SetSender(sender Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sender = sender
}

// send routes framed to peerID: through e.sender when one is set,
// otherwise straight to link, the pre-mux-wiring behavior tests rely on.
func (e *Engine) send(ctx context.Context, peerID string, link Link, framed []byte) error {
	e.mu.Lock()
	sender := e.sender
	e.mu.Unlock()
	if sender != nil {
		return sender.Send(ctx, peerID, framed)
	}
	return link.Send(ctx, framed)
}

// New builds an Engine that syncs the named collections against s. More
// collections can be added later with Track.
func New(s *store.Store, localPeerID string, collections []string) *Engine {
	e := &Engine{
		store: s, localPeerID: localPeerID,
		collections: make(map[string]bool), peers: make(map[string]*peerState), sessions: make(map[string]Link),
	}
	for _, c := range collections {
		e.collections[c] = true
	}
	return e
}

// Track adds collection to the set this engine keeps in sync, if it
// isn't already tracked, and immediately issues a diff for it to every
// peer currently being driven by RunPeer — so a collection created after
// sync already started still gets its backlog, rather than only picking
// up writes from that point forward.
func (e *Engine) Track(collection string) {
	e.mu.Lock()
	if e.collections[collection] {
		e.mu.Unlock()
		return
	}
	e.collections[collection] = true
	sessions := make(map[string]Link, len(e.sessions))
	for k, v := range e.sessions {
		sessions[k] = v
	}
	e.mu.Unlock()

	for peerID, link := range sessions {
		st := e.stateFor(peerID)
		go func(peerID string, link Link) {
			if err := e.sendDiff(context.Background(), st, peerID, link, collection); err != nil {
				log.Debug("track: diff send failed", "peer_id", peerID, "collection", collection, "err", err)
			}
		}(peerID, link)
	}
}

func (e *Engine) snapshotCollections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.collections))
	for c := range e.collections {
		out = append(out, c)
	}
	return out
}

func (e *Engine) isTracked(collection string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collections[collection]
}

func (e *Engine) stateFor(peerID string) *peerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.peers[peerID]
	if !ok {
		st = newPeerState()
		e.peers[peerID] = st
	}
	return st
}

// RunPeer drives the sync protocol against peerID over link until the
// link errors, the context is cancelled, or the remote closes it. The
// caller (internal/session's per-link sync loop) is responsible for re-invoking RunPeer with a
// fresh link after a failover; the peer's acknowledged vectors persist
// across calls since they live on the Engine, not the link.
func (e *Engine) RunPeer(ctx context.Context, peerID string, link Link) error {
	st := e.stateFor(peerID)

	e.mu.Lock()
	e.sessions[peerID] = link
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.sessions[peerID] == link {
			delete(e.sessions, peerID)
		}
		e.mu.Unlock()
	}()

	cancel, err := e.subscribeOutbound(ctx, peerID, link)
	if err != nil {
		return err
	}
	defer cancel()

	for _, collection := range e.snapshotCollections() {
		if err := e.sendDiff(ctx, st, peerID, link, collection); err != nil {
			return err
		}
	}

	for {
		framed, err := link.Recv(ctx)
		if err != nil {
			return fmt.Errorf("syncengine: recv from %s: %w", peerID, err)
		}
		payload, err := wire.ReadFrame(bytes.NewReader(framed))
		if err != nil {
			continue
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			continue
		}
		switch envelope.Type {
		case "sync_diff":
			var m syncDiffMsg
			if err := json.Unmarshal(payload, &m); err != nil {
				continue
			}
			if err := e.handleDiff(ctx, peerID, link, m); err != nil {
				return err
			}
		case "change":
			var m changeMsg
			if err := json.Unmarshal(payload, &m); err != nil {
				continue
			}
			e.handleChange(peerID, m)
		case "sync_done":
			var m syncDoneMsg
			if err := json.Unmarshal(payload, &m); err != nil {
				continue
			}
			e.handleDone(peerID, m)
		}
	}
}

// sendDiff issues a sync_diff for collection using the vector last
// acknowledged by the remote (empty the first time, meaning "send
// everything"), and opens the round-trip span the matching sync_done
// closes.
func (e *Engine) sendDiff(ctx context.Context, st *peerState, peerID string, link Link, collection string) error {
	st.mu.Lock()
	from := st.acked[collection].clone()
	span := opentracing.StartSpan("syncengine.round_trip")
	span.SetTag("collection", collection)
	span.SetTag("peer_id", peerID)
	st.inFlight[collection] = span
	st.mu.Unlock()

	framed, err := wire.EncodeMessage(syncDiffMsg{Type: "sync_diff", Collection: collection, FromVector: from})
	if err != nil {
		return err
	}
	if err := e.send(ctx, peerID, link, framed); err != nil {
		return fmt.Errorf("syncengine: send diff to %s: %w", peerID, err)
	}
	metricDiffSent.Inc(1)
	return nil
}

// handleDiff answers a remote's sync_diff: every change since the
// remote's from_vector is streamed, followed by a sync_done carrying our
// current vector for the collection.
func (e *Engine) handleDiff(ctx context.Context, peerID string, link Link, m syncDiffMsg) error {
	changes, err := e.store.ChangesSince(m.Collection, m.FromVector)
	if err != nil {
		return fmt.Errorf("syncengine: changes since for %s: %w", m.Collection, err)
	}
	head := Vector(m.FromVector).clone()
	for _, cr := range changes {
		framed, err := wire.EncodeMessage(changeMsg{
			Type: "change", Collection: cr.Collection, DocID: cr.DocID,
			Version: cr.Version, Payload: cr.Payload, Tombstone: cr.Tombstone,
			Source: cr.Source, Hops: cr.Hops,
		})
		if err != nil {
			return err
		}
		if err := e.send(ctx, peerID, link, framed); err != nil {
			return fmt.Errorf("syncengine: send change to %s: %w", peerID, err)
		}
		metricChangeSent.Inc(1)
		if cr.Seq > head[cr.Source] {
			head[cr.Source] = cr.Seq
		}
	}
	framed, err := wire.EncodeMessage(syncDoneMsg{Type: "sync_done", Collection: m.Collection, AtVector: head})
	if err != nil {
		return err
	}
	if err := e.send(ctx, peerID, link, framed); err != nil {
		return fmt.Errorf("syncengine: send sync_done to %s: %w", peerID, err)
	}
	return nil
}

// handleChange merges an inbound change into the store. Merge is
// idempotent, so duplicate or out-of-order delivery across interleaved
// collections is harmless.
func (e *Engine) handleChange(peerID string, m changeMsg) {
	metricChangeRecv.Inc(1)
	accepted, err := e.store.Merge(m.Collection, m.DocID, m.Version, m.Payload, m.Tombstone, m.Source)
	if err != nil {
		log.Warn("merge failed", "peer_id", peerID, "collection", m.Collection, "doc_id", m.DocID, "err", err)
		return
	}
	if !accepted {
		metricMergeReject.Inc(1)
	}
}

// handleDone records the remote's acknowledged vector for collection and
// closes the round-trip span opened by sendDiff, if one is open.
func (e *Engine) handleDone(peerID string, m syncDoneMsg) {
	st := e.stateFor(peerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	existing, ok := st.acked[m.Collection]
	if !ok {
		existing = make(Vector)
	}
	mergeMax(existing, m.AtVector)
	st.acked[m.Collection] = existing

	if span, ok := st.inFlight[m.Collection]; ok {
		span.LogFields(olog.String("outcome", "caught_up"))
		span.Finish()
		delete(st.inFlight, m.Collection)
		metricRoundTrips.Inc(1)
	}
}

// subscribeOutbound pushes locally-observed changes to peerID
// incrementally, without waiting for a fresh diff round, for every
// collection the engine tracks. The returned cancel func stops the feed
// when RunPeer returns.
func (e *Engine) subscribeOutbound(ctx context.Context, peerID string, link Link) (func(), error) {
	cancel := e.store.Subscribe(func(cr store.ChangeRecord) {
		if !e.isTracked(cr.Collection) {
			return
		}
		framed, err := wire.EncodeMessage(changeMsg{
			Type: "change", Collection: cr.Collection, DocID: cr.DocID,
			Version: cr.Version, Payload: cr.Payload, Tombstone: cr.Tombstone,
			Source: cr.Source, Hops: cr.Hops,
		})
		if err != nil {
			return
		}
		if err := e.send(ctx, peerID, link, framed); err != nil {
			log.Debug("outbound push failed", "peer_id", peerID, "err", err)
			return
		}
		metricChangeSent.Inc(1)
	})
	return cancel, nil
}
