// Package mux multiplexes a peer's set of candidate links (one per
// transport class) down to a single active link chosen by the fixed
// preference order LAN > Wi-Fi Aware > BLE > Relay, tie-broken by lowest
// RTT estimate, and queues outbound frames for that peer ahead of
// whichever link is active.
//
// Grounded on pss/outbox/outbox.go's bounded-slot, worker-drained queue,
// adapted from "full returns an error" to "full blocks the sender" per
// this mesh's overflow policy: a slow link must apply backpressure to its
// writer rather than silently lose a change.
package mux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/llama-farm/atmosphere-core/internal/handshake"
	alog "github.com/llama-farm/atmosphere-core/internal/log"
	"github.com/llama-farm/atmosphere-core/internal/transport"
)

var log = alog.New("component", "mux")

// DefaultQueueCapacity bounds each peer's outbound queue; proportional to
// typical MTU and send rate rather than unbounded, per the mesh's
// shared-resource policy.
const DefaultQueueCapacity = 256

var (
	metricForwarded = metrics.GetOrRegisterCounter("mux.forwarded", nil)
	metricDropped   = metrics.GetOrRegisterCounter("mux.send_failed", nil)
	metricFailover  = metrics.GetOrRegisterCounter("mux.failover", nil)
)

// ErrUnknownPeer is returned by Send when no link has ever been
// registered for the given peer, or ClosePeer has since removed it.
type ErrUnknownPeer string

func (e ErrUnknownPeer) Error() string { return fmt.Sprintf("mux: unknown peer %q", string(e)) }

// reasonCloser is implemented by links that can report why they were
// closed (session.keepaliveLink, wrapping a *handshake.Link). AddLink
// type-asserts for it so the tie-break loser's CloseReason reaches the
// handshake layer as ReasonTieBreakLost (I5) instead of a bare Close.
type reasonCloser interface {
	CloseWithReason(reason handshake.CloseReason)
}

func closeWithTieBreakReason(link transport.Link) {
	if rc, ok := link.(reasonCloser); ok {
		rc.CloseWithReason(handshake.ReasonTieBreakLost)
		return
	}
	link.Close()
}

// ActiveChangeFunc is notified whenever a peer's active link changes,
// including becoming unreachable (link == nil). Callers use this to keep
// the gradient table's stale marking and the sync engine's RunPeer calls
// in step with link availability.
type ActiveChangeFunc func(peerID string, active transport.Link)

type candidate struct {
	link     transport.Link
	rttEWMA  float64
	hasRTT   bool
	lastSeen time.Time
}

type peerMux struct {
	mu       sync.Mutex
	links    map[transport.Class]*candidate // at most one per class (invariant: one active link per (peer, class))
	active   transport.Link
	queue    chan []byte
	stopOnce sync.Once
	stopC    chan struct{}
}

// Mux owns every peer's link set and outbound queue.
type Mux struct {
	mu             sync.RWMutex
	localPeerID    string
	peers          map[string]*peerMux
	queueCapacity  int
	onActiveChange ActiveChangeFunc
}

// New builds a Mux for localPeerID, the local identity compared against
// a remote's peer_id to resolve AddLink's simultaneous-connect tie-break
// (I5). onActiveChange may be nil.
func New(localPeerID string, onActiveChange ActiveChangeFunc) *Mux {
	return &Mux{localPeerID: localPeerID, peers: make(map[string]*peerMux), queueCapacity: DefaultQueueCapacity, onActiveChange: onActiveChange}
}

func (m *Mux) peerFor(peerID string) *peerMux {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		p = &peerMux{links: make(map[transport.Class]*candidate), queue: make(chan []byte, m.queueCapacity), stopC: make(chan struct{})}
		m.peers[peerID] = p
		go m.drain(peerID, p)
	}
	return p
}

// AddLink registers link as the candidate for its class on peerID. If a
// different link is already registered for that class — a simultaneous
// connect, both sides having dialed each other around the same time —
// (I5) requires exactly one of the two to survive on both ends: dialed
// reports whether this side dialed link (false means this side accepted
// it). The tie-break winner is whichever peer_id sorts greater; the
// winner keeps the link it dialed, the loser keeps the link it accepted
// — the same physical connection on both ends, so both sides converge on
// it without an extra protocol round. The loser is closed with
// handshake.ReasonTieBreakLost where the link supports reporting it.
func (m *Mux) AddLink(peerID string, link transport.Link, dialed bool) {
	p := m.peerFor(peerID)
	p.mu.Lock()
	if old, ok := p.links[link.Class()]; ok && old.link != link {
		if m.keepIncoming(peerID, dialed) {
			closeWithTieBreakReason(old.link)
		} else {
			p.mu.Unlock()
			closeWithTieBreakReason(link)
			return
		}
	}
	p.links[link.Class()] = &candidate{link: link, lastSeen: time.Now()}
	active := m.reselect(p)
	p.mu.Unlock()

	if m.onActiveChange != nil {
		m.onActiveChange(peerID, active)
	}
}

// keepIncoming reports whether the newly-arriving link (dialed by this
// side, or accepted) should replace an existing candidate of the same
// class for peerID, per the tie-break rule documented on AddLink.
func (m *Mux) keepIncoming(peerID string, dialed bool) bool {
	localIsWinner := m.localPeerID > peerID
	if localIsWinner {
		return dialed
	}
	return !dialed
}

// RemoveLink drops the candidate link of the given class for peerID (for
// example after a transport error or keepalive timeout), then
// reselects.
func (m *Mux) RemoveLink(peerID string, class transport.Class) {
	m.mu.RLock()
	p, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	p.mu.Lock()
	delete(p.links, class)
	active := m.reselect(p)
	p.mu.Unlock()

	if m.onActiveChange != nil {
		m.onActiveChange(peerID, active)
	}
}

// UpdateRTT records the latest RTT estimate (milliseconds) observed on
// class for peerID; ties between candidates at the same preference rank
// are broken by the lowest recorded RTT.
func (m *Mux) UpdateRTT(peerID string, class transport.Class, rttMs float64) {
	m.mu.RLock()
	p, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	p.mu.Lock()
	if c, ok := p.links[class]; ok {
		c.rttEWMA = rttMs
		c.hasRTT = true
	}
	active := m.reselect(p)
	p.mu.Unlock()

	if m.onActiveChange != nil {
		m.onActiveChange(peerID, active)
	}
}

// reselect must be called with p.mu held; it picks the best candidate by
// transport.Rank, tie-broken by lowest RTT, and returns the new active
// link (nil if none remain).
func (m *Mux) reselect(p *peerMux) transport.Link {
	var best *candidate
	var bestClass transport.Class
	for class, c := range p.links {
		if best == nil || transport.Rank(class) < transport.Rank(bestClass) ||
			(transport.Rank(class) == transport.Rank(bestClass) && c.hasRTT && (!best.hasRTT || c.rttEWMA < best.rttEWMA)) {
			best = c
			bestClass = class
		}
	}
	prev := p.active
	if best == nil {
		p.active = nil
	} else {
		p.active = best.link
	}
	if prev != p.active {
		metricFailover.Inc(1)
	}
	return p.active
}

// ActiveLink returns the peer's currently selected link, if any.
func (m *Mux) ActiveLink(peerID string) (transport.Link, bool) {
	m.mu.RLock()
	p, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.active != nil
}

// Send enqueues framed for peerID's outbound queue. When the queue is
// full, Send blocks (applying backpressure to the caller) rather than
// dropping the frame, until ctx is done.
func (m *Mux) Send(ctx context.Context, peerID string, framed []byte) error {
	m.mu.RLock()
	p, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer(peerID)
	}
	select {
	case p.queue <- framed:
		return nil
	case <-p.stopC:
		return ErrUnknownPeer(peerID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain is the single worker per peer that forwards queued frames to
// whichever link is active at send time.
func (m *Mux) drain(peerID string, p *peerMux) {
	for {
		select {
		case <-p.stopC:
			return
		case framed := <-p.queue:
			p.mu.Lock()
			active := p.active
			p.mu.Unlock()
			if active == nil {
				metricDropped.Inc(1)
				log.Debug("no active link, dropping queued frame", "peer_id", peerID)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := active.Send(ctx, framed)
			cancel()
			if err != nil {
				metricDropped.Inc(1)
				log.Debug("send failed", "peer_id", peerID, "class", active.Class(), "err", err)
				continue
			}
			metricForwarded.Inc(1)
		}
	}
}

// ClosePeer tears down every candidate link for peerID and stops its
// outbound worker.
func (m *Mux) ClosePeer(peerID string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.stopOnce.Do(func() { close(p.stopC) })
	p.mu.Lock()
	for _, c := range p.links {
		c.link.Close()
	}
	p.mu.Unlock()
}
