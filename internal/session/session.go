// Package session owns a peer's life after its transport link has
// completed the handshake: keepalive monitoring, multiplexer
// registration, and starting the sync engine the first time any link to
// that peer reaches READY. Grounded on network/protocol.go's
// Bzz.RunProtocol/runBzz shape, which wraps a raw p2p.Peer connection,
// performs its own handshake, then hands the peer off to a long-lived
// protocol run function for the rest of its life.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/llama-farm/atmosphere-core/internal/gradient"
	"github.com/llama-farm/atmosphere-core/internal/handshake"
	"github.com/llama-farm/atmosphere-core/internal/identity"
	alog "github.com/llama-farm/atmosphere-core/internal/log"
	"github.com/llama-farm/atmosphere-core/internal/mux"
	"github.com/llama-farm/atmosphere-core/internal/syncengine"
	"github.com/llama-farm/atmosphere-core/internal/transport"
	"github.com/llama-farm/atmosphere-core/internal/wire"
)

var log = alog.New("component", "session")

// Manager drives every link from handshake completion onward: it
// registers READY links with the multiplexer, answers keepalives, and
// ensures exactly one sync session runs per peer regardless of how many
// of its links are concurrently READY.
type Manager struct {
	local identity.Peer
	mesh  identity.Mesh
	appID string

	rootCtx  context.Context
	mux      *mux.Mux
	gradient *gradient.Table
	engine   *syncengine.Engine

	mu         sync.Mutex
	knownPeers map[string]bool
	syncing    map[string]bool
	names      map[string]string

	onFail func(addr string, class transport.Class, reason handshake.CloseReason)
}

// SetFailureHook registers fn to be called whenever a handshake fails,
// with the raw link's remote address, class, and the classified close
// reason (§7's error kinds) — the penalty-window logic lives with the
// caller, not here, since only the caller (the dial loop) knows which
// addresses it should stop retrying for a while.
func (m *Manager) SetFailureHook(fn func(addr string, class transport.Class, reason handshake.CloseReason)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFail = fn
}

// New builds a Manager. The mux passed in must have been constructed
// with this Manager's OnActiveChange as its callback — callers typically
// do this in two steps, since mux.New needs the callback before the
// Manager holding it can exist:
//
//	mgr := session.New(ctx, local, mesh, appID, engine, gradientTable)
//	m := mux.New(local.PeerID, mgr.OnActiveChange)
//	mgr.SetMux(m)
func New(rootCtx context.Context, local identity.Peer, mesh identity.Mesh, appID string, engine *syncengine.Engine, gradientTable *gradient.Table) *Manager {
	return &Manager{
		local: local, mesh: mesh, appID: appID,
		rootCtx: rootCtx, engine: engine, gradient: gradientTable,
		knownPeers: make(map[string]bool), syncing: make(map[string]bool), names: make(map[string]string),
	}
}

// SetMux wires the multiplexer in. Must be called once, before Accept or
// Initiate is used.
func (m *Manager) SetMux(mx *mux.Mux) { m.mux = mx }

// Accept drives the handshake as the side that accepted the transport
// connection, then hands the link off to the session manager on success.
// raw is closed and discarded on any handshake failure.
func (m *Manager) Accept(raw transport.Link) {
	go func() {
		hs := handshake.New(raw, m.local, m.mesh, m.appID)
		if err := hs.RunAsResponder(m.rootCtx); err != nil {
			log.Debug("handshake failed", "role", "responder", "class", raw.Class(), "err", err)
			m.reportFailure(raw, hs)
			return
		}
		m.onReady(hs, false)
	}()
}

// Initiate drives the handshake as the side that dialed the transport
// connection.
func (m *Manager) Initiate(raw transport.Link) {
	go func() {
		hs := handshake.New(raw, m.local, m.mesh, m.appID)
		if err := hs.RunAsInitiator(m.rootCtx); err != nil {
			log.Debug("handshake failed", "role", "initiator", "class", raw.Class(), "err", err)
			m.reportFailure(raw, hs)
			return
		}
		m.onReady(hs, true)
	}()
}

func (m *Manager) reportFailure(raw transport.Link, hs *handshake.Link) {
	m.mu.Lock()
	fn := m.onFail
	m.mu.Unlock()
	if fn != nil {
		fn(raw.RemoteAddr(), raw.Class(), hs.CloseReason())
	}
}

func (m *Manager) onReady(hs *handshake.Link, dialed bool) {
	peerID := hs.RemotePeerID()
	m.mu.Lock()
	if name := hs.RemoteName(); name != "" {
		m.names[peerID] = name
	}
	m.mu.Unlock()
	kl := newKeepaliveLink(hs)
	m.mux.AddLink(peerID, kl, dialed)
	go m.keepaliveLoop(peerID, hs, kl)
}

// PeerName returns the remote's self-reported display name for peerID,
// learned from the most recent handshake that reached READY, or "" if
// no such handshake has completed yet.
func (m *Manager) PeerName(peerID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.names[peerID]
}

// OnActiveChange is the mux.ActiveChangeFunc callback: it keeps the
// gradient table's readiness in step with whether a peer currently has
// any active link, and starts the one sync session per peer the first
// time a peer becomes active.
func (m *Manager) OnActiveChange(peerID string, active transport.Link) {
	m.mu.Lock()
	m.knownPeers[peerID] = true
	start := false
	if active != nil {
		if !m.syncing[peerID] {
			m.syncing[peerID] = true
			start = true
		}
	}
	m.mu.Unlock()

	if active != nil {
		m.gradient.MarkReady(peerID)
	} else {
		m.gradient.MarkUnready(peerID)
	}
	if start {
		go m.runSync(peerID)
	}
}

// runSync is the one long-lived sync session for peerID: it keeps
// calling Engine.RunPeer against whatever link the mux currently
// considers active, re-fetching after every failure or failover. Engine
// state (acknowledged vectors) lives on the Engine by peer_id, so this
// loop never loses sync progress across link switches.
func (m *Manager) runSync(peerID string) {
	for {
		link, ok := m.mux.ActiveLink(peerID)
		if !ok {
			select {
			case <-m.rootCtx.Done():
				return
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}
		err := m.engine.RunPeer(m.rootCtx, peerID, link)
		if m.rootCtx.Err() != nil {
			return
		}
		if err != nil {
			log.Debug("sync session round ended", "peer_id", peerID, "err", err)
		}
		// The link that just failed may still be mux's recorded active
		// link if nothing else observed its failure yet; clear it so
		// reselect can promote a backup candidate.
		if cur, ok := m.mux.ActiveLink(peerID); ok && cur == link {
			m.mux.RemoveLink(peerID, link.Class())
		}
	}
}

func (m *Manager) keepaliveLoop(peerID string, hs *handshake.Link, kl *keepaliveLink) {
	ticker := time.NewTicker(handshake.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.rootCtx.Done():
			return
		case <-ticker.C:
			if time.Since(hs.LastRx()) > handshake.KeepaliveTimeout {
				log.Debug("keepalive miss, dropping link", "peer_id", peerID, "class", hs.Class())
				m.mux.RemoveLink(peerID, hs.Class())
				hs.Close()
				return
			}
			sendCtx, cancel := context.WithTimeout(m.rootCtx, 5*time.Second)
			err := kl.sendPing(sendCtx)
			cancel()
			if err != nil {
				log.Debug("keepalive ping failed", "peer_id", peerID, "class", hs.Class(), "err", err)
				return
			}
			if rtt, ok := kl.lastRTT(); ok {
				m.mux.UpdateRTT(peerID, hs.Class(), float64(rtt.Milliseconds()))
				m.gradient.UpdateRTT(peerID, float64(rtt.Milliseconds()))
			}
		}
	}
}

// Close force-closes every link the manager has ever seen reach READY,
// for every known peer. Closing the underlying socket unblocks any
// in-flight Recv so sync and keepalive loops exit promptly, which is
// what lets the public surface's stop() honor its 2s deadline regardless
// of how long the transports themselves would otherwise block.
func (m *Manager) Close() {
	m.mu.Lock()
	peers := make([]string, 0, len(m.knownPeers))
	for p := range m.knownPeers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		m.mux.ClosePeer(p)
	}
}

// keepaliveLink wraps a READY handshake.Link, intercepting keepalive
// ping/pong frames so neither the sync engine nor any other Recv caller
// ever sees them: a ping is answered with a pong immediately, and a pong
// closes out the RTT measurement started by the most recent sendPing.
type keepaliveLink struct {
	hs *handshake.Link

	mu         sync.Mutex
	pingSentAt time.Time
	rtt        time.Duration
	hasRTT     bool
}

func newKeepaliveLink(hs *handshake.Link) *keepaliveLink {
	return &keepaliveLink{hs: hs}
}

func (k *keepaliveLink) Class() transport.Class { return k.hs.Class() }
func (k *keepaliveLink) RemoteAddr() string     { return k.hs.RemoteAddr() }
func (k *keepaliveLink) Close() error           { return k.hs.Close() }

// CloseWithReason lets mux report a classified CloseReason (e.g.
// ReasonTieBreakLost) through to the underlying handshake link.
func (k *keepaliveLink) CloseWithReason(reason handshake.CloseReason) {
	k.hs.CloseWithReason(reason)
}

func (k *keepaliveLink) Send(ctx context.Context, framed []byte) error {
	return k.hs.Send(ctx, framed)
}

func (k *keepaliveLink) Recv(ctx context.Context) ([]byte, error) {
	for {
		framed, err := k.hs.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if ping, ok := wire.IsKeepalive(framed); ok {
			if ping {
				k.hs.Send(ctx, wire.EncodeKeepalive(false))
			} else {
				k.mu.Lock()
				if !k.pingSentAt.IsZero() {
					k.rtt = time.Since(k.pingSentAt)
					k.hasRTT = true
					k.pingSentAt = time.Time{}
				}
				k.mu.Unlock()
			}
			continue
		}
		return framed, nil
	}
}

func (k *keepaliveLink) sendPing(ctx context.Context) error {
	k.mu.Lock()
	k.pingSentAt = time.Now()
	k.mu.Unlock()
	return k.hs.Send(ctx, wire.EncodeKeepalive(true))
}

func (k *keepaliveLink) lastRTT() (time.Duration, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rtt, k.hasRTT
}
