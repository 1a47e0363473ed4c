// Package handshake implements the per-link handshake state machine
// (DIALING -> IDENTIFIED -> AUTH_PENDING -> READY -> CLOSED), grounded on
// the teacher's own capability-negotiation handshake in
// network/protocol.go, adapted from Swarm's bzz-handshake exchange to
// Atmosphere's mesh-membership HMAC proof.
package handshake

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/llama-farm/atmosphere-core/internal/identity"
	alog "github.com/llama-farm/atmosphere-core/internal/log"
	"github.com/llama-farm/atmosphere-core/internal/transport"
	"github.com/llama-farm/atmosphere-core/internal/wire"
)

var log = alog.New("component", "handshake")

// State is a link's position in the handshake state machine.
type State int

const (
	StateDialing State = iota
	StateIdentified
	StateAuthPending
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "DIALING"
	case StateIdentified:
		return "IDENTIFIED"
	case StateAuthPending:
		return "AUTH_PENDING"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CloseReason names why a link reached CLOSED.
type CloseReason string

const (
	ReasonNone         CloseReason = ""
	ReasonWrongApp     CloseReason = "wrong-app"
	ReasonAuthFail     CloseReason = "auth-fail"
	ReasonAuthTimeout  CloseReason = "auth-timeout"
	ReasonTimeout      CloseReason = "timeout"
	ReasonTransportErr CloseReason = "transport-error"
	ReasonTieBreakLost CloseReason = "duplicate-link"
)

// Timeout is the per-link handshake deadline: failing to reach READY
// within this window closes the link with ReasonAuthTimeout.
const Timeout = 10 * time.Second

// KeepaliveInterval and KeepaliveMissLimit bound how long a READY link
// is tolerated without a keepalive response before it is closed.
const (
	KeepaliveInterval  = 20 * time.Second
	KeepaliveMissLimit = 3
	KeepaliveTimeout   = KeepaliveInterval * time.Duration(KeepaliveMissLimit) // 60s
)

var (
	metricHandshakeOK   = metrics.GetOrRegisterCounter("handshake.ok", nil)
	metricHandshakeFail = metrics.GetOrRegisterCounter("handshake.fail", nil)
)

type helloIdentify struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
	AppID  string `json:"app_id"`
	Name   string `json:"name,omitempty"`
}

// authChallenge carries a freshly generated nonce the receiver must fold
// into its HMAC proof, along with the mesh_id both sides must agree on.
type authChallenge struct {
	Type   string `json:"type"`
	MeshID string `json:"mesh_id"`
	Nonce  string `json:"nonce"`
}

// authProof answers a remote authChallenge with an HMAC computed over
// that challenge's nonce and the sender's own peer_id — proof of
// possession of the mesh's shared secret without ever sending it.
type authProof struct {
	Type string `json:"type"`
	HMAC string `json:"hmac"`
}

// Link tracks one link's handshake progress and exposes the verified
// remote identity once it reaches READY.
type Link struct {
	raw   transport.Link
	local identity.Peer
	mesh  identity.Mesh
	appID string

	mu           sync.Mutex
	state        State
	closeReason  CloseReason
	remotePeerID string
	remoteName   string
	lastRx       time.Time

	localNonce  []byte // nonce we generated and sent in our own authChallenge
	challengeAt bool   // whether we've sent our authChallenge yet
}

// New wraps a freshly dialed or accepted raw link in DIALING state.
func New(raw transport.Link, local identity.Peer, mesh identity.Mesh, appID string) *Link {
	return &Link{raw: raw, local: local, mesh: mesh, appID: appID, state: StateDialing, lastRx: time.Now()}
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) CloseReason() CloseReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeReason
}

// RemotePeerID returns the remote peer_id once known (from IDENTIFIED
// onward); empty before that.
func (l *Link) RemotePeerID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remotePeerID
}

// RemoteName returns the remote's self-reported display name once known
// (from IDENTIFIED onward); empty before that or if the remote omitted it.
func (l *Link) RemoteName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteName
}

func (l *Link) Class() transport.Class { return l.raw.Class() }

// RemoteAddr delegates to the underlying raw link, so a READY
// handshake.Link satisfies transport.Link and can be registered directly
// with the multiplexer.
func (l *Link) RemoteAddr() string { return l.raw.RemoteAddr() }

// LastRx returns the time of the last frame received on this link,
// whatever the handshake state; the keepalive monitor uses it to decide
// when a READY link has gone quiet.
func (l *Link) LastRx() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRx
}

// Send writes an already-framed message directly to the underlying raw
// link; callers (the sync engine, keepalive monitor) only do this once
// the link is READY.
func (l *Link) Send(ctx context.Context, framed []byte) error {
	return l.raw.Send(ctx, framed)
}

// Recv reads the next framed message from the underlying raw link and
// updates LastRx.
func (l *Link) Recv(ctx context.Context) ([]byte, error) {
	framed, err := l.raw.Recv(ctx)
	if err != nil {
		return nil, err
	}
	l.touch()
	return framed, nil
}

// Close closes the link with ReasonNone (a clean, caller-initiated
// close rather than a protocol failure).
func (l *Link) Close() error {
	l.closeWith(ReasonNone)
	return nil
}

// CloseWithReason closes the link recording reason as its CloseReason,
// for callers outside the handshake state machine that need to report
// why a READY link was torn down — e.g. the multiplexer closing the
// loser of a simultaneous-connect tie-break (I5) with
// ReasonTieBreakLost.
func (l *Link) CloseWithReason(reason CloseReason) {
	l.closeWith(reason)
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Link) closeWith(reason CloseReason) {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed
	l.closeReason = reason
	l.mu.Unlock()
	l.raw.Close()
}

// RunAsInitiator drives the handshake as the dialing side. Both sides
// send their identify hello first: the dial/accept asymmetry only
// decides who opened the transport connection, not who speaks first in
// the handshake itself.
func (l *Link) RunAsInitiator(ctx context.Context) error {
	if err := l.sendIdentify(ctx); err != nil {
		l.closeWith(ReasonTransportErr)
		return err
	}
	return l.run(ctx)
}

// RunAsResponder drives the handshake as the accepting side.
func (l *Link) RunAsResponder(ctx context.Context) error {
	if err := l.sendIdentify(ctx); err != nil {
		l.closeWith(ReasonTransportErr)
		return err
	}
	return l.run(ctx)
}

func (l *Link) run(ctx context.Context) error {
	deadline, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	for {
		state := l.State()
		if state == StateReady {
			return nil
		}
		if state == StateClosed {
			metricHandshakeFail.Inc(1)
			return fmt.Errorf("handshake: closed (%s)", l.CloseReason())
		}

		framed, err := l.raw.Recv(deadline)
		if err != nil {
			l.closeWith(classifyRecvErr(deadline))
			metricHandshakeFail.Inc(1)
			return fmt.Errorf("handshake: recv: %w", err)
		}
		l.touch()

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
		case "identify":
			var id helloIdentify
			if err := json.Unmarshal(payload, &id); err != nil {
				continue
			}
			if id.AppID != l.appID {
				l.closeWith(ReasonWrongApp)
				metricHandshakeFail.Inc(1)
				return fmt.Errorf("handshake: wrong app_id %q", id.AppID)
			}
			l.mu.Lock()
			l.remotePeerID = id.PeerID
			l.remoteName = id.Name
			l.mu.Unlock()
			l.setState(StateIdentified)

			if err := l.sendChallengeOnce(deadline); err != nil {
				l.closeWith(ReasonTransportErr)
				return err
			}

		case "auth_challenge":
			var ch authChallenge
			if err := json.Unmarshal(payload, &ch); err != nil {
				continue
			}
			if ch.MeshID != l.mesh.ID {
				l.closeWith(ReasonAuthFail)
				metricHandshakeFail.Inc(1)
				return fmt.Errorf("handshake: mesh_id mismatch from %s", l.RemotePeerID())
			}
			remoteNonce, err := hexDecode(ch.Nonce)
			if err != nil {
				continue
			}
			if err := l.sendProof(deadline, remoteNonce); err != nil {
				l.closeWith(ReasonTransportErr)
				return err
			}

		case "auth_proof":
			var proof authProof
			if err := json.Unmarshal(payload, &proof); err != nil {
				continue
			}
			l.mu.Lock()
			localNonce := l.localNonce
			remotePeerID := l.remotePeerID
			l.mu.Unlock()
			if len(localNonce) == 0 || !l.mesh.VerifyHMAC(localNonce, remotePeerID, proof.HMAC) {
				l.closeWith(ReasonAuthFail)
				metricHandshakeFail.Inc(1)
				return fmt.Errorf("handshake: auth failed for %s", remotePeerID)
			}
			l.setState(StateReady)
			metricHandshakeOK.Inc(1)
			return nil
		}
	}
}

// sendChallengeOnce sends our own authChallenge the first time it is
// called for this link, transitioning to AUTH_PENDING; later calls are a
// no-op since identify may (in principle) be re-delivered.
func (l *Link) sendChallengeOnce(ctx context.Context) error {
	l.mu.Lock()
	if l.challengeAt {
		l.mu.Unlock()
		return nil
	}
	l.challengeAt = true
	l.mu.Unlock()

	nonce, err := freshNonce()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.localNonce = nonce
	l.mu.Unlock()

	framed, err := wire.EncodeMessage(authChallenge{
		Type: "auth_challenge", MeshID: l.mesh.ID, Nonce: hexEncode(nonce),
	})
	if err != nil {
		return err
	}
	if err := l.raw.Send(ctx, framed); err != nil {
		return err
	}
	l.setState(StateAuthPending)
	return nil
}

// sendProof answers a remote authChallenge's nonce with our own HMAC
// proof of possession of the shared secret.
func (l *Link) sendProof(ctx context.Context, remoteNonce []byte) error {
	mac := l.mesh.HMAC(remoteNonce, l.local.PeerID)
	framed, err := wire.EncodeMessage(authProof{Type: "auth_proof", HMAC: mac})
	if err != nil {
		return err
	}
	return l.raw.Send(ctx, framed)
}

func (l *Link) touch() {
	l.mu.Lock()
	l.lastRx = time.Now()
	l.mu.Unlock()
}

func (l *Link) sendIdentify(ctx context.Context) error {
	framed, err := wire.EncodeMessage(helloIdentify{
		Type: "identify", PeerID: l.local.PeerID, AppID: l.appID, Name: l.local.Name,
	})
	if err != nil {
		return err
	}
	return l.raw.Send(ctx, framed)
}

func freshNonce() ([]byte, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("handshake: generate nonce: %w", err)
	}
	return buf, nil
}

func classifyRecvErr(ctx context.Context) CloseReason {
	if ctx.Err() != nil {
		return ReasonAuthTimeout
	}
	return ReasonTransportErr
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("handshake: odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("handshake: invalid hex digit %q", c)
	}
}
