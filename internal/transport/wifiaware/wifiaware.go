// Package wifiaware implements the Wi-Fi Aware transport as a pure
// adapter over a platform shim, for the same reason as internal/transport/ble: the
// publish/subscribe service and sendMessage primitive live in the host
// platform's native Wi-Fi Aware stack, unreachable from a portable Go
// library. The driver does its own datagram fragmentation (sendMessage
// caps at 255 bytes) in terms of internal/wire.
package wifiaware

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	alog "github.com/llama-farm/atmosphere-core/internal/log"
	"github.com/llama-farm/atmosphere-core/internal/transport"
	"github.com/llama-farm/atmosphere-core/internal/wire"
)

var log = alog.New("component", "transport.wifiaware")

// MaxSendMessageSize is the sendMessage payload cap Wi-Fi Aware imposes.
const MaxSendMessageSize = 255

const fragmentPayloadSize = MaxSendMessageSize - wire.FragmentHeaderSize

const serviceName = "atmosphere"

type helloMessage struct {
	PeerID string `json:"peer_id"`
	AppID  string `json:"app_id"`
}

// Driver publishes and subscribes a fixed service name, exchanging hello
// messages with any discovered endpoint before surfacing a link.
type Driver struct {
	PeerID string
	AppID  string

	mu     sync.Mutex
	links  map[string]*link // keyed by endpoint id
	hints  chan<- transport.PeerHint
	accept func(transport.Link)
}

// NewDriver returns a Wi-Fi Aware driver advertising the given identity.
func NewDriver(peerID, appID string) *Driver {
	return &Driver{PeerID: peerID, AppID: appID, links: make(map[string]*link)}
}

func (d *Driver) Class() transport.Class { return transport.ClassWifiAware }

// Discover registers hints for EndpointDiscovered to push into; the
// actual publish/subscribe lifecycle is owned by the platform shim.
func (d *Driver) Discover(ctx context.Context, hints chan<- transport.PeerHint) error {
	d.mu.Lock()
	d.hints = hints
	d.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// EndpointDiscovered is called by the platform shim when a peer
// publishing serviceName is found, and establishes the logical link,
// sending the local hello immediately (the hello round trip is what
// resolves an endpoint id into a peer_id).
func (d *Driver) EndpointDiscovered(endpointID string) *link {
	l := &link{
		driver:  d,
		addr:    endpointID,
		out:     make(chan []byte, 256),
		in:      make(chan []byte, 64),
		reassem: wire.NewReassembler(),
	}
	d.mu.Lock()
	d.links[endpointID] = l
	hints := d.hints
	d.mu.Unlock()

	if hints != nil {
		hints <- transport.PeerHint{Class: transport.ClassWifiAware, Addr: endpointID}
	}

	hello, err := json.Marshal(helloMessage{PeerID: d.PeerID, AppID: d.AppID})
	if err == nil {
		l.writeRaw(context.Background(), hello)
	}
	return l
}

// helloReceived is called once a remote hello has been decoded out of
// FeedInbound's reassembly, resolving the endpoint to a peer_id and
// surfacing the link to the multiplexer via accept.
func (d *Driver) helloReceived(l *link, remotePeerID string) {
	l.mu.Lock()
	l.remotePeerID = remotePeerID
	alreadyAccepted := l.accepted
	l.accepted = true
	l.mu.Unlock()

	if alreadyAccepted {
		return
	}
	d.mu.Lock()
	accept := d.accept
	d.mu.Unlock()
	if accept != nil {
		accept(l)
	}
}

// FeedInbound is called by the platform shim for every message delivered
// to the local sendMessage callback for endpointID.
func (d *Driver) FeedInbound(endpointID string, raw []byte) {
	d.mu.Lock()
	l, ok := d.links[endpointID]
	d.mu.Unlock()
	if !ok {
		log.Debug("inbound data for unknown wifi-aware endpoint", "endpoint", endpointID)
		return
	}
	l.feed(raw)
}

// Listen registers accept, invoked once per link after the hello round
// trip completes.
func (d *Driver) Listen(ctx context.Context, accept func(transport.Link)) error {
	d.mu.Lock()
	d.accept = accept
	d.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// Dial waits for the platform shim to have completed EndpointDiscovered
// for addr (an endpoint id), since the actual Wi-Fi Aware session is
// established natively.
func (d *Driver) Dial(ctx context.Context, addr string) (transport.Link, error) {
	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()
	for {
		d.mu.Lock()
		l, ok := d.links[addr]
		d.mu.Unlock()
		if ok {
			return l, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("wifiaware: dial %s: timed out waiting for platform discovery", addr)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.links {
		close(l.in)
	}
	d.links = make(map[string]*link)
	return nil
}

type link struct {
	driver *Driver
	addr   string

	mu           sync.Mutex
	remotePeerID string
	accepted     bool

	out chan []byte
	in  chan []byte

	reassem *wire.Reassembler
	seq     uint32
}

func (l *link) Class() transport.Class { return transport.ClassWifiAware }
func (l *link) RemoteAddr() string     { return l.addr }

func (l *link) Send(ctx context.Context, framed []byte) error {
	return l.writeRaw(ctx, framed)
}

// writeRaw queues fragments for the platform shim's poll loop to drain.
// A full queue means the shim (not the remote peer) is falling behind,
// so the caller yields (blocks) until room frees up or ctx ends, rather
// than dropping the message — the mesh's overflow policy, matching
// mux's queue.
func (l *link) writeRaw(ctx context.Context, framed []byte) error {
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()
	for _, frag := range wire.Split(framed, fragmentPayloadSize, seq) {
		select {
		case l.out <- frag:
		case <-ctx.Done():
			return fmt.Errorf("wifiaware: send to %s: %w", l.addr, ctx.Err())
		}
	}
	return nil
}

func (l *link) feed(raw []byte) {
	out, done, err := l.reassem.Feed(l.addr, raw)
	if err != nil {
		log.Debug("wifi-aware reassembly error", "addr", l.addr, "err", err)
		return
	}
	if !done {
		return
	}

	l.mu.Lock()
	accepted := l.accepted
	l.mu.Unlock()
	if !accepted {
		var hello helloMessage
		if json.Unmarshal(out, &hello) == nil && hello.PeerID != "" {
			l.driver.helloReceived(l, hello.PeerID)
			return
		}
	}

	select {
	case l.in <- out:
	default:
		log.Warn("wifi-aware inbound buffer full, dropping message", "addr", l.addr)
	}
}

// PollOutbound returns the next fragment queued for this link, or nil if
// none is pending, for platform shims using a pull model.
func (l *link) PollOutbound() []byte {
	select {
	case frag := <-l.out:
		return frag
	default:
		return nil
	}
}

func (l *link) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-l.in:
		if !ok {
			return nil, transport.ErrDriverClosed
		}
		return data, nil
	}
}

func (l *link) Close() error {
	l.driver.mu.Lock()
	delete(l.driver.links, l.addr)
	l.driver.mu.Unlock()
	return nil
}
