// Package ble implements the Bluetooth Low Energy GATT transport as a
// pure adapter: the host platform owns the actual BLE radio (there is no
// portable Go library reaching native BLE GATT stacks from a headless
// core process), so this driver exposes PollOutbound/FeedInbound hooks a
// platform shim calls into, and does its own MTU-bound fragmentation and
// reassembly in terms of internal/wire, the same split the teacher
// reserves for transport-specific framing below the stream layer.
package ble

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

var log = alog.New("component", "transport.ble")

// KeepaliveInterval is the mandatory GATT keepalive cadence; a link is
// dropped after MissedKeepalives consecutive missed pings.
const KeepaliveInterval = 20 * time.Second

// MissedKeepalives is the number of consecutive missed pings that drops
// a BLE link.
const MissedKeepalives = 3

// helloMessage is the JSON the central writes after subscribing, used to
// resolve a bare device address into a peer_id.
type helloMessage struct {
	PeerID string `json:"peer_id"`
	AppID  string `json:"app_id"`
}

// Driver is the BLE GATT driver. A platform shim is expected to call
// FeedInbound for every notified RX payload and PollOutbound to drain
// bytes queued for a connected device, and to call PeerDiscovered /
// PeerInfoRead as the native stack resolves addresses to peer_ids.
type Driver struct {
	PeerID string
	AppID  string
	MTU    int // characteristic MTU; fragment payload size is MTU-4

	mu     sync.Mutex
	links  map[string]*link // keyed by device address
	hints  chan<- transport.PeerHint
	accept func(transport.Link)
	closed bool
}

// NewDriver returns a BLE driver with the given advertised identity and
// characteristic MTU.
func NewDriver(peerID, appID string, mtu int) *Driver {
	if mtu <= 4 {
		mtu = 23 // default BLE 4.0 ATT MTU
	}
	return &Driver{PeerID: peerID, AppID: appID, MTU: mtu, links: make(map[string]*link)}
}

func (d *Driver) Class() transport.Class { return transport.ClassBLE }

// Discover registers hints as the channel peer discovery pushes into;
// PeerDiscovered is how a platform shim actually feeds it.
func (d *Driver) Discover(ctx context.Context, hints chan<- transport.PeerHint) error {
	d.mu.Lock()
	d.hints = hints
	d.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// PeerDiscovered is called by the platform shim when the native BLE
// stack sees a device advertising the fixed service UUID, before its
// peer_id is known.
func (d *Driver) PeerDiscovered(deviceAddr string) {
	d.mu.Lock()
	hints := d.hints
	d.mu.Unlock()
	if hints != nil {
		hints <- transport.PeerHint{Class: transport.ClassBLE, Addr: deviceAddr}
	}
}

// PeerInfoRead is called once the central has read the peer-info
// characteristic and resolved deviceAddr to a remote peer_id; this is
// the point at which the link is considered identified.
func (d *Driver) PeerInfoRead(deviceAddr, remotePeerID string) {
	d.mu.Lock()
	l, ok := d.links[deviceAddr]
	d.mu.Unlock()
	if ok {
		l.setRemotePeerID(remotePeerID)
	}
}

// Listen registers accept, invoked for every new connected link. A
// platform shim establishes the actual GATT connection and calls
// NewConnection once subscribe completes.
func (d *Driver) Listen(ctx context.Context, accept func(transport.Link)) error {
	d.mu.Lock()
	d.accept = accept
	d.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// Dial is called by the multiplexer to establish an outbound GATT
// connection; in practice the platform shim performs the actual BLE
// connect and then calls NewConnection, so Dial here just waits for that
// to happen or for ctx to expire.
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
			return nil, fmt.Errorf("ble: dial %s: timed out waiting for platform connect", addr)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// NewConnection registers a freshly connected GATT link for deviceAddr,
// queues the local hello on it, and surfaces it via accept straight away,
// without waiting for the remote hello.
func (d *Driver) NewConnection(deviceAddr string) *link {
	l := &link{
		driver:   d,
		addr:     deviceAddr,
		out:      make(chan []byte, 256),
		in:       make(chan []byte, 64),
		reassem:  wire.NewReassembler(),
		lastPong: time.Now(),
	}
	d.mu.Lock()
	d.links[deviceAddr] = l
	accept := d.accept
	d.mu.Unlock()

	hello, err := json.Marshal(helloMessage{PeerID: d.PeerID, AppID: d.AppID})
	if err == nil {
		l.writeRaw(context.Background(), hello)
	}

	if accept != nil {
		accept(l)
	}
	return l
}

// FeedInbound is called by the platform shim for every notified RX
// payload; it feeds the fragment reassembler. A completed hello that
// arrives while the remote peer_id is still unknown resolves it and is
// not passed on; every other completed message is queued for Recv. The
// link itself was already surfaced by NewConnection.
func (d *Driver) FeedInbound(deviceAddr string, raw []byte) {
	d.mu.Lock()
	l, ok := d.links[deviceAddr]
	d.mu.Unlock()
	if !ok {
		log.Debug("inbound data for unknown ble link", "addr", deviceAddr)
		return
	}
	l.feed(raw)
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for _, l := range d.links {
		close(l.in)
	}
	d.links = make(map[string]*link)
	return nil
}

// link is one GATT connection: outbound bytes are fragmented onto out
// (the characteristic-write channel a platform shim drains via
// PollOutbound), inbound bytes arrive via FeedInbound and are
// reassembled.
type link struct {
	driver *Driver
	addr   string

	mu           sync.Mutex
	remotePeerID string

	out chan []byte
	in  chan []byte

	reassem  *wire.Reassembler
	seq      uint32
	lastPong time.Time
}

func (l *link) setRemotePeerID(id string) {
	l.mu.Lock()
	l.remotePeerID = id
	l.mu.Unlock()
}

func (l *link) Class() transport.Class { return transport.ClassBLE }
func (l *link) RemoteAddr() string     { return l.addr }

func (l *link) Send(ctx context.Context, framed []byte) error {
	return l.writeRaw(ctx, framed)
}

// writeRaw fragments framed and queues every fragment for the platform
// shim to drain via PollOutbound. A full queue means the shim is falling
// behind, not that the message should be dropped, so a full fragment
// slot makes the caller yield (block) until room frees up or ctx ends,
// matching the mesh's overflow policy (mux's queue does the same).
func (l *link) writeRaw(ctx context.Context, framed []byte) error {
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()
	chunk := l.driver.MTU - wire.FragmentHeaderSize
	for _, frag := range wire.Split(framed, chunk, seq) {
		select {
		case l.out <- frag:
		case <-ctx.Done():
			return fmt.Errorf("ble: send to %s: %w", l.addr, ctx.Err())
		}
	}
	return nil
}

func (l *link) feed(raw []byte) {
	out, done, err := l.reassem.Feed(l.addr, raw)
	if err != nil {
		log.Debug("ble reassembly error", "addr", l.addr, "err", err)
		return
	}
	if done {
		l.mu.Lock()
		resolved := l.remotePeerID != ""
		l.mu.Unlock()
		if !resolved {
			var hello helloMessage
			if json.Unmarshal(out, &hello) == nil && hello.PeerID != "" {
				l.setRemotePeerID(hello.PeerID)
				return
			}
		}
		select {
		case l.in <- out:
		default:
			log.Warn("ble inbound buffer full, dropping message", "addr", l.addr)
		}
	}
}

// PollOutbound is a convenience for platform shims that prefer a pull
// model: it returns the next fragment queued for this link, or nil if
// none is pending.
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
