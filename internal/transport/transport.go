// Package transport defines the common driver contract every link-layer
// transport implements (LAN, BLE, Wi-Fi Aware, relay): one small
// interface, a fixed set of concrete implementations, no type
// hierarchy.
package transport

import (
	"context"
	"errors"
	"time"
)

// Class names a transport. The multiplexer's preference order is fixed
// across these four values: LAN, then Wi-Fi Aware, then BLE, then Relay.
type Class string

const (
	ClassLAN       Class = "lan"
	ClassBLE       Class = "ble"
	ClassWifiAware Class = "wifiaware"
	ClassRelay     Class = "relay"
)

// Preference orders the transport classes from most to least preferred.
// A lower index wins when a peer has live links on more than one class.
var Preference = []Class{ClassLAN, ClassWifiAware, ClassBLE, ClassRelay}

// Rank returns c's position in Preference, or len(Preference) if c is
// not a recognised class (so unknown classes sort last).
func Rank(c Class) int {
	for i, p := range Preference {
		if p == c {
			return i
		}
	}
	return len(Preference)
}

// PeerHint is emitted by a driver's Discover stream whenever it learns of
// a candidate peer, before any handshake has taken place.
type PeerHint struct {
	Class   Class
	Addr    string // driver-specific dial address (host:port, BLE device id, endpoint id, ...)
	PeerID  string // empty if the driver cannot see peer_id before dialing (e.g. relay)
	RTTHint time.Duration
}

// Link is one established, framed byte-stream connection to a remote
// peer over a particular transport class. Reads and writes carry whole
// stream frames (internal/wire.Frame) or bare fixed-size keepalive frames
// (internal/wire.EncodeKeepalive); a driver is responsible for its
// own fragmentation below that if its medium demands it (BLE, Wi-Fi
// Aware).
type Link interface {
	Class() Class
	RemoteAddr() string
	// Send writes one already-framed message. Send must be safe to call
	// from multiple goroutines; callers do not serialise their own
	// writes.
	Send(ctx context.Context, framed []byte) error
	// Recv blocks for the next inbound framed message.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Driver is the contract a link-layer transport implements. Discover
// runs until ctx is cancelled, pushing peer hints as they're learned.
// Dial opens an outbound Link to addr. Listen blocks accepting inbound
// links and invokes accept for each one until ctx is cancelled or the
// driver is closed.
type Driver interface {
	Class() Class
	Discover(ctx context.Context, hints chan<- PeerHint) error
	Dial(ctx context.Context, addr string) (Link, error)
	Listen(ctx context.Context, accept func(Link)) error
	Close() error
}

// ErrDriverClosed is returned by a driver's methods once Close has been
// called.
var ErrDriverClosed = errors.New("transport: driver closed")
