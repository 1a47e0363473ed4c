// Package relay implements the outbound WebSocket transport: a single
// persistent connection to a configured relay URL that proxies to
// whichever remote peers the relay itself knows about. Grounded on
// `github.com/gorilla/websocket`, the relay dependency named directly in
// orbas1-Synnergy/synnergy-network's go.mod.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	alog "github.com/llama-farm/atmosphere-core/internal/log"
	"github.com/llama-farm/atmosphere-core/internal/transport"
	"github.com/llama-farm/atmosphere-core/internal/wire"
)

var log = alog.New("component", "transport.relay")

// Driver dials a single outbound WebSocket connection and exposes it as
// the one relay Link; the relay is treated as a single peer hint source
// rather than a dialable-per-peer transport.
type Driver struct {
	URL    string
	PeerID string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed chan struct{}
}

func (d *Driver) Class() transport.Class { return transport.ClassRelay }

// Discover emits a single PeerHint representing the relay URL (Dial is
// what connects), then blocks until ctx is done; the relay has no
// further discovery of its own.
func (d *Driver) Discover(ctx context.Context, hints chan<- transport.PeerHint) error {
	if d.URL == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	hints <- transport.PeerHint{Class: transport.ClassRelay, Addr: d.URL}
	<-ctx.Done()
	return ctx.Err()
}

// Dial opens (or reuses) the single outbound connection to the relay URL.
// addr is ignored; the relay has exactly one dial target.
func (d *Driver) Dial(ctx context.Context, addr string) (transport.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return &link{conn: d.conn}, nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", d.URL, err)
	}
	d.conn = conn
	d.closed = make(chan struct{})
	log.Info("relay connected", "url", d.URL)
	return &link{conn: conn}, nil
}

// Listen has nothing to accept on a purely outbound relay connection; it
// blocks until ctx is cancelled.
func (d *Driver) Listen(ctx context.Context, accept func(transport.Link)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

type link struct {
	conn *websocket.Conn
}

func (l *link) Class() transport.Class { return transport.ClassRelay }
func (l *link) RemoteAddr() string     { return l.conn.RemoteAddr().String() }

func (l *link) Send(ctx context.Context, framed []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		l.conn.SetWriteDeadline(dl)
	}
	return l.conn.WriteMessage(websocket.BinaryMessage, framed)
}

func (l *link) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		l.conn.SetReadDeadline(dl)
	}
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return incrementChangeHops(data), nil
}

func (l *link) Close() error { return l.conn.Close() }

// incrementChangeHops bumps a "change" message's hops counter by one,
// since arriving over the relay means the change took an indirect path
// rather than a direct peer-to-peer link — every other transport class
// is a single physical hop, so only the relay driver ever touches this
// field. Anything that isn't a recognizable change message (other frame
// types, or a decode failure) passes through unmodified.
func incrementChangeHops(framed []byte) []byte {
	payload, err := wire.ReadFrame(bytes.NewReader(framed))
	if err != nil {
		return framed
	}
	var probe struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(payload, &probe) != nil || probe.Type != "change" {
		return framed
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(payload, &fields) != nil {
		return framed
	}
	var hops int
	if raw, ok := fields["hops"]; ok {
		json.Unmarshal(raw, &hops)
	}
	bumped, err := json.Marshal(hops + 1)
	if err != nil {
		return framed
	}
	fields["hops"] = bumped
	newPayload, err := json.Marshal(fields)
	if err != nil {
		return framed
	}
	out, err := wire.Frame(newPayload)
	if err != nil {
		return framed
	}
	return out
}
