// Package lan implements the local-area transport: a periodic UDP
// discovery beacon and a TCP listener/dialer for the actual stream
// links. The bind-then-accept-loop shape is grounded on the
// aznet.go reference driver's Listen/Listener.Accept pattern; the
// beacon uses internal/wire's beacon codec (magic plus JSON) and the
// stream links its length-prefixed frame codec.
package lan

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	alog "github.com/llama-farm/atmosphere-core/internal/log"
	"github.com/llama-farm/atmosphere-core/internal/transport"
	"github.com/llama-farm/atmosphere-core/internal/wire"
)

var log = alog.New("component", "transport.lan")

// BeaconInterval is the nominal period between UDP beacon broadcasts;
// the actual interval is jittered by ±25%.
const BeaconInterval = 2 * time.Second

const beaconJitterFraction = 0.25

// Driver implements transport.Driver over UDP beacons and TCP streams.
type Driver struct {
	PeerID string
	AppID  string
	Name   string
	Port   int // UDP beacon port; the TCP listener binds an ephemeral port

	udpConn  *net.UDPConn
	tcpLn    net.Listener
	closed   chan struct{}
	closeErr error
}

// Listen binds the UDP beacon socket and the TCP stream listener, then
// blocks calling accept for every inbound TCP connection until ctx is
// done or Close is called. The caller is expected to run Discover and
// Listen concurrently.
func (d *Driver) Listen(ctx context.Context, accept func(transport.Link)) error {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: d.Port})
	if err != nil {
		return fmt.Errorf("lan: listen udp :%d: %w", d.Port, err)
	}
	tcpLn, err := net.Listen("tcp4", ":0")
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("lan: listen tcp: %w", err)
	}
	d.udpConn = udpConn
	d.tcpLn = tcpLn
	d.closed = make(chan struct{})

	go d.broadcastBeacons(ctx)

	go func() {
		<-ctx.Done()
		d.Close()
	}()

	for {
		conn, err := tcpLn.Accept()
		if err != nil {
			select {
			case <-d.closed:
				return transport.ErrDriverClosed
			default:
				return fmt.Errorf("lan: accept: %w", err)
			}
		}
		accept(newLink(conn))
	}
}

// tcpPort returns the ephemeral port the TCP listener bound, once Listen
// has run.
func (d *Driver) tcpPort() uint16 {
	if d.tcpLn == nil {
		return 0
	}
	return uint16(d.tcpLn.Addr().(*net.TCPAddr).Port)
}

// ListenPort exposes the bound TCP stream port, for callers (the public
// surface's start_mesh) that need to report it to the host.
func (d *Driver) ListenPort() int {
	return int(d.tcpPort())
}

func (d *Driver) broadcastBeacons(ctx context.Context) {
	for {
		port := d.tcpPort()
		if port != 0 {
			d.sendBeacon(port)
		}
		interval := jittered(BeaconInterval, beaconJitterFraction)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func jittered(base time.Duration, fraction float64) time.Duration {
	delta := float64(base) * fraction
	offset := (rand.Float64()*2 - 1) * delta
	return base + time.Duration(offset)
}

func (d *Driver) sendBeacon(tcpPort uint16) {
	raw, err := wire.EncodeBeacon(wire.Beacon{
		PeerID:  d.PeerID,
		AppID:   d.AppID,
		TCPPort: tcpPort,
		Name:    d.Name,
	})
	if err != nil {
		log.Error("encode beacon", "err", err)
		return
	}
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: d.Port}
	if _, err := d.udpConn.WriteToUDP(raw, dst); err != nil {
		log.Debug("broadcast beacon", "err", err)
	}
}

// Discover listens for UDP beacons and pushes a PeerHint for every
// well-formed beacon from a different app_id-matching, non-local peer.
// It runs until ctx is done. Listen must be called first (or
// concurrently) so the UDP socket exists.
func (d *Driver) Discover(ctx context.Context, hints chan<- transport.PeerHint) error {
	for d.udpConn == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		d.udpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, src, err := d.udpConn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-d.closed:
				return transport.ErrDriverClosed
			default:
			}
			return fmt.Errorf("lan: read udp: %w", err)
		}
		b, err := wire.DecodeBeacon(append([]byte(nil), buf[:n]...))
		if err != nil {
			continue
		}
		if b.AppID != d.AppID || b.PeerID == d.PeerID {
			continue
		}
		hints <- transport.PeerHint{
			Class:  transport.ClassLAN,
			Addr:   fmt.Sprintf("%s:%d", src.IP.String(), b.TCPPort),
			PeerID: b.PeerID,
		}
	}
}

// Dial opens a TCP connection to addr ("host:port", as produced by the
// beacon's advertised tcp_port).
func (d *Driver) Dial(ctx context.Context, addr string) (transport.Link, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("lan: dial %s: %w", addr, err)
	}
	return newLink(conn), nil
}

func (d *Driver) Close() error {
	if d.closed != nil {
		select {
		case <-d.closed:
		default:
			close(d.closed)
		}
	}
	if d.udpConn != nil {
		d.udpConn.Close()
	}
	if d.tcpLn != nil {
		d.tcpLn.Close()
	}
	return d.closeErr
}

func (d *Driver) Class() transport.Class { return transport.ClassLAN }

// link wraps a net.Conn as a transport.Link using the stream framing.
type link struct {
	conn net.Conn
}

func newLink(conn net.Conn) *link {
	return &link{conn: conn}
}

func (l *link) Class() transport.Class { return transport.ClassLAN }
func (l *link) RemoteAddr() string     { return l.conn.RemoteAddr().String() }

func (l *link) Send(ctx context.Context, framed []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		l.conn.SetWriteDeadline(dl)
	}
	_, err := l.conn.Write(framed)
	return err
}

func (l *link) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		l.conn.SetReadDeadline(dl)
	}
	var lenBuf [4]byte
	if _, err := readFull(l.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	// A keepalive is a bare fixed-size frame with no length prefix; its
	// APIN/APON magic stands where a stream frame's length would be.
	if magic := string(lenBuf[:]); magic == "APIN" || magic == "APON" {
		ka := make([]byte, wire.KeepaliveSize)
		copy(ka, lenBuf[:])
		if _, err := readFull(l.conn, ka[len(lenBuf):]); err != nil {
			return nil, err
		}
		return ka, nil
	}
	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	if n > wire.MaxStreamFrameSize {
		return nil, wire.ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := readFull(l.conn, payload); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.Write(lenBuf[:])
	out.Write(payload)
	return out.Bytes(), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (l *link) Close() error { return l.conn.Close() }
