package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/llama-farm/atmosphere-core/internal/handshake"
	"github.com/llama-farm/atmosphere-core/internal/identity"
	"github.com/llama-farm/atmosphere-core/internal/transport"
	"github.com/llama-farm/atmosphere-core/internal/wire"
)

// pipeLink adapts a net.Conn half of an in-memory pipe to transport.Link
// using the stream frame codec, mirroring handshake_test.go's harness.
// net.Pipe has no buffering and both handshake sides write before they
// read, so Send queues frames for a per-end writer goroutine.
type pipeLink struct {
	conn net.Conn
	out  chan []byte
}

func (p *pipeLink) Class() transport.Class { return transport.ClassLAN }
func (p *pipeLink) RemoteAddr() string     { return "pipe" }
func (p *pipeLink) Close() error           { return p.conn.Close() }

func (p *pipeLink) Send(ctx context.Context, framed []byte) error {
	select {
	case p.out <- framed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeLink) Recv(ctx context.Context) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(p.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	// A keepalive is a bare fixed-size frame with no length prefix.
	if magic := string(lenBuf[:]); magic == "APIN" || magic == "APON" {
		ka := make([]byte, wire.KeepaliveSize)
		copy(ka, lenBuf[:])
		if _, err := readFull(p.conn, ka[len(lenBuf):]); err != nil {
			return nil, err
		}
		return ka, nil
	}
	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	payload := make([]byte, n)
	if _, err := readFull(p.conn, payload); err != nil {
		return nil, err
	}
	out := append([]byte(nil), lenBuf[:]...)
	return append(out, payload...), nil
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

func pipePair() (*pipeLink, *pipeLink) {
	a, b := net.Pipe()
	return newPipeLink(a), newPipeLink(b)
}

func newPipeLink(conn net.Conn) *pipeLink {
	p := &pipeLink{conn: conn, out: make(chan []byte, 64)}
	go func() {
		for framed := range p.out {
			if _, err := p.conn.Write(framed); err != nil {
				return
			}
		}
	}()
	return p
}

func readyPair(t *testing.T) (*handshake.Link, *handshake.Link) {
	t.Helper()
	mesh := identity.DeriveMesh("m1", "seed")
	a, b := pipePair()
	linkA := handshake.New(a, identity.Peer{PeerID: "peer-a"}, mesh, "atmosphere")
	linkB := handshake.New(b, identity.Peer{PeerID: "peer-b"}, mesh, "atmosphere")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- linkA.RunAsInitiator(ctx) }()
	go func() { errB <- linkB.RunAsResponder(ctx) }()
	if err := <-errA; err != nil {
		t.Fatalf("initiator handshake: %v", err)
	}
	if err := <-errB; err != nil {
		t.Fatalf("responder handshake: %v", err)
	}
	return linkA, linkB
}

func TestKeepaliveLinkAnswersPingWithPong(t *testing.T) {
	linkA, linkB := readyPair(t)
	klA := newKeepaliveLink(linkA)
	klB := newKeepaliveLink(linkB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := klA.sendPing(ctx); err != nil {
		t.Fatalf("sendPing: %v", err)
	}

	// B's Recv should transparently answer the ping with a pong and never
	// surface the keepalive frame to the caller.
	recvDone := make(chan error, 1)
	go func() {
		_, err := klB.Recv(ctx)
		recvDone <- err
	}()
	select {
	case err := <-recvDone:
		if err == nil {
			t.Fatal("klB.Recv returned a frame; keepalive pings must not be surfaced")
		}
	case <-time.After(200 * time.Millisecond):
		// Expected: B swallowed the ping internally and is still
		// blocked waiting for a real application frame.
	}

	// A's Recv should swallow the pong the same way, recording an RTT
	// while it stays blocked waiting for a real application frame.
	recvA := make(chan error, 1)
	go func() {
		_, err := klA.Recv(ctx)
		recvA <- err
	}()
	select {
	case err := <-recvA:
		t.Fatalf("klA.Recv returned (err=%v); keepalive pongs must not be surfaced", err)
	case <-time.After(200 * time.Millisecond):
	}
	if _, ok := klA.lastRTT(); !ok {
		t.Fatal("expected an RTT to be recorded after the pong")
	}
}

func TestKeepaliveLinkPassesNonKeepaliveFrames(t *testing.T) {
	linkA, linkB := readyPair(t)
	klA := newKeepaliveLink(linkA)
	klB := newKeepaliveLink(linkB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	framed, err := wire.EncodeMessage(struct {
		Type string `json:"type"`
	}{Type: "change"})
	if err != nil {
		t.Fatal(err)
	}
	if err := klA.Send(ctx, framed); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := klB.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != string(framed) {
		t.Fatalf("frame mutated in transit")
	}
}
