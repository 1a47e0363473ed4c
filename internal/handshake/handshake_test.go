package handshake

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/llama-farm/atmosphere-core/internal/identity"
	"github.com/llama-farm/atmosphere-core/internal/transport"
)

// pipeLink adapts a net.Conn half of an in-memory pipe to transport.Link
// using the stream frame codec, for exercising the handshake without a
// real socket or any concrete transport driver. net.Pipe has no buffering
// and both handshake sides write before they read, so Send queues frames
// for a per-end writer goroutine instead of writing inline.
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

func TestHandshakeSucceedsOnSameMesh(t *testing.T) {
	mesh := identity.DeriveMesh("m1", "seed")
	a, b := pipePair()

	peerA := identity.Peer{PeerID: "peer-a"}
	peerB := identity.Peer{PeerID: "peer-b"}

	linkA := New(a, peerA, mesh, "atmosphere")
	linkB := New(b, peerB, mesh, "atmosphere")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- linkA.RunAsInitiator(ctx) }()
	go func() { errB <- linkB.RunAsResponder(ctx) }()

	if err := <-errA; err != nil {
		t.Fatalf("initiator: %v", err)
	}
	if err := <-errB; err != nil {
		t.Fatalf("responder: %v", err)
	}
	if linkA.State() != StateReady || linkB.State() != StateReady {
		t.Fatalf("expected both links READY, got %v / %v", linkA.State(), linkB.State())
	}
	if linkA.RemotePeerID() != "peer-b" || linkB.RemotePeerID() != "peer-a" {
		t.Fatalf("unexpected remote peer ids: %q / %q", linkA.RemotePeerID(), linkB.RemotePeerID())
	}
}

func TestHandshakeFailsOnMeshMismatch(t *testing.T) {
	meshA := identity.DeriveMesh("m1", "seed-one")
	meshB := identity.DeriveMesh("m2", "seed-two")
	a, b := pipePair()

	linkA := New(a, identity.Peer{PeerID: "peer-a"}, meshA, "atmosphere")
	linkB := New(b, identity.Peer{PeerID: "peer-b"}, meshB, "atmosphere")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- linkA.RunAsInitiator(ctx) }()
	go func() { errB <- linkB.RunAsResponder(ctx) }()

	<-errA
	<-errB
	if linkA.State() != StateClosed || linkB.State() != StateClosed {
		t.Fatalf("expected both links CLOSED, got %v / %v", linkA.State(), linkB.State())
	}
	if linkA.CloseReason() != ReasonAuthFail && linkB.CloseReason() != ReasonAuthFail {
		t.Fatalf("expected at least one side to report auth-fail, got %v / %v", linkA.CloseReason(), linkB.CloseReason())
	}
}

func TestHandshakeFailsOnWrongApp(t *testing.T) {
	mesh := identity.DeriveMesh("m1", "seed")
	a, b := pipePair()

	linkA := New(a, identity.Peer{PeerID: "peer-a"}, mesh, "atmosphere")
	linkB := New(b, identity.Peer{PeerID: "peer-b"}, mesh, "other-app")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go linkB.RunAsResponder(ctx)
	err := linkA.RunAsInitiator(ctx)
	if err == nil {
		t.Fatal("expected an error for mismatched app_id")
	}
	if linkA.State() != StateClosed || linkA.CloseReason() != ReasonWrongApp {
		t.Fatalf("got state=%v reason=%v, want CLOSED/wrong-app", linkA.State(), linkA.CloseReason())
	}
}

func TestHexEncodeMatchesStdlib(t *testing.T) {
	in := []byte{0x00, 0x0f, 0xff, 0xa5}
	got := hexEncode(in)
	want := "000fffa5"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
