package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/llama-farm/atmosphere-core/internal/transport"
	"github.com/llama-farm/atmosphere-core/internal/wire"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func TestDialSendRecvEcho(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	d := &Driver{URL: url, PeerID: "peer-a"}
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l, err := d.Dial(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Send(ctx, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := l.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q want hello", got)
	}
}

func TestRecvIncrementsChangeHops(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	d := &Driver{URL: url, PeerID: "peer-a"}
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l, err := d.Dial(ctx, url)
	if err != nil {
		t.Fatal(err)
	}

	framed, err := wire.EncodeMessage(map[string]interface{}{
		"type": "change", "doc_id": "doc-1", "hops": 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Send(ctx, framed); err != nil {
		t.Fatal(err)
	}
	got, err := l.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}

	payload, err := wire.ReadFrame(bytes.NewReader(got))
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Hops int `json:"hops"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Hops != 3 {
		t.Fatalf("got hops %d want 3", decoded.Hops)
	}
}

func TestRecvLeavesNonChangeMessagesUntouched(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	d := &Driver{URL: url, PeerID: "peer-a"}
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l, err := d.Dial(ctx, url)
	if err != nil {
		t.Fatal(err)
	}

	framed, err := wire.EncodeMessage(map[string]interface{}{"type": "sync_done"})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Send(ctx, framed); err != nil {
		t.Fatal(err)
	}
	got, err := l.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(framed) {
		t.Fatalf("expected non-change message to pass through unchanged")
	}
}

func TestDiscoverEmitsRelayHint(t *testing.T) {
	d := &Driver{URL: "wss://relay.example/ws"}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	hints := make(chan transport.PeerHint, 1)
	go d.Discover(ctx, hints)
	select {
	case h := <-hints:
		if h.Addr != d.URL {
			t.Fatalf("got addr %q want %q", h.Addr, d.URL)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relay hint")
	}
}
