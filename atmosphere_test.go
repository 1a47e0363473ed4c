package atmosphere

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/llama-farm/atmosphere-core/internal/store"
)

// writeNodeConfig drops an atmosphere.yaml into dataDir sufficient for
// config.Validate to pass: a shared mesh_id/mesh_id_seed pair is what
// lets two peers' handshakes agree on the same mesh, per §4.E.
func writeNodeConfig(t *testing.T, dataDir string, beaconPort int) {
	t.Helper()
	yaml := fmt.Sprintf(`
mesh_id: test-mesh
mesh_id_seed: correct-horse-battery-staple
beacon_port: %d
enabled_transports: [lan]
`, beaconPort)
	if err := os.WriteFile(filepath.Join(dataDir, "atmosphere.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// freeBeaconPort picks a high port unlikely to collide with other tests
// or the default 11452, mirroring internal/transport/lan's own test
// helper.
func freeBeaconPort() int {
	return 31500 + int(time.Now().UnixNano()%4000)
}

func getDocPayload(t *testing.T, h, collection, docID string) (string, bool) {
	t.Helper()
	raw, err := Get(h, collection, docID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(raw) == "null" {
		return "", false
	}
	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}
	return string(doc.Payload), true
}

func TestTwoPeerLANSyncConverges(t *testing.T) {
	port := freeBeaconPort()

	dirA, dirB := t.TempDir(), t.TempDir()
	writeNodeConfig(t, dirA, port)
	writeNodeConfig(t, dirB, port)

	hA, err := Init(dirA, "testapp", "node-a")
	if err != nil {
		t.Fatalf("init a: %v", err)
	}
	defer Stop(hA)
	hB, err := Init(dirB, "testapp", "node-b")
	if err != nil {
		t.Fatalf("init b: %v", err)
	}
	defer Stop(hB)

	if _, err := StartMesh(hA); err != nil {
		t.Fatalf("start mesh a: %v", err)
	}
	if _, err := StartMesh(hB); err != nil {
		t.Fatalf("start mesh b: %v", err)
	}

	if err := Insert(hA, "notes", "doc-1", []byte(`{"text":"hello from a"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	var payload string
	var ok bool
	for time.Now().Before(deadline) {
		payload, ok = getDocPayload(t, hB, "notes", "doc-1")
		if ok {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !ok {
		t.Fatal("doc-1 never synced to peer b within deadline")
	}
	if payload != `{"text":"hello from a"}` {
		t.Fatalf("payload = %s, want the original insert", payload)
	}

	peersRaw, err := Peers(hB)
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	var peers []json.RawMessage
	if err := json.Unmarshal(peersRaw, &peers); err != nil {
		t.Fatalf("unmarshal peers: %v", err)
	}
	if len(peers) == 0 {
		t.Fatal("expected at least one peer descriptor on b")
	}
}

func TestTwoPeerLANSyncLastWriterWins(t *testing.T) {
	port := freeBeaconPort()

	dirA, dirB := t.TempDir(), t.TempDir()
	writeNodeConfig(t, dirA, port)
	writeNodeConfig(t, dirB, port)

	hA, err := Init(dirA, "testapp", "node-a")
	if err != nil {
		t.Fatalf("init a: %v", err)
	}
	defer Stop(hA)
	hB, err := Init(dirB, "testapp", "node-b")
	if err != nil {
		t.Fatalf("init b: %v", err)
	}
	defer Stop(hB)

	if _, err := StartMesh(hA); err != nil {
		t.Fatalf("start mesh a: %v", err)
	}
	if _, err := StartMesh(hB); err != nil {
		t.Fatalf("start mesh b: %v", err)
	}

	if err := Insert(hA, "notes", "doc-2", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("insert a: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := getDocPayload(t, hB, "notes", "doc-2"); ok {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := Insert(hB, "notes", "doc-2", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	deadline = time.Now().Add(10 * time.Second)
	var payload string
	for time.Now().Before(deadline) {
		payload, _ = getDocPayload(t, hA, "notes", "doc-2")
		if payload == `{"v":2}` {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if payload != `{"v":2}` {
		t.Fatalf("payload on a = %s, want the later write to win", payload)
	}
}

func TestHealthReportsStatus(t *testing.T) {
	dir := t.TempDir()
	writeNodeConfig(t, dir, freeBeaconPort())

	h, err := Init(dir, "testapp", "solo")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer Stop(h)

	raw, err := Health(h)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var report healthReport
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if report.Status != "ok" {
		t.Fatalf("status = %q, want ok", report.Status)
	}
	if !report.LocalWriteOK {
		t.Fatal("expected local_write_ok on a fresh node")
	}
}

func TestStopWithinDeadline(t *testing.T) {
	dir := t.TempDir()
	writeNodeConfig(t, dir, freeBeaconPort())

	h, err := Init(dir, "testapp", "solo")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := StartMesh(h); err != nil {
		t.Fatalf("start mesh: %v", err)
	}

	start := time.Now()
	if err := Stop(h); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("stop took %v, want well under the 2s budget plus margin", elapsed)
	}
}
