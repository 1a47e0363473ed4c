package store

import (
	"bytes"
	"testing"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := openTemp(t)
	if _, err := src.Put("notes", "doc-1", []byte("hello"), "peer-a"); err != nil {
		t.Fatal(err)
	}
	v2, err := src.Put("notes", "doc-2", []byte("world"), "peer-a")
	if err != nil {
		t.Fatal(err)
	}
	tomb := Version{LogicalClock: v2.LogicalClock + 1, PeerID: v2.PeerID}
	if _, err := src.Merge("notes", "doc-2", tomb, nil, true, "peer-a"); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	n, err := src.Export(&buf)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 exported entries (including tombstone), got %d", n)
	}

	dst := openTemp(t)
	imported, err := dst.Import(&buf)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if imported != n {
		t.Fatalf("expected %d imported entries, got %d", n, imported)
	}

	_, payload, ok := dst.Get("notes", "doc-1")
	if !ok || string(payload) != "hello" {
		t.Fatalf("expected doc-1 payload %q, got %q (ok=%v)", "hello", payload, ok)
	}
	if _, _, ok := dst.Get("notes", "doc-2"); ok {
		t.Fatal("expected doc-2 to remain tombstoned after import")
	}
}

func TestImportNeverRegressesNewerLocalWrite(t *testing.T) {
	src := openTemp(t)
	if _, err := src.Put("notes", "doc-1", []byte("stale"), "peer-a"); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := src.Export(&buf); err != nil {
		t.Fatal(err)
	}

	dst := openTemp(t)
	if _, err := dst.Put("notes", "doc-1", []byte("fresh"), "peer-b"); err != nil {
		t.Fatal(err)
	}
	if _, err := dst.Import(&buf); err != nil {
		t.Fatalf("Import: %v", err)
	}

	_, payload, ok := dst.Get("notes", "doc-1")
	if !ok || string(payload) != "fresh" {
		t.Fatalf("expected newer local write %q to survive import, got %q (ok=%v)", "fresh", payload, ok)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	src := openTemp(t)
	if _, err := src.Put("notes", "doc-1", []byte("hello"), "peer-a"); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := src.Export(&buf); err != nil {
		t.Fatal(err)
	}
	archive := buf.Bytes()

	dst := openTemp(t)
	if _, err := dst.Import(bytes.NewReader(archive)); err != nil {
		t.Fatalf("first import: %v", err)
	}
	if _, err := dst.Import(bytes.NewReader(archive)); err != nil {
		t.Fatalf("second import: %v", err)
	}

	_, payload, ok := dst.Get("notes", "doc-1")
	if !ok || string(payload) != "hello" {
		t.Fatalf("expected payload %q after re-import, got %q (ok=%v)", "hello", payload, ok)
	}
}
