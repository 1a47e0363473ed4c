package store

import (
	"os"
	"testing"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "atmosphere-store-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTemp(t)
	v, err := s.Put("notes", "doc-1", []byte("hello"), "peer-a")
	if err != nil {
		t.Fatal(err)
	}
	if v.LogicalClock == 0 {
		t.Fatal("expected non-zero logical clock")
	}
	gotV, payload, ok := s.Get("notes", "doc-1")
	if !ok {
		t.Fatal("expected document to be present")
	}
	if gotV != v {
		t.Fatalf("got version %+v want %+v", gotV, v)
	}
	if string(payload) != "hello" {
		t.Fatalf("got payload %q want %q", payload, "hello")
	}
}

func TestPutAdvancesLogicalClock(t *testing.T) {
	s := openTemp(t)
	v1, err := s.Put("notes", "doc-1", []byte("a"), "peer-a")
	if err != nil {
		t.Fatal(err)
	}
	v2, err := s.Put("notes", "doc-1", []byte("b"), "peer-a")
	if err != nil {
		t.Fatal(err)
	}
	if !v2.Dominates(v1) {
		t.Fatalf("expected %+v to dominate %+v", v2, v1)
	}
}

func TestMergeLastWriterWins(t *testing.T) {
	s := openTemp(t)
	low := Version{LogicalClock: 1, PeerID: "peer-a"}
	high := Version{LogicalClock: 2, PeerID: "peer-b"}

	accepted, err := s.Merge("notes", "doc-1", low, []byte("old"), false, "peer-a")
	if err != nil || !accepted {
		t.Fatalf("accept low: ok=%v err=%v", accepted, err)
	}
	accepted, err = s.Merge("notes", "doc-1", high, []byte("new"), false, "peer-b")
	if err != nil || !accepted {
		t.Fatalf("accept high: ok=%v err=%v", accepted, err)
	}

	_, payload, ok := s.Get("notes", "doc-1")
	if !ok || string(payload) != "new" {
		t.Fatalf("expected winning payload %q, got %q (ok=%v)", "new", payload, ok)
	}

	// Replaying the stale version must be a silent no-op, not an error,
	// so that retransmission of old change records is always safe.
	accepted, err = s.Merge("notes", "doc-1", low, []byte("stale-replay"), false, "peer-a")
	if err != nil {
		t.Fatalf("replay stale: unexpected error %v", err)
	}
	if accepted {
		t.Fatal("expected stale replay to be rejected")
	}
	_, payload, _ = s.Get("notes", "doc-1")
	if string(payload) != "new" {
		t.Fatalf("stale replay must not clobber winner, got %q", payload)
	}
}

func TestMergeTieBrokenByPeerID(t *testing.T) {
	s := openTemp(t)
	a := Version{LogicalClock: 5, PeerID: "aaa"}
	b := Version{LogicalClock: 5, PeerID: "bbb"}

	if _, err := s.Merge("notes", "doc-1", a, []byte("from-a"), false, "aaa"); err != nil {
		t.Fatal(err)
	}
	accepted, err := s.Merge("notes", "doc-1", b, []byte("from-b"), false, "bbb")
	if err != nil || !accepted {
		t.Fatalf("expected lexicographically greater peer_id to win a tie: ok=%v err=%v", accepted, err)
	}
	_, payload, _ := s.Get("notes", "doc-1")
	if string(payload) != "from-b" {
		t.Fatalf("got %q, want from-b to win the tie", payload)
	}
}

func TestTombstoneExcludedFromListAndGet(t *testing.T) {
	s := openTemp(t)
	if _, err := s.Put("notes", "doc-1", []byte("alive"), "peer-a"); err != nil {
		t.Fatal(err)
	}
	v2 := Version{LogicalClock: 99, PeerID: "peer-a"}
	if _, err := s.Merge("notes", "doc-1", v2, nil, true, "peer-a"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := s.Get("notes", "doc-1"); ok {
		t.Fatal("expected tombstoned document to be hidden from Get")
	}
	docs, err := s.List("notes")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected tombstoned document excluded from List, got %d docs", len(docs))
	}
}

func TestListMultipleCollectionsIsolated(t *testing.T) {
	s := openTemp(t)
	if _, err := s.Put("notes", "doc-1", []byte("x"), "peer-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put("events", "doc-1", []byte("y"), "peer-a"); err != nil {
		t.Fatal(err)
	}
	notes, err := s.List("notes")
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Collection != "notes" {
		t.Fatalf("expected one notes document, got %+v", notes)
	}
}

func TestChangesSinceResumption(t *testing.T) {
	s := openTemp(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Put("notes", "doc-1", []byte{byte(i)}, "peer-a"); err != nil {
			t.Fatal(err)
		}
	}
	all, err := s.ChangesSince("notes", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 change records, got %d", len(all))
	}
	vector := map[string]uint64{"peer-a": all[1].Seq}
	rest, err := s.ChangesSince("notes", vector)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].Seq != all[2].Seq {
		t.Fatalf("expected only the last record after resuming, got %+v", rest)
	}
}

func TestChangesSinceOrderedBySeq(t *testing.T) {
	s := openTemp(t)
	if _, err := s.Put("notes", "doc-1", []byte("a"), "peer-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put("notes", "doc-2", []byte("b"), "peer-a"); err != nil {
		t.Fatal(err)
	}
	changes, err := s.ChangesSince("notes", nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(changes); i++ {
		if changes[i].Seq <= changes[i-1].Seq {
			t.Fatalf("expected strictly increasing seq, got %+v", changes)
		}
	}
}

func TestSubscribeNotifiedOnPutAndMerge(t *testing.T) {
	s := openTemp(t)
	var got []ChangeRecord
	cancel := s.Subscribe(func(cr ChangeRecord) {
		got = append(got, cr)
	})
	defer cancel()

	if _, err := s.Put("notes", "doc-1", []byte("a"), "peer-a"); err != nil {
		t.Fatal(err)
	}
	remote := Version{LogicalClock: 10, PeerID: "peer-b"}
	if _, err := s.Merge("notes", "doc-2", remote, []byte("b"), false, "peer-b"); err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if got[0].DocID != "doc-1" || got[1].DocID != "doc-2" {
		t.Fatalf("unexpected notification order: %+v", got)
	}
}

func TestSubscribeCancelStopsNotifications(t *testing.T) {
	s := openTemp(t)
	var count int
	cancel := s.Subscribe(func(cr ChangeRecord) { count++ })
	cancel()

	if _, err := s.Put("notes", "doc-1", []byte("a"), "peer-a"); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected no notifications after cancel, got %d", count)
	}
}

func TestRestartPreservesSeqAndLamport(t *testing.T) {
	dir, err := os.MkdirTemp("", "atmosphere-store-restart-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	v1, err := s1.Put("notes", "doc-1", []byte("a"), "peer-a")
	if err != nil {
		t.Fatal(err)
	}
	changesBefore, err := s1.ChangesSince("notes", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	v2, err := s2.Put("notes", "doc-1", []byte("b"), "peer-a")
	if err != nil {
		t.Fatal(err)
	}
	if !v2.Dominates(v1) {
		t.Fatalf("expected logical clock to keep advancing across restart: v1=%+v v2=%+v", v1, v2)
	}
	changesAfter, err := s2.ChangesSince("notes", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(changesAfter) != len(changesBefore)+1 {
		t.Fatalf("expected one new change record after restart, got before=%d after=%d", len(changesBefore), len(changesAfter))
	}
	for _, cr := range changesAfter[:len(changesBefore)] {
		found := false
		for _, old := range changesBefore {
			if old.Seq == cr.Seq {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected restart to not renumber existing seqs, got %+v", changesAfter)
		}
	}
}

func TestReservedCollectionNames(t *testing.T) {
	cases := map[string]bool{
		"_capabilities": true,
		"_status":       true,
		"notes":         false,
		"":              false,
	}
	for name, want := range cases {
		if got := IsReservedCollection(name); got != want {
			t.Fatalf("IsReservedCollection(%q) = %v, want %v", name, got, want)
		}
	}
}
