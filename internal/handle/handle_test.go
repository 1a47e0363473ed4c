package handle

import "testing"

func TestPutGetDrop(t *testing.T) {
	tbl := New()
	id := tbl.Put("hello")
	v, ok := tbl.Get(id)
	if !ok || v != "hello" {
		t.Fatalf("got (%v, %v), want (hello, true)", v, ok)
	}
	tbl.Drop(id)
	if _, ok := tbl.Get(id); ok {
		t.Fatal("expected handle to be gone after Drop")
	}
}

func TestDropUnknownIsNotAnError(t *testing.T) {
	tbl := New()
	tbl.Drop("does-not-exist")
}

func TestRequireUnknown(t *testing.T) {
	tbl := New()
	if _, err := tbl.Require("nope"); err == nil {
		t.Fatal("expected an error for an unknown handle")
	}
}

func TestDistinctHandlesPerPut(t *testing.T) {
	tbl := New()
	a := tbl.Put(1)
	b := tbl.Put(2)
	if a == b {
		t.Fatal("expected distinct handles for distinct Put calls")
	}
}
