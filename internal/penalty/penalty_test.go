package penalty

import (
	"testing"
	"time"
)

func TestPenalizedWithinWindow(t *testing.T) {
	tr := New()
	tr.Penalize("lan|10.0.0.2:5000", 50*time.Millisecond)
	if !tr.Penalized("lan|10.0.0.2:5000") {
		t.Fatal("expected key to be penalized immediately after Penalize")
	}
}

func TestPenalizedExpires(t *testing.T) {
	tr := New()
	tr.Penalize("lan|10.0.0.2:5000", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if tr.Penalized("lan|10.0.0.2:5000") {
		t.Fatal("expected penalty to have expired")
	}
}

func TestUnknownKeyNeverPenalized(t *testing.T) {
	tr := New()
	if tr.Penalized("ble|never-seen") {
		t.Fatal("expected unknown key to report not penalized")
	}
}
