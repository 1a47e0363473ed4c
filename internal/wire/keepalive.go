package wire

import "bytes"

// KeepaliveSize is the fixed size of a ping/pong keepalive frame.
const KeepaliveSize = 32

var (
	pingMagic = []byte("APIN")
	pongMagic = []byte("APON")
)

// EncodeKeepalive produces a fixed 32-byte ping or pong frame.
// Keepalives are intercepted below the sync layer and never reach the
// handshake or CRDT engines.
func EncodeKeepalive(ping bool) []byte {
	buf := make([]byte, KeepaliveSize)
	if ping {
		copy(buf, pingMagic)
	} else {
		copy(buf, pongMagic)
	}
	return buf
}

// IsKeepalive reports whether raw is a well-formed keepalive frame, and
// if so whether it is a ping (as opposed to a pong).
func IsKeepalive(raw []byte) (ping bool, ok bool) {
	if len(raw) != KeepaliveSize {
		return false, false
	}
	switch {
	case bytes.Equal(raw[:4], pingMagic):
		return true, true
	case bytes.Equal(raw[:4], pongMagic):
		return false, true
	default:
		return false, false
	}
}
