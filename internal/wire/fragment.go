package wire

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// FragmentHeaderSize is the size in bytes of the datagram fragment
// header: sequence (u32 BE), index (u16 BE), total (u16 BE).
const FragmentHeaderSize = 8

// ErrBadFragmentHeader is returned when a fragment is shorter than
// FragmentHeaderSize.
var ErrBadFragmentHeader = errors.New("wire: malformed fragment header")

// MaxActiveSequencesPerRemote bounds the number of concurrent partial
// reassemblies kept per remote.
const MaxActiveSequencesPerRemote = 500

// FragmentInactivityTimeout discards a partial reassembly after this
// much time without a new fragment.
const FragmentInactivityTimeout = 10 * time.Second

// FragmentHeader is the 8-byte header prefixing every datagram fragment.
type FragmentHeader struct {
	Sequence uint32
	Index    uint16
	Total    uint16
}

func (h FragmentHeader) encode() [FragmentHeaderSize]byte {
	var b [FragmentHeaderSize]byte
	binary.BigEndian.PutUint32(b[0:4], h.Sequence)
	binary.BigEndian.PutUint16(b[4:6], h.Index)
	binary.BigEndian.PutUint16(b[6:8], h.Total)
	return b
}

func decodeFragmentHeader(b []byte) (FragmentHeader, error) {
	if len(b) < FragmentHeaderSize {
		return FragmentHeader{}, ErrBadFragmentHeader
	}
	return FragmentHeader{
		Sequence: binary.BigEndian.Uint32(b[0:4]),
		Index:    binary.BigEndian.Uint16(b[4:6]),
		Total:    binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// EncodeFragment prefixes payload with its fragment header.
func EncodeFragment(hdr FragmentHeader, payload []byte) []byte {
	h := hdr.encode()
	out := make([]byte, FragmentHeaderSize+len(payload))
	copy(out, h[:])
	copy(out[FragmentHeaderSize:], payload)
	return out
}

// DecodeFragment splits a raw fragment into its header and payload slice.
func DecodeFragment(raw []byte) (FragmentHeader, []byte, error) {
	hdr, err := decodeFragmentHeader(raw)
	if err != nil {
		return FragmentHeader{}, nil, err
	}
	return hdr, raw[FragmentHeaderSize:], nil
}

// Split breaks an assembled stream-frame payload into datagram fragments
// no larger than maxChunk bytes of payload each, under the given
// sequence number. It is the driver's responsibility to pick a fresh,
// monotonically increasing sequence per outbound message.
func Split(payload []byte, maxChunk int, sequence uint32) [][]byte {
	if maxChunk <= 0 {
		maxChunk = 1
	}
	total := (len(payload) + maxChunk - 1) / maxChunk
	if total == 0 {
		total = 1
	}
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxChunk
		end := start + maxChunk
		if end > len(payload) {
			end = len(payload)
		}
		hdr := FragmentHeader{Sequence: sequence, Index: uint16(i), Total: uint16(total)}
		out = append(out, EncodeFragment(hdr, payload[start:end]))
	}
	return out
}

type partialMessage struct {
	parts    [][]byte
	total    uint16
	received int
	expires  time.Time
}

// Reassembler buffers datagram fragments per remote and per sequence,
// and returns the assembled stream-frame payload once all fragments for
// a sequence have arrived. Safe for concurrent use.
type Reassembler struct {
	mu    sync.Mutex
	byKey map[string]map[uint32]*partialMessage
	now   func() time.Time
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		byKey: make(map[string]map[uint32]*partialMessage),
		now:   time.Now,
	}
}

// Feed consumes one raw fragment received from remote. It returns the
// assembled payload and true once the fragment set for that sequence is
// complete; otherwise it returns (nil, false, nil). Expired or
// over-capacity partials are silently discarded: callers never need to
// error out a whole link because of a stale fragment.
func (r *Reassembler) Feed(remote string, raw []byte) ([]byte, bool, error) {
	hdr, payload, err := DecodeFragment(raw)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	seqs, ok := r.byKey[remote]
	if !ok {
		seqs = make(map[uint32]*partialMessage)
		r.byKey[remote] = seqs
	}
	r.expireLocked(seqs, now)

	pm, ok := seqs[hdr.Sequence]
	if !ok {
		if len(seqs) >= MaxActiveSequencesPerRemote {
			r.evictOldestLocked(seqs)
		}
		pm = &partialMessage{parts: make([][]byte, hdr.Total), total: hdr.Total}
		seqs[hdr.Sequence] = pm
	}

	if int(hdr.Index) >= len(pm.parts) {
		return nil, false, ErrBadFragmentHeader
	}
	if pm.parts[hdr.Index] == nil {
		pm.parts[hdr.Index] = append([]byte(nil), payload...)
		pm.received++
	}
	pm.expires = now.Add(FragmentInactivityTimeout)

	if pm.received < int(pm.total) {
		return nil, false, nil
	}

	assembled := make([]byte, 0, len(payload)*int(pm.total))
	for _, part := range pm.parts {
		assembled = append(assembled, part...)
	}
	delete(seqs, hdr.Sequence)
	if len(seqs) == 0 {
		delete(r.byKey, remote)
	}
	return assembled, true, nil
}

func (r *Reassembler) expireLocked(seqs map[uint32]*partialMessage, now time.Time) {
	for seq, pm := range seqs {
		if now.After(pm.expires) {
			delete(seqs, seq)
		}
	}
}

func (r *Reassembler) evictOldestLocked(seqs map[uint32]*partialMessage) {
	var oldestSeq uint32
	var oldestAt time.Time
	first := true
	for seq, pm := range seqs {
		if first || pm.expires.Before(oldestAt) {
			oldestSeq, oldestAt, first = seq, pm.expires, false
		}
	}
	if !first {
		delete(seqs, oldestSeq)
	}
}
