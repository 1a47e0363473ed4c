package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	alog "github.com/llama-farm/atmosphere-core/internal/log"
)

var log = alog.New("component", "store")

// writeSyncOpts forces every commit batch to fsync before Write
// returns, so host write acknowledgement always follows log durability.
var writeSyncOpts = opt.WriteOptions{Sync: true}

// docKey/docValue and logKey/logValue are the Item-like key/value pairs
// fed through Index, mirroring the teacher's shed.Index usage where the
// same struct often carries both key and value fields (swarm/shed
// index_test.go's IndexItem).
type docKey struct {
	Collection string
	DocID      string
}

type docValue struct {
	Version    Version `json:"version"`
	LastWriter string  `json:"last_writer"`
	Payload    []byte  `json:"payload,omitempty"`
	Tombstone  bool    `json:"tombstone,omitempty"`
}

type logKey struct {
	Collection string
	Source     string
	Seq        uint64
}

func encodeStr(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func decodeStr(r *bytes.Reader) (string, error) {
	var l [2]byte
	if _, err := r.Read(l[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(l[:])
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

var docIndexFuncs = IndexFuncs{
	EncodeKey: func(fields interface{}) ([]byte, error) {
		k := fields.(docKey)
		var buf bytes.Buffer
		encodeStr(&buf, k.Collection)
		buf.WriteString(k.DocID)
		return buf.Bytes(), nil
	},
	DecodeKey: func(key []byte) (interface{}, error) {
		r := bytes.NewReader(key)
		coll, err := decodeStr(r)
		if err != nil {
			return nil, err
		}
		rest, _ := leveldbReadRest(r)
		return docKey{Collection: coll, DocID: string(rest)}, nil
	},
	EncodeValue: func(fields interface{}) ([]byte, error) {
		return json.Marshal(fields.(docValue))
	},
	DecodeValue: func(keyFields interface{}, value []byte) (interface{}, error) {
		var v docValue
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, err
		}
		k := keyFields.(docKey)
		return Document{
			Collection: k.Collection,
			DocID:      k.DocID,
			Version:    v.Version,
			LastWriter: v.LastWriter,
			Payload:    v.Payload,
			Tombstone:  v.Tombstone,
		}, nil
	},
}

var logIndexFuncs = IndexFuncs{
	EncodeKey: func(fields interface{}) ([]byte, error) {
		k := fields.(logKey)
		var buf bytes.Buffer
		encodeStr(&buf, k.Collection)
		encodeStr(&buf, k.Source)
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], k.Seq)
		buf.Write(seq[:])
		return buf.Bytes(), nil
	},
	DecodeKey: func(key []byte) (interface{}, error) {
		r := bytes.NewReader(key)
		coll, err := decodeStr(r)
		if err != nil {
			return nil, err
		}
		source, err := decodeStr(r)
		if err != nil {
			return nil, err
		}
		rest, _ := leveldbReadRest(r)
		return logKey{Collection: coll, Source: source, Seq: binary.BigEndian.Uint64(rest)}, nil
	},
	EncodeValue: func(fields interface{}) ([]byte, error) {
		return json.Marshal(fields.(ChangeRecord))
	},
	DecodeValue: func(keyFields interface{}, value []byte) (interface{}, error) {
		var cr ChangeRecord
		if err := json.Unmarshal(value, &cr); err != nil {
			return nil, err
		}
		return cr, nil
	},
}

func leveldbReadRest(r *bytes.Reader) ([]byte, error) {
	rest := make([]byte, r.Len())
	_, err := r.Read(rest)
	return rest, err
}

// Observer receives change records in log order as they are accepted.
type Observer func(ChangeRecord)

// Store is the CRDT document store and change log. A single writer lock
// per collection serialises put/merge; reads never block on it.
type Store struct {
	db  *shedDB
	doc Index
	clg Index

	lamportKey []byte // schema-allocated key for the process-wide Lamport counter

	collMu sync.Map // map[string]*sync.Mutex, one per collection

	obsMu     sync.Mutex
	observers []Observer

	lamportMu sync.Mutex
	lamport   uint64

	seqMu    sync.Mutex // guards seqCache, which every collection shares
	seqCache map[string]uint64
}

// Open opens (creating if necessary) the store's goleveldb database at
// path. The document table is a rebuildable projection of the change
// log; here both are persisted directly, so no rebuild pass is required
// on open.
func Open(path string) (*Store, error) {
	db, err := openShed(path)
	if err != nil {
		return nil, err
	}
	docIdx, err := db.NewIndex("documents", docIndexFuncs)
	if err != nil {
		db.Close()
		return nil, err
	}
	logIdx, err := db.NewIndex("changelog", logIndexFuncs)
	if err != nil {
		db.Close()
		return nil, err
	}
	lamportKey, err := db.prefixFor("lamport")
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, doc: docIdx, clg: logIdx, lamportKey: lamportKey, seqCache: make(map[string]uint64)}
	if err := s.loadLamport(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadLamport() error {
	v, err := s.db.ldb.Get(s.lamportKey, nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: load lamport counter: %w", err)
	}
	s.lamport = binary.BigEndian.Uint64(v)
	return nil
}

func (s *Store) saveLamportInBatch(batch *leveldb.Batch, value uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], value)
	batch.Put(s.lamportKey, b[:])
}

func (s *Store) lockFor(collection string) *sync.Mutex {
	v, _ := s.collMu.LoadOrStore(collection, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Subscribe registers an observer notified (in log order) of every
// change record this store accepts, whether from a local Put or an
// accepted Merge.
func (s *Store) Subscribe(obs Observer) (cancel func()) {
	s.obsMu.Lock()
	s.observers = append(s.observers, obs)
	idx := len(s.observers) - 1
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		s.observers[idx] = nil
	}
}

func (s *Store) notify(cr ChangeRecord) {
	s.obsMu.Lock()
	obs := append([]Observer(nil), s.observers...)
	s.obsMu.Unlock()
	for _, fn := range obs {
		if fn != nil {
			fn(cr)
		}
	}
}

// Put assigns a fresh version to (collection, doc_id), writes it
// durably, appends a change record, and notifies observers — all inside
// the collection's single writer critical section.
func (s *Store) Put(collection, docID string, payload []byte, localPeerID string) (Version, error) {
	mu := s.lockFor(collection)
	mu.Lock()
	defer mu.Unlock()

	var maxSeen uint64
	if existing, err := s.doc.Get(docKey{collection, docID}); err == nil {
		maxSeen = existing.(Document).Version.LogicalClock
	} else if err != leveldb.ErrNotFound {
		return Version{}, fmt.Errorf("store: get existing document: %w", err)
	}

	s.lamportMu.Lock()
	if maxSeen > s.lamport {
		s.lamport = maxSeen
	}
	lc := s.lamport + 1
	s.lamport = lc
	lamportSnapshot := s.lamport
	s.lamportMu.Unlock()

	version := Version{LogicalClock: lc, PeerID: localPeerID}
	return version, s.commit(collection, docID, version, payload, false, localPeerID, lamportSnapshot)
}

// Merge accepts a remote version iff it strictly dominates the current
// stored version. Non-dominating versions are dropped silently — merge
// never errors on a stale write, only on store failure, so replaying
// old data is always safe.
func (s *Store) Merge(collection, docID string, version Version, payload []byte, tombstone bool, source string) (bool, error) {
	mu := s.lockFor(collection)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := s.doc.Get(docKey{collection, docID}); err == nil {
		if !version.Dominates(existing.(Document).Version) {
			return false, nil
		}
	} else if err != leveldb.ErrNotFound {
		return false, fmt.Errorf("store: get existing document: %w", err)
	}

	s.lamportMu.Lock()
	if version.LogicalClock > s.lamport {
		s.lamport = version.LogicalClock
	}
	lamportSnapshot := s.lamport
	s.lamportMu.Unlock()

	if err := s.commit(collection, docID, version, payload, tombstone, source, lamportSnapshot); err != nil {
		return false, err
	}
	return true, nil
}

// commit performs the durable write-then-log batch and dispatches the
// observer notification. Called with the collection lock held.
func (s *Store) commit(collection, docID string, version Version, payload []byte, tombstone bool, source string, lamportSnapshot uint64) error {
	batch := new(leveldb.Batch)

	dv := docValue{Version: version, LastWriter: version.PeerID, Tombstone: tombstone}
	if !tombstone {
		dv.Payload = payload
	}
	if err := s.doc.PutInBatch(batch, docKey{collection, docID}, dv); err != nil {
		return fmt.Errorf("store: encode document: %w", err)
	}

	seq := s.nextSeq(collection, source)
	cr := ChangeRecord{
		Seq: seq, Collection: collection, DocID: docID, Version: version,
		Tombstone: tombstone, Source: source,
	}
	if !tombstone {
		cr.Payload = payload
	}
	if err := s.clg.PutInBatch(batch, logKey{collection, source, seq}, cr); err != nil {
		return fmt.Errorf("store: encode change record: %w", err)
	}
	s.saveLamportInBatch(batch, lamportSnapshot)

	// Durable write acknowledgement follows log durability: opt.Sync
	// forces this batch to fsync before Write returns.
	if err := s.db.ldb.Write(batch, &writeSyncOpts); err != nil {
		return fmt.Errorf("store: commit batch: %w", err)
	}

	s.notify(cr)
	return nil
}

// nextSeq returns the next dense sequence number for (collection,
// source). These are purely a local indexing convenience and need not
// agree across peers, but they must survive a restart without colliding
// with already logged entries, so the in-memory cache is lazily primed
// from the persisted log on first use for a given key. Callers hold the
// collection's writer lock, but the cache is one map for all collections,
// whose locks are independent, so seqMu serialises access to it.
func (s *Store) nextSeq(collection, source string) uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	key := collection + "\x00" + source
	if v, ok := s.seqCache[key]; ok {
		v++
		s.seqCache[key] = v
		return v
	}
	last := s.lastLoggedSeq(collection, source)
	last++
	s.seqCache[key] = last
	return last
}

// lastLoggedSeq scans the persisted per-(collection,source) log range
// and returns the highest Seq found, or 0 if there is none. Key
// ordering (collection, source, then 8-byte big-endian seq) means the
// last item visited in the range is the maximum.
func (s *Store) lastLoggedSeq(collection, source string) uint64 {
	var buf bytes.Buffer
	encodeStr(&buf, collection)
	encodeStr(&buf, source)
	var max uint64
	_ = s.clg.IterateAll(buf.Bytes(), func(item interface{}) (bool, error) {
		cr := item.(ChangeRecord)
		if cr.Collection != collection || cr.Source != source {
			return true, nil
		}
		if cr.Seq > max {
			max = cr.Seq
		}
		return false, nil
	})
	return max
}

// Get returns the current version and payload for a document, or
// (Version{}, nil, false) if absent or tombstoned.
func (s *Store) Get(collection, docID string) (Version, []byte, bool) {
	v, err := s.doc.Get(docKey{collection, docID})
	if err != nil {
		return Version{}, nil, false
	}
	d := v.(Document)
	if d.Tombstone {
		return Version{}, nil, false
	}
	return d.Version, d.Payload, true
}

// List returns every non-tombstoned document in collection.
func (s *Store) List(collection string) ([]Document, error) {
	var out []Document
	prefix := collectionPrefix(collection)
	err := s.doc.IterateAll(prefix, func(item interface{}) (bool, error) {
		d := item.(Document)
		if d.Collection != collection {
			return true, nil
		}
		if !d.Tombstone {
			out = append(out, d)
		}
		return false, nil
	})
	return out, err
}

func collectionPrefix(collection string) []byte {
	var buf bytes.Buffer
	encodeStr(&buf, collection)
	return buf.Bytes()
}

// ChangesSince returns, for the given collection, every accepted change
// whose source's sequence exceeds the corresponding entry in vector (0
// if absent), sorted by Seq. Seq is counted per (collection, source), so
// each source's changes come in the order they were logged; changes from
// different sources are interleaved by their Seq values, not by the
// order in which the log recorded them.
func (s *Store) ChangesSince(collection string, vector map[string]uint64) ([]ChangeRecord, error) {
	var out []ChangeRecord
	prefix := collectionPrefix(collection)
	err := s.clg.IterateAll(prefix, func(item interface{}) (bool, error) {
		cr := item.(ChangeRecord)
		if cr.Collection != collection {
			return true, nil
		}
		if cr.Seq > vector[cr.Source] {
			out = append(out, cr)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
