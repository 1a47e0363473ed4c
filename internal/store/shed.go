// Package store implements the CRDT document store and its change log on
// top of a small schema/index abstraction modeled directly on the
// teacher's shed package (swarm/shed/generic_index.go, shed/field_json.go):
// named indexes get a stable one-byte prefix allocated from a reserved
// schema key, so unrelated indexes never collide inside the same
// goleveldb database.
package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// schemaKey is the reserved leveldb key holding the name->prefix map.
var schemaKey = []byte{0x00}

// shedDB is a goleveldb handle with a small schema layer assigning a
// stable one-byte prefix to each named index, exactly like the
// teacher's shed.DB.schemaIndexPrefix.
type shedDB struct {
	ldb *leveldb.DB

	mu     sync.Mutex
	schema map[string]byte
	next   byte
}

func openShed(path string) (*shedDB, error) {
	ldb, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open leveldb at %s: %w", path, err)
	}
	db := &shedDB{ldb: ldb, schema: make(map[string]byte), next: 1}
	if err := db.loadSchema(); err != nil {
		ldb.Close()
		return nil, err
	}
	return db, nil
}

func (db *shedDB) loadSchema() error {
	data, err := db.ldb.Get(schemaKey, nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: load schema: %w", err)
	}
	var m map[string]byte
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("store: decode schema: %w", err)
	}
	db.schema = m
	for _, id := range m {
		if id >= db.next {
			db.next = id + 1
		}
	}
	return nil
}

func (db *shedDB) saveSchemaLocked() error {
	data, err := json.Marshal(db.schema)
	if err != nil {
		return fmt.Errorf("store: encode schema: %w", err)
	}
	return db.ldb.Put(schemaKey, data, nil)
}

// prefixFor returns the stable one-byte prefix for a named index,
// allocating and persisting a new one if this is the first time name is
// seen. The schema has room for 255 named indexes, far more than this
// store's small fixed set.
func (db *shedDB) prefixFor(name string) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if id, ok := db.schema[name]; ok {
		return []byte{id}, nil
	}
	if db.next == 0 {
		return nil, fmt.Errorf("store: schema exhausted, cannot allocate index %q", name)
	}
	id := db.next
	db.next++
	db.schema[name] = id
	if err := db.saveSchemaLocked(); err != nil {
		return nil, err
	}
	return []byte{id}, nil
}

func (db *shedDB) Close() error {
	return db.ldb.Close()
}
