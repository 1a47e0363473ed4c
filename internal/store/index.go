package store

import (
	"bytes"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// IndexFuncs define how an index encodes/decodes its keys and values.
// This is a direct carry-over of the teacher's GenericIndexFuncs shape
// (swarm/shed/generic_index.go) kept interface{}-based rather than
// generic, matching the teacher's own (pre-generics) Go idiom.
type IndexFuncs struct {
	EncodeKey   func(fields interface{}) ([]byte, error)
	DecodeKey   func(key []byte) (interface{}, error)
	EncodeValue func(fields interface{}) ([]byte, error)
	DecodeValue func(keyFields interface{}, value []byte) (interface{}, error)
}

// Index represents a set of leveldb key/value pairs sharing a common
// one-byte prefix allocated from the database schema.
type Index struct {
	db     *shedDB
	prefix []byte
	funcs  IndexFuncs
}

// NewIndex returns a new named Index, allocating its schema prefix on
// first use.
func (db *shedDB) NewIndex(name string, funcs IndexFuncs) (Index, error) {
	prefix, err := db.prefixFor(name)
	if err != nil {
		return Index{}, err
	}
	return Index{db: db, prefix: prefix, funcs: funcs}, nil
}

func (f Index) encodeKey(fields interface{}) ([]byte, error) {
	k, err := f.funcs.EncodeKey(fields)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(f.prefix)+len(k))
	out = append(out, f.prefix...)
	out = append(out, k...)
	return out, nil
}

// Get retrieves the value stored for the key fields, decoded against
// keyFields so value decoders can reuse key information (as the teacher
// does, e.g. to avoid re-storing the address in the value).
func (f Index) Get(keyFields interface{}) (interface{}, error) {
	key, err := f.encodeKey(keyFields)
	if err != nil {
		return nil, err
	}
	value, err := f.db.ldb.Get(key, nil)
	if err != nil {
		return nil, err
	}
	return f.funcs.DecodeValue(keyFields, value)
}

// Has reports whether keyFields' encoded key exists in the index.
func (f Index) Has(keyFields interface{}) (bool, error) {
	key, err := f.encodeKey(keyFields)
	if err != nil {
		return false, err
	}
	return f.db.ldb.Has(key, nil)
}

// Put stores a key/value pair directly (outside of a batch).
func (f Index) Put(k, v interface{}) error {
	key, err := f.encodeKey(k)
	if err != nil {
		return err
	}
	value, err := f.funcs.EncodeValue(v)
	if err != nil {
		return err
	}
	return f.db.ldb.Put(key, value, nil)
}

// PutInBatch stages a key/value pair into a write batch.
func (f Index) PutInBatch(batch *leveldb.Batch, k, v interface{}) error {
	key, err := f.encodeKey(k)
	if err != nil {
		return err
	}
	value, err := f.funcs.EncodeValue(v)
	if err != nil {
		return err
	}
	batch.Put(key, value)
	return nil
}

// Delete removes a key/value pair directly.
func (f Index) Delete(keyFields interface{}) error {
	key, err := f.encodeKey(keyFields)
	if err != nil {
		return err
	}
	return f.db.ldb.Delete(key, nil)
}

// DeleteInBatch stages a delete into a write batch.
func (f Index) DeleteInBatch(batch *leveldb.Batch, keyFields interface{}) error {
	key, err := f.encodeKey(keyFields)
	if err != nil {
		return err
	}
	batch.Delete(key)
	return nil
}

// IterFunc is called for every decoded item while iterating an index.
// Returning stop=true ends the iteration early.
type IterFunc func(item interface{}) (stop bool, err error)

// IterateAll iterates every item in the index sharing prefixKey (which
// is appended after the index's own schema prefix), in key order.
func (f Index) IterateAll(prefixKey []byte, fn IterFunc) error {
	total := append(append([]byte(nil), f.prefix...), prefixKey...)
	it := f.db.ldb.NewIterator(util.BytesPrefix(total), nil)
	defer it.Release()
	return f.iterate(it, total, fn)
}

func (f Index) iterate(it iterator.Iterator, totalPrefix []byte, fn IterFunc) error {
	for it.Next() {
		key := it.Key()
		if !bytes.HasPrefix(key, totalPrefix) {
			break
		}
		keyCopy := append([]byte(nil), key[len(f.prefix):]...)
		keyItem, err := f.funcs.DecodeKey(keyCopy)
		if err != nil {
			return err
		}
		valueCopy := append([]byte(nil), it.Value()...)
		item, err := f.funcs.DecodeValue(keyItem, valueCopy)
		if err != nil {
			return err
		}
		stop, err := fn(item)
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}
	return it.Error()
}
