package kv

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var errNotOurBatch = errors.New("kv: batch was not created by this store")

// LevelDBStore is a Store backed by github.com/syndtr/goleveldb, the
// embedded ordered key-value engine this module standardizes on (see
// DESIGN.md, kv section). It is the production backing store for every
// Tree namespace sharing one physical database handle.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (creating if absent) the LevelDB database at dir.
func OpenLevelDB(dir string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{
		// Perspective DB does frequent small range scans (head and
		// insertion-order cursors); a moderate block cache keeps those
		// cheap without tuning per deployment.
		BlockCacheCapacity: 8 * opt.MiB,
	})
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *LevelDBStore) Put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *LevelDBStore) Delete(key []byte) error {
	err := s.db.Delete(key, nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	return err
}

func (s *LevelDBStore) NewBatch() Batch {
	return &leveldbBatch{b: new(leveldb.Batch)}
}

func (s *LevelDBStore) Write(b Batch) error {
	lb, ok := b.(*leveldbBatch)
	if !ok {
		return errNotOurBatch
	}
	return s.db.Write(lb.b, nil)
}

func (s *LevelDBStore) NewIterator(r Range, reverse bool) Iterator {
	it := s.db.NewIterator(&util.Range{Start: r.Start, Limit: r.Limit}, nil)
	return &leveldbIterator{it: it, reverse: reverse}
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

type leveldbBatch struct {
	b *leveldb.Batch
}

func (b *leveldbBatch) Put(key, value []byte) { b.b.Put(key, value) }
func (b *leveldbBatch) Delete(key []byte)      { b.b.Delete(key) }
func (b *leveldbBatch) Len() int               { return b.b.Len() }
func (b *leveldbBatch) Reset()                 { b.b.Reset() }

type leveldbIterator struct {
	it      iterator.Iterator
	reverse bool
	started bool
}

func (i *leveldbIterator) Next() bool {
	if !i.started {
		i.started = true
		if i.reverse {
			return i.it.Last()
		}
		return i.it.First()
	}
	if i.reverse {
		return i.it.Prev()
	}
	return i.it.Next()
}

func (i *leveldbIterator) Key() []byte   { return i.it.Key() }
func (i *leveldbIterator) Value() []byte { return i.it.Value() }
func (i *leveldbIterator) Error() error  { return i.it.Error() }
func (i *leveldbIterator) Release()      { i.it.Release() }
