package revdb

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/google/btree"
)

const memBucketSep = "\x00"

const memTreeDegree = 16

// memStorage is a transient in-memory storage. Every transaction works on a
// copy-on-write clone of all bucket trees, so readers see a stable snapshot
// and a rolled back writer leaves no trace.
type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*btree.BTreeG[memKV]
	closed  bool
	writer  bool
}

type memKV struct {
	key   []byte
	value []byte
}

func memKVLess(a, b memKV) bool {
	return bytes.Compare(a.key, b.key) < 0
}

func newMemStorage() storage {
	s := &memStorage{buckets: make(map[string]*btree.BTreeG[memKV])}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, fmt.Errorf("storage closed")
		}
		s.writer = true
	}

	// Readers share the committed trees. Only the single writer clones
	// them (under s.mu), and it only ever mutates its own clones.
	snap := make(map[string]*btree.BTreeG[memKV], len(s.buckets))
	for k, t := range s.buckets {
		if writable {
			snap[k] = t.Clone()
		} else {
			snap[k] = t
		}
	}
	return &memTx{base: s, writable: writable, buckets: snap}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	buckets  map[string]*btree.BTreeG[memKV]
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func (tx *memTx) requireOpen() {
	if tx.closed {
		panic("tx is closed")
	}
}

func (tx *memTx) Bucket(name, sub string) storageBucket {
	tx.requireOpen()
	t := tx.buckets[memBucketKey(name, sub)]
	if t == nil {
		return nil
	}
	return memBucket{tx: tx, t: t}
}

func (tx *memTx) CreateBucket(name, sub string) (storageBucket, error) {
	tx.requireOpen()
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}
	rootKey := memBucketKey(name, "")
	if tx.buckets[rootKey] == nil {
		tx.buckets[rootKey] = btree.NewG(memTreeDegree, memKVLess)
	}
	key := memBucketKey(name, sub)
	t := tx.buckets[key]
	if t == nil {
		t = btree.NewG(memTreeDegree, memKVLess)
		tx.buckets[key] = t
	}
	return memBucket{tx: tx, t: t}, nil
}

func (tx *memTx) DeleteBucket(name, sub string) error {
	tx.requireOpen()
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if sub == "" {
		return ErrBucketNotFound
	}
	key := memBucketKey(name, sub)
	if tx.buckets[key] == nil {
		return ErrBucketNotFound
	}
	delete(tx.buckets, key)
	return nil
}

func (tx *memTx) Commit() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.closed {
		return fmt.Errorf("tx closed")
	}
	if !tx.writable {
		tx.closeLocked()
		return fmt.Errorf("tx not writable")
	}
	if tx.base.closed {
		tx.closeLocked()
		return fmt.Errorf("storage closed")
	}
	tx.base.buckets = tx.buckets
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memTx) Size() int64 {
	var n int64
	for _, t := range tx.buckets {
		t.Ascend(func(kv memKV) bool {
			n += int64(len(kv.key) + len(kv.value))
			return true
		})
	}
	return n
}

func memBucketKey(name, sub string) string {
	return name + memBucketSep + sub
}

type memBucket struct {
	tx *memTx
	t  *btree.BTreeG[memKV]
}

func (b memBucket) Get(key []byte) []byte {
	kv, ok := b.t.Get(memKV{key: key})
	if !ok {
		return nil
	}
	return kv.value
}

func (b memBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	b.t.ReplaceOrInsert(memKV{key: slices.Clone(key), value: slices.Clone(value)})
	return nil
}

func (b memBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	b.t.Delete(memKV{key: key})
	return nil
}

func (b memBucket) Cursor() storageCursor {
	return &memCursor{t: b.t}
}

func (b memBucket) KeyCount() int { return b.t.Len() }

// memCursor re-seeks the tree on every step, so it stays valid across
// writes made to the bucket while iterating.
type memCursor struct {
	t   *btree.BTreeG[memKV]
	cur []byte
}

func (c *memCursor) First() ([]byte, []byte) {
	kv, ok := c.t.Min()
	if !ok {
		c.cur = nil
		return nil, nil
	}
	c.cur = kv.key
	return kv.key, kv.value
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.ascendFrom(seek, false)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.cur == nil {
		return nil, nil
	}
	return c.ascendFrom(c.cur, true)
}

func (c *memCursor) ascendFrom(pivot []byte, skipEqual bool) ([]byte, []byte) {
	var found memKV
	var ok bool
	c.t.AscendGreaterOrEqual(memKV{key: pivot}, func(kv memKV) bool {
		if skipEqual && bytes.Equal(kv.key, pivot) {
			return true
		}
		found, ok = kv, true
		return false
	})
	if !ok {
		c.cur = nil
		return nil, nil
	}
	c.cur = found.key
	return found.key, found.value
}

func (c *memCursor) Close() {}
