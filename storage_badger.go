package revdb

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/dgraph-io/badger/v4"
)

// Badger has no buckets, so we simulate them with key prefixes:
//
//	marker: 0x00 name 0x00 sub         => 0x01
//	data:   0x01 name 0x00 sub 0x00 key => value
//
// Names never contain NUL bytes (see validateName), which keeps prefixes
// unambiguous.
const (
	badgerMarkerTag = 0x00
	badgerDataTag   = 0x01
)

var badgerMarkerValue = []byte{1}

type badgerStorage struct {
	bdb *badger.DB
}

func openBadgerStorage(path string, opt Options) (storage, error) {
	var bopt badger.Options
	if path == "" {
		bopt = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("revdb: badger: create directory %s: %w", path, err)
		}
		bopt = badger.DefaultOptions(path)
	}
	bopt = bopt.WithSyncWrites(!opt.IsTesting)
	bopt = bopt.WithNumVersionsToKeep(1)
	if opt.Verbose && opt.Logger != nil {
		bopt = bopt.WithLogger(&badgerLogger{logger: opt.Logger})
	} else {
		bopt = bopt.WithLogger(nil)
	}

	bdb, err := badger.Open(bopt)
	if err != nil {
		return nil, fmt.Errorf("revdb: badger: %w", err)
	}
	return &badgerStorage{bdb: bdb}, nil
}

func (s *badgerStorage) BeginTx(writable bool) (storageTx, error) {
	if s.bdb.IsClosed() {
		return nil, fmt.Errorf("storage closed")
	}
	return &badgerStorageTx{bdb: s.bdb, txn: s.bdb.NewTransaction(writable), writable: writable}, nil
}

func (s *badgerStorage) Close() error {
	return s.bdb.Close()
}

type badgerStorageTx struct {
	bdb      *badger.DB
	txn      *badger.Txn
	writable bool
}

func (tx *badgerStorageTx) Writable() bool { return tx.writable }

func (tx *badgerStorageTx) Bucket(name, sub string) storageBucket {
	if !tx.has(badgerMarkerKey(name, sub)) {
		return nil
	}
	return &badgerBucket{tx: tx, prefix: badgerDataPrefix(name, sub)}
}

func (tx *badgerStorageTx) CreateBucket(name, sub string) (storageBucket, error) {
	if sub != "" {
		if err := tx.setMarker(badgerMarkerKey(name, "")); err != nil {
			return nil, err
		}
	}
	if err := tx.setMarker(badgerMarkerKey(name, sub)); err != nil {
		return nil, err
	}
	return &badgerBucket{tx: tx, prefix: badgerDataPrefix(name, sub)}, nil
}

func (tx *badgerStorageTx) setMarker(key []byte) error {
	if tx.has(key) {
		return nil
	}
	return tx.txn.Set(key, badgerMarkerValue)
}

func (tx *badgerStorageTx) DeleteBucket(name, sub string) error {
	if sub == "" {
		return ErrBucketNotFound
	}
	marker := badgerMarkerKey(name, sub)
	if !tx.has(marker) {
		return ErrBucketNotFound
	}

	// Collect first: deleting while the iterator is open is not allowed.
	prefix := badgerDataPrefix(name, sub)
	var keys [][]byte
	iopt := badger.DefaultIteratorOptions
	iopt.PrefetchValues = false
	iopt.Prefix = prefix
	it := tx.txn.NewIterator(iopt)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := tx.txn.Delete(k); err != nil {
			return err
		}
	}
	return tx.txn.Delete(marker)
}

func (tx *badgerStorageTx) has(key []byte) bool {
	_, err := tx.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false
	}
	ensure(err)
	return true
}

func (tx *badgerStorageTx) Commit() error { return tx.txn.Commit() }

func (tx *badgerStorageTx) Rollback() error {
	tx.txn.Discard()
	return nil
}

func (tx *badgerStorageTx) Size() int64 {
	lsm, vlog := tx.bdb.Size()
	return lsm + vlog
}

type badgerBucket struct {
	tx     *badgerStorageTx
	prefix []byte
}

func (b *badgerBucket) fullKey(key []byte) []byte {
	k := make([]byte, 0, len(b.prefix)+len(key))
	k = append(k, b.prefix...)
	return append(k, key...)
}

func (b *badgerBucket) Get(key []byte) []byte {
	item, err := b.tx.txn.Get(b.fullKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	ensure(err)
	return must(item.ValueCopy(nil))
}

// Put copies the value because Badger keeps references to both slices
// until the transaction ends.
func (b *badgerBucket) Put(key, value []byte) error {
	return b.tx.txn.Set(b.fullKey(key), slices.Clone(value))
}

func (b *badgerBucket) Delete(key []byte) error {
	return b.tx.txn.Delete(b.fullKey(key))
}

func (b *badgerBucket) Cursor() storageCursor {
	iopt := badger.DefaultIteratorOptions
	iopt.Prefix = b.prefix
	return &badgerCursor{it: b.tx.txn.NewIterator(iopt), prefix: b.prefix}
}

func (b *badgerBucket) KeyCount() int {
	iopt := badger.DefaultIteratorOptions
	iopt.PrefetchValues = false
	iopt.Prefix = b.prefix
	it := b.tx.txn.NewIterator(iopt)
	defer it.Close()
	var n int
	for it.Seek(b.prefix); it.ValidForPrefix(b.prefix); it.Next() {
		n++
	}
	return n
}

type badgerCursor struct {
	it     *badger.Iterator
	prefix []byte
	closed bool
}

func (c *badgerCursor) First() ([]byte, []byte) {
	c.it.Seek(c.prefix)
	return c.current()
}

func (c *badgerCursor) Seek(seek []byte) ([]byte, []byte) {
	k := make([]byte, 0, len(c.prefix)+len(seek))
	k = append(k, c.prefix...)
	c.it.Seek(append(k, seek...))
	return c.current()
}

func (c *badgerCursor) Next() ([]byte, []byte) {
	if !c.it.ValidForPrefix(c.prefix) {
		return nil, nil
	}
	c.it.Next()
	return c.current()
}

func (c *badgerCursor) current() ([]byte, []byte) {
	if !c.it.ValidForPrefix(c.prefix) {
		return nil, nil
	}
	item := c.it.Item()
	key := bytes.TrimPrefix(item.KeyCopy(nil), c.prefix)
	return key, must(item.ValueCopy(nil))
}

func (c *badgerCursor) Close() {
	if !c.closed {
		c.closed = true
		c.it.Close()
	}
}

func badgerMarkerKey(name, sub string) []byte {
	k := make([]byte, 0, 2+len(name)+len(sub))
	k = append(k, badgerMarkerTag)
	k = append(k, name...)
	k = append(k, 0)
	return append(k, sub...)
}

func badgerDataPrefix(name, sub string) []byte {
	k := make([]byte, 0, 3+len(name)+len(sub))
	k = append(k, badgerDataTag)
	k = append(k, name...)
	k = append(k, 0)
	k = append(k, sub...)
	return append(k, 0)
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
