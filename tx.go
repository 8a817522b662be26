package revdb

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// tx wraps a storage transaction with the helpers the store needs. Helpers
// panic on storage failures (see ensure); db.read and db.write recover them.
type tx struct {
	db      *DB
	stx     storageTx
	written bool
}

func (tx *tx) bucket(name, sub string) storageBucket {
	return tx.stx.Bucket(name, sub)
}

// writableBucket returns the bucket, creating it if needed.
func (tx *tx) writableBucket(name, sub string) storageBucket {
	tx.written = true
	return must(tx.stx.CreateBucket(name, sub))
}

func (tx *tx) get(name, sub string, key []byte) []byte {
	b := tx.stx.Bucket(name, sub)
	if b == nil {
		return nil
	}
	return b.Get(key)
}

func (tx *tx) put(name, sub string, key, value []byte) {
	ensure(tx.writableBucket(name, sub).Put(key, value))
}

func (tx *tx) delete(name, sub string, key []byte) {
	b := tx.stx.Bucket(name, sub)
	if b == nil {
		return
	}
	tx.written = true
	ensure(b.Delete(key))
}

// clearBucket drops every key of a nested bucket and recreates it empty.
func (tx *tx) clearBucket(name, sub string) {
	err := tx.stx.DeleteBucket(name, sub)
	if err != nil && err != ErrBucketNotFound {
		ensure(err)
	}
	tx.writableBucket(name, sub)
}

// scan calls f for keys starting at from (or the first key if from is nil)
// until f returns false. The cursor is closed before scan returns, so f
// must not write to the store; collect first, then write.
func (tx *tx) scan(name, sub string, from []byte, f func(k, v []byte) bool) {
	b := tx.stx.Bucket(name, sub)
	if b == nil {
		return
	}
	c := b.Cursor()
	defer c.Close()
	var k, v []byte
	if from == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(from)
	}
	for ; k != nil; k, v = c.Next() {
		if !f(k, v) {
			return
		}
	}
}

func (tx *tx) keyCount(name, sub string) int {
	b := tx.stx.Bucket(name, sub)
	if b == nil {
		return 0
	}
	return b.KeyCount()
}

func (db *DB) beginTx(writable bool) (*tx, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	stx, err := db.st.BeginTx(writable)
	if err != nil {
		return nil, asStorageError(err)
	}
	return &tx{db: db, stx: stx}, nil
}

// read runs f inside a read-only transaction.
func (db *DB) read(f func(tx *tx) error) error {
	tx, err := db.beginTx(false)
	if err != nil {
		return err
	}
	defer tx.stx.Rollback()
	db.ReadCount.Add(1)
	return safelyCall(f, tx)
}

// write runs f inside a writable transaction and commits it if f succeeds.
// Any error or panic rolls everything back.
func (db *DB) write(f func(tx *tx) error) error {
	tx, err := db.beginTx(true)
	if err != nil {
		return err
	}
	defer tx.stx.Rollback()
	if err := safelyCall(f, tx); err != nil {
		return err
	}
	if !tx.written {
		return nil
	}
	db.WriteCount.Add(1)
	size := tx.stx.Size()
	if err := tx.stx.Commit(); err != nil {
		return asStorageError(fmt.Errorf("commit: %w", err))
	}
	db.lastSize.Store(size)
	return nil
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*tx) error, tx *tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if e, ok := p.(error); ok {
				var se *storageError
				if errors.As(e, &se) {
					err = e
					return
				}
			}
			err = panicked{p, stackTrace()}
		}
	}()
	return fn(tx)
}

func stackTrace() string {
	return string(debug.Stack())
}
