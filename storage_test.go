package revdb

import (
	"errors"
	"path/filepath"
	"testing"
)

type storageFactory func(t testing.TB) storage

func storageBackends() map[string]storageFactory {
	return map[string]storageFactory{
		"memory": func(t testing.TB) storage {
			return newMemStorage()
		},
		"bolt": func(t testing.TB) storage {
			return must(openBoltStorage(filepath.Join(t.TempDir(), "test.db"), Options{IsTesting: true}))
		},
		"badger": func(t testing.TB) storage {
			return must(openBadgerStorage("", Options{IsTesting: true}))
		},
	}
}

func forEachBackend(t *testing.T, f func(t *testing.T, st storage)) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			st := factory(t)
			t.Cleanup(func() { st.Close() })
			f(t, st)
		})
	}
}

func inWriteTx(t testing.TB, st storage, f func(stx storageTx)) {
	t.Helper()
	stx := must(st.BeginTx(true))
	f(stx)
	noerr(t, stx.Commit())
}

func inReadTx(t testing.TB, st storage, f func(stx storageTx)) {
	t.Helper()
	stx := must(st.BeginTx(false))
	defer stx.Rollback()
	f(stx)
}

func scanAll(b storageBucket) []string {
	c := b.Cursor()
	defer c.Close()
	var result []string
	for k, v := c.First(); k != nil; k, v = c.Next() {
		result = append(result, string(k)+"="+string(v))
	}
	return result
}

func TestStorage_GetPutDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st storage) {
		inWriteTx(t, st, func(stx storageTx) {
			if stx.Bucket("t_user", "docs") != nil {
				t.Fatal("bucket exists before creation")
			}
			b := must(stx.CreateBucket("t_user", "docs"))
			noerr(t, b.Put([]byte("b"), []byte("2")))
			noerr(t, b.Put([]byte("a"), []byte("1")))
			noerr(t, b.Put([]byte("c"), []byte("3")))
			noerr(t, b.Delete([]byte("c")))
			noerr(t, b.Delete([]byte("missing")))
			if stx.Bucket("t_user", "") == nil {
				t.Error("creating a nested bucket must create its root")
			}
		})
		inReadTx(t, st, func(stx storageTx) {
			b := stx.Bucket("t_user", "docs")
			if b == nil {
				t.Fatal("bucket not found after commit")
			}
			deepEqual(t, string(b.Get([]byte("a"))), "1")
			if v := b.Get([]byte("c")); v != nil {
				t.Errorf("deleted key = %q", v)
			}
			deepEqual(t, b.KeyCount(), 2)
			deepEqual(t, scanAll(b), []string{"a=1", "b=2"})
		})
	})
}

func TestStorage_CursorSeek(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st storage) {
		inWriteTx(t, st, func(stx storageTx) {
			b := must(stx.CreateBucket("t_user", "revs"))
			for _, rev := range []uint64{1, 2, 5, 300} {
				noerr(t, b.Put(uint64Key(rev), []byte{byte(rev)}))
			}
		})
		inReadTx(t, st, func(stx storageTx) {
			c := stx.Bucket("t_user", "revs").Cursor()
			defer c.Close()
			k, v := c.Seek(uint64Key(3))
			deepEqual(t, decodeUint64Key(k), uint64(5))
			deepEqual(t, v, []byte{5})
			k, _ = c.Next()
			deepEqual(t, decodeUint64Key(k), uint64(300))
			if k, _ = c.Next(); k != nil {
				t.Errorf("Next past end = %x", k)
			}
			if k, _ = c.Seek(uint64Key(301)); k != nil {
				t.Errorf("Seek past end = %x", k)
			}
		})
	})
}

func TestStorage_BucketsAreIsolated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st storage) {
		inWriteTx(t, st, func(stx storageTx) {
			noerr(t, must(stx.CreateBucket("c_all", "members")).Put([]byte("k"), []byte("members")))
			noerr(t, must(stx.CreateBucket("c_all", "state")).Put([]byte("k"), []byte("state")))
			noerr(t, must(stx.CreateBucket("c_allx", "members")).Put([]byte("k"), []byte("other")))
		})
		inReadTx(t, st, func(stx storageTx) {
			deepEqual(t, scanAll(stx.Bucket("c_all", "members")), []string{"k=members"})
			deepEqual(t, scanAll(stx.Bucket("c_all", "state")), []string{"k=state"})
			deepEqual(t, scanAll(stx.Bucket("c_allx", "members")), []string{"k=other"})
		})
	})
}

func TestStorage_DeleteBucket(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st storage) {
		inWriteTx(t, st, func(stx storageTx) {
			noerr(t, must(stx.CreateBucket("i_byEmail", "keys")).Put([]byte("x.io"), []byte("u1")))
		})
		inWriteTx(t, st, func(stx storageTx) {
			noerr(t, stx.DeleteBucket("i_byEmail", "keys"))
			if err := stx.DeleteBucket("i_byEmail", "keys"); !errors.Is(err, ErrBucketNotFound) {
				t.Errorf("second DeleteBucket = %v, wanted ErrBucketNotFound", err)
			}
			if err := stx.DeleteBucket("nope", "keys"); !errors.Is(err, ErrBucketNotFound) {
				t.Errorf("DeleteBucket on missing root = %v, wanted ErrBucketNotFound", err)
			}
		})
		inReadTx(t, st, func(stx storageTx) {
			if stx.Bucket("i_byEmail", "keys") != nil {
				t.Error("bucket survived deletion")
			}
		})

		// A recreated bucket starts empty.
		inWriteTx(t, st, func(stx storageTx) {
			b := must(stx.CreateBucket("i_byEmail", "keys"))
			deepEqual(t, b.KeyCount(), 0)
		})
	})
}

func TestStorage_RollbackDiscards(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st storage) {
		inWriteTx(t, st, func(stx storageTx) {
			noerr(t, must(stx.CreateBucket("t_user", "docs")).Put([]byte("a"), []byte("1")))
		})

		stx := must(st.BeginTx(true))
		b := stx.Bucket("t_user", "docs")
		noerr(t, b.Put([]byte("a"), []byte("changed")))
		noerr(t, b.Put([]byte("b"), []byte("2")))
		must(stx.CreateBucket("t_post", "docs"))
		noerr(t, stx.Rollback())
		noerr(t, stx.Rollback())

		inReadTx(t, st, func(stx storageTx) {
			deepEqual(t, scanAll(stx.Bucket("t_user", "docs")), []string{"a=1"})
			if stx.Bucket("t_post", "docs") != nil {
				t.Error("rolled back bucket is visible")
			}
		})
	})
}

func TestStorage_ReadersSeeSnapshot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st storage) {
		inWriteTx(t, st, func(stx storageTx) {
			noerr(t, must(stx.CreateBucket("t_user", "docs")).Put([]byte("a"), []byte("1")))
		})

		rtx := must(st.BeginTx(false))
		defer rtx.Rollback()
		if rtx.Writable() {
			t.Fatal("read tx is writable")
		}

		inWriteTx(t, st, func(stx storageTx) {
			noerr(t, stx.Bucket("t_user", "docs").Put([]byte("a"), []byte("2")))
		})
		deepEqual(t, string(rtx.Bucket("t_user", "docs").Get([]byte("a"))), "1")
	})
}
