package revdb

import (
	"log/slog"
	"testing"
)

func newTestBackingCache(t testing.TB, limit int) *backingCache {
	t.Helper()
	return newBackingCache(limit, slog.Default(), must(newMetrics(nil)))
}

func backings(rev uint64, ids ...string) map[string]*backing {
	m := make(map[string]*backing, len(ids))
	for _, id := range ids {
		m[id] = &backing{Revision: rev, Active: true}
	}
	return m
}

func TestBackingCache_PruneEvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestBackingCache(t, 2)
	c.add("user", backings(1, "a", "b", "c"))
	deepEqual(t, c.size(), 3)

	// Referencing a makes b the oldest.
	if c.get("user", "a") == nil {
		t.Fatal("a not cached")
	}
	deepEqual(t, c.oldest(3), []cacheKey{{"user", "b"}, {"user", "c"}, {"user", "a"}})

	deepEqual(t, c.maybePrune(), 1)
	deepEqual(t, c.size(), 2)
	isnil(t, c.get("user", "b"))
	deepEqual(t, c.maybePrune(), 0)
}

func TestBackingCache_QueryPartitions(t *testing.T) {
	c := newTestBackingCache(t, 10)
	c.add("user", backings(1, "a"))
	c.add("post", backings(1, "b"))

	found, notFound := c.query("user", []string{"a", "b", "a"})
	deepEqual(t, len(found), 1)
	deepEqual(t, notFound, []string{"b"})

	c.remove("user", []string{"a"})
	_, notFound = c.query("user", []string{"a"})
	deepEqual(t, notFound, []string{"a"})

	c.clear()
	deepEqual(t, c.size(), 0)
}

func TestBackingCache_KeepsNewerRevision(t *testing.T) {
	c := newTestBackingCache(t, 10)
	c.add("user", backings(5, "a"))
	c.add("user", backings(3, "a"))
	deepEqual(t, c.get("user", "a").Revision, uint64(5))

	c.add("user", backings(7, "a"))
	deepEqual(t, c.get("user", "a").Revision, uint64(7))
}

func TestBackingCache_NilIsDisabled(t *testing.T) {
	c := newTestBackingCache(t, -1)
	if c != nil {
		t.Fatal("negative limit must disable the cache")
	}
	c.add("user", backings(1, "a"))
	isnil(t, c.get("user", "a"))
	found, notFound := c.query("user", []string{"a"})
	deepEqual(t, len(found), 0)
	deepEqual(t, notFound, []string{"a"})
	deepEqual(t, c.maybePrune(), 0)
	deepEqual(t, c.size(), 0)
	isempty(t, c.oldest(1))
}

func TestDB_PruneCacheHonorsLimit(t *testing.T) {
	db := setupWith(t, Options{CacheLimit: 2})
	create(t, db, "user", doc("u1"), doc("u2"), doc("u3"), doc("u4"))
	if n := db.cache.size(); n > 4 {
		t.Fatalf("cache size = %d", n)
	}
	db.PruneCache()
	if n := db.cache.size(); n > 2 {
		t.Errorf("cache size after prune = %d, wanted <= 2", n)
	}

	found, notFound, err := db.Get("user", "u1", "u2", "u3", "u4")
	noerr(t, err)
	deepEqual(t, len(found), 4)
	isempty(t, notFound)
}
