package revdb

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CommitsAndCacheLookups(t *testing.T) {
	db := setup(t)
	create(t, db, "user", doc("u1"), doc("u2"))
	update(t, db, "user", doc("u1", "name", "x"))
	db.Begin().Cancel()

	deepEqual(t, testutil.ToFloat64(db.metrics.commits.WithLabelValues("committed")), 2.0)
	deepEqual(t, testutil.ToFloat64(db.metrics.commits.WithLabelValues("cancelled")), 1.0)
	deepEqual(t, testutil.ToFloat64(db.metrics.revisions.WithLabelValues("user")), 3.0)

	_, _, err := db.Get("user", "u1", "u2")
	noerr(t, err)
	if hits := testutil.ToFloat64(db.metrics.cacheLookups.WithLabelValues("hit")); hits < 2 {
		t.Errorf("cache hits = %v, wanted >= 2", hits)
	}
	deepEqual(t, testutil.ToFloat64(db.metrics.cacheSize), 2.0)
}

func TestMetrics_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	db1 := setupWith(t, Options{Registerer: reg})
	db2 := setupWith(t, Options{Registerer: reg})
	create(t, db1, "user", doc("u1"))
	create(t, db2, "user", doc("u1"))

	deepEqual(t, testutil.ToFloat64(db1.metrics.revisions.WithLabelValues("user")), 2.0)
	n, err := testutil.GatherAndCount(reg, "revdb_revisions_total")
	noerr(t, err)
	deepEqual(t, n, 1)
}

func TestMetrics_IncompatibleCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "revdb",
		Name:      "revisions_total",
		Help:      "Revisions assigned by document type.",
	}))
	if _, err := newMetrics(reg); err == nil {
		t.Fatal("newMetrics accepted a conflicting collector")
	}
}

func TestMetrics_StaleQueries(t *testing.T) {
	db := setupWith(t, Options{CatchUpBatchSize: 1})
	create(t, db, "user", doc("u1", "active", true), doc("u2", "active", true))
	registerActiveUsers(t, db)

	res, err := db.QueryCollection("activeUsers", Page{})
	noerr(t, err)
	deepEqual(t, res.Status, StatusStale)
	deepEqual(t, testutil.ToFloat64(db.metrics.staleQueries.WithLabelValues("collection")), 1.0)
	if rounds := testutil.ToFloat64(db.metrics.catchUpRounds.WithLabelValues("collection")); rounds < 1 {
		t.Errorf("catch-up rounds = %v, wanted >= 1", rounds)
	}
}
