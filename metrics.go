package revdb

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the collectors of one DB. They are always created so that
// the code can update them unconditionally; they are only exported when
// Options.Registerer is set.
type metrics struct {
	cacheLookups   *prometheus.CounterVec
	cacheEvictions prometheus.Counter
	cacheSize      prometheus.Gauge

	commits          *prometheus.CounterVec
	commitDuration   prometheus.Histogram
	revisions        *prometheus.CounterVec
	catchUpRounds    *prometheus.CounterVec
	catchUpDocs      *prometheus.CounterVec
	staleQueries     *prometheus.CounterVec
	selectorFailures *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revdb",
			Subsystem: "backing_cache",
			Name:      "lookups_total",
			Help:      "Backing cache lookups by result (hit, miss).",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "revdb",
			Subsystem: "backing_cache",
			Name:      "evictions_total",
			Help:      "Backings evicted from the cache by pruning.",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "revdb",
			Subsystem: "backing_cache",
			Name:      "entries",
			Help:      "Current number of cached backings.",
		}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revdb",
			Name:      "batches_total",
			Help:      "Finished batches by outcome (committed, failed, cancelled).",
		}, []string{"outcome"}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "revdb",
			Name:      "commit_duration_seconds",
			Help:      "Duration of batch commits, including view updates.",
			Buckets:   prometheus.DefBuckets,
		}),
		revisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revdb",
			Name:      "revisions_total",
			Help:      "Revisions assigned by document type.",
		}, []string{"type"}),
		catchUpRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revdb",
			Subsystem: "views",
			Name:      "catchup_rounds_total",
			Help:      "Catch-up rounds by view kind.",
		}, []string{"kind"}),
		catchUpDocs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revdb",
			Subsystem: "views",
			Name:      "catchup_documents_total",
			Help:      "Documents folded into views by catch-up, by view kind.",
		}, []string{"kind"}),
		staleQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revdb",
			Subsystem: "views",
			Name:      "stale_queries_total",
			Help:      "Queries answered with a retry status, by view kind.",
		}, []string{"kind"}),
		selectorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revdb",
			Subsystem: "views",
			Name:      "selector_failures_total",
			Help:      "Selector errors while projecting documents, by view kind.",
		}, []string{"kind"}),
	}
	if reg == nil {
		return m, nil
	}
	if err := registerOrReuse(reg, &m.cacheLookups); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.cacheEvictions); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.cacheSize); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.commits); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.commitDuration); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.revisions); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.catchUpRounds); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.catchUpDocs); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.staleQueries); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.selectorFailures); err != nil {
		return nil, err
	}
	return m, nil
}

// registerOrReuse registers a collector, or adopts the existing one when
// several DBs share a registry.
func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	if err := reg.Register(*c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			existing, ok := are.ExistingCollector.(T)
			if !ok {
				return fmt.Errorf("revdb: metric already registered with incompatible type: %T", are.ExistingCollector)
			}
			*c = existing
			return nil
		}
		return fmt.Errorf("revdb: register metric: %w", err)
	}
	return nil
}
