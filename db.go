package revdb

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Backend selects the storage engine of a DB.
type Backend string

const (
	BackendBolt   Backend = "bolt"
	BackendBadger Backend = "badger"
	BackendMemory Backend = "memory"
)

const (
	DefaultCacheLimit       = 10000
	DefaultCatchUpBatchSize = 150
	DefaultMaxFetchLimit    = 1000

	// DefaultLimit is the page size used when a query passes Limit 0.
	DefaultLimit = 150
)

type DB struct {
	st      storage
	opt     Options
	logger  *slog.Logger
	verbose bool
	now     func() time.Time

	cache     *backingCache
	locks     lockTable
	selectors *selectorRegistry
	metrics   *metrics

	regMu        sync.RWMutex
	views        map[viewKey]anyView
	viewsByType  map[string][]anyView
	associations map[string]*association

	catchUps singleflight.Group
	bgMu     sync.Mutex // orders bg.Add against Close
	bg       sync.WaitGroup
	closed   atomic.Bool

	lastSize   atomic.Int64
	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64
}

type Options struct {
	// Backend defaults to BackendBolt.
	Backend Backend

	// CacheLimit bounds the backing cache; 0 means DefaultCacheLimit and a
	// negative value disables the cache.
	CacheLimit int

	// CatchUpBatchSize is the number of documents one catch-up round folds
	// into a view.
	CatchUpBatchSize int

	// MaxFetchLimit caps Limit of FetchSince and of paginated queries.
	MaxFetchLimit int

	// BackgroundCatchUp runs catch-up of stale views in background
	// goroutines instead of inside the query that found them stale.
	BackgroundCatchUp bool

	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int

	// Registerer receives the DB's Prometheus collectors when set.
	Registerer prometheus.Registerer

	// Now stamps document timestamps; defaults to time.Now.
	Now func() time.Time
}

type viewKey struct {
	kind ViewKind
	name string
}

// Open opens or creates a store at path. BackendMemory ignores path, and
// BackendBadger keeps everything in memory when path is empty.
func Open(path string, opt Options) (*DB, error) {
	var st storage
	var err error
	switch opt.Backend {
	case "", BackendBolt:
		st, err = openBoltStorage(path, opt)
	case BackendBadger:
		st, err = openBadgerStorage(path, opt)
	case BackendMemory:
		st = newMemStorage()
	default:
		return nil, fmt.Errorf("revdb: %w: unknown backend %q", ErrInvalidArgument, string(opt.Backend))
	}
	if err != nil {
		return nil, err
	}
	db, err := open(st, opt)
	if err != nil {
		st.Close()
		return nil, err
	}
	return db, nil
}

func open(st storage, opt Options) (*DB, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.CacheLimit == 0 {
		opt.CacheLimit = DefaultCacheLimit
	}
	if opt.CatchUpBatchSize <= 0 {
		opt.CatchUpBatchSize = DefaultCatchUpBatchSize
	}
	if opt.MaxFetchLimit <= 0 {
		opt.MaxFetchLimit = DefaultMaxFetchLimit
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	m, err := newMetrics(opt.Registerer)
	if err != nil {
		return nil, err
	}

	db := &DB{
		st:           st,
		opt:          opt,
		logger:       opt.Logger,
		verbose:      opt.Verbose,
		now:          opt.Now,
		selectors:    newSelectorRegistry(),
		metrics:      m,
		views:        make(map[viewKey]anyView),
		viewsByType:  make(map[string][]anyView),
		associations: make(map[string]*association),
	}
	db.cache = newBackingCache(opt.CacheLimit, db.logger, m)

	// Fail early on unreadable storage.
	err = db.read(func(tx *tx) error {
		for _, t := range tx.knownTypes() {
			tx.typeState(t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("revdb: %w", err)
	}
	return db, nil
}

// Close waits for background catch-up to finish and closes the storage.
func (db *DB) Close() error {
	db.bgMu.Lock()
	first := db.closed.CompareAndSwap(false, true)
	db.bgMu.Unlock()
	if !first {
		return nil
	}
	db.bg.Wait()
	if err := db.st.Close(); err != nil {
		return fmt.Errorf("revdb: closing: %w", err)
	}
	return nil
}

// Size returns the storage size observed by the last write transaction.
func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

// PruneCache trims the backing cache to its limit and returns the number of
// evicted entries.
func (db *DB) PruneCache() int {
	return db.cache.maybePrune()
}

func (db *DB) pageBounds(offset, limit int) (int, int, error) {
	if offset < 0 {
		return 0, 0, fmt.Errorf("%w: negative offset %d", ErrInvalidArgument, offset)
	}
	if limit < 0 {
		return 0, 0, fmt.Errorf("%w: negative limit %d", ErrInvalidArgument, limit)
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > db.opt.MaxFetchLimit {
		return 0, 0, fmt.Errorf("%w: limit %d exceeds %d", ErrInvalidArgument, limit, db.opt.MaxFetchLimit)
	}
	return offset, limit, nil
}
