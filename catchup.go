package revdb

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// catchUpRound folds the next batch of documents newer than the view's
// cursor into the view. It holds the type's write lock for the duration of
// one storage transaction, and reports whether the view is now in sync.
func (db *DB) catchUpRound(v anyView) (caughtUp bool, err error) {
	h := v.header()
	var folded int
	var cursor, revision uint64
	err = db.locks.writeLocked(h.docType, func() error {
		if !db.isLive(v) {
			caughtUp = true
			return nil
		}
		return db.write(func(tx *tx) error {
			st := tx.viewState(h.bucket)
			if st == nil {
				return viewErrf(h.name, ErrNotFound, "%s has no stored state", h.kind)
			}
			ts := tx.typeState(h.docType)
			revision = ts.Revision
			if st.LastRevision >= ts.Revision {
				cursor, caughtUp = st.LastRevision, true
				return nil
			}

			entries := tx.revisionsAfter(h.docType, st.LastRevision, db.opt.CatchUpBatchSize)
			for _, e := range entries {
				b := tx.loadBacking(h.docType, e.id)
				if b == nil {
					return docErrf(h.docType, e.id, ErrNotFound, "revision %d has no backing", e.revision)
				}
				v.apply(tx, &docUpdate{id: e.id, b: b})
				st.LastRevision = e.revision
			}
			folded = len(entries)
			if len(entries) < db.opt.CatchUpBatchSize {
				st.LastRevision = ts.Revision
			}
			tx.saveViewState(h.kind, h.name, st)
			cursor = st.LastRevision
			caughtUp = cursor == ts.Revision
			return nil
		})
	})
	if err != nil {
		db.logger.Error("revdb: catch-up failed", "view", h.name, "kind", h.kind, "type", h.docType, "err", err)
		return false, viewErrf(h.name, err, "catch-up of %s", h.kind)
	}
	if folded > 0 {
		db.metrics.catchUpRounds.WithLabelValues(string(h.kind)).Inc()
		db.metrics.catchUpDocs.WithLabelValues(string(h.kind)).Add(float64(folded))
		db.logger.Debug("revdb: catch-up round", "view", h.name, "kind", h.kind, "type", h.docType, "documents", folded, "cursor", cursor, "revision", revision)
	}
	return caughtUp, nil
}

func (db *DB) isLive(v anyView) bool {
	h := v.header()
	db.regMu.RLock()
	defer db.regMu.RUnlock()
	return db.views[viewKey{h.kind, h.name}] == v
}

// CatchUp runs one bounded catch-up round of a view and reports whether the
// view is in sync afterwards.
func (db *DB) CatchUp(kind ViewKind, name string) (bool, error) {
	v, err := db.view(kind, name)
	if err != nil {
		return false, err
	}
	return db.catchUpRound(v)
}

// CatchUpAll brings every registered view in sync, running rounds until
// each cursor reaches its type's revision. Views of different document
// types catch up in parallel.
func (db *DB) CatchUpAll(ctx context.Context) error {
	byType := make(map[string][]anyView)
	for _, v := range db.allViews() {
		t := v.header().docType
		byType[t] = append(byType[t], v)
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range sortedKeys(byType) {
		views := byType[t]
		g.Go(func() error {
			for _, v := range views {
				if err := db.catchUpLoop(ctx, v); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (db *DB) catchUpLoop(ctx context.Context, v anyView) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if db.closed.Load() {
			return ErrClosed
		}
		done, err := db.catchUpRound(v)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// enterBackground registers catch-up work that Close must wait for. It
// fails once Close has started.
func (db *DB) enterBackground() bool {
	db.bgMu.Lock()
	defer db.bgMu.Unlock()
	if db.closed.Load() {
		return false
	}
	db.bg.Add(1)
	return true
}

// triggerCatchUp makes progress on a stale view. With BackgroundCatchUp a
// goroutine per view (deduplicated) runs rounds until the view is in sync;
// otherwise a single round runs in the caller.
func (db *DB) triggerCatchUp(v anyView) {
	if !db.enterBackground() {
		return
	}
	h := v.header()
	if !db.opt.BackgroundCatchUp {
		defer db.bg.Done()
		db.catchUpRound(v)
		return
	}
	key := fmt.Sprintf("%s/%s", h.kind, h.name)
	go func() {
		defer db.bg.Done()
		db.catchUps.Do(key, func() (any, error) {
			return nil, db.catchUpLoop(context.Background(), v)
		})
	}()
}
