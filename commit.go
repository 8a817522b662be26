package revdb

import (
	"errors"
	"fmt"
	"time"
)

// typeCommit is the part of a commit that concerns one document type.
type typeCommit struct {
	docType  string
	entries  []*overlayEntry
	updates  []*docUpdate
	backings map[string]*backing
	minRev   uint64
	gapped   []anyView
}

// Commit writes every staged change in one storage transaction: documents
// get their revisions in first-touch order, views of each touched type are
// updated incrementally when their cursor is contiguous with the batch,
// and association ops are applied. Views that are not contiguous are
// caught up afterwards. On any error nothing is written and the batch is
// closed as cancelled.
func (b *Batch) Commit() ([]DocumentResult, error) {
	if b.closed {
		return nil, ErrBatchClosed
	}
	b.closed = true
	defer b.discard()
	db := b.db
	start := time.Now()

	groups := make(map[string]*typeCommit)
	var types []string
	for _, e := range b.order {
		if e.base == nil && e.removed {
			continue
		}
		g := groups[e.typ]
		if g == nil {
			g = &typeCommit{docType: e.typ, backings: make(map[string]*backing)}
			groups[e.typ] = g
			types = append(types, e.typ)
		}
		g.entries = append(g.entries, e)
	}
	assocNames := sortedKeys(b.pending)
	if len(groups) == 0 && len(assocNames) == 0 {
		db.metrics.commits.WithLabelValues("committed").Inc()
		return []DocumentResult{}, nil
	}
	assocs := make([]*association, 0, len(assocNames))
	for _, name := range assocNames {
		a, err := db.association(name)
		if err != nil {
			db.metrics.commits.WithLabelValues("failed").Inc()
			return nil, err
		}
		assocs = append(assocs, a)
	}

	ls := db.locks.lockAll(types, assocNames)
	var results []DocumentResult
	err := db.write(func(tx *tx) error {
		for _, t := range sortedKeys(groups) {
			g := groups[t]
			if err := db.writeDocuments(tx, g); err != nil {
				return err
			}
			db.updateViews(tx, g)
		}
		for _, a := range assocs {
			if err := a.apply(tx, b.pending[a.name]); err != nil {
				return viewErrf(a.name, err, "association update")
			}
		}
		return nil
	})
	if err != nil {
		ls.unlock()
		db.metrics.commits.WithLabelValues("failed").Inc()
		db.logger.Warn("revdb: commit failed", "types", types, "associations", assocNames, "documents", len(b.order), "err", err)
		return nil, classifyCommitError(err)
	}

	for _, t := range sortedKeys(groups) {
		g := groups[t]
		db.cache.add(t, g.backings)
		db.metrics.revisions.WithLabelValues(t).Add(float64(len(g.updates)))
	}
	db.cache.maybePrune()
	var gapped []anyView
	for _, t := range sortedKeys(groups) {
		gapped = append(gapped, groups[t].gapped...)
	}
	ls.unlock()

	// Results in first-touch order.
	for _, e := range b.order {
		if g := groups[e.typ]; g != nil {
			if nb := g.backings[e.id]; nb != nil {
				results = append(results, DocumentResult{
					Type:     e.typ,
					ID:       e.id,
					Revision: nb.Revision,
					Active:   nb.Active,
					Created:  nb.Created,
					Modified: nb.Modified,
				})
				continue
			}
		}
		results = append(results, e.result())
	}

	db.metrics.commits.WithLabelValues("committed").Inc()
	db.metrics.commitDuration.Observe(time.Since(start).Seconds())
	if db.verbose {
		db.logger.Debug("db: COMMIT", "types", types, "associations", assocNames, "documents", len(results), "elapsed", time.Since(start))
	}
	for _, v := range gapped {
		db.triggerCatchUp(v)
	}
	return results, nil
}

// writeDocuments merges the staged entries of one type onto the latest
// committed backings and writes them with fresh revisions.
func (db *DB) writeDocuments(tx *tx, g *typeCommit) error {
	ts := tx.typeState(g.docType)
	isNew := ts.Revision == 0 && ts.LastHandle == 0
	g.minRev = ts.Revision + 1
	g.updates = g.updates[:0]
	clear(g.backings)

	for _, e := range g.entries {
		cur := tx.loadBacking(g.docType, e.id)
		var nb *backing
		var changed []string
		if e.base == nil {
			if cur != nil {
				return docErrf(g.docType, e.id, ErrConflict, "created concurrently")
			}
			nb = &backing{
				Handle:  ts.nextHandle(),
				Active:  true,
				Created: e.created,
			}
			nb.applyDelta(e.updated, nil)
		} else {
			if cur == nil {
				return docErrf(g.docType, e.id, ErrConflict, "backing disappeared")
			}
			if !cur.Active {
				return docErrf(g.docType, e.id, ErrConflict, "removed concurrently")
			}
			nb = cur.clone()
			changed = nb.applyDelta(e.updated, e.removedProps)
			if e.removed {
				nb.Active = false
				changed = nil
			}
		}
		nb.Revision = ts.nextRevision()
		nb.Modified = e.modified
		if nb.Modified.Before(nb.Created) {
			nb.Modified = nb.Created
		}
		tx.putBacking(g.docType, e.id, nb, cur)
		g.backings[e.id] = nb
		g.updates = append(g.updates, &docUpdate{id: e.id, b: nb, changed: changed})
	}
	tx.saveTypeState(g.docType, ts, isNew)
	return nil
}

// updateViews runs the incremental path for every view of the type whose
// cursor is exactly one behind the batch, and records the others as gapped.
func (db *DB) updateViews(tx *tx, g *typeCommit) {
	g.gapped = g.gapped[:0]
	for _, v := range db.viewsOf(g.docType) {
		h := v.header()
		st := tx.viewState(h.bucket)
		if st == nil || st.LastRevision+1 != g.minRev {
			g.gapped = append(g.gapped, v)
			continue
		}
		res := updateView(tx, v, st, g.updates)
		tx.saveViewState(h.kind, h.name, st)
		if db.verbose && res != nil {
			db.logger.Debug("db: VIEW", "kind", h.kind, "view", h.name, "applied", res.applied, "skipped", res.skipped, "cursor", res.cursor)
		}
	}
}

// classifyCommitError makes sure a commit error matches one of the
// documented sentinels.
func classifyCommitError(err error) error {
	var p panicked
	switch {
	case errors.Is(err, ErrConflict), errors.Is(err, ErrStorage), errors.Is(err, ErrClosed):
		return fmt.Errorf("revdb: commit: %w", err)
	case errors.As(err, &p):
		return fmt.Errorf("revdb: commit: %w", err)
	default:
		return fmt.Errorf("revdb: commit: %w", asStorageError(err))
	}
}
