package revdb

import (
	"fmt"
	"slices"
	"sort"
)

// installView persists the definition of v, resetting stored data when the
// definition changed incompatibly, and makes v the live view of its name.
// It holds the write locks of both the old and the new document type, so
// no commit or catch-up runs against a half-replaced view.
func (db *DB) installView(v anyView, isUpToDate bool) error {
	h := v.header()
	key := viewKey{h.kind, h.name}
	def := viewDefinition{
		selector:   h.selector,
		params:     h.params,
		relevant:   h.relevant,
		isUpToDate: isUpToDate,
	}
	for {
		db.regMu.RLock()
		old := db.views[key]
		db.regMu.RUnlock()

		types := []string{h.docType}
		if old != nil {
			types = append(types, old.header().docType)
		}
		ls := db.locks.lockAll(types, nil)

		db.regMu.RLock()
		current := db.views[key]
		db.regMu.RUnlock()
		if current != old {
			ls.unlock()
			continue
		}

		err := db.write(func(tx *tx) error {
			st := tx.viewState(h.bucket)
			reset, reason := def.needsReset(st, h.docType)
			ns := &viewState{
				Kind:         h.kind,
				DocumentType: h.docType,
				Selector:     h.selector,
				Params:       h.params,
				Relevant:     h.relevant,
			}
			if reset {
				v.reset(tx)
				if st != nil {
					db.logger.Info("revdb: view reset", "view", h.name, "kind", h.kind, "type", h.docType, "reason", reason, "cursor", st.LastRevision)
				}
			} else {
				ns.LastRevision = st.LastRevision
				ns.Updates = st.Updates
			}
			tx.saveViewState(h.kind, h.name, ns)
			return nil
		})
		if err == nil {
			db.regMu.Lock()
			if old != nil {
				db.unlinkViewLocked(old)
			}
			db.views[key] = v
			db.viewsByType[h.docType] = append(db.viewsByType[h.docType], v)
			db.regMu.Unlock()
		}
		ls.unlock()
		if err != nil {
			return viewErrf(h.name, err, "registering %s", h.kind)
		}
		if db.verbose {
			db.logger.Debug("db: REGISTER", "kind", h.kind, "view", h.name, "type", h.docType, "selector", h.selector)
		}
		return nil
	}
}

func (db *DB) unlinkViewLocked(v anyView) {
	t := v.header().docType
	db.viewsByType[t] = slices.DeleteFunc(db.viewsByType[t], func(x anyView) bool { return x == v })
	if len(db.viewsByType[t]) == 0 {
		delete(db.viewsByType, t)
	}
}

// lookupView returns the registered view of the given kind and name.
func lookupView[V anyView](db *DB, kind ViewKind, name string) (V, error) {
	db.regMu.RLock()
	v, found := db.views[viewKey{kind, name}]
	db.regMu.RUnlock()
	if !found {
		var zero V
		return zero, viewErrf(name, ErrNotFound, "%s", kind)
	}
	return v.(V), nil
}

func (db *DB) view(kind ViewKind, name string) (anyView, error) {
	return lookupView[anyView](db, kind, name)
}

// viewsOf returns the live views of a document type. Callers hold the
// type's lock, which keeps the result current.
func (db *DB) viewsOf(docType string) []anyView {
	db.regMu.RLock()
	defer db.regMu.RUnlock()
	return slices.Clone(db.viewsByType[docType])
}

func (db *DB) allViews() []anyView {
	db.regMu.RLock()
	defer db.regMu.RUnlock()
	views := make([]anyView, 0, len(db.views))
	for _, v := range db.views {
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool {
		a, b := views[i].header(), views[j].header()
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		return a.name < b.name
	})
	return views
}

// queryView runs f against a ready view. f runs in a read transaction under
// the type's read lock; for a stale view catch-up is triggered after both
// are released.
func (db *DB) queryView(v anyView, f func(tx *tx) error) (Status, error) {
	h := v.header()
	var status Status
	err := db.locks.readLocked(h.docType, func() error {
		return db.read(func(tx *tx) error {
			status, _ = tx.viewStatus(h)
			if status != StatusReady {
				return nil
			}
			return f(tx)
		})
	})
	if err != nil {
		return status, viewErrf(h.name, err, "query %s", h.kind)
	}
	if status == StatusStale {
		db.metrics.staleQueries.WithLabelValues(string(h.kind)).Inc()
		db.triggerCatchUp(v)
	}
	return status, nil
}

// ViewStatus reports the readiness of a view without querying it.
func (db *DB) ViewStatus(kind ViewKind, name string) (Status, error) {
	v, err := db.view(kind, name)
	if err != nil {
		return 0, err
	}
	var status Status
	err = db.read(func(tx *tx) error {
		status, _ = tx.viewStatus(v.header())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("revdb: %w", err)
	}
	return status, nil
}
