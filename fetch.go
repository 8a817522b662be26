package revdb

import (
	"fmt"
)

// backingsIn returns the committed backings of ids found in the cache or in
// tx, publishing storage reads to the cache. The caller holds a lock on
// docType, so the cache and tx agree.
func (db *DB) backingsIn(tx *tx, docType string, ids []string) map[string]*backing {
	found, missing := db.cache.query(docType, ids)
	if len(missing) == 0 {
		return found
	}
	loaded := make(map[string]*backing, len(missing))
	for _, id := range missing {
		if b := tx.loadBacking(docType, id); b != nil {
			loaded[id] = b
			found[id] = b
		}
	}
	if len(loaded) > 0 {
		db.cache.add(docType, loaded)
		db.cache.maybePrune()
	}
	return found
}

// documentsByHandle resolves handles to active documents, keeping the
// order of handles.
func (db *DB) documentsByHandle(tx *tx, docType string, handles []Handle) []*Document {
	ids := make([]string, 0, len(handles))
	for _, h := range handles {
		if id := tx.idByHandle(docType, h); id != "" {
			ids = append(ids, id)
		}
	}
	backings := db.backingsIn(tx, docType, ids)
	docs := make([]*Document, 0, len(ids))
	for _, id := range ids {
		if b := backings[id]; b != nil && b.Active {
			docs = append(docs, b.document(docType, id))
		}
	}
	return docs
}

// committed returns the current committed backings of ids. Soft-deleted
// documents are included.
func (db *DB) committed(docType string, ids []string) (map[string]*backing, error) {
	if found, missing := db.cache.query(docType, ids); len(missing) == 0 {
		return found, nil
	}
	var result map[string]*backing
	err := db.locks.readLocked(docType, func() error {
		return db.read(func(tx *tx) error {
			result = db.backingsIn(tx, docType, ids)
			return nil
		})
	})
	return result, err
}

// Get returns the committed documents with the given IDs, including
// soft-deleted ones (Active false), in the order of ids. IDs that never
// existed are returned in notFound.
func (db *DB) Get(docType string, ids ...string) (found []*Document, notFound []string, err error) {
	if err := validateName("document type", docType); err != nil {
		return nil, nil, err
	}
	backings, err := db.committed(docType, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("revdb: get %s: %w", docType, err)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if b := backings[id]; b != nil {
			found = append(found, b.document(docType, id))
		} else {
			notFound = append(notFound, id)
		}
	}
	return found, notFound, nil
}

// FetchSince returns documents of docType whose latest revision is greater
// than revision, in revision order, at most limit of them (0 means
// DefaultLimit). Soft-deleted documents are included so that a consumer
// following the log sees removals.
func (db *DB) FetchSince(docType string, revision uint64, limit int) ([]*Document, error) {
	if err := validateName("document type", docType); err != nil {
		return nil, err
	}
	_, limit, err := db.pageBounds(0, limit)
	if err != nil {
		return nil, err
	}
	var docs []*Document
	err = db.locks.readLocked(docType, func() error {
		return db.read(func(tx *tx) error {
			entries := tx.revisionsAfter(docType, revision, limit)
			ids := make([]string, len(entries))
			for i, e := range entries {
				ids[i] = e.id
			}
			backings := db.backingsIn(tx, docType, ids)
			docs = make([]*Document, 0, len(entries))
			for _, id := range ids {
				if b := backings[id]; b != nil {
					docs = append(docs, b.document(docType, id))
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("revdb: fetch %s since %d: %w", docType, revision, err)
	}
	return docs, nil
}

// Revision returns the current revision of a document type, 0 if it never
// had a document.
func (db *DB) Revision(docType string) (uint64, error) {
	var rev uint64
	err := db.read(func(tx *tx) error {
		rev = tx.typeState(docType).Revision
		return nil
	})
	return rev, err
}
