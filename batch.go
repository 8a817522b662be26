package revdb

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"
)

// Batch stages document and association changes until Commit. Reads made
// through the batch see its own changes; nothing is visible to other
// callers before Commit, and Cancel leaves no trace.
//
// A Batch belongs to one goroutine at a time.
type Batch struct {
	db      *DB
	entries map[cacheKey]*overlayEntry
	order   []*overlayEntry
	pending map[string][]AssociationOp
	closed  bool
}

// overlayEntry is the staged state of one document touched by a batch.
type overlayEntry struct {
	typ          string
	id           string
	base         *backing // nil when created in this batch
	created      time.Time
	modified     time.Time
	updated      map[string]json.RawMessage
	removedProps map[string]bool
	removed      bool
}

// property resolves one property as the batch sees it. Removed documents
// have no properties.
func (e *overlayEntry) property(name string) (json.RawMessage, bool) {
	if e.removed {
		return nil, false
	}
	return e.stagedProperty(name)
}

// stagedProperty resolves one property regardless of the removed flag, the
// way it will be stored on commit.
func (e *overlayEntry) stagedProperty(name string) (json.RawMessage, bool) {
	if e.removedProps[name] {
		return nil, false
	}
	if v, found := e.updated[name]; found {
		return v, true
	}
	if e.base != nil {
		v, found := e.base.Props[name]
		return v, found
	}
	return nil, false
}

// rawProperties returns the properties commit would store. Soft-deleted
// documents keep them, matching DB.Get.
func (e *overlayEntry) rawProperties() map[string]json.RawMessage {
	props := make(map[string]json.RawMessage)
	if e.base != nil {
		for k := range e.base.Props {
			if v, found := e.stagedProperty(k); found {
				props[k] = v
			}
		}
	}
	for k := range e.updated {
		if v, found := e.stagedProperty(k); found {
			props[k] = v
		}
	}
	return props
}

func (e *overlayEntry) document() *Document {
	doc := &Document{
		Type:       e.typ,
		ID:         e.id,
		Active:     !e.removed,
		Created:    e.created,
		Modified:   e.modified,
		Properties: decodeProperties(e.rawProperties()),
	}
	if e.base != nil {
		doc.Handle = e.base.Handle
		doc.Revision = e.base.Revision
	}
	return doc
}

func (e *overlayEntry) result() DocumentResult {
	return DocumentResult{
		Type:     e.typ,
		ID:       e.id,
		Active:   !e.removed,
		Created:  e.created,
		Modified: e.modified,
	}
}

func (e *overlayEntry) stage(set map[string]json.RawMessage, unset []string) {
	for _, k := range unset {
		delete(e.updated, k)
		if e.removedProps == nil {
			e.removedProps = make(map[string]bool)
		}
		e.removedProps[k] = true
	}
	for k, v := range set {
		delete(e.removedProps, k)
		if e.updated == nil {
			e.updated = make(map[string]json.RawMessage)
		}
		e.updated[k] = v
	}
}

// Begin opens a batch.
func (db *DB) Begin() *Batch {
	return &Batch{
		db:      db,
		entries: make(map[cacheKey]*overlayEntry),
		pending: make(map[string][]AssociationOp),
	}
}

// Batch runs f inside a batch and commits it when f returns nil. An error
// or panic in f cancels the batch.
func (db *DB) Batch(f func(b *Batch) error) (err error) {
	b := db.Begin()
	defer func() {
		if p := recover(); p != nil {
			b.Cancel()
			err = fmt.Errorf("revdb: batch: %w", panicked{p, stackTrace()})
		}
	}()
	if err := f(b); err != nil {
		b.Cancel()
		return err
	}
	_, err = b.Commit()
	return err
}

func (b *Batch) check(docType string) error {
	if b.closed {
		return ErrBatchClosed
	}
	if docType != "" {
		return validateName("document type", docType)
	}
	return nil
}

// lookup returns the entries of ids, loading committed backings for IDs the
// batch has not touched yet. Untouched IDs without a committed backing map
// to nil.
func (b *Batch) lookup(docType string, ids []string) (map[string]*overlayEntry, error) {
	result := make(map[string]*overlayEntry, len(ids))
	var missing []string
	for _, id := range ids {
		if e := b.entries[cacheKey{docType, id}]; e != nil {
			result[id] = e
		} else if validateID(id) == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}
	committed, err := b.db.committed(docType, missing)
	if err != nil {
		return nil, err
	}
	for _, id := range missing {
		if base := committed[id]; base != nil {
			result[id] = &overlayEntry{
				typ:      docType,
				id:       id,
				base:     base,
				created:  base.Created,
				modified: base.Modified,
				removed:  !base.Active,
			}
		}
	}
	return result, nil
}

func (b *Batch) touch(e *overlayEntry) {
	k := cacheKey{e.typ, e.id}
	if b.entries[k] == nil {
		b.entries[k] = e
		b.order = append(b.order, e)
	}
}

// Create stages new documents. An empty ID is replaced by a generated one.
// Each change gets its own result; a failed change does not affect the
// others.
func (b *Batch) Create(docType string, changes ...DocumentChange) ([]DocumentResult, error) {
	if err := b.check(docType); err != nil {
		return nil, err
	}
	changes = slices.Clone(changes)
	for i := range changes {
		if changes[i].ID == "" {
			changes[i].ID = NewDocumentID()
		}
	}
	existing, err := b.lookup(docType, changeIDs(changes))
	if err != nil {
		return nil, err
	}
	now := b.db.now().UTC()
	results := make([]DocumentResult, len(changes))
	for i, c := range changes {
		results[i] = DocumentResult{Type: docType, ID: c.ID}
		if err := validateID(c.ID); err != nil {
			results[i].Err = docErrf(docType, c.ID, err, "create")
			continue
		}
		if existing[c.ID] != nil {
			results[i].Err = docErrf(docType, c.ID, ErrInvalidArgument, "document already exists")
			continue
		}
		set, err := encodeProperties(c.Set)
		if err != nil {
			results[i].Err = docErrf(docType, c.ID, err, "create")
			continue
		}
		e := &overlayEntry{typ: docType, id: c.ID, created: now, modified: now}
		e.stage(set, nil)
		b.touch(e)
		existing[c.ID] = e
		results[i] = e.result()
	}
	return results, nil
}

// Update stages property deltas of existing active documents.
func (b *Batch) Update(docType string, changes ...DocumentChange) ([]DocumentResult, error) {
	if err := b.check(docType); err != nil {
		return nil, err
	}
	existing, err := b.lookup(docType, changeIDs(changes))
	if err != nil {
		return nil, err
	}
	now := b.db.now().UTC()
	results := make([]DocumentResult, len(changes))
	for i, c := range changes {
		results[i] = DocumentResult{Type: docType, ID: c.ID}
		if err := validateID(c.ID); err != nil {
			results[i].Err = docErrf(docType, c.ID, err, "update")
			continue
		}
		e := existing[c.ID]
		if e == nil || e.removed {
			results[i].Err = docErrf(docType, c.ID, ErrNotFound, "update")
			continue
		}
		set, err := encodeProperties(c.Set)
		if err == nil {
			err = validatePropertyNames(c.Unset)
		}
		if err != nil {
			results[i].Err = docErrf(docType, c.ID, err, "update")
			continue
		}
		e.stage(set, c.Unset)
		e.modified = now
		b.touch(e)
		results[i] = e.result()
	}
	return results, nil
}

// Remove stages soft deletion of documents.
func (b *Batch) Remove(docType string, ids ...string) ([]DocumentResult, error) {
	if err := b.check(docType); err != nil {
		return nil, err
	}
	existing, err := b.lookup(docType, ids)
	if err != nil {
		return nil, err
	}
	now := b.db.now().UTC()
	results := make([]DocumentResult, len(ids))
	for i, id := range ids {
		results[i] = DocumentResult{Type: docType, ID: id}
		if err := validateID(id); err != nil {
			results[i].Err = docErrf(docType, id, err, "remove")
			continue
		}
		e := existing[id]
		if e == nil || e.removed {
			results[i].Err = docErrf(docType, id, ErrNotFound, "remove")
			continue
		}
		e.removed = true
		e.modified = now
		b.touch(e)
		results[i] = e.result()
	}
	return results, nil
}

// Get returns documents as the batch sees them: staged changes on top of
// committed state. Documents created in the batch have no handle or
// revision yet.
func (b *Batch) Get(docType string, ids ...string) (found []*Document, notFound []string, err error) {
	if err := b.check(docType); err != nil {
		return nil, nil, err
	}
	entries, err := b.lookup(docType, ids)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range ids {
		if e := entries[id]; e != nil {
			found = append(found, e.document())
		} else {
			notFound = append(notFound, id)
		}
	}
	return found, notFound, nil
}

// Property returns one property of a document as the batch sees it.
func (b *Batch) Property(docType, id, name string) (any, bool, error) {
	if err := b.check(docType); err != nil {
		return nil, false, err
	}
	entries, err := b.lookup(docType, []string{id})
	if err != nil {
		return nil, false, err
	}
	e := entries[id]
	if e == nil {
		return nil, false, docErrf(docType, id, ErrNotFound, "property %s", name)
	}
	raw, found := e.property(name)
	if !found {
		return nil, false, nil
	}
	return decodeJSONValue(raw), true, nil
}

// UpdateAssociation stages association ops. They are applied in order at
// commit, after the batch's documents are written.
func (b *Batch) UpdateAssociation(name string, ops ...AssociationOp) error {
	if err := b.check(""); err != nil {
		return err
	}
	a, err := b.db.association(name)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := validateAssociationOp(op); err != nil {
			return viewErrf(a.name, err, "association update")
		}
	}
	if len(ops) > 0 {
		b.pending[a.name] = append(b.pending[a.name], ops...)
	}
	return nil
}

// AssociationItems returns the pairs of an association as the batch sees
// them: the committed pairs with the staged ops applied, sorted by IDs.
// Non-empty from or to restrict the result to that anchor.
func (b *Batch) AssociationItems(name string, from, to string) ([]AssociationPair, error) {
	if err := b.check(""); err != nil {
		return nil, err
	}
	a, err := b.db.association(name)
	if err != nil {
		return nil, err
	}

	items := make(map[AssociationPair]bool)
	unlock := b.db.locks.readLockAll([]string{a.from, a.to})
	err = b.db.read(func(tx *tx) error {
		var raw [][2]Handle
		switch {
		case from != "":
			if fb := tx.loadBacking(a.from, from); fb != nil {
				for _, th := range a.partners(tx, pairsSub, fb.Handle) {
					raw = append(raw, [2]Handle{fb.Handle, th})
				}
			}
		case to != "":
			if tb := tx.loadBacking(a.to, to); tb != nil {
				for _, fh := range a.partners(tx, reverseSub, tb.Handle) {
					raw = append(raw, [2]Handle{fh, tb.Handle})
				}
			}
		default:
			raw = a.pairs(tx)
		}
		fids := make(map[Handle]string)
		tids := make(map[Handle]string)
		for _, p := range raw {
			if _, ok := fids[p[0]]; !ok {
				fids[p[0]] = tx.idByHandle(a.from, p[0])
			}
			if _, ok := tids[p[1]]; !ok {
				tids[p[1]] = tx.idByHandle(a.to, p[1])
			}
			if f, t := fids[p[0]], tids[p[1]]; f != "" && t != "" {
				items[AssociationPair{f, t}] = true
			}
		}
		return nil
	})
	unlock()
	if err != nil {
		return nil, viewErrf(name, err, "association items")
	}

	for _, op := range b.pending[a.name] {
		if (from != "" && op.From != from) || (to != "" && op.To != to) {
			continue
		}
		p := AssociationPair{op.From, op.To}
		if op.Action == ActionAdd {
			items[p] = true
		} else {
			delete(items, p)
		}
	}

	// Hide pairs whose documents the batch removed.
	removed := func(docType, id string) bool {
		e := b.entries[cacheKey{docType, id}]
		return e != nil && e.removed
	}
	result := make([]AssociationPair, 0, len(items))
	for p := range items {
		if !removed(a.from, p.From) && !removed(a.to, p.To) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].From != result[j].From {
			return result[i].From < result[j].From
		}
		return result[i].To < result[j].To
	})
	return result, nil
}

// Cancel discards the batch. It is safe to call after Commit.
func (b *Batch) Cancel() {
	if b.closed {
		return
	}
	b.closed = true
	b.discard()
	b.db.metrics.commits.WithLabelValues("cancelled").Inc()
}

func (b *Batch) discard() {
	b.entries = nil
	b.order = nil
	b.pending = nil
}

// Touched reports the number of documents the batch has staged changes for.
func (b *Batch) Touched() int {
	return len(b.order)
}

func changeIDs(changes []DocumentChange) []string {
	ids := make([]string, len(changes))
	for i, c := range changes {
		ids[i] = c.ID
	}
	return ids
}

func validatePropertyNames(names []string) error {
	for _, n := range names {
		if err := validatePropertyName(n); err != nil {
			return err
		}
	}
	return nil
}

// implicit runs f as a batch of its own and merges the results of Commit
// into the per-document results of f.
func (db *DB) implicit(f func(b *Batch) ([]DocumentResult, error)) ([]DocumentResult, error) {
	b := db.Begin()
	results, err := f(b)
	if err != nil {
		b.Cancel()
		return nil, err
	}
	committed, err := b.Commit()
	if err != nil {
		return nil, err
	}
	byKey := make(map[cacheKey]DocumentResult, len(committed))
	for _, r := range committed {
		byKey[cacheKey{r.Type, r.ID}] = r
	}
	for i, r := range results {
		if r.Err != nil {
			continue
		}
		if cr, found := byKey[cacheKey{r.Type, r.ID}]; found {
			results[i] = cr
		}
	}
	return results, nil
}

// Create creates documents in a batch of their own.
func (db *DB) Create(docType string, changes ...DocumentChange) ([]DocumentResult, error) {
	return db.implicit(func(b *Batch) ([]DocumentResult, error) {
		return b.Create(docType, changes...)
	})
}

// Update updates documents in a batch of their own.
func (db *DB) Update(docType string, changes ...DocumentChange) ([]DocumentResult, error) {
	return db.implicit(func(b *Batch) ([]DocumentResult, error) {
		return b.Update(docType, changes...)
	})
}

// Remove soft-deletes documents in a batch of their own.
func (db *DB) Remove(docType string, ids ...string) ([]DocumentResult, error) {
	return db.implicit(func(b *Batch) ([]DocumentResult, error) {
		return b.Remove(docType, ids...)
	})
}

// UpdateAssociation applies association ops in a batch of their own.
func (db *DB) UpdateAssociation(name string, ops ...AssociationOp) error {
	_, err := db.implicit(func(b *Batch) ([]DocumentResult, error) {
		return nil, b.UpdateAssociation(name, ops...)
	})
	return err
}

// FirstError returns the first per-document error of results.
func FirstError(results []DocumentResult) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
