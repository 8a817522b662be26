package revdb

import (
	"bytes"
	"fmt"
	"slices"
)

const (
	pairsSub   = "pairs"
	reverseSub = "reverse"

	ActionAdd    = "add"
	ActionRemove = "remove"
)

// AssociationDef defines a many-to-many relation from documents of type
// From to documents of type To.
type AssociationDef struct {
	Name string
	From string
	To   string
}

// AssociationOp adds or removes one pair. Adding an existing pair and
// removing a missing one are no-ops.
type AssociationOp struct {
	Action string
	From   string
	To     string
}

// AssociationPair is a pair expressed in document IDs.
type AssociationPair struct {
	From string
	To   string
}

type association struct {
	name   string
	bucket string
	from   string
	to     string
}

func (a *association) String() string {
	return "association " + a.name
}

func validateAssociationOp(op AssociationOp) error {
	if op.Action != ActionAdd && op.Action != ActionRemove {
		return fmt.Errorf("%w: association action %q", ErrInvalidArgument, op.Action)
	}
	if err := validateID(op.From); err != nil {
		return err
	}
	return validateID(op.To)
}

// RegisterAssociation creates or updates an association. Changing either
// document type drops the stored pairs.
func (db *DB) RegisterAssociation(def AssociationDef) error {
	if err := validateName(string(KindAssociation), def.Name); err != nil {
		return err
	}
	if err := validateName("document type", def.From); err != nil {
		return viewErrf(def.Name, err, "association from")
	}
	if err := validateName("document type", def.To); err != nil {
		return viewErrf(def.Name, err, "association to")
	}
	a := &association{
		name:   def.Name,
		bucket: viewBucket(KindAssociation, def.Name),
		from:   def.From,
		to:     def.To,
	}

	ls := db.locks.lockAll([]string{a.from, a.to}, []string{a.name})
	defer ls.unlock()
	err := db.write(func(tx *tx) error {
		st := tx.viewState(a.bucket)
		ns := &viewState{Kind: KindAssociation, DocumentType: a.from, Target: a.to}
		if st != nil && st.DocumentType == a.from && st.Target == a.to {
			ns.Updates = st.Updates
		} else {
			tx.clearBucket(a.bucket, pairsSub)
			tx.clearBucket(a.bucket, reverseSub)
			if st != nil {
				db.logger.Info("revdb: association reset", "association", a.name, "from", a.from, "to", a.to, "old_from", st.DocumentType, "old_to", st.Target)
			}
		}
		tx.saveViewState(KindAssociation, a.name, ns)
		return nil
	})
	if err != nil {
		return viewErrf(a.name, err, "registering association")
	}
	db.regMu.Lock()
	db.associations[a.name] = a
	db.regMu.Unlock()
	return nil
}

func (db *DB) association(name string) (*association, error) {
	db.regMu.RLock()
	a := db.associations[name]
	db.regMu.RUnlock()
	if a == nil {
		return nil, viewErrf(name, ErrNotFound, "association")
	}
	return a, nil
}

// activeHandle resolves a document ID inside tx for an association update.
func (tx *tx) activeHandle(docType, id string) (Handle, error) {
	b := tx.loadBacking(docType, id)
	if b == nil {
		return 0, docErrf(docType, id, ErrConflict, "unknown document ID")
	}
	if !b.Active {
		return 0, docErrf(docType, id, ErrConflict, "document is removed")
	}
	return b.Handle, nil
}

// apply resolves every op, then writes the pairs. Nothing is written if any
// ID fails to resolve.
func (a *association) apply(tx *tx, ops []AssociationOp) error {
	type resolved struct {
		add    bool
		fh, th Handle
	}
	rs := make([]resolved, 0, len(ops))
	for _, op := range ops {
		fh, err := tx.activeHandle(a.from, op.From)
		if err != nil {
			return err
		}
		th, err := tx.activeHandle(a.to, op.To)
		if err != nil {
			return err
		}
		rs = append(rs, resolved{op.Action == ActionAdd, fh, th})
	}
	for _, r := range rs {
		if r.add {
			tx.put(a.bucket, pairsSub, pairKey(r.fh, r.th), presentValue)
			tx.put(a.bucket, reverseSub, pairKey(r.th, r.fh), presentValue)
		} else {
			tx.delete(a.bucket, pairsSub, pairKey(r.fh, r.th))
			tx.delete(a.bucket, reverseSub, pairKey(r.th, r.fh))
		}
	}
	st := tx.viewState(a.bucket)
	if st == nil {
		st = &viewState{Kind: KindAssociation, DocumentType: a.from, Target: a.to}
	}
	st.Updates++
	tx.saveViewState(KindAssociation, a.name, st)
	return nil
}

// partners lists the handles paired with h, scanning pairs (forward) or
// reverse.
func (a *association) partners(tx *tx, sub string, h Handle) []Handle {
	prefix := uint64Key(uint64(h))
	var result []Handle
	tx.scan(a.bucket, sub, prefix, func(k, _ []byte) bool {
		if !bytes.HasPrefix(k, prefix) {
			return false
		}
		_, other := decodePairKey(k)
		result = append(result, other)
		return true
	})
	return result
}

func (a *association) pairs(tx *tx) [][2]Handle {
	var result [][2]Handle
	tx.scan(a.bucket, pairsSub, nil, func(k, _ []byte) bool {
		fh, th := decodePairKey(k)
		result = append(result, [2]Handle{fh, th})
		return true
	})
	return result
}

// activeIDs translates handles of docType into IDs of active documents.
func (db *DB) activeIDs(tx *tx, docType string, handles []Handle) map[Handle]string {
	ids := make([]string, 0, len(handles))
	byID := make(map[string]Handle, len(handles))
	for _, h := range handles {
		if id := tx.idByHandle(docType, h); id != "" {
			ids = append(ids, id)
			byID[id] = h
		}
	}
	backings := db.backingsIn(tx, docType, ids)
	result := make(map[Handle]string, len(ids))
	for id, h := range byID {
		if b := backings[id]; b != nil && b.Active {
			result[h] = id
		}
	}
	return result
}

// AssociationQuery selects what QueryAssociation returns. With From set it
// returns the documents associated to From; with To set, the documents
// associated from To; with neither, all pairs.
type AssociationQuery struct {
	From   string
	To     string
	Offset int
	Limit  int
}

// AssociationResult is the answer of QueryAssociation. Documents is set
// for anchored queries, Pairs otherwise. Total counts before pagination.
// Pairs involving soft-deleted documents are skipped.
type AssociationResult struct {
	Status    Status
	Total     int
	Documents []*Document
	Pairs     []AssociationPair
}

// QueryAssociation returns the other side of an association for one
// anchor document, or all pairs.
func (db *DB) QueryAssociation(name string, q AssociationQuery) (*AssociationResult, error) {
	a, err := db.association(name)
	if err != nil {
		return nil, err
	}
	if q.From != "" && q.To != "" {
		return nil, viewErrf(name, ErrInvalidArgument, "query can anchor on From or To, not both")
	}
	offset, limit, err := db.pageBounds(q.Offset, q.Limit)
	if err != nil {
		return nil, viewErrf(name, err, "association")
	}

	res := &AssociationResult{}
	unlock := db.locks.readLockAll([]string{a.from, a.to})
	defer unlock()
	err = db.read(func(tx *tx) error {
		fromRev := tx.typeState(a.from).Revision
		toRev := tx.typeState(a.to).Revision

		switch {
		case q.From != "" || q.To != "":
			anchorType, otherType, anchor, sub, anchorRev := a.from, a.to, q.From, pairsSub, fromRev
			if q.To != "" {
				anchorType, otherType, anchor, sub, anchorRev = a.to, a.from, q.To, reverseSub, toRev
			}
			if anchorRev == 0 {
				res.Status = StatusEmpty
				return nil
			}
			b := db.backingsIn(tx, anchorType, []string{anchor})[anchor]
			if b == nil {
				return docErrf(anchorType, anchor, ErrNotFound, "association anchor")
			}
			docs := db.documentsByHandle(tx, otherType, a.partners(tx, sub, b.Handle))
			res.Total = len(docs)
			res.Documents = paginate(docs, offset, limit)

		default:
			if fromRev == 0 || toRev == 0 {
				res.Status = StatusEmpty
				return nil
			}
			all := a.pairs(tx)
			var fhs, ths []Handle
			for _, p := range all {
				fhs = append(fhs, p[0])
				ths = append(ths, p[1])
			}
			fromIDs := db.activeIDs(tx, a.from, normalizedHandles(fhs))
			toIDs := db.activeIDs(tx, a.to, normalizedHandles(ths))
			var pairs []AssociationPair
			for _, p := range all {
				f, fok := fromIDs[p[0]]
				t, tok := toIDs[p[1]]
				if fok && tok {
					pairs = append(pairs, AssociationPair{f, t})
				}
			}
			res.Total = len(pairs)
			res.Pairs = paginate(pairs, offset, limit)
		}
		return nil
	})
	if err != nil {
		return nil, viewErrf(name, err, "query association")
	}
	return res, nil
}

func normalizedHandles(hs []Handle) []Handle {
	hs = slices.Clone(hs)
	slices.Sort(hs)
	return slices.Compact(hs)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// AggregateRequest joins an association with a cache defined on the
// association's To type. From limits the join to the given documents;
// empty means every pair. Empty Values means every cache column.
type AggregateRequest struct {
	Action string
	From   []string
	Cache  string
	Values []string
}

// AggregateResult holds one sum per requested value. A stale cache gives
// StatusStale and no sums.
type AggregateResult struct {
	Status Status
	Sums   map[string]int64
}

// Aggregate sums cache values over the pairs of an association.
func (db *DB) Aggregate(name string, req AggregateRequest) (*AggregateResult, error) {
	a, err := db.association(name)
	if err != nil {
		return nil, err
	}
	if req.Action != "sum" {
		return nil, viewErrf(name, ErrInvalidArgument, "unknown aggregate action %q", req.Action)
	}
	cv, err := lookupView[*cacheView](db, KindCache, req.Cache)
	if err != nil {
		return nil, err
	}
	if cv.docType != a.to {
		return nil, viewErrf(name, ErrInvalidArgument, "cache %s is defined on %s, association points to %s", cv.name, cv.docType, a.to)
	}
	proj := cv.proj.(*cacheProjection)
	values := normalizedStrings(req.Values)
	if len(values) == 0 {
		for _, c := range proj.columns {
			values = append(values, c.name)
		}
	}
	for _, vn := range values {
		if !proj.hasColumn(vn) {
			return nil, viewErrf(name, ErrInvalidArgument, "unknown cache value %q", vn)
		}
	}
	for _, id := range req.From {
		if err := validateID(id); err != nil {
			return nil, viewErrf(name, err, "aggregate")
		}
	}

	sums := make(map[string]int64, len(values))
	for _, vn := range values {
		sums[vn] = 0
	}
	status, err := db.queryView(cv, func(tx *tx) error {
		var targets []Handle
		if len(req.From) == 0 {
			active := make(map[Handle]bool)
			for _, p := range a.pairs(tx) {
				live, known := active[p[0]]
				if !known {
					_, b := tx.docByHandle(a.from, p[0])
					live = b != nil && b.Active
					active[p[0]] = live
				}
				if live {
					targets = append(targets, p[1])
				}
			}
		} else {
			for _, id := range normalizedStrings(req.From) {
				b := tx.loadBacking(a.from, id)
				if b == nil {
					return docErrf(a.from, id, ErrNotFound, "aggregate")
				}
				if !b.Active {
					continue
				}
				targets = append(targets, a.partners(tx, pairsSub, b.Handle)...)
			}
		}
		for _, th := range targets {
			row := tx.cacheRow(&cv.viewHeader, th)
			for _, vn := range values {
				sums[vn] += row[vn]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res := &AggregateResult{Status: status}
	if status != StatusStale {
		res.Sums = sums
	}
	return res, nil
}
