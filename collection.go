package revdb

import "errors"

const membersSub = "members"

// CollectionDef defines a collection: the set of documents of Type for
// which Predicate(properties, Params) holds.
type CollectionDef struct {
	Name      string
	Type      string
	Predicate string
	Params    Params

	// Relevant lists the properties the predicate looks at. Empty means
	// any property change recomputes membership.
	Relevant []string

	// IsUpToDate asserts that the stored membership stays valid under the
	// new Params or Relevant. It never preserves data across a predicate
	// or type change.
	IsUpToDate bool
}

type collectionView = materializedView[struct{}]

type collectionProjection struct {
	pred   PredicateFunc
	params Params
}

func (p *collectionProjection) project(props Properties) (struct{}, bool, error) {
	ok, err := p.pred(props, p.params)
	return struct{}{}, ok, err
}

func (p *collectionProjection) store(tx *tx, v *viewHeader, h Handle, _ struct{}) {
	tx.put(v.bucket, membersSub, uint64Key(uint64(h)), presentValue)
}

func (p *collectionProjection) drop(tx *tx, v *viewHeader, h Handle) {
	tx.delete(v.bucket, membersSub, uint64Key(uint64(h)))
}

func (p *collectionProjection) dataBuckets() []string {
	return []string{membersSub}
}

// RegisterCollection creates or updates a collection. Registration is
// idempotent; see CollectionDef.IsUpToDate for when stored membership is
// kept.
func (db *DB) RegisterCollection(def CollectionDef) error {
	if err := validateViewDef(KindCollection, def.Name, def.Type); err != nil {
		return err
	}
	pred, err := db.selectors.predicate(def.Predicate)
	if err != nil {
		return viewErrf(def.Name, err, "collection")
	}
	params, rawParams, err := normalizeParams(def.Params)
	if err != nil {
		return viewErrf(def.Name, err, "collection")
	}
	if _, err := pred(Properties{}, params); errors.Is(err, ErrInvalidArgument) {
		return viewErrf(def.Name, err, "predicate %s", def.Predicate)
	}

	v := &collectionView{
		viewHeader: newViewHeader(KindCollection, def.Name, def.Type, def.Relevant),
		proj:       &collectionProjection{pred: pred, params: params},
		db:         db,
	}
	v.selector, v.params = def.Predicate, rawParams
	return db.installView(v, def.IsUpToDate)
}

// Page selects a window of an ordered result. Limit 0 means
// DefaultLimit; it may not exceed Options.MaxFetchLimit.
type Page struct {
	Offset int
	Limit  int
}

// CollectionResult is the answer of QueryCollection. Documents are ordered
// by handle, that is by creation order. Total counts all members.
type CollectionResult struct {
	Status    Status
	Total     int
	Documents []*Document
}

// QueryCollection returns a page of the collection's members.
func (db *DB) QueryCollection(name string, page Page) (*CollectionResult, error) {
	v, err := lookupView[*collectionView](db, KindCollection, name)
	if err != nil {
		return nil, err
	}
	offset, limit, err := db.pageBounds(page.Offset, page.Limit)
	if err != nil {
		return nil, viewErrf(name, err, "collection")
	}

	res := &CollectionResult{}
	res.Status, err = db.queryView(v, func(tx *tx) error {
		res.Total = tx.keyCount(v.bucket, membersSub)
		var handles []Handle
		skip := offset
		tx.scan(v.bucket, membersSub, nil, func(k, _ []byte) bool {
			if skip > 0 {
				skip--
				return true
			}
			if len(handles) >= limit {
				return false
			}
			handles = append(handles, Handle(decodeUint64Key(k)))
			return true
		})
		res.Documents = db.documentsByHandle(tx, v.docType, handles)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Documents == nil {
		res.Documents = []*Document{}
	}
	return res, nil
}

// CollectionMembers returns the IDs of every member of a ready collection,
// in handle order.
func (db *DB) CollectionMembers(name string) (Status, []string, error) {
	v, err := lookupView[*collectionView](db, KindCollection, name)
	if err != nil {
		return 0, nil, err
	}
	var ids []string
	status, err := db.queryView(v, func(tx *tx) error {
		var handles []Handle
		tx.scan(v.bucket, membersSub, nil, func(k, _ []byte) bool {
			handles = append(handles, Handle(decodeUint64Key(k)))
			return true
		})
		ids = make([]string, 0, len(handles))
		for _, h := range handles {
			if id := tx.idByHandle(v.docType, h); id != "" {
				ids = append(ids, id)
			}
		}
		return nil
	})
	return status, ids, err
}

func validateViewDef(kind ViewKind, name, docType string) error {
	if err := validateName(string(kind), name); err != nil {
		return err
	}
	if err := validateName("document type", docType); err != nil {
		return viewErrf(name, err, "%s", kind)
	}
	return nil
}
