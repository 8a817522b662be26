package revdb

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ViewKind names a family of views. Each kind has its own namespace of
// view names.
type ViewKind string

const (
	KindCollection  ViewKind = "collection"
	KindIndex       ViewKind = "index"
	KindCache       ViewKind = "cache"
	KindAssociation ViewKind = "association"
)

func (k ViewKind) bucketPrefix() string {
	switch k {
	case KindCollection:
		return "c_"
	case KindIndex:
		return "i_"
	case KindCache:
		return "k_"
	case KindAssociation:
		return "a_"
	default:
		panic(fmt.Errorf("unknown view kind %q", string(k)))
	}
}

func ParseViewKind(s string) (ViewKind, error) {
	switch k := ViewKind(s); k {
	case KindCollection, KindIndex, KindCache, KindAssociation:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown view kind %q", ErrInvalidArgument, s)
	}
}

// Status is the readiness of a view for a query.
type Status int

const (
	// StatusReady means the view has integrated every revision of its
	// document type and the result holds data.
	StatusReady Status = iota
	// StatusStale means the view is behind; a catch-up has been run or
	// scheduled and the caller should retry.
	StatusStale
	// StatusEmpty means the document type has never had a document.
	StatusEmpty
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusStale:
		return "stale"
	case StatusEmpty:
		return "empty"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// viewState is the persisted definition and cursor of a view, stored under
// the _state key of the view's root bucket.
type viewState struct {
	Kind         ViewKind        `msgpack:"k"`
	DocumentType string          `msgpack:"t"`
	Selector     string          `msgpack:"s"`
	Params       json.RawMessage `msgpack:"p"`
	Relevant     []string        `msgpack:"rel"`
	LastRevision uint64          `msgpack:"lr"`
	Target       string          `msgpack:"to,omitempty"`
	Updates      uint64          `msgpack:"u,omitempty"`
}

func viewBucket(kind ViewKind, name string) string {
	return kind.bucketPrefix() + name
}

func (tx *tx) viewState(bucket string) *viewState {
	raw := tx.get(bucket, "", stateKey)
	if raw == nil {
		return nil
	}
	st := new(viewState)
	ensure(decodeRecord(raw, st))
	return st
}

func (tx *tx) saveViewState(kind ViewKind, name string, st *viewState) {
	bucket := viewBucket(kind, name)
	tx.put(bucket, "", stateKey, encodeRecord(st))
	tx.put(catalogBucket, viewsSub, []byte(bucket), presentValue)
}

// viewHeader is the part of a view shared by every kind.
type viewHeader struct {
	kind     ViewKind
	name     string
	bucket   string
	docType  string
	selector string
	params   json.RawMessage
	relevant []string
	relSet   map[string]bool
}

func newViewHeader(kind ViewKind, name, docType string, relevant []string) viewHeader {
	relevant = normalizedStrings(relevant)
	h := viewHeader{
		kind:     kind,
		name:     name,
		bucket:   viewBucket(kind, name),
		docType:  docType,
		relevant: relevant,
	}
	if len(relevant) > 0 {
		h.relSet = stringSet(relevant)
	}
	return h
}

func (h *viewHeader) String() string {
	return string(h.kind) + " " + h.name
}

// affectedBy reports whether a change of the given properties can change
// the view's projection. A nil list means everything changed.
func (h *viewHeader) affectedBy(changed []string) bool {
	if changed == nil || h.relSet == nil {
		return true
	}
	for _, p := range changed {
		if h.relSet[p] {
			return true
		}
	}
	return false
}

// docUpdate is one committed document revision handed to views.
type docUpdate struct {
	id      string
	b       *backing
	changed []string
	props   Properties
}

func (u *docUpdate) properties() Properties {
	if u.props == nil {
		u.props = decodeProperties(u.b.Props)
	}
	return u.props
}

// projection is the kind-specific part of a materialized view: how a
// document maps to a value P, and how that value is stored under its handle.
type projection[P any] interface {
	project(props Properties) (value P, included bool, err error)
	store(tx *tx, v *viewHeader, h Handle, value P)
	drop(tx *tx, v *viewHeader, h Handle)
	dataBuckets() []string
}

// anyView is the kind-independent face of a materialized view used by
// commits, catch-up and registration.
type anyView interface {
	header() *viewHeader
	apply(tx *tx, u *docUpdate) bool
	reset(tx *tx)
}

type materializedView[P any] struct {
	viewHeader
	proj projection[P]
	db   *DB
}

func (v *materializedView[P]) header() *viewHeader {
	return &v.viewHeader
}

// apply folds one document revision into the view and reports whether the
// projection was recomputed.
func (v *materializedView[P]) apply(tx *tx, u *docUpdate) bool {
	if !v.affectedBy(u.changed) {
		return false
	}
	if !u.b.Active {
		v.proj.drop(tx, &v.viewHeader, u.b.Handle)
		return true
	}
	value, included, err := v.proj.project(u.properties())
	if err != nil {
		v.db.logger.Warn("revdb: selector failed, document excluded", "view", v.name, "kind", v.kind, "type", v.docType, "id", u.id, "err", err)
		v.db.metrics.selectorFailures.WithLabelValues(string(v.kind)).Inc()
		included = false
	}
	if included {
		v.proj.store(tx, &v.viewHeader, u.b.Handle, value)
	} else {
		v.proj.drop(tx, &v.viewHeader, u.b.Handle)
	}
	return true
}

func (v *materializedView[P]) reset(tx *tx) {
	for _, sub := range v.proj.dataBuckets() {
		tx.clearBucket(v.bucket, sub)
	}
}

type updateResult struct {
	applied int
	skipped int
	cursor  uint64
}

// updateView is the incremental path. The caller guarantees that the
// smallest revision in updates is st.LastRevision+1. The cursor advances to
// the largest revision even when nothing was recomputed; the result is nil
// in that case.
func updateView(tx *tx, v anyView, st *viewState, updates []*docUpdate) *updateResult {
	var res updateResult
	for _, u := range updates {
		if v.apply(tx, u) {
			res.applied++
		} else {
			res.skipped++
		}
		if u.b.Revision > st.LastRevision {
			st.LastRevision = u.b.Revision
		}
	}
	res.cursor = st.LastRevision
	if res.applied == 0 {
		return nil
	}
	return &res
}

// viewDefinition is the comparable part of a view registration.
type viewDefinition struct {
	selector   string
	params     json.RawMessage
	relevant   []string
	isUpToDate bool
}

// needsReset decides whether a stored view can keep its data under a new
// definition. A different selector or document type always resets; other
// changes reset unless the caller asserts the data is still valid.
func (def *viewDefinition) needsReset(old *viewState, docType string) (bool, string) {
	switch {
	case old == nil:
		return true, "new"
	case old.DocumentType != docType:
		return true, "document type changed"
	case old.Selector != def.selector:
		return true, "selector changed"
	case string(old.Params) != string(def.params) || !slices.Equal(normalizedStrings(old.Relevant), def.relevant):
		if def.isUpToDate {
			return false, ""
		}
		return true, "parameters changed"
	default:
		return false, ""
	}
}

// status computes the tri-state readiness of a view inside tx.
func (tx *tx) viewStatus(v *viewHeader) (Status, *viewState) {
	ts := tx.typeState(v.docType)
	st := tx.viewState(v.bucket)
	if st == nil {
		st = &viewState{Kind: v.kind, DocumentType: v.docType}
	}
	if ts.Revision == 0 {
		return StatusEmpty, st
	}
	if st.LastRevision == ts.Revision {
		return StatusReady, st
	}
	return StatusStale, st
}
