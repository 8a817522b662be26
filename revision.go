package revdb

const (
	stateKeyStr = "_state"

	docsSub    = "docs"
	handlesSub = "handles"
	revsSub    = "revs"

	catalogBucket = "_catalog"
	typesSub      = "types"
	viewsSub      = "views"
)

var (
	stateKey     = []byte(stateKeyStr)
	presentValue = []byte{1}
)

func typeBucket(docType string) string {
	return "t_" + docType
}

// typeState is the per-type meta record: the revision counter and the
// handle sequence. It is saved in the same storage transaction as the
// backings it numbers, so the counter never runs ahead of durable data.
type typeState struct {
	Revision   uint64 `msgpack:"r"`
	LastHandle uint64 `msgpack:"h"`
}

// nextRevision returns the next revision of the type and records it as the
// current one. Callers hold the type's write lock.
func (ts *typeState) nextRevision() uint64 {
	ts.Revision++
	return ts.Revision
}

func (ts *typeState) nextHandle() Handle {
	ts.LastHandle++
	return Handle(ts.LastHandle)
}

func (tx *tx) typeState(docType string) *typeState {
	ts := new(typeState)
	if raw := tx.get(typeBucket(docType), "", stateKey); raw != nil {
		ensure(decodeRecord(raw, ts))
	}
	return ts
}

// saveTypeState persists ts; isNew also records the type in the catalog.
func (tx *tx) saveTypeState(docType string, ts *typeState, isNew bool) {
	tx.put(typeBucket(docType), "", stateKey, encodeRecord(ts))
	if isNew {
		tx.put(catalogBucket, typesSub, []byte(docType), presentValue)
	}
}

func (tx *tx) loadBacking(docType, id string) *backing {
	raw := tx.get(typeBucket(docType), docsSub, []byte(id))
	if raw == nil {
		return nil
	}
	b, err := decodeBacking(raw)
	if err != nil {
		panic(&storageError{docErrf(docType, id, err, "decoding backing")})
	}
	return b
}

// putBacking writes b as the new state of the document, maintaining the
// handle and revision lookups. old is the previously stored backing or nil.
func (tx *tx) putBacking(docType, id string, b *backing, old *backing) {
	tb := typeBucket(docType)
	tx.put(tb, docsSub, []byte(id), encodeRecord(b))
	if old == nil {
		tx.put(tb, handlesSub, uint64Key(uint64(b.Handle)), []byte(id))
	} else if old.Revision != b.Revision {
		tx.delete(tb, revsSub, uint64Key(old.Revision))
	}
	tx.put(tb, revsSub, uint64Key(b.Revision), []byte(id))
	if tx.db.verbose {
		tx.db.logger.Debug("db: PUT", "type", docType, "id", id, "rev", b.Revision, "handle", b.Handle, "active", b.Active)
	}
}

func (tx *tx) idByHandle(docType string, h Handle) string {
	raw := tx.get(typeBucket(docType), handlesSub, uint64Key(uint64(h)))
	if raw == nil {
		return ""
	}
	return string(raw)
}

type revEntry struct {
	revision uint64
	id       string
}

// revisionsAfter lists up to limit documents whose latest revision is
// greater than after, in revision order.
func (tx *tx) revisionsAfter(docType string, after uint64, limit int) []revEntry {
	var result []revEntry
	tx.scan(typeBucket(docType), revsSub, uint64Key(after+1), func(k, v []byte) bool {
		if len(result) >= limit {
			return false
		}
		result = append(result, revEntry{decodeUint64Key(k), string(v)})
		return true
	})
	return result
}

// docByHandle resolves a handle into its document ID and backing. Both are
// empty if the handle is unknown.
func (tx *tx) docByHandle(docType string, h Handle) (string, *backing) {
	id := tx.idByHandle(docType, h)
	if id == "" {
		return "", nil
	}
	b := tx.loadBacking(docType, id)
	if b == nil {
		panic(&storageError{docErrf(docType, id, nil, "handle %d has no backing", h)})
	}
	return id, b
}

func (tx *tx) knownTypes() []string {
	var types []string
	tx.scan(catalogBucket, typesSub, nil, func(k, v []byte) bool {
		types = append(types, string(k))
		return true
	})
	return types
}
