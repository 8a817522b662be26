package revdb

import (
	"errors"
	"slices"
)

const (
	keysSub        = "keys"
	ownedKeysSub   = "handles"
	maxIndexKeyLen = 1024
)

// IndexDef defines an index: every key produced by Keys(properties, Params)
// maps to the document. A key maps to at most one document; when several
// documents produce the same key, the one processed last owns it.
type IndexDef struct {
	Name       string
	Type       string
	Keys       string
	Params     Params
	Relevant   []string
	IsUpToDate bool
}

type indexView = materializedView[[]string]

type indexProjection struct {
	keys   KeysFunc
	params Params
}

func (p *indexProjection) project(props Properties) ([]string, bool, error) {
	keys, err := p.keys(props, p.params)
	if err != nil {
		return nil, false, err
	}
	keys = slices.DeleteFunc(normalizedStrings(keys), func(k string) bool {
		return k == "" || len(k) > maxIndexKeyLen
	})
	return keys, len(keys) > 0, nil
}

// store makes h the owner of exactly the given keys. Keys that h no longer
// produces are released if h still owns them; keys owned by another
// document are taken over.
func (p *indexProjection) store(tx *tx, v *viewHeader, h Handle, keys []string) {
	old := ownedKeys(tx, v, h)
	keep := stringSet(keys)
	for _, k := range old {
		if !keep[k] {
			releaseKey(tx, v, k, h)
		}
	}
	hk := uint64Key(uint64(h))
	for _, k := range keys {
		if prev := keyOwner(tx, v, k); prev != 0 && prev != h {
			disownKey(tx, v, prev, k)
		}
		tx.put(v.bucket, keysSub, []byte(k), hk)
	}
	if !slices.Equal(old, keys) {
		tx.put(v.bucket, ownedKeysSub, hk, appendMsgpack(nil, keys))
	}
}

func (p *indexProjection) drop(tx *tx, v *viewHeader, h Handle) {
	old := ownedKeys(tx, v, h)
	if old == nil {
		return
	}
	for _, k := range old {
		releaseKey(tx, v, k, h)
	}
	tx.delete(v.bucket, ownedKeysSub, uint64Key(uint64(h)))
}

func (p *indexProjection) dataBuckets() []string {
	return []string{keysSub, ownedKeysSub}
}

func ownedKeys(tx *tx, v *viewHeader, h Handle) []string {
	raw := tx.get(v.bucket, ownedKeysSub, uint64Key(uint64(h)))
	if raw == nil {
		return nil
	}
	var keys []string
	ensure(decodeMsgpack(raw, &keys))
	return keys
}

func keyOwner(tx *tx, v *viewHeader, k string) Handle {
	raw := tx.get(v.bucket, keysSub, []byte(k))
	if raw == nil {
		return 0
	}
	return Handle(decodeUint64Key(raw))
}

func releaseKey(tx *tx, v *viewHeader, k string, h Handle) {
	if keyOwner(tx, v, k) == h {
		tx.delete(v.bucket, keysSub, []byte(k))
	}
}

// disownKey removes k from the key list of a document that lost it.
func disownKey(tx *tx, v *viewHeader, h Handle, k string) {
	old := ownedKeys(tx, v, h)
	i := slices.Index(old, k)
	if i < 0 {
		return
	}
	rest := slices.Delete(old, i, i+1)
	hk := uint64Key(uint64(h))
	if len(rest) == 0 {
		tx.delete(v.bucket, ownedKeysSub, hk)
	} else {
		tx.put(v.bucket, ownedKeysSub, hk, appendMsgpack(nil, rest))
	}
}

// RegisterIndex creates or updates an index.
func (db *DB) RegisterIndex(def IndexDef) error {
	if err := validateViewDef(KindIndex, def.Name, def.Type); err != nil {
		return err
	}
	keys, err := db.selectors.keysFunc(def.Keys)
	if err != nil {
		return viewErrf(def.Name, err, "index")
	}
	params, rawParams, err := normalizeParams(def.Params)
	if err != nil {
		return viewErrf(def.Name, err, "index")
	}
	if _, err := keys(Properties{}, params); errors.Is(err, ErrInvalidArgument) {
		return viewErrf(def.Name, err, "keys %s", def.Keys)
	}

	v := &indexView{
		viewHeader: newViewHeader(KindIndex, def.Name, def.Type, def.Relevant),
		proj:       &indexProjection{keys: keys, params: params},
		db:         db,
	}
	v.selector, v.params = def.Keys, rawParams
	return db.installView(v, def.IsUpToDate)
}

// IndexResult is the answer of QueryIndex.
type IndexResult struct {
	Status   Status
	Found    map[string]*Document
	NotFound []string
}

// QueryIndex resolves each key to the document that owns it.
func (db *DB) QueryIndex(name string, keys []string) (*IndexResult, error) {
	v, err := lookupView[*indexView](db, KindIndex, name)
	if err != nil {
		return nil, err
	}
	keys = normalizedStrings(keys)

	res := &IndexResult{Found: make(map[string]*Document)}
	res.Status, err = db.queryView(v, func(tx *tx) error {
		handles := make([]Handle, 0, len(keys))
		byHandle := make(map[Handle][]string, len(keys))
		for _, k := range keys {
			h := keyOwner(tx, &v.viewHeader, k)
			if h == 0 {
				res.NotFound = append(res.NotFound, k)
				continue
			}
			if byHandle[h] == nil {
				handles = append(handles, h)
			}
			byHandle[h] = append(byHandle[h], k)
		}
		found := make(map[Handle]bool, len(handles))
		for _, doc := range db.documentsByHandle(tx, v.docType, handles) {
			found[doc.Handle] = true
			for _, k := range byHandle[doc.Handle] {
				res.Found[k] = doc
			}
		}
		for _, h := range handles {
			if !found[h] {
				res.NotFound = append(res.NotFound, byHandle[h]...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Status != StatusReady {
		res.NotFound = nil
	}
	slices.Sort(res.NotFound)
	return res, nil
}
