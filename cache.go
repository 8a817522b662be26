package revdb

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const rowsSub = "rows"

// ValueDef names a value selector and its parameters.
type ValueDef struct {
	Selector string
	Params   Params
}

// CacheDef defines a cache: for each document of Type a row of named
// integer values, one per entry of Values.
type CacheDef struct {
	Name       string
	Type       string
	Values     map[string]ValueDef
	Relevant   []string
	IsUpToDate bool
}

type cacheView = materializedView[map[string]int64]

type cacheColumn struct {
	name   string
	f      ValueFunc
	params Params
}

type cacheProjection struct {
	columns []cacheColumn
}

func (p *cacheProjection) project(props Properties) (map[string]int64, bool, error) {
	row := make(map[string]int64, len(p.columns))
	for _, c := range p.columns {
		v, ok, err := c.f(props, c.params)
		if err != nil {
			return nil, false, fmt.Errorf("value %s: %w", c.name, err)
		}
		if ok {
			row[c.name] = v
		}
	}
	return row, true, nil
}

func (p *cacheProjection) store(tx *tx, v *viewHeader, h Handle, row map[string]int64) {
	tx.put(v.bucket, rowsSub, uint64Key(uint64(h)), appendMsgpack(nil, sortedMap[int64](row)))
}

func (p *cacheProjection) drop(tx *tx, v *viewHeader, h Handle) {
	tx.delete(v.bucket, rowsSub, uint64Key(uint64(h)))
}

func (p *cacheProjection) dataBuckets() []string {
	return []string{rowsSub}
}

func (p *cacheProjection) hasColumn(name string) bool {
	return slices.ContainsFunc(p.columns, func(c cacheColumn) bool { return c.name == name })
}

func (tx *tx) cacheRow(v *viewHeader, h Handle) map[string]int64 {
	raw := tx.get(v.bucket, rowsSub, uint64Key(uint64(h)))
	if raw == nil {
		return nil
	}
	var row map[string]int64
	ensure(decodeMsgpack(raw, &row))
	return row
}

// RegisterCache creates or updates a cache. The selector identity of a
// cache is the set of value names with their selectors; changing it always
// rebuilds the cache.
func (db *DB) RegisterCache(def CacheDef) error {
	if err := validateViewDef(KindCache, def.Name, def.Type); err != nil {
		return err
	}
	if len(def.Values) == 0 {
		return viewErrf(def.Name, ErrInvalidArgument, "cache has no values")
	}

	proj := &cacheProjection{}
	var selector strings.Builder
	allParams := make(map[string]Params, len(def.Values))
	for _, name := range sortedKeys(def.Values) {
		vd := def.Values[name]
		if err := validateName("value", name); err != nil {
			return viewErrf(def.Name, err, "cache")
		}
		f, err := db.selectors.valueFunc(vd.Selector)
		if err != nil {
			return viewErrf(def.Name, err, "cache value %s", name)
		}
		params, _, err := normalizeParams(vd.Params)
		if err != nil {
			return viewErrf(def.Name, err, "cache value %s", name)
		}
		if _, _, err := f(Properties{}, params); errors.Is(err, ErrInvalidArgument) {
			return viewErrf(def.Name, err, "cache value %s", name)
		}
		proj.columns = append(proj.columns, cacheColumn{name, f, params})
		allParams[name] = params
		if selector.Len() > 0 {
			selector.WriteByte(',')
		}
		selector.WriteString(name)
		selector.WriteByte('=')
		selector.WriteString(vd.Selector)
	}
	rawParams, err := canonicalJSON(allParams)
	if err != nil {
		return viewErrf(def.Name, fmt.Errorf("%w: %v", ErrInvalidArgument, err), "cache params")
	}

	v := &cacheView{
		viewHeader: newViewHeader(KindCache, def.Name, def.Type, def.Relevant),
		proj:       proj,
		db:         db,
	}
	v.selector, v.params = selector.String(), rawParams
	return db.installView(v, def.IsUpToDate)
}

// CacheResult is the answer of QueryCache. Rows omit values a document has
// no value for.
type CacheResult struct {
	Status   Status
	Rows     map[string]map[string]int64
	NotFound []string
}

// QueryCache returns the cached values of the given documents. An empty
// values list returns every column.
func (db *DB) QueryCache(name string, ids []string, values []string) (*CacheResult, error) {
	v, err := lookupView[*cacheView](db, KindCache, name)
	if err != nil {
		return nil, err
	}
	proj := v.proj.(*cacheProjection)
	values = normalizedStrings(values)
	for _, vn := range values {
		if !proj.hasColumn(vn) {
			return nil, viewErrf(name, ErrInvalidArgument, "unknown cache value %q", vn)
		}
	}
	ids = normalizedStrings(ids)

	res := &CacheResult{Rows: make(map[string]map[string]int64)}
	res.Status, err = db.queryView(v, func(tx *tx) error {
		backings := db.backingsIn(tx, v.docType, ids)
		for _, id := range ids {
			b := backings[id]
			if b == nil || !b.Active {
				res.NotFound = append(res.NotFound, id)
				continue
			}
			row := tx.cacheRow(&v.viewHeader, b.Handle)
			if row == nil {
				res.NotFound = append(res.NotFound, id)
				continue
			}
			if len(values) > 0 {
				filtered := make(map[string]int64, len(values))
				for _, vn := range values {
					if x, ok := row[vn]; ok {
						filtered[vn] = x
					}
				}
				row = filtered
			}
			res.Rows[id] = row
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
