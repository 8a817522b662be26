package revdb

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/SierraSoftworks/connor"
)

// Params are the static parameters of a selector, stored with the view
// definition. They are normalized through JSON, so numbers are json.Number
// and nested objects are map[string]any.
type Params map[string]any

// PredicateFunc decides collection membership of a document.
type PredicateFunc func(props Properties, params Params) (bool, error)

// KeysFunc produces the index keys of a document.
type KeysFunc func(props Properties, params Params) ([]string, error)

// ValueFunc produces one cached value of a document. ok=false means the
// document has no value for this column.
type ValueFunc func(props Properties, params Params) (value int64, ok bool, err error)

type selectorRegistry struct {
	mu         sync.RWMutex
	predicates map[string]PredicateFunc
	keys       map[string]KeysFunc
	values     map[string]ValueFunc
}

func newSelectorRegistry() *selectorRegistry {
	r := &selectorRegistry{
		predicates: map[string]PredicateFunc{
			"all":    selectAll,
			"equals": selectEquals,
			"match":  selectMatching,
		},
		keys: map[string]KeysFunc{
			"property": keysOfProperty,
			"suffix":   keysOfSuffix,
		},
		values: map[string]ValueFunc{
			"property": valueOfProperty,
			"constant": constantValue,
		},
	}
	return r
}

// RegisterPredicate adds or replaces a named collection predicate. Views
// resolve selector names when they are registered, so replacing a selector
// does not affect views registered earlier.
func (db *DB) RegisterPredicate(name string, f PredicateFunc) {
	r := db.selectors
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = nonNilFunc(f)
}

// RegisterKeys adds or replaces a named index keys function.
func (db *DB) RegisterKeys(name string, f KeysFunc) {
	r := db.selectors
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[name] = nonNilFunc(f)
}

// RegisterValue adds or replaces a named cache value function.
func (db *DB) RegisterValue(name string, f ValueFunc) {
	r := db.selectors
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[name] = nonNilFunc(f)
}

func nonNilFunc[F any](f F) F {
	if reflect.ValueOf(f).IsNil() {
		panic("nil selector")
	}
	return f
}

func (r *selectorRegistry) predicate(name string) (PredicateFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f := r.predicates[name]; f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("%w: unknown predicate %q", ErrInvalidArgument, name)
}

func (r *selectorRegistry) keysFunc(name string) (KeysFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f := r.keys[name]; f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("%w: unknown keys selector %q", ErrInvalidArgument, name)
}

func (r *selectorRegistry) valueFunc(name string) (ValueFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f := r.values[name]; f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("%w: unknown value selector %q", ErrInvalidArgument, name)
}

// normalizeParams round-trips params through JSON, returning both the
// normalized map and its canonical encoding used to detect changes.
func normalizeParams(params Params) (Params, json.RawMessage, error) {
	if params == nil {
		params = Params{}
	}
	raw, err := canonicalJSON(params)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: selector params: %v", ErrInvalidArgument, err)
	}
	var n Params
	if err := unmarshalJSON(raw, &n); err != nil {
		return nil, nil, fmt.Errorf("%w: selector params: %v", ErrInvalidArgument, err)
	}
	if n == nil {
		n = Params{}
	}
	return n, raw, nil
}

func stringParam(params Params, name string, def string) (string, error) {
	v, found := params[name]
	if !found {
		if def == "" {
			return "", fmt.Errorf("%w: missing selector param %q", ErrInvalidArgument, name)
		}
		return def, nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: selector param %q must be a non-empty string", ErrInvalidArgument, name)
	}
	return s, nil
}

func selectAll(props Properties, params Params) (bool, error) {
	return true, nil
}

// selectEquals includes documents whose property equals the given JSON value.
func selectEquals(props Properties, params Params) (bool, error) {
	prop, err := stringParam(params, "property", "")
	if err != nil {
		return false, err
	}
	want, found := params["value"]
	if !found {
		return false, fmt.Errorf("%w: missing selector param %q", ErrInvalidArgument, "value")
	}
	got, found := props[prop]
	if !found {
		return false, nil
	}
	return reflect.DeepEqual(plainNumbers(got), plainNumbers(want)), nil
}

// selectMatching includes documents matching a Mongo-style filter, like
// {"age": {"$gte": 18}}. Operators are those of connor; $gte and $lte are
// accepted as aliases of $ge and $le.
func selectMatching(props Properties, params Params) (bool, error) {
	filter, ok := params["filter"].(map[string]any)
	if !ok {
		return false, fmt.Errorf("%w: selector param %q must be an object", ErrInvalidArgument, "filter")
	}
	conds, err := connorFilter(filter)
	if err != nil {
		return false, err
	}
	m, err := connor.Match(conds, plainNumbers(map[string]any(props)).(map[string]any))
	if err != nil {
		return false, fmt.Errorf("%w: filter: %v", ErrInvalidArgument, err)
	}
	return m, nil
}

var connorAliases = map[string]string{
	"$gte": "$ge",
	"$lte": "$le",
}

// connorFilter copies a filter into the form connor evaluates: aliases
// renamed, numbers as int64 or float64. Unknown operators are rejected.
func connorFilter(v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: filter must be an object", ErrInvalidArgument)
	}
	out, err := connorValue(m)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func connorValue(v any) (any, error) {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if strings.HasPrefix(k, "$") {
				if alias, found := connorAliases[k]; found {
					k = alias
				}
				if !connorOperators()[k[1:]] {
					return nil, fmt.Errorf("%w: filter: unknown operator %q", ErrInvalidArgument, k)
				}
			}
			c, err := connorValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			c, err := connorValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return plainNumbers(v), nil
	}
}

var connorOperators = sync.OnceValue(func() map[string]bool {
	return stringSet(connor.Operators())
})

// plainNumbers returns a copy of v with json.Number replaced by int64 when
// the number is integral and fits, float64 otherwise. Integral float64
// values become int64 too, so equal numbers compare equal.
func plainNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return plainNumbers(f)
		}
		return v.String()
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<63 {
			return int64(v)
		}
		return v
	case int:
		return int64(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = plainNumbers(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = plainNumbers(item)
		}
		return out
	default:
		return v
	}
}

// int64Value truncates a JSON number to int64.
func int64Value(v any) (int64, bool) {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return int64Value(f)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) >= 1<<63 {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// keysOfProperty uses the property value as the key; arrays give one key
// per element.
func keysOfProperty(props Properties, params Params) ([]string, error) {
	prop, err := stringParam(params, "property", "")
	if err != nil {
		return nil, err
	}
	return appendKeys(nil, props[prop]), nil
}

// keysOfSuffix uses the text after the last separator (default "@") of a
// string property, for example the domain of an e-mail address.
func keysOfSuffix(props Properties, params Params) ([]string, error) {
	prop, err := stringParam(params, "property", "")
	if err != nil {
		return nil, err
	}
	sep, err := stringParam(params, "separator", "@")
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, s := range appendKeys(nil, props[prop]) {
		if i := strings.LastIndex(s, sep); i >= 0 && i+len(sep) < len(s) {
			keys = append(keys, s[i+len(sep):])
		}
	}
	return keys, nil
}

func appendKeys(keys []string, v any) []string {
	switch v := v.(type) {
	case nil:
		return keys
	case string:
		if v == "" {
			return keys
		}
		return append(keys, v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return append(keys, strconv.FormatInt(n, 10))
		}
		if f, err := v.Float64(); err == nil {
			return append(keys, strconv.FormatFloat(f, 'f', -1, 64))
		}
		return append(keys, v.String())
	case float64:
		return append(keys, strconv.FormatFloat(v, 'f', -1, 64))
	case bool:
		return append(keys, strconv.FormatBool(v))
	case []any:
		for _, item := range v {
			if _, nested := item.([]any); nested {
				continue
			}
			keys = appendKeys(keys, item)
		}
		return keys
	default:
		return keys
	}
}

// valueOfProperty reads a numeric property truncated to int64; true and
// false count as 1 and 0.
func valueOfProperty(props Properties, params Params) (int64, bool, error) {
	prop, err := stringParam(params, "property", "")
	if err != nil {
		return 0, false, err
	}
	switch v := props[prop].(type) {
	case bool:
		if v {
			return 1, true, nil
		}
		return 0, true, nil
	default:
		n, ok := int64Value(v)
		return n, ok, nil
	}
}

func constantValue(props Properties, params Params) (int64, bool, error) {
	v, ok := int64Value(params["value"])
	if !ok {
		return 0, false, fmt.Errorf("%w: selector param %q must be a number", ErrInvalidArgument, "value")
	}
	return v, true, nil
}
