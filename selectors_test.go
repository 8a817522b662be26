package revdb

import (
	"encoding/json"
	"testing"
)

func TestSelectEquals(t *testing.T) {
	params := Params{"property": "status", "value": "active"}
	tests := []struct {
		props Properties
		want  bool
	}{
		{Properties{"status": "active"}, true},
		{Properties{"status": "banned"}, false},
		{Properties{}, false},
	}
	for _, tt := range tests {
		got, err := selectEquals(tt.props, params)
		noerr(t, err)
		deepEqual(t, got, tt.want)
	}

	_, err := selectEquals(Properties{}, Params{"property": "status"})
	iserr(t, err, ErrInvalidArgument)
	_, err = selectEquals(Properties{}, Params{"value": 1.0})
	iserr(t, err, ErrInvalidArgument)
}

func TestSelectMatching(t *testing.T) {
	params := Params{"filter": map[string]any{"age": map[string]any{"$gte": 18.0}}}
	got, err := selectMatching(Properties{"age": 21.0}, params)
	noerr(t, err)
	deepEqual(t, got, true)
	got, err = selectMatching(Properties{"age": 12.0}, params)
	noerr(t, err)
	deepEqual(t, got, false)

	// Stored properties hold json.Number.
	got, err = selectMatching(Properties{"age": json.Number("18")}, Params{"filter": map[string]any{"age": map[string]any{"$lte": json.Number("18")}}})
	noerr(t, err)
	deepEqual(t, got, true)

	_, err = selectMatching(Properties{}, Params{"filter": "age > 18"})
	iserr(t, err, ErrInvalidArgument)
	_, err = selectMatching(Properties{}, Params{"filter": map[string]any{"name": map[string]any{"$regex": "^a"}}})
	iserr(t, err, ErrInvalidArgument)
	_, err = selectMatching(Properties{}, Params{"filter": map[string]any{"$or": []any{map[string]any{"n": map[string]any{"$bogus": 1}}}}})
	iserr(t, err, ErrInvalidArgument)
}

func TestKeysOfProperty(t *testing.T) {
	tests := []struct {
		value any
		want  []string
	}{
		{"go", []string{"go"}},
		{"", nil},
		{nil, nil},
		{1.5, []string{"1.5"}},
		{true, []string{"true"}},
		{[]any{"a", []any{"nested"}, 2.0, ""}, []string{"a", "2"}},
		{map[string]any{"x": 1.0}, nil},
		{json.Number("9007199254740993"), []string{"9007199254740993"}},
		{json.Number("2.50"), []string{"2.5"}},
	}
	for _, tt := range tests {
		got, err := keysOfProperty(Properties{"tags": tt.value}, Params{"property": "tags"})
		noerr(t, err)
		deepEqual(t, got, tt.want)
	}
}

func TestKeysOfSuffix(t *testing.T) {
	got, err := keysOfSuffix(Properties{"email": "a.b@x.io"}, Params{"property": "email"})
	noerr(t, err)
	deepEqual(t, got, []string{"x.io"})

	got, err = keysOfSuffix(Properties{"path": "a/b/c"}, Params{"property": "path", "separator": "/"})
	noerr(t, err)
	deepEqual(t, got, []string{"c"})

	got, err = keysOfSuffix(Properties{"email": "trailing@"}, Params{"property": "email"})
	noerr(t, err)
	isempty(t, got)

	_, err = keysOfSuffix(Properties{}, Params{"property": "email", "separator": ""})
	iserr(t, err, ErrInvalidArgument)
}

func TestValueSelectors(t *testing.T) {
	tests := []struct {
		value  any
		want   int64
		wantOK bool
	}{
		{12.0, 12, true},
		{-3.7, -3, true},
		{true, 1, true},
		{false, 0, true},
		{"12", 0, false},
		{nil, 0, false},
		{json.Number("9007199254740993"), 9007199254740993, true},
		{json.Number("2.9"), 2, true},
		{json.Number("1e400"), 0, false},
	}
	for _, tt := range tests {
		got, ok, err := valueOfProperty(Properties{"n": tt.value}, Params{"property": "n"})
		noerr(t, err)
		deepEqual(t, got, tt.want)
		deepEqual(t, ok, tt.wantOK)
	}

	v, ok, err := constantValue(Properties{}, Params{"value": 5.0})
	noerr(t, err)
	deepEqual(t, v, int64(5))
	deepEqual(t, ok, true)
	_, _, err = constantValue(Properties{}, Params{"value": "5"})
	iserr(t, err, ErrInvalidArgument)
}

func TestSelectorRegistry_UnknownNames(t *testing.T) {
	r := newSelectorRegistry()
	_, err := r.predicate("nope")
	iserr(t, err, ErrInvalidArgument)
	_, err = r.keysFunc("nope")
	iserr(t, err, ErrInvalidArgument)
	_, err = r.valueFunc("nope")
	iserr(t, err, ErrInvalidArgument)

	if f, err := r.predicate("all"); err != nil || f == nil {
		t.Errorf("predicate(all) = %v, %v", f, err)
	}
}

func TestNormalizeParams(t *testing.T) {
	p, raw, err := normalizeParams(Params{"value": 3, "property": "n"})
	noerr(t, err)
	deepEqual(t, p["value"], any(json.Number("3")))
	deepEqual(t, string(raw), `{"property":"n","value":3}`)

	p, raw, err = normalizeParams(nil)
	noerr(t, err)
	deepEqual(t, p, Params{})
	deepEqual(t, string(raw), `{}`)

	_, _, err = normalizeParams(Params{"f": func() {}})
	iserr(t, err, ErrInvalidArgument)
}
