package revdb

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxIDLength is the maximum length of a document ID. Generated IDs use
// exactly this many characters.
const MaxIDLength = 22

// Handle is the store-assigned internal identifier of a document, unique
// within its type and stable for the document's lifetime. Views refer to
// documents by handle instead of by ID.
type Handle uint64

// Properties is a decoded property map of a document. Numbers are
// json.Number.
type Properties map[string]any

// Document is a snapshot of one document.
type Document struct {
	Type       string
	ID         string
	Handle     Handle
	Revision   uint64
	Active     bool
	Created    time.Time
	Modified   time.Time
	Properties Properties
}

// DocumentChange describes a document to create, or a delta to apply to an
// existing one. Set values are stored as JSON; Unset removes properties.
// An empty ID on create asks the store to generate one.
type DocumentChange struct {
	ID    string
	Set   map[string]any
	Unset []string
}

// DocumentResult reports the outcome of a mutation of one document. Inside
// an open batch Revision is zero; Commit returns the final results.
type DocumentResult struct {
	Type     string
	ID       string
	Revision uint64
	Active   bool
	Created  time.Time
	Modified time.Time
	Err      error
}

// backing is the durable record of a document. Published backings (stored
// in the backing cache or handed to views) are never mutated; writers clone.
type backing struct {
	Handle   Handle                     `msgpack:"h"`
	Revision uint64                     `msgpack:"r"`
	Active   bool                       `msgpack:"a"`
	Created  time.Time                  `msgpack:"c"`
	Modified time.Time                  `msgpack:"m"`
	Props    sortedMap[json.RawMessage] `msgpack:"p,omitempty"`
}

func (b *backing) clone() *backing {
	c := *b
	c.Props = maps.Clone(b.Props)
	return &c
}

func (b *backing) document(docType, id string) *Document {
	return &Document{
		Type:       docType,
		ID:         id,
		Handle:     b.Handle,
		Revision:   b.Revision,
		Active:     b.Active,
		Created:    b.Created,
		Modified:   b.Modified,
		Properties: decodeProperties(b.Props),
	}
}

func decodeBacking(data []byte) (*backing, error) {
	b := new(backing)
	if err := decodeRecord(data, b); err != nil {
		return nil, err
	}
	b.Created = b.Created.UTC()
	b.Modified = b.Modified.UTC()
	return b, nil
}

// applyDelta writes updated and removed properties into b.Props and returns
// the names whose JSON value actually changed, sorted.
func (b *backing) applyDelta(updated map[string]json.RawMessage, removed map[string]bool) []string {
	changed := []string{}
	for k := range removed {
		if _, found := b.Props[k]; found {
			delete(b.Props, k)
			changed = append(changed, k)
		}
	}
	for k, v := range updated {
		if old, found := b.Props[k]; found && bytes.Equal(old, v) {
			continue
		}
		if b.Props == nil {
			b.Props = make(map[string]json.RawMessage)
		}
		b.Props[k] = v
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return changed
}

func decodeProperties(raw map[string]json.RawMessage) Properties {
	props := make(Properties, len(raw))
	for k, v := range raw {
		props[k] = decodeJSONValue(v)
	}
	return props
}

func decodeJSONValue(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	var v any
	if err := unmarshalJSON(raw, &v); err != nil {
		panic(&storageError{dataErrf(raw, err, "invalid stored JSON value")})
	}
	return v
}

// unmarshalJSON decodes data keeping numbers as json.Number, so integers
// beyond 2^53 survive.
func unmarshalJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// canonicalJSON encodes v so that equal JSON values produce equal bytes:
// object keys sorted, integers that fit int64 in exact decimal form, other
// numbers in Go's float formatting.
func canonicalJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := unmarshalJSON(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(canonicalNumbers(generic))
}

func canonicalNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return json.Number(strconv.FormatInt(n, 10))
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		for k, item := range v {
			v[k] = canonicalNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = canonicalNumbers(item)
		}
		return v
	default:
		return v
	}
}

func encodeProperties(set map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(set))
	for k, v := range set {
		if err := validatePropertyName(k); err != nil {
			return nil, err
		}
		raw, err := canonicalJSON(v)
		if err != nil {
			return nil, fmt.Errorf("%w: property %q: %v", ErrInvalidArgument, k, err)
		}
		out[k] = raw
	}
	return out, nil
}

// NewDocumentID returns a random 22-character URL-safe ID.
func NewDocumentID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty document ID", ErrInvalidArgument)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: document ID %q is longer than %d bytes", ErrInvalidArgument, id, MaxIDLength)
	}
	if strings.IndexByte(id, 0) >= 0 {
		return fmt.Errorf("%w: document ID contains NUL", ErrInvalidArgument)
	}
	return nil
}

// validateName checks document type and view names, which become parts of
// storage bucket names.
func validateName(what, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty %s name", ErrInvalidArgument, what)
	}
	if len(name) > 200 {
		return fmt.Errorf("%w: %s name %q is too long", ErrInvalidArgument, what, name)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%w: %s name contains NUL", ErrInvalidArgument, what)
	}
	return nil
}

func validatePropertyName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty property name", ErrInvalidArgument)
	}
	return nil
}
