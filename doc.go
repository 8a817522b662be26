/*
Package revdb implements an embeddable document store with incrementally
maintained views, on top of a key-value store (Bolt by default, Badger or
memory as alternatives).

We implement:

1. Documents: typed, revisioned property bags identified by string IDs.
Every create, update and soft delete consumes the next revision of the
document type.

2. Collections: the set of documents matching a predicate.

3. Indexes: string keys mapping to at most one document each.

4. Caches: per-document rows of named integer values.

5. Associations: many-to-many pairs between two document types,
aggregatable against a cache.

6. Batches: staged, atomic multi-document writes with read-your-own-writes.

# Technical Details

**Buckets.**
We rely on scoped namespaces for keys called buckets. Bolt supports them
natively (we use one level of nesting); Badger simulates them via key
prefixes.

**Handles.**
Every document gets a numeric handle on creation, unique within its type and
never reused. Views store handles, not IDs; the `handles` bucket maps them
back.

**Type states.**
We store a meta record per document type under `_state`, holding the current
revision and the last assigned handle. It is written in the same transaction
as the documents it numbers.

**Revision log.**
The `revs` bucket maps a revision to the document that holds it. Only the
latest revision of a document is kept, so scanning `revs` past a cursor
yields exactly the documents changed since then.

**View states.**
Each view keeps its definition and its cursor (the last revision it has
integrated) under `_state` in its own bucket. A commit updates a view in
place when the view's cursor is right behind the batch's first revision;
otherwise the view is caught up by scanning the revision log, in bounded
rounds.

## Binary encoding

**Records** (backings and states): version byte, msgpack data with sorted map
keys, then a big-endian xxhash64 of the preceding bytes.

**Backing**: handle, revision, active flag, timestamps and properties; each
property value is canonical JSON.

**Keys**: handles and revisions are 8-byte big-endian integers, so that
byte order matches numeric order. Association pairs are two handles.

## Buckets

	t_<type>        _state => type state
	t_<type>/docs     id => backing
	t_<type>/handles  handle => id
	t_<type>/revs     revision => id
	c_<name>/members  handle => 1
	i_<name>/keys     key => handle
	i_<name>/handles  handle => keys
	k_<name>/rows     handle => values
	a_<name>/pairs    from+to => 1
	a_<name>/reverse  to+from => 1
	_catalog/types    type => 1
	_catalog/views    view bucket => 1
*/
package revdb
