package revdb

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

type DumpFlags uint64

const (
	DumpTypes = DumpFlags(1 << iota)
	DumpDocuments
	DumpStats
	DumpViews
	DumpViewRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the stored state as text, for tests and debugging.
func (db *DB) Dump(f DumpFlags) (string, error) {
	var buf strings.Builder
	views := db.allViews()
	assocs := db.sortedAssociations()
	err := db.read(func(tx *tx) error {
		for _, t := range tx.knownTypes() {
			db.dumpType(tx, &buf, f, t)
		}
		if f.Contains(DumpViews) {
			for _, v := range views {
				db.dumpView(tx, &buf, f, v.header())
			}
			for _, a := range assocs {
				db.dumpAssociation(tx, &buf, f, a)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("revdb: dump: %w", err)
	}
	return buf.String(), nil
}

func (db *DB) dumpType(tx *tx, w *strings.Builder, f DumpFlags, docType string) {
	ts := tx.typeState(docType)
	s := tx.typeStats(docType)
	if f.Contains(DumpTypes) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d documents, r%d)\n", docType, s.Documents, ts.Revision)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: active = %d, revisions = %d, last_handle = %d\n", docType, s.Active, s.LogEntries, ts.LastHandle)
	}
	if f.Contains(DumpDocuments) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		var pos int
		tx.scan(typeBucket(docType), docsSub, nil, func(k, v []byte) bool {
			pos++
			b, err := decodeBacking(v)
			if err != nil {
				fmt.Fprintf(w, "%s.%d: %s ** ERROR: %v\n", docType, pos, k, err)
				return true
			}
			var flags string
			if !b.Active {
				flags = " REMOVED"
			}
			fmt.Fprintf(w, "%s.%d: %s = (r%d h%d%s) %s\n", docType, pos, k, b.Revision, b.Handle, flags, must(json.Marshal(b.Props)))
			return true
		})
	}
}

func (db *DB) dumpView(tx *tx, w *strings.Builder, f DumpFlags, h *viewHeader) {
	fmt.Fprintln(w, dumpSep2)
	status, st := tx.viewStatus(h)
	prefix := string(h.kind) + "." + h.name
	fmt.Fprintf(w, "%s (%s, %s, r%d) %s\n", prefix, h.docType, h.selector, st.LastRevision, strings.ToUpper(status.String()))
	if !f.Contains(DumpViewRows) {
		return
	}
	var pos int
	switch h.kind {
	case KindCollection:
		var handles []Handle
		tx.scan(h.bucket, membersSub, nil, func(k, _ []byte) bool {
			handles = append(handles, Handle(decodeUint64Key(k)))
			return true
		})
		for _, hd := range handles {
			pos++
			fmt.Fprintf(w, "%s.%d: %s\n", prefix, pos, tx.idByHandle(h.docType, hd))
		}
	case KindIndex:
		var keys []string
		var handles []Handle
		tx.scan(h.bucket, keysSub, nil, func(k, v []byte) bool {
			keys = append(keys, printableKey(k))
			handles = append(handles, Handle(decodeUint64Key(v)))
			return true
		})
		for i, k := range keys {
			pos++
			fmt.Fprintf(w, "%s.%d: %s => %s\n", prefix, pos, k, tx.idByHandle(h.docType, handles[i]))
		}
	case KindCache:
		var handles []Handle
		tx.scan(h.bucket, rowsSub, nil, func(k, _ []byte) bool {
			handles = append(handles, Handle(decodeUint64Key(k)))
			return true
		})
		for _, hd := range handles {
			pos++
			fmt.Fprintf(w, "%s.%d: %s = %s\n", prefix, pos, tx.idByHandle(h.docType, hd), must(json.Marshal(tx.cacheRow(h, hd))))
		}
	}
}

func (db *DB) dumpAssociation(tx *tx, w *strings.Builder, f DumpFlags, a *association) {
	fmt.Fprintln(w, dumpSep2)
	prefix := string(KindAssociation) + "." + a.name
	var updates uint64
	if st := tx.viewState(a.bucket); st != nil {
		updates = st.Updates
	}
	pairs := a.pairs(tx)
	fmt.Fprintf(w, "%s (%s => %s, %d pairs, u%d)\n", prefix, a.from, a.to, len(pairs), updates)
	if !f.Contains(DumpViewRows) {
		return
	}
	for i, p := range pairs {
		fmt.Fprintf(w, "%s.%d: %s => %s\n", prefix, i+1, tx.idByHandle(a.from, p[0]), tx.idByHandle(a.to, p[1]))
	}
}

func (db *DB) sortedAssociations() []*association {
	db.regMu.RLock()
	defer db.regMu.RUnlock()
	result := make([]*association, 0, len(db.associations))
	for _, name := range sortedKeys(db.associations) {
		result = append(result, db.associations[name])
	}
	return result
}

func printableKey(k []byte) string {
	if utf8.Valid(k) {
		return string(k)
	}
	return "0x" + hexstr(k)
}

func rpadf(pad rune, format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	return rpad(s, 80, pad)
}
