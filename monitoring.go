package revdb

import (
	"fmt"
	"strings"
)

type TypeStats struct {
	Documents  int
	Active     int
	LogEntries int
	Revision   uint64
	LastHandle Handle
}

type ViewStats struct {
	Kind     ViewKind
	Name     string
	Type     string
	Status   Status
	Rows     int
	Revision uint64
	Updates  uint64
}

type Stats struct {
	Types      map[string]TypeStats
	Views      []ViewStats
	CacheSize  int
	CacheLimit int
	Size       int64
	Reads      uint64
	Writes     uint64
}

func (s *Stats) String() string {
	var buf strings.Builder
	fmt.Fprintln(&buf, rpadf('=', "== types "))
	for _, t := range sortedKeys(s.Types) {
		ts := s.Types[t]
		fmt.Fprintf(&buf, "%s: documents = %d, active = %d, revision = %d\n", t, ts.Documents, ts.Active, ts.Revision)
	}
	fmt.Fprintln(&buf, rpadf('=', "== views "))
	for _, v := range s.Views {
		fmt.Fprintf(&buf, "%s %s (%s): %s, rows = %d, revision = %d\n", v.Kind, v.Name, v.Type, v.Status, v.Rows, v.Revision)
	}
	fmt.Fprintln(&buf, rpadf('=', "== store "))
	fmt.Fprintf(&buf, "cache = %d/%d, size = %d, reads = %d, writes = %d\n", s.CacheSize, s.CacheLimit, s.Size, s.Reads, s.Writes)
	return buf.String()
}

func (tx *tx) typeStats(docType string) TypeStats {
	ts := tx.typeState(docType)
	result := TypeStats{
		Documents:  tx.keyCount(typeBucket(docType), docsSub),
		LogEntries: tx.keyCount(typeBucket(docType), revsSub),
		Revision:   ts.Revision,
		LastHandle: Handle(ts.LastHandle),
	}
	tx.scan(typeBucket(docType), docsSub, nil, func(_, v []byte) bool {
		if b, err := decodeBacking(v); err == nil && b.Active {
			result.Active++
		}
		return true
	})
	return result
}

func (tx *tx) viewRows(h *viewHeader) int {
	switch h.kind {
	case KindCollection:
		return tx.keyCount(h.bucket, membersSub)
	case KindIndex:
		return tx.keyCount(h.bucket, keysSub)
	case KindCache:
		return tx.keyCount(h.bucket, rowsSub)
	default:
		return 0
	}
}

// Stats computes document counts per type and row counts per view. It scans
// every document, so it is meant for tooling rather than hot paths.
func (db *DB) Stats() (*Stats, error) {
	views := db.allViews()
	assocs := db.sortedAssociations()
	s := &Stats{
		Types:      make(map[string]TypeStats),
		CacheSize:  db.cache.size(),
		CacheLimit: db.opt.CacheLimit,
		Size:       db.Size(),
		Reads:      db.ReadCount.Load(),
		Writes:     db.WriteCount.Load(),
	}
	err := db.read(func(tx *tx) error {
		for _, t := range tx.knownTypes() {
			s.Types[t] = tx.typeStats(t)
		}
		for _, v := range views {
			h := v.header()
			status, st := tx.viewStatus(h)
			s.Views = append(s.Views, ViewStats{
				Kind:     h.kind,
				Name:     h.name,
				Type:     h.docType,
				Status:   status,
				Rows:     tx.viewRows(h),
				Revision: st.LastRevision,
				Updates:  st.Updates,
			})
		}
		for _, a := range assocs {
			vs := ViewStats{
				Kind:   KindAssociation,
				Name:   a.name,
				Type:   a.from,
				Status: StatusReady,
				Rows:   tx.keyCount(a.bucket, pairsSub),
			}
			if tx.typeState(a.from).Revision == 0 || tx.typeState(a.to).Revision == 0 {
				vs.Status = StatusEmpty
			}
			if st := tx.viewState(a.bucket); st != nil {
				vs.Updates = st.Updates
			}
			s.Views = append(s.Views, vs)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("revdb: stats: %w", err)
	}
	return s, nil
}
