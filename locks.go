package revdb

import "sync"

// lockTable hands out one RWMutex per document type and one Mutex per
// association. Locks are created on first use and never removed.
type lockTable struct {
	mu     sync.Mutex
	types  map[string]*sync.RWMutex
	assocs map[string]*sync.Mutex
}

func (lt *lockTable) typeLock(docType string) *sync.RWMutex {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.types == nil {
		lt.types = make(map[string]*sync.RWMutex)
	}
	l := lt.types[docType]
	if l == nil {
		l = new(sync.RWMutex)
		lt.types[docType] = l
	}
	return l
}

func (lt *lockTable) assocLock(name string) *sync.Mutex {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.assocs == nil {
		lt.assocs = make(map[string]*sync.Mutex)
	}
	l := lt.assocs[name]
	if l == nil {
		l = new(sync.Mutex)
		lt.assocs[name] = l
	}
	return l
}

// lockSet acquires the write locks of several types and associations in a
// fixed order (types, then associations, each sorted by name), so that two
// commits touching overlapping sets never deadlock.
type lockSet struct {
	held []sync.Locker
}

func (lt *lockTable) lockAll(types, assocs []string) *lockSet {
	types = normalizedStrings(types)
	assocs = normalizedStrings(assocs)
	ls := &lockSet{held: make([]sync.Locker, 0, len(types)+len(assocs))}
	for _, t := range types {
		l := lt.typeLock(t)
		l.Lock()
		ls.held = append(ls.held, l)
	}
	for _, a := range assocs {
		l := lt.assocLock(a)
		l.Lock()
		ls.held = append(ls.held, l)
	}
	return ls
}

func (ls *lockSet) unlock() {
	for i := len(ls.held) - 1; i >= 0; i-- {
		ls.held[i].Unlock()
	}
	ls.held = nil
}

// readLocked runs f while holding the read lock of docType.
func (lt *lockTable) readLocked(docType string, f func() error) error {
	l := lt.typeLock(docType)
	l.RLock()
	defer l.RUnlock()
	return f()
}

// writeLocked runs f while holding the write lock of docType.
func (lt *lockTable) writeLocked(docType string, f func() error) error {
	l := lt.typeLock(docType)
	l.Lock()
	defer l.Unlock()
	return f()
}

// readLockAll takes the read locks of several types in sorted order and
// returns the function releasing them.
func (lt *lockTable) readLockAll(types []string) func() {
	types = normalizedStrings(types)
	held := make([]*sync.RWMutex, 0, len(types))
	for _, t := range types {
		l := lt.typeLock(t)
		l.RLock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].RUnlock()
		}
	}
}
