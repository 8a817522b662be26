package revdb

import (
	"sync"
	"testing"
	"time"
)

func TestLockTable_OverlappingSetsDoNotDeadlock(t *testing.T) {
	var lt lockTable
	var wg sync.WaitGroup
	var n int
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			types := []string{"user", "post"}
			if i%2 == 1 {
				types = []string{"post", "user", "post"}
			}
			ls := lt.lockAll(types, []string{"likes"})
			n++
			ls.unlock()
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("lockAll deadlocked")
	}
	deepEqual(t, n, 50)
}

func TestLockTable_ReadersShare(t *testing.T) {
	var lt lockTable
	release := lt.readLockAll([]string{"user", "post"})
	noerr(t, lt.readLocked("user", func() error { return nil }))

	locked := make(chan struct{})
	go func() {
		_ = lt.writeLocked("user", func() error {
			close(locked)
			return nil
		})
	}()
	select {
	case <-locked:
		t.Fatal("writer ran while readers held the lock")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	<-locked
}
