package revdb

import (
	"encoding/hex"
	"slices"
	"sort"
	"strings"
)

// must and ensure turn storage-level errors into panics carrying
// *storageError; the transaction boundary (safelyCall) turns them back into
// errors that match ErrStorage.
func must[T any](v T, err error) T {
	if err != nil {
		panic(&storageError{err})
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(&storageError{err})
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

// normalizedStrings returns a sorted copy without duplicates.
func normalizedStrings(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := slices.Clone(items)
	sort.Strings(out)
	return slices.Compact(out)
}

func rpad(s string, n int, pad rune) string {
	rem := n - len(s)
	if rem <= 0 {
		return s
	}
	return s + strings.Repeat(string(pad), rem)
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

