package arbiter

import (
	"slices"
	"sync"

	"github.com/zeebo/xxh3"
)

const lockStripes = 256

// stripedLocker serializes operations that touch the same resource or the
// same client while letting unrelated ones run side by side.
type stripedLocker struct {
	stripes [lockStripes]sync.Mutex
}

func stripe(key string) int {
	return int(xxh3.HashString(key) % lockStripes)
}

// lock acquires the stripes for keys in ascending order and returns the
// matching unlock. Keys that share a stripe are locked once.
func (l *stripedLocker) lock(keys ...string) func() {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, stripe(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	for _, i := range idx {
		l.stripes[i].Lock()
	}

	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}

func resourceKey(id string) string { return "resource:" + id }
func clientKey(id string) string   { return "client:" + id }
