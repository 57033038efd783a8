// Package pool provides sync.Pool wrappers for the short-lived scratch
// slices and sets the engine allocates per request: tag-membership checks
// in the Live Event Router and id-list scratch space in Manager.Related.
package pool

import "sync"

// StringSetPool pools map[string]bool used for tag membership checks in the
// Live Event Router's tag filter.
var StringSetPool = sync.Pool{
	New: func() interface{} {
		return make(map[string]bool, 16)
	},
}

// StringSlicePool pools []string used for building related-id lists.
var StringSlicePool = sync.Pool{
	New: func() interface{} {
		return make([]string, 0, 16)
	},
}

// GetStringSet gets a cleared string set from the pool.
func GetStringSet() map[string]bool {
	m := StringSetPool.Get().(map[string]bool)
	for k := range m {
		delete(m, k)
	}
	return m
}

// PutStringSet returns a string set to the pool.
func PutStringSet(m map[string]bool) {
	StringSetPool.Put(m)
}

// GetStringSlice gets a scratch string slice from the pool, truncated to zero.
func GetStringSlice() []string {
	s := StringSlicePool.Get().([]string)
	return s[:0]
}

// PutStringSlice returns a scratch string slice to the pool.
func PutStringSlice(s []string) {
	StringSlicePool.Put(s)
}
