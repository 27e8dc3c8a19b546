package executor

import "hash/fnv"

// condCacheMax bounds memoized condition results. The whole cache is
// cleared on any variable write since conditions read shell state.
const condCacheMax = 512

// condCache memoizes condition evaluation keyed on the hash of the
// post-substitution condition text. Insertion order is tracked so a
// full cache evicts its oldest entry.
type condCache struct {
	results map[uint64]bool
	order   []uint64
}

func newCondCache() *condCache {
	return &condCache{results: make(map[uint64]bool)}
}

func condKey(cond string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(cond))
	return h.Sum64()
}

func (c *condCache) get(cond string) (bool, bool) {
	v, ok := c.results[condKey(cond)]
	return v, ok
}

func (c *condCache) put(cond string, result bool) {
	k := condKey(cond)
	if _, exists := c.results[k]; exists {
		c.results[k] = result
		return
	}
	if len(c.order) >= condCacheMax {
		delete(c.results, c.order[0])
		c.order = c.order[1:]
	}
	c.results[k] = result
	c.order = append(c.order, k)
}

func (c *condCache) clear() {
	c.results = make(map[uint64]bool)
	c.order = c.order[:0]
}

func (c *condCache) len() int {
	return len(c.results)
}
