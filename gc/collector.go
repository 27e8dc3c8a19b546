// Package gc provides a generational collector for VM-managed values.
//
// The collector hands out opaque handles backed by a slot table split
// into a young and an old generation. Callers enumerate their roots
// through a callback at collection time; unmarked young objects are
// freed on a minor cycle, survivors move to the old generation, and a
// periodic major cycle sweeps the old generation too. One collector
// belongs to one VM and is not safe for concurrent use.
package gc

import (
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("hl.gc")

// Handle identifies a managed value. The zero handle is never issued.
type Handle uint64

const (
	// minorEvery triggers a minor cycle after this many allocations.
	minorEvery = 64
	// majorEvery promotes every Nth cycle to a full sweep.
	majorEvery = 8
)

type generation uint8

const (
	genYoung generation = iota
	genOld
)

type slot struct {
	data   []byte
	gen    generation
	marked bool
}

// Stats reports collector activity since construction.
type Stats struct {
	TotalAllocs uint64
	MinorCycles uint64
	MajorCycles uint64
	Promoted    uint64
	Freed       uint64
	Live        int
}

// RootFunc enumerates live handles by calling mark for each one.
// Handles not reported are garbage.
type RootFunc func(mark func(Handle))

// Collector owns the slot table for a single VM.
type Collector struct {
	slots       map[Handle]*slot
	next        Handle
	sinceMinor  int
	minorsSoFar int
	stats       Stats
}

func New() *Collector {
	return &Collector{
		slots: make(map[Handle]*slot),
		next:  1,
	}
}

// Alloc stores a value in the young generation and returns its handle.
func (c *Collector) Alloc(data []byte) Handle {
	h := c.next
	c.next++
	c.slots[h] = &slot{data: data, gen: genYoung}
	c.stats.TotalAllocs++
	c.sinceMinor++
	return h
}

// Get returns the value behind a handle. The second result is false
// for freed or never-issued handles.
func (c *Collector) Get(h Handle) ([]byte, bool) {
	s, ok := c.slots[h]
	if !ok {
		return nil, false
	}
	return s.data, true
}

// Update replaces the value behind a live handle.
func (c *Collector) Update(h Handle, data []byte) bool {
	s, ok := c.slots[h]
	if !ok {
		return false
	}
	s.data = data
	return true
}

// Live reports the number of reachable-or-unswept objects.
func (c *Collector) Live() int {
	return len(c.slots)
}

// Stats returns a snapshot of collector counters.
func (c *Collector) Stats() Stats {
	st := c.stats
	st.Live = len(c.slots)
	return st
}

// MaybeCollect runs a cycle if enough allocations happened since the
// last one. The VM calls this at safe points.
func (c *Collector) MaybeCollect(roots RootFunc) {
	if c.sinceMinor < minorEvery {
		return
	}
	c.Collect(roots)
}

// Collect runs a minor cycle, or a major one every majorEvery cycles.
// The roots callback must mark every handle still referenced.
func (c *Collector) Collect(roots RootFunc) {
	c.minorsSoFar++
	full := c.minorsSoFar%majorEvery == 0

	for _, s := range c.slots {
		s.marked = false
	}
	if roots != nil {
		roots(func(h Handle) {
			if s, ok := c.slots[h]; ok {
				s.marked = true
			}
		})
	}

	freed, promoted := 0, 0
	for h, s := range c.slots {
		switch {
		case s.marked && s.gen == genYoung:
			s.gen = genOld
			promoted++
		case !s.marked && (s.gen == genYoung || full):
			delete(c.slots, h)
			freed++
		}
	}

	c.sinceMinor = 0
	c.stats.MinorCycles++
	c.stats.Promoted += uint64(promoted)
	c.stats.Freed += uint64(freed)
	if full {
		c.stats.MajorCycles++
		log.Debugf("major cycle: freed=%d promoted=%d live=%d", freed, promoted, len(c.slots))
	}
}
