package executor

import "sync/atomic"

// Metrics counts executor activity with lock-free counters, readable
// while sessions run.
type Metrics struct {
	execs         atomic.Uint64
	conds         atomic.Uint64
	condCacheHits atomic.Uint64
	restarts      atomic.Uint64
	fallbacks     atomic.Uint64
	timeouts      atomic.Uint64
	ipcNanos      atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Execs         uint64
	Conds         uint64
	CondCacheHits uint64
	Restarts      uint64
	Fallbacks     uint64
	Timeouts      uint64
	IPCNanos      int64
}

func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Execs:         m.execs.Load(),
		Conds:         m.conds.Load(),
		CondCacheHits: m.condCacheHits.Load(),
		Restarts:      m.restarts.Load(),
		Fallbacks:     m.fallbacks.Load(),
		Timeouts:      m.timeouts.Load(),
		IPCNanos:      m.ipcNanos.Load(),
	}
}
