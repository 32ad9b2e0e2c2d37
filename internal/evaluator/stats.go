package evaluator

import "sync/atomic"

// Stats holds running counters of what the engine has done since it was
// opened, surfaced to embedders via Graph.DebugStats for diagnostics and
// tests. All fields are updated with atomic operations, so a Stats value
// read mid-flight is a snapshot, not a lock-held view.
type Stats struct {
	ComputorsInvoked      int64
	ComputorsReturnedSame int64 // computor ran but returned Unchanged
	PullsServedFromCache  int64 // stored value returned without invoking the computor
	BatchesCommitted      int64
}

type statsCounters struct {
	computorsInvoked      int64
	computorsReturnedSame int64
	pullsServedFromCache  int64
}

func (c *statsCounters) recordComputed() {
	atomic.AddInt64(&c.computorsInvoked, 1)
}

func (c *statsCounters) recordUnchanged() {
	atomic.AddInt64(&c.computorsInvoked, 1)
	atomic.AddInt64(&c.computorsReturnedSame, 1)
}

func (c *statsCounters) recordSkipped() {
	atomic.AddInt64(&c.pullsServedFromCache, 1)
}

func (c *statsCounters) snapshot(batches int64) Stats {
	return Stats{
		ComputorsInvoked:      atomic.LoadInt64(&c.computorsInvoked),
		ComputorsReturnedSame: atomic.LoadInt64(&c.computorsReturnedSame),
		PullsServedFromCache:  atomic.LoadInt64(&c.pullsServedFromCache),
		BatchesCommitted:      batches,
	}
}
