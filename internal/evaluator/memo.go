package evaluator

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// callMemo is the per-top-level-pull memo table: it guarantees a node's
// computor runs at most once per top-level pull, even when two independent
// branches of a diamond dependency reach it concurrently via errgroup
// fan-out.
//
// A plain map guarded by a mutex would serialize concurrent callers into
// running the compute function twice (one would lose a race and redo the
// work); a singleflight.Group alone would forget the result as soon as the
// in-flight call completes, so a later sequential visit to the same key
// within the same pull would recompute it. Combining both gives the right
// semantics: concurrent callers share the in-flight computation via
// singleflight, and the completed result is retained in done for the
// lifetime of the top-level pull.
type callMemo struct {
	mu    sync.Mutex
	done  map[string]interface{}
	group singleflight.Group

	// traceID identifies the top-level pull this memo belongs to, so every
	// log line emitted while resolving it (including nested recursive
	// pulls reached through resolveInputs) can be correlated back to it.
	traceID string
}

func newCallMemo(traceID string) *callMemo {
	return &callMemo{done: make(map[string]interface{}), traceID: traceID}
}

// resolve returns the memoized value for key, computing it via compute if
// this is the first visit to key within this top-level pull. shared reports
// whether this call followed an already in-flight singleflight call for key
// rather than leading it (or finding it already done), which callers log at
// debug level to trace diamond-shaped fan-out.
func (m *callMemo) resolve(key string, compute func() (interface{}, error)) (value interface{}, shared bool, err error) {
	m.mu.Lock()
	if v, ok := m.done[key]; ok {
		m.mu.Unlock()
		return v, false, nil
	}
	m.mu.Unlock()

	v, err, wasShared := m.group.Do(key, func() (interface{}, error) {
		m.mu.Lock()
		if v, ok := m.done[key]; ok {
			m.mu.Unlock()
			return v, nil
		}
		m.mu.Unlock()

		value, computeErr := compute()
		if computeErr != nil {
			return nil, computeErr
		}
		m.mu.Lock()
		m.done[key] = value
		m.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return nil, wasShared, err
	}
	return v, wasShared, nil
}
