// Package evaluator implements the pull/set evaluation algorithms over a
// compiled, validated schema set: freshness tracking, demand-driven
// recomputation, the Unchanged short-circuit, and invalidation fan-out on
// set.
package evaluator

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"depgraph/internal/config"
	"depgraph/internal/depgrapherr"
	"depgraph/internal/expr"
	"depgraph/internal/logging"
	"depgraph/internal/schema"
	"depgraph/internal/store"
)

// Graph is one open, schema-bound evaluation session. It owns the store
// handle, the compiled schema index, and the concurrency machinery shared by
// every Pull and Set call.
type Graph struct {
	nodes       []*schema.CompiledNode
	byHeadArity map[string][]*schema.CompiledNode

	store *store.Store
	cfg   config.Config
	log   *zap.SugaredLogger

	nodeLocks *keyedMutex
	setMu     sync.Mutex // serializes the traversal+batch phase of Set across keys

	stats statsCounters
}

// Open compiles and validates defs, opens the backing store namespaced by
// their schema hash, and returns a ready-to-use Graph.
func Open(cfg config.Config, defs []schema.NodeDef, loggers *logging.Loggers) (*Graph, error) {
	if loggers == nil {
		loggers = logging.New(nil, cfg.LogLevel)
	}

	nodes := make([]*schema.CompiledNode, len(defs))
	for i, d := range defs {
		cn, err := schema.Compile(d)
		if err != nil {
			return nil, err
		}
		nodes[i] = cn
	}
	if err := schema.Validate(nodes, loggers.For(logging.ComponentSchema)); err != nil {
		return nil, err
	}

	hash := schemaHash(nodes)
	st, err := store.Open(cfg.StorePath, hash, loggers.For(logging.ComponentStore))
	if err != nil {
		return nil, err
	}

	byHeadArity := make(map[string][]*schema.CompiledNode)
	for _, n := range nodes {
		k := headArityKey(n.Head, n.Arity)
		byHeadArity[k] = append(byHeadArity[k], n)
	}

	return &Graph{
		nodes:       nodes,
		byHeadArity: byHeadArity,
		store:       st,
		cfg:         cfg,
		log:         loggers.For(logging.ComponentEvaluator),
		nodeLocks:   newKeyedMutex(),
	}, nil
}

func headArityKey(head string, arity int) string {
	return fmt.Sprintf("%s/%d", head, arity)
}

// Close releases the backing store.
func (g *Graph) Close() error {
	return g.store.Close()
}

func (g *Graph) findSchema(e expr.Expression) (*schema.CompiledNode, map[string]expr.Const, error) {
	candidates := g.byHeadArity[headArityKey(e.Head, e.Arity())]
	for _, cn := range candidates {
		if bindings, ok := cn.Match(e); ok {
			return cn, bindings, nil
		}
	}
	return nil, nil, &depgrapherr.InvalidNode{Key: expr.Render(e), Reason: "no declared schema matches this key"}
}

func (g *Graph) getFreshness(ctx context.Context, key string) (Freshness, error) {
	v, ok, err := g.store.GetString(ctx, store.Freshness, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return Missing, nil
	}
	return Freshness(v), nil
}

// Pull materializes key if needed and returns its current value.
func (g *Graph) Pull(ctx context.Context, key string) (interface{}, error) {
	e, err := expr.Parse(key)
	if err != nil {
		return nil, err
	}
	canonical := expr.Render(e)
	if !e.IsConcrete() {
		return nil, &depgrapherr.NonConcreteNode{Key: canonical}
	}

	traceID := uuid.New().String()[:8]
	memo := newCallMemo(traceID)
	g.log.Debugw("pull", "key", canonical, "trace_id", memo.traceID)
	v, shared, err := memo.resolve(canonical, func() (interface{}, error) {
		return g.pullOnce(ctx, memo, canonical)
	})
	if shared {
		g.log.Debugw("pull followed in-flight call", "key", canonical, "trace_id", memo.traceID)
	}
	return v, err
}

// pullOnce performs the actual freshness check, and (if needed) recompute,
// for one concrete key, assuming key is already known concrete and
// canonical. It is invoked both as the top-level entry point of Pull and
// recursively when resolving a node's inputs, always through the same
// callMemo so a diamond dependency invokes its shared ancestor's computor
// at most once.
func (g *Graph) pullOnce(ctx context.Context, memo *callMemo, key string) (interface{}, error) {
	e, err := expr.Parse(key)
	if err != nil {
		return nil, err
	}
	cn, bindings, err := g.findSchema(e)
	if err != nil {
		return nil, err
	}

	unlock := g.nodeLocks.Lock(key)
	defer unlock()

	freshness, err := g.getFreshness(ctx, key)
	if err != nil {
		return nil, err
	}

	switch freshness {
	case UpToDate:
		v, err := g.fetchValue(ctx, key)
		if err != nil {
			return nil, err
		}
		g.stats.recordSkipped()
		return v, nil

	case Missing:
		return g.materialize(ctx, memo, cn, bindings, key)

	case PotentiallyOutdated:
		return g.recomputeConditional(ctx, memo, cn, bindings, key)

	default:
		return nil, &depgrapherr.StorageError{Op: "read freshness", Err: fmt.Errorf("unrecognized freshness value %q for %q", freshness, key)}
	}
}

func (g *Graph) fetchValue(ctx context.Context, key string) (interface{}, error) {
	raw, ok, err := g.store.Get(ctx, store.Values, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &depgrapherr.MissingValue{Key: key}
	}
	var v interface{}
	if err := store.UnmarshalValue(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (g *Graph) fetchValueOrNil(ctx context.Context, key string) (interface{}, error) {
	raw, ok, err := g.store.Get(ctx, store.Values, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var v interface{}
	if err := store.UnmarshalValue(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// resolveInputs pulls every input pattern of cn (bound by bindings),
// concurrently up to cfg.FanoutLimit.
func (g *Graph) resolveInputs(ctx context.Context, memo *callMemo, cn *schema.CompiledNode, bindings map[string]expr.Const) (values []interface{}, keys []string, err error) {
	n := len(cn.InputExprs)
	values = make([]interface{}, n)
	keys = make([]string, n)

	eg, egCtx := errgroup.WithContext(ctx)
	if g.cfg.FanoutLimit > 0 {
		eg.SetLimit(g.cfg.FanoutLimit)
	}
	for i, pattern := range cn.InputExprs {
		i := i
		resolved := schema.ResolveInput(pattern, bindings)
		key := expr.Render(resolved)
		keys[i] = key
		eg.Go(func() error {
			v, shared, err := memo.resolve(key, func() (interface{}, error) {
				return g.pullOnce(egCtx, memo, key)
			})
			if err != nil {
				return err
			}
			if shared {
				g.log.Debugw("input pull followed in-flight call", "key", key, "trace_id", memo.traceID)
			}
			values[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	return values, keys, nil
}

func (g *Graph) materialize(ctx context.Context, memo *callMemo, cn *schema.CompiledNode, bindings map[string]expr.Const, key string) (interface{}, error) {
	inputValues, inputKeys, err := g.resolveInputs(ctx, memo, cn, bindings)
	if err != nil {
		return nil, err
	}

	result, err := cn.Def.Computor(inputValues, nil, bindings)
	if err != nil {
		return nil, err
	}
	if schema.IsUnchanged(result) {
		return nil, &depgrapherr.InvalidComputorResult{Key: key}
	}

	if err := g.writeMaterialized(ctx, key, result, inputKeys, inputValues); err != nil {
		return nil, err
	}
	g.stats.recordComputed()
	g.log.Debugw("materialized", "key", key, "trace_id", memo.traceID)
	return result, nil
}

// recomputeConditional pulls every input, then compares each freshly pulled
// value's serialized bytes against the snapshot recorded the last time key
// was computed. If none differ, the computor is skipped entirely and only
// freshness is flipped back to up-to-date.
func (g *Graph) recomputeConditional(ctx context.Context, memo *callMemo, cn *schema.CompiledNode, bindings map[string]expr.Const, key string) (interface{}, error) {
	previous, havePrevious, err := g.fetchInputsRecord(ctx, key)
	if err != nil {
		return nil, err
	}

	inputValues, inputKeys, err := g.resolveInputs(ctx, memo, cn, bindings)
	if err != nil {
		return nil, err
	}

	anyChanged, err := inputsDiffer(previous, havePrevious, inputValues)
	if err != nil {
		return nil, err
	}

	if !anyChanged {
		if err := g.store.Batch(ctx, []store.Op{
			{Type: store.OpPut, Sublevel: store.Freshness, Key: key, Value: []byte(UpToDate)},
		}); err != nil {
			return nil, err
		}
		v, err := g.fetchValue(ctx, key)
		if err != nil {
			return nil, err
		}
		g.stats.recordSkipped()
		g.log.Debugw("skipped (no input changed)", "key", key, "trace_id", memo.traceID)
		return v, nil
	}

	oldValue, err := g.fetchValueOrNil(ctx, key)
	if err != nil {
		return nil, err
	}

	result, err := cn.Def.Computor(inputValues, oldValue, bindings)
	if err != nil {
		return nil, err
	}

	if schema.IsUnchanged(result) {
		if err := g.writeFreshAndInputs(ctx, key, inputKeys, inputValues); err != nil {
			return nil, err
		}
		g.stats.recordUnchanged()
		g.log.Debugw("recomputed unchanged", "key", key, "trace_id", memo.traceID)
		return oldValue, nil
	}

	if err := g.writeMaterialized(ctx, key, result, inputKeys, inputValues); err != nil {
		return nil, err
	}
	g.stats.recordComputed()
	g.log.Debugw("recomputed changed", "key", key, "trace_id", memo.traceID)
	return result, nil
}

func (g *Graph) fetchInputsRecord(ctx context.Context, key string) (inputsRecord, bool, error) {
	raw, ok, err := g.store.Get(ctx, store.Inputs, key)
	if err != nil {
		return inputsRecord{}, false, err
	}
	if !ok {
		return inputsRecord{}, false, nil
	}
	rec, err := unmarshalInputsRecord(raw)
	if err != nil {
		return inputsRecord{}, false, err
	}
	return rec, true, nil
}

// inputsDiffer reports whether any input's current value differs, by
// serialized byte string, from its previously recorded snapshot. A missing
// previous record (first conditional recompute after a schema change) or a
// differing input count is conservatively treated as changed.
func inputsDiffer(previous inputsRecord, havePrevious bool, current []interface{}) (bool, error) {
	if !havePrevious || len(previous.Values) != len(current) {
		return true, nil
	}
	for i, v := range current {
		b, err := store.MarshalValue(v)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(b, previous.Values[i]) {
			return true, nil
		}
	}
	return false, nil
}

func (g *Graph) writeMaterialized(ctx context.Context, key string, value interface{}, inputKeys []string, inputValues []interface{}) error {
	valBytes, err := store.MarshalValue(value)
	if err != nil {
		return err
	}
	inputsBytes, err := marshalInputsRecord(inputKeys, inputValues)
	if err != nil {
		return err
	}
	ops := []store.Op{
		{Type: store.OpPut, Sublevel: store.Values, Key: key, Value: valBytes},
		{Type: store.OpPut, Sublevel: store.Freshness, Key: key, Value: []byte(UpToDate)},
		{Type: store.OpPut, Sublevel: store.Inputs, Key: key, Value: inputsBytes},
	}
	for _, ik := range inputKeys {
		ops = append(ops, store.Op{Type: store.OpPut, Sublevel: store.Revdeps, Key: store.RevdepKey(ik, key)})
	}
	return g.store.Batch(ctx, ops)
}

func (g *Graph) writeFreshAndInputs(ctx context.Context, key string, inputKeys []string, inputValues []interface{}) error {
	inputsBytes, err := marshalInputsRecord(inputKeys, inputValues)
	if err != nil {
		return err
	}
	ops := []store.Op{
		{Type: store.OpPut, Sublevel: store.Freshness, Key: key, Value: []byte(UpToDate)},
		{Type: store.OpPut, Sublevel: store.Inputs, Key: key, Value: inputsBytes},
	}
	for _, ik := range inputKeys {
		ops = append(ops, store.Op{Type: store.OpPut, Sublevel: store.Revdeps, Key: store.RevdepKey(ik, key)})
	}
	return g.store.Batch(ctx, ops)
}

// Set overwrites the value of a source node and, in one atomic batch,
// invalidates every transitively up-to-date dependent.
func (g *Graph) Set(ctx context.Context, key string, value interface{}) error {
	e, err := expr.Parse(key)
	if err != nil {
		return err
	}
	canonical := expr.Render(e)
	if !e.IsConcrete() {
		return &depgrapherr.NonConcreteNode{Key: canonical}
	}
	cn, _, err := g.findSchema(e)
	if err != nil {
		return err
	}
	if !cn.IsSource {
		return &depgrapherr.InvalidSet{Key: canonical}
	}

	g.setMu.Lock()
	defer g.setMu.Unlock()

	unlock := g.nodeLocks.Lock(canonical)
	defer unlock()

	toInvalidate, err := g.findUpToDateDependents(ctx, canonical)
	if err != nil {
		return err
	}

	valBytes, err := store.MarshalValue(value)
	if err != nil {
		return err
	}
	inputsBytes, err := marshalInputsRecord(nil, nil)
	if err != nil {
		return err
	}
	ops := []store.Op{
		{Type: store.OpPut, Sublevel: store.Values, Key: canonical, Value: valBytes},
		{Type: store.OpPut, Sublevel: store.Freshness, Key: canonical, Value: []byte(UpToDate)},
		{Type: store.OpPut, Sublevel: store.Inputs, Key: canonical, Value: inputsBytes},
	}
	for _, d := range toInvalidate {
		ops = append(ops, store.Op{Type: store.OpPut, Sublevel: store.Freshness, Key: d, Value: []byte(PotentiallyOutdated)})
	}

	if err := g.store.Batch(ctx, ops); err != nil {
		return err
	}
	g.log.Debugw("set", "key", canonical, "invalidated", len(toInvalidate))
	return nil
}

// findUpToDateDependents walks the whole revdeps-reachable set from key and
// returns every visited node whose current freshness is up-to-date. The
// walk itself does not stop at a node that is already potentially-outdated
// or missing: such a node may still have up-to-date descendants that need
// invalidating even though it doesn't need flipping itself.
func (g *Graph) findUpToDateDependents(ctx context.Context, key string) ([]string, error) {
	visited := map[string]bool{key: true}
	queue := []string{key}
	var toInvalidate []string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		deps, err := g.store.DependentsOf(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if visited[d] {
				continue
			}
			visited[d] = true
			queue = append(queue, d)

			fr, err := g.getFreshness(ctx, d)
			if err != nil {
				return nil, err
			}
			if fr == UpToDate {
				toInvalidate = append(toInvalidate, d)
			}
		}
	}
	return toInvalidate, nil
}

// DebugStats reports running counters since the graph was opened.
func (g *Graph) DebugStats() Stats {
	return g.stats.snapshot(g.store.BatchCount())
}

// DebugGetFreshness reports the current freshness of a concrete key, for
// tests and diagnostics.
func (g *Graph) DebugGetFreshness(ctx context.Context, key string) (Freshness, error) {
	canonical, err := expr.Canonicalize(key)
	if err != nil {
		return "", err
	}
	return g.getFreshness(ctx, canonical)
}

// DebugListMaterializedNodes returns every key with a stored value, in
// lexicographic order, optionally filtered to a single head.
func (g *Graph) DebugListMaterializedNodes(ctx context.Context, headFilter string) ([]string, error) {
	keys, err := g.store.Keys(ctx, store.Values)
	if err != nil {
		return nil, err
	}
	if headFilter == "" {
		return keys, nil
	}
	var out []string
	for _, k := range keys {
		e, err := expr.Parse(k)
		if err != nil {
			return nil, err
		}
		if e.Head == headFilter {
			out = append(out, k)
		}
	}
	return out, nil
}
