package evaluator

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"depgraph/internal/config"
	"depgraph/internal/depgrapherr"
	"depgraph/internal/expr"
	"depgraph/internal/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

func openGraph(t *testing.T, defs []schema.NodeDef) *Graph {
	t.Helper()
	g, err := Open(config.DefaultConfig(), defs, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func asFloat(t *testing.T, v schema.Value) float64 {
	t.Helper()
	f, ok := v.(float64)
	require.True(t, ok, "expected a JSON number, got %T (%v)", v, v)
	return f
}

// doubler reads a single numeric input and returns twice its value.
func doubler(inputs []schema.Value, _ schema.Value, _ map[string]expr.Const) (schema.Value, error) {
	n := inputs[0].(float64)
	return n * 2, nil
}

func TestPullLinearChainMaterializesOnce(t *testing.T) {
	calls := 0
	defs := []schema.NodeDef{
		{Output: "raw", Computor: func(inputs []schema.Value, old schema.Value, bindings map[string]expr.Const) (schema.Value, error) {
			calls++
			return 10.0, nil
		}},
		{Output: "doubled", Inputs: []string{"raw"}, Computor: doubler},
	}
	g := openGraph(t, defs)
	ctx := context.Background()

	v, err := g.Pull(ctx, "doubled")
	require.NoError(t, err)
	assert.Equal(t, 20.0, asFloat(t, v))
	assert.Equal(t, 1, calls, "raw()'s computor must run exactly once")

	fresh, err := g.DebugGetFreshness(ctx, "raw")
	require.NoError(t, err)
	assert.Equal(t, UpToDate, fresh)

	v2, err := g.Pull(ctx, "doubled")
	require.NoError(t, err)
	assert.Equal(t, 20.0, asFloat(t, v2))
	assert.Equal(t, 1, calls, "a second pull of an already up-to-date node must not recompute its source")
}

func TestPullDiamondInvokesSharedAncestorOnce(t *testing.T) {
	rawCalls := 0
	defs := []schema.NodeDef{
		{Output: "raw", Computor: func(inputs []schema.Value, old schema.Value, bindings map[string]expr.Const) (schema.Value, error) {
			rawCalls++
			return 5.0, nil
		}},
		{Output: "left", Inputs: []string{"raw"}, Computor: doubler},
		{Output: "right", Inputs: []string{"raw"}, Computor: func(inputs []schema.Value, _ schema.Value, _ map[string]expr.Const) (schema.Value, error) {
			return inputs[0].(float64) + 1, nil
		}},
		{Output: "combined", Inputs: []string{"left", "right"}, Computor: func(inputs []schema.Value, _ schema.Value, _ map[string]expr.Const) (schema.Value, error) {
			return inputs[0].(float64) + inputs[1].(float64), nil
		}},
	}
	g := openGraph(t, defs)
	ctx := context.Background()

	v, err := g.Pull(ctx, "combined")
	require.NoError(t, err)
	assert.Equal(t, 16.0, asFloat(t, v)) // (5*2) + (5+1)
	assert.Equal(t, 1, rawCalls, "raw() is a shared ancestor of both branches and must run once per pull")
}

func TestPullParameterizedPattern(t *testing.T) {
	defs := []schema.NodeDef{
		{Output: "count(e)", Computor: func(inputs []schema.Value, old schema.Value, bindings map[string]expr.Const) (schema.Value, error) {
			if bindings["e"].Str == "evt1" {
				return 3.0, nil
			}
			return 7.0, nil
		}},
	}
	g := openGraph(t, defs)
	ctx := context.Background()

	v1, err := g.Pull(ctx, "count('evt1')")
	require.NoError(t, err)
	assert.Equal(t, 3.0, asFloat(t, v1))

	v2, err := g.Pull(ctx, "count('evt2')")
	require.NoError(t, err)
	assert.Equal(t, 7.0, asFloat(t, v2))
}

func TestSetInvalidatesUpToDateDependents(t *testing.T) {
	defs := []schema.NodeDef{
		{Output: "raw", Computor: func(inputs []schema.Value, old schema.Value, bindings map[string]expr.Const) (schema.Value, error) {
			return nil, nil
		}},
		{Output: "doubled", Inputs: []string{"raw"}, Computor: doubler},
	}
	g := openGraph(t, defs)
	ctx := context.Background()

	require.NoError(t, g.Set(ctx, "raw", 10.0))
	v, err := g.Pull(ctx, "doubled")
	require.NoError(t, err)
	assert.Equal(t, 20.0, asFloat(t, v))

	fresh, err := g.DebugGetFreshness(ctx, "doubled")
	require.NoError(t, err)
	assert.Equal(t, UpToDate, fresh)

	require.NoError(t, g.Set(ctx, "raw", 21.0))
	fresh, err = g.DebugGetFreshness(ctx, "doubled")
	require.NoError(t, err)
	assert.Equal(t, PotentiallyOutdated, fresh, "set must invalidate an up-to-date dependent")

	v, err = g.Pull(ctx, "doubled")
	require.NoError(t, err)
	assert.Equal(t, 42.0, asFloat(t, v))
}

func TestUnchangedShortCircuitsGrandchildRecompute(t *testing.T) {
	parityCalls := 0
	downstreamCalls := 0
	defs := []schema.NodeDef{
		{Output: "raw", Computor: func(inputs []schema.Value, old schema.Value, bindings map[string]expr.Const) (schema.Value, error) {
			return nil, nil
		}},
		{Output: "parity", Inputs: []string{"raw"}, Computor: func(inputs []schema.Value, old schema.Value, _ map[string]expr.Const) (schema.Value, error) {
			parityCalls++
			n := int(inputs[0].(float64))
			next := n % 2
			if old != nil && old.(float64) == float64(next) {
				return schema.UnchangedValue, nil
			}
			return float64(next), nil
		}},
		{Output: "downstream", Inputs: []string{"parity"}, Computor: func(inputs []schema.Value, old schema.Value, _ map[string]expr.Const) (schema.Value, error) {
			downstreamCalls++
			return inputs[0], nil
		}},
	}
	g := openGraph(t, defs)
	ctx := context.Background()

	require.NoError(t, g.Set(ctx, "raw", 2.0))
	_, err := g.Pull(ctx, "downstream")
	require.NoError(t, err)
	assert.Equal(t, 1, parityCalls)
	assert.Equal(t, 1, downstreamCalls)

	// 4 has the same parity as 2: parity() recomputes to the same value and
	// returns Unchanged, so downstream() must not recompute.
	require.NoError(t, g.Set(ctx, "raw", 4.0))
	_, err = g.Pull(ctx, "downstream")
	require.NoError(t, err)
	assert.Equal(t, 2, parityCalls, "parity() must still recompute to check")
	assert.Equal(t, 1, downstreamCalls, "downstream() must be skipped after an Unchanged result")

	fresh, err := g.DebugGetFreshness(ctx, "downstream")
	require.NoError(t, err)
	assert.Equal(t, UpToDate, fresh)
}

func TestSetOnNonSourceNodeIsRejected(t *testing.T) {
	defs := []schema.NodeDef{
		{Output: "raw", Computor: func(inputs []schema.Value, old schema.Value, bindings map[string]expr.Const) (schema.Value, error) {
			return 1.0, nil
		}},
		{Output: "doubled", Inputs: []string{"raw"}, Computor: doubler},
	}
	g := openGraph(t, defs)
	ctx := context.Background()

	err := g.Set(ctx, "doubled", 99.0)
	require.Error(t, err)
	assert.IsType(t, &depgrapherr.InvalidSet{}, err)
}

func TestPullNonConcreteKeyIsRejected(t *testing.T) {
	defs := []schema.NodeDef{
		{Output: "count(e)", Computor: func(inputs []schema.Value, old schema.Value, bindings map[string]expr.Const) (schema.Value, error) {
			return 1.0, nil
		}},
	}
	g := openGraph(t, defs)
	ctx := context.Background()

	_, err := g.Pull(ctx, "count(x)")
	require.Error(t, err)
	assert.IsType(t, &depgrapherr.NonConcreteNode{}, err)
}

func TestPullUnknownKeyIsRejected(t *testing.T) {
	g := openGraph(t, []schema.NodeDef{
		{Output: "count", Computor: func(inputs []schema.Value, old schema.Value, bindings map[string]expr.Const) (schema.Value, error) {
			return 1.0, nil
		}},
	})
	ctx := context.Background()

	_, err := g.Pull(ctx, "nonexistent")
	require.Error(t, err)
	assert.IsType(t, &depgrapherr.InvalidNode{}, err)
}

func TestDebugListMaterializedNodesFiltersByHead(t *testing.T) {
	defs := []schema.NodeDef{
		{Output: "a", Computor: func(inputs []schema.Value, old schema.Value, bindings map[string]expr.Const) (schema.Value, error) {
			return 1.0, nil
		}},
		{Output: "b", Computor: func(inputs []schema.Value, old schema.Value, bindings map[string]expr.Const) (schema.Value, error) {
			return 2.0, nil
		}},
	}
	g := openGraph(t, defs)
	ctx := context.Background()

	_, err := g.Pull(ctx, "a")
	require.NoError(t, err)
	_, err = g.Pull(ctx, "b")
	require.NoError(t, err)

	all, err := g.DebugListMaterializedNodes(ctx, "")
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"a", "b"}, all); diff != "" {
		t.Errorf("materialized nodes mismatch (-want +got):\n%s", diff)
	}

	onlyA, err := g.DebugListMaterializedNodes(ctx, "a")
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"a"}, onlyA); diff != "" {
		t.Errorf("filtered nodes mismatch (-want +got):\n%s", diff)
	}
}

func TestDebugStatsTracksComputorInvocations(t *testing.T) {
	defs := []schema.NodeDef{
		{Output: "raw", Computor: func(inputs []schema.Value, old schema.Value, bindings map[string]expr.Const) (schema.Value, error) {
			return 1.0, nil
		}},
	}
	g := openGraph(t, defs)
	ctx := context.Background()

	_, err := g.Pull(ctx, "raw")
	require.NoError(t, err)
	_, err = g.Pull(ctx, "raw")
	require.NoError(t, err)

	stats := g.DebugStats()
	assert.EqualValues(t, 1, stats.ComputorsInvoked)
	assert.EqualValues(t, 1, stats.PullsServedFromCache)
}
