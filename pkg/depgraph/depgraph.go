// Package depgraph is the public surface of the dependency graph engine: a
// persistent, incremental, demand-driven computation graph over named,
// pattern-matched nodes.
//
// A caller declares a fixed set of NodeDefs up front, opens a Graph over
// them, and then drives evaluation with Pull (read, materializing as
// needed) and Set (write to a source node, invalidating its stale
// dependents).
package depgraph

import (
	"context"

	"go.uber.org/zap"

	"depgraph/internal/config"
	"depgraph/internal/depgrapherr"
	"depgraph/internal/evaluator"
	"depgraph/internal/logging"
	"depgraph/internal/schema"
)

// Value is an opaque, JSON-serializable payload produced and consumed by
// Computors.
type Value = schema.Value

// Computor derives a node's value from its resolved inputs, its previous
// stored value (nil on first materialization), and the variable bindings
// implied by the concrete key being materialized.
type Computor = schema.Computor

// NodeDef declares one schema: an output pattern, zero or more input
// patterns, and the Computor that derives the output from the inputs. A
// NodeDef with no Inputs is a source node, writable via Graph.Set.
type NodeDef = schema.NodeDef

// Unchanged is the sentinel a Computor may return to assert that the value
// it would produce is identical to the previous one: the stored value is kept,
// and dependents whose inputs are otherwise unchanged skip recomputation.
// Returning it on a node's first
// materialization is an error, since there is no previous value to refer to.
func Unchanged() Value { return schema.UnchangedValue }

// IsUnchanged reports whether v is the Unchanged sentinel.
func IsUnchanged(v Value) bool { return schema.IsUnchanged(v) }

// Re-exported error types, so callers can errors.As against them without
// importing an internal package.
type (
	InvalidExpression     = depgrapherr.InvalidExpression
	InvalidSchema         = depgrapherr.InvalidSchema
	SchemaOverlap         = depgrapherr.SchemaOverlap
	SchemaCycle           = depgrapherr.SchemaCycle
	InvalidNode           = depgrapherr.InvalidNode
	NonConcreteNode       = depgrapherr.NonConcreteNode
	InvalidSet            = depgrapherr.InvalidSet
	MissingValue          = depgrapherr.MissingValue
	InvalidComputorResult = depgrapherr.InvalidComputorResult
	StorageError          = depgrapherr.StorageError
)

// Config controls storage backend selection and within-pull concurrency.
type Config = config.Config

// DefaultConfig returns the configuration used when none is supplied: an
// in-memory store, unlimited fan-out.
func DefaultConfig() Config { return config.DefaultConfig() }

// LoadConfig reads and parses a YAML config file at path.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Graph is one open, schema-bound evaluation session.
type Graph struct {
	g *evaluator.Graph
}

// Open compiles and validates defs and opens a Graph backed by cfg's store.
// Passing a non-nil logger enables structured tracing of pulls, sets, and
// recomputation decisions; passing nil keeps the engine silent.
func Open(cfg Config, defs []NodeDef, logger *zap.Logger) (*Graph, error) {
	g, err := evaluator.Open(cfg, defs, logging.New(logger, cfg.LogLevel))
	if err != nil {
		return nil, err
	}
	return &Graph{g: g}, nil
}

// Close releases the backing store.
func (gr *Graph) Close() error { return gr.g.Close() }

// Pull materializes key if needed (recursively pulling its inputs first) and
// returns its current value.
func (gr *Graph) Pull(ctx context.Context, key string) (Value, error) {
	return gr.g.Pull(ctx, key)
}

// Set overwrites the value of a source node and invalidates every
// transitively up-to-date dependent in one atomic batch.
func (gr *Graph) Set(ctx context.Context, key string, value Value) error {
	return gr.g.Set(ctx, key, value)
}

// DebugStats reports running counters (computors invoked, pulls served from
// cache, batches committed) since the graph was opened.
func (gr *Graph) DebugStats() evaluator.Stats { return gr.g.DebugStats() }

// DebugGetFreshness reports the current freshness of a concrete key.
func (gr *Graph) DebugGetFreshness(ctx context.Context, key string) (string, error) {
	f, err := gr.g.DebugGetFreshness(ctx, key)
	return string(f), err
}

// DebugListMaterializedNodes returns every key with a stored value, in
// lexicographic order, optionally filtered to a single head.
func (gr *Graph) DebugListMaterializedNodes(ctx context.Context, headFilter string) ([]string, error) {
	return gr.g.DebugListMaterializedNodes(ctx, headFilter)
}
