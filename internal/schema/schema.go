// Package schema compiles user-declared NodeDefs into CompiledNodes and
// validates the compiled set for variable coverage, output-pattern overlap,
// and pattern-level cycles.
package schema

import (
	"depgraph/internal/depgrapherr"
	"depgraph/internal/expr"
)

// Value is an opaque, JSON-serializable payload. The engine never inspects
// its contents.
type Value = interface{}

// UnchangedMarker is the sentinel type a Computor may return to assert "the
// logically stored value is identical to the previous one". It is defined
// here (not in the evaluator) because it appears in the Computor signature
// that schema compilation carries around. The public API
// (pkg/depgraph.Unchanged / IsUnchanged) wraps this type so callers never
// need to import this package directly.
type UnchangedMarker struct{}

// UnchangedValue is the single instance of the Unchanged sentinel.
var UnchangedValue = UnchangedMarker{}

// IsUnchanged reports whether v is the Unchanged sentinel.
func IsUnchanged(v interface{}) bool {
	_, ok := v.(UnchangedMarker)
	return ok
}

// Computor computes a node's value from its resolved inputs, its previous
// stored value (nil on first materialization), and the bindings derived from
// the concrete key being materialized. It may return UnchangedValue to
// signal no effective change (illegal on first materialization).
type Computor func(inputs []Value, oldValue Value, bindings map[string]expr.Const) (Value, error)

// NodeDef is a user-declared schema: an output pattern, zero or more input
// patterns, and the computor that derives the output from the inputs. A
// NodeDef with no Inputs is a source schema, settable via Set.
type NodeDef struct {
	Output   string
	Inputs   []string
	Computor Computor
}

// ArgSpec describes one positional argument of a compiled output pattern.
type ArgSpec struct {
	IsVar bool
	Var   string
	Const expr.Const
}

// CompiledNode is the derived record for one declared NodeDef.
type CompiledNode struct {
	Def NodeDef

	OutputExpr expr.Expression
	OutputKey  string // canonical rendering of OutputExpr

	Head  string
	Arity int
	Args  []ArgSpec

	// VarPositions maps a variable name used in the output to every
	// position it appears at, so repeated-variable equality constraints can
	// be checked against a candidate concrete key.
	VarPositions map[string][]int

	InputExprs []expr.Expression
	InputKeys  []string

	// InputVars is the set of variable names referenced by any input
	// pattern; every member must also appear in VarPositions (coverage).
	InputVars map[string]bool

	IsSource bool
}

// Compile parses a NodeDef's patterns and derives a CompiledNode, enforcing
// the local (single-schema) invariants: every variable used in an input
// pattern must appear in the output pattern.
func Compile(def NodeDef) (*CompiledNode, error) {
	out, err := expr.Parse(def.Output)
	if err != nil {
		return nil, err
	}
	outKey := expr.Render(out)

	varPositions := make(map[string][]int)
	args := make([]ArgSpec, len(out.Args))
	for i, a := range out.Args {
		if a.IsVar() {
			args[i] = ArgSpec{IsVar: true, Var: a.Name}
			varPositions[a.Name] = append(varPositions[a.Name], i)
		} else {
			args[i] = ArgSpec{Const: a.Const}
		}
	}

	inputExprs := make([]expr.Expression, len(def.Inputs))
	inputKeys := make([]string, len(def.Inputs))
	inputVars := make(map[string]bool)
	for i, in := range def.Inputs {
		ie, err := expr.Parse(in)
		if err != nil {
			return nil, err
		}
		inputExprs[i] = ie
		inputKeys[i] = expr.Render(ie)
		collectVars(ie, inputVars)
	}

	for v := range inputVars {
		if _, ok := varPositions[v]; !ok {
			return nil, &depgrapherr.InvalidSchema{
				SchemaOutput: outKey,
				Message:      "variable '" + v + "' used in an input pattern does not appear in the output pattern",
			}
		}
	}

	return &CompiledNode{
		Def:          def,
		OutputExpr:   out,
		OutputKey:    outKey,
		Head:         out.Head,
		Arity:        out.Arity(),
		Args:         args,
		VarPositions: varPositions,
		InputExprs:   inputExprs,
		InputKeys:    inputKeys,
		InputVars:    inputVars,
		IsSource:     len(def.Inputs) == 0,
	}, nil
}

func collectVars(e expr.Expression, into map[string]bool) {
	for _, a := range e.Args {
		if a.IsVar() {
			into[a.Name] = true
		}
	}
}

// Match reports whether a concrete key's expression matches this compiled
// node's output pattern, and if so returns the variable bindings implied by
// the match. A match requires identical head and arity, exact equality at
// every constant position, and equal key arguments across every set of
// positions sharing a repeated variable.
func (c *CompiledNode) Match(key expr.Expression) (map[string]expr.Const, bool) {
	if key.Head != c.Head || key.Arity() != c.Arity {
		return nil, false
	}
	bindings := make(map[string]expr.Const)
	for i, spec := range c.Args {
		ka := key.Args[i]
		if ka.IsVar() {
			// A concrete key never has variable arguments; this guards
			// against being handed a non-concrete expression.
			return nil, false
		}
		if !spec.IsVar {
			if spec.Const.Kind != ka.Const.Kind || !spec.Const.Equal(ka.Const) {
				return nil, false
			}
			continue
		}
		if existing, ok := bindings[spec.Var]; ok {
			if !existing.Equal(ka.Const) {
				return nil, false
			}
		} else {
			bindings[spec.Var] = ka.Const
		}
	}
	return bindings, true
}

// ResolveInput substitutes bindings into an input pattern, producing the
// concrete expression pulled at evaluation time. Every variable in the
// pattern is guaranteed (by the coverage check in Compile) to be bound.
func ResolveInput(pattern expr.Expression, bindings map[string]expr.Const) expr.Expression {
	args := make([]expr.Arg, len(pattern.Args))
	for i, a := range pattern.Args {
		if a.IsVar() {
			args[i] = expr.Arg{Kind: expr.ArgConst, Const: bindings[a.Name]}
		} else {
			args[i] = a
		}
	}
	return expr.Expression{Head: pattern.Head, Args: args}
}
