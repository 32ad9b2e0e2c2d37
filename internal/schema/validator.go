package schema

import (
	"go.uber.org/zap"

	"depgraph/internal/depgrapherr"
	"depgraph/internal/expr"
)

// Validate enforces the two global invariants across a compiled schema set
// that can't be checked per-schema: pairwise non-overlap between output
// patterns, and acyclicity of the pattern-level dependency graph (including
// self-cycles induced by literal specialization). Variable coverage is
// already enforced per-schema by Compile. log may be nil.
func Validate(nodes []*CompiledNode, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log.Debugw("validating schema set", "nodes", len(nodes))
	if err := checkOverlap(nodes); err != nil {
		log.Debugw("schema validation rejected set", "reason", "overlap", "error", err)
		return err
	}
	if err := checkAcyclic(nodes); err != nil {
		log.Debugw("schema validation rejected set", "reason", "cycle", "error", err)
		return err
	}
	log.Debugw("schema set validated", "nodes", len(nodes))
	return nil
}

// checkOverlap fails if any two distinct output patterns can both match one
// concrete key, decided by position-by-position unification with
// occurs-checked union-find over variables on both sides.
func checkOverlap(nodes []*CompiledNode) error {
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			if argSpecsUnifiable(nodes[i].Head, nodes[i].Arity, nodes[i].Args, nodes[j].Head, nodes[j].Arity, nodes[j].Args) {
				return &depgrapherr.SchemaOverlap{
					PatternA: nodes[i].OutputKey,
					PatternB: nodes[j].OutputKey,
				}
			}
		}
	}
	return nil
}

// side tags a variable with which side of a unification problem it came
// from, so that two patterns reusing the same variable name are not
// conflated with each other.
type side int

const (
	left side = iota
	right
)

type taggedVar struct {
	side side
	name string
}

// unionFind is a small, local union-find over taggedVar keys, used to track
// variable-to-variable bindings while unifying two patterns. Constant
// bindings are tracked separately since constants aren't union members, just
// leaves a variable's root can point at.
type unionFind struct {
	parent map[taggedVar]taggedVar
	constB map[taggedVar]expr.Const
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[taggedVar]taggedVar), constB: make(map[taggedVar]expr.Const)}
}

func (u *unionFind) find(v taggedVar) taggedVar {
	p, ok := u.parent[v]
	if !ok {
		return v
	}
	root := u.find(p)
	u.parent[v] = root
	return root
}

func (u *unionFind) bindVar(v taggedVar, c expr.Const) bool {
	root := u.find(v)
	if existing, ok := u.constB[root]; ok {
		return existing.Equal(c)
	}
	u.constB[root] = c
	return true
}

func (u *unionFind) bindVarVar(a, b taggedVar) bool {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return true
	}
	ca, okA := u.constB[ra]
	cb, okB := u.constB[rb]
	switch {
	case okA && okB:
		if !ca.Equal(cb) {
			return false
		}
		u.parent[rb] = ra
	case okA:
		u.parent[rb] = ra
	case okB:
		u.parent[ra] = rb
	default:
		u.parent[rb] = ra
	}
	return true
}

func (u *unionFind) unifyArg(sa side, a ArgSpec, sb side, b ArgSpec) bool {
	switch {
	case !a.IsVar && !b.IsVar:
		return a.Const.Equal(b.Const)
	case a.IsVar && !b.IsVar:
		return u.bindVar(taggedVar{sa, a.Var}, b.Const)
	case !a.IsVar && b.IsVar:
		return u.bindVar(taggedVar{sb, b.Var}, a.Const)
	default:
		return u.bindVarVar(taggedVar{sa, a.Var}, taggedVar{sb, b.Var})
	}
}

// argSpecsUnifiable unifies two output patterns (given as head/arity/args
// triples) position by position. Different head or arity are trivially
// disjoint.
func argSpecsUnifiable(headA string, arityA int, argsA []ArgSpec, headB string, arityB int, argsB []ArgSpec) bool {
	if headA != headB || arityA != arityB {
		return false
	}
	uf := newUnionFind()
	for i := 0; i < arityA; i++ {
		if !uf.unifyArg(left, argsA[i], right, argsB[i]) {
			return false
		}
	}
	return true
}

// checkAcyclic builds a directed graph whose nodes are compiled schemas: an
// edge S -> T exists for every input pattern of S that can unify with T's
// output pattern (including T == S, which catches specialization-induced
// self-cycles). It fails with SchemaCycle if that graph has a cycle.
func checkAcyclic(nodes []*CompiledNode) error {
	n := len(nodes)
	adj := make([][]int, n)
	for i, s := range nodes {
		for _, inPattern := range s.InputExprs {
			inArgs := patternArgSpecs(inPattern)
			for j, t := range nodes {
				if argSpecsUnifiable(inPattern.Head, inPattern.Arity(), inArgs, t.Head, t.Arity, t.Args) {
					adj[i] = append(adj[i], j)
				}
			}
		}
	}

	const (
		white = 0
		gray  = 1
	)
	color := make([]int, n)
	var stack []int

	cycleFrom := func(i int) []string {
		idx := 0
		for k, s := range stack {
			if s == i {
				idx = k
				break
			}
		}
		cyc := append([]int{}, stack[idx:]...)
		cyc = append(cyc, i)
		names := make([]string, len(cyc))
		for k, c := range cyc {
			names[k] = nodes[c].OutputKey
		}
		return names
	}

	var visit func(i int) ([]string, bool)
	visit = func(i int) ([]string, bool) {
		color[i] = gray
		stack = append(stack, i)
		for _, j := range adj[i] {
			switch color[j] {
			case gray:
				return cycleFrom(j), true
			case white:
				if cyc, found := visit(j); found {
					return cyc, true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = 2 // black
		return nil, false
	}

	for i := range nodes {
		if color[i] == white {
			if cyc, found := visit(i); found {
				return &depgrapherr.SchemaCycle{Cycle: cyc}
			}
		}
	}
	return nil
}

// patternArgSpecs converts an input pattern's raw expression args into the
// same ArgSpec shape used for output patterns, so it can be unified with
// argSpecsUnifiable. Variables here are tagged by name only; the unifier
// tags them with `left`/`right` side to avoid confusing a variable of the
// pattern with a same-named variable of the candidate output, so naming
// collisions between an input pattern and an output pattern's own variables
// never matter.
func patternArgSpecs(e expr.Expression) []ArgSpec {
	specs := make([]ArgSpec, len(e.Args))
	for i, a := range e.Args {
		if a.IsVar() {
			specs[i] = ArgSpec{IsVar: true, Var: a.Name}
		} else {
			specs[i] = ArgSpec{Const: a.Const}
		}
	}
	return specs
}
