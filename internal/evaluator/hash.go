package evaluator

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"depgraph/internal/schema"
)

// schemaHash computes a stable fingerprint over a compiled schema set: the
// storage namespacing key that lets two differently-shaped schemas share one
// underlying database without their nodes colliding.
//
// Nodes are sorted by output key before hashing so that declaration order
// never affects the hash, only the set of (output, inputs) pairs declared.
func schemaHash(nodes []*schema.CompiledNode) string {
	type entry struct {
		output string
		inputs []string
	}
	entries := make([]entry, len(nodes))
	for i, n := range nodes {
		inputs := append([]string(nil), n.InputKeys...)
		entries[i] = entry{output: n.OutputKey, inputs: inputs}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].output < entries[j].output })

	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.output)
		b.WriteByte('|')
		b.WriteString(strings.Join(e.inputs, ","))
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
