package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, schemaHash string) *Store {
	t.Helper()
	s, err := Open(":memory:", schemaHash, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBatchPutThenGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "hash-a")

	val, err := MarshalValue(map[string]int{"n": 12})
	require.NoError(t, err)

	err = s.Batch(ctx, []Op{
		{Type: OpPut, Sublevel: Values, Key: "c()", Value: val},
		{Type: OpPut, Sublevel: Freshness, Key: "c()", Value: []byte("up-to-date")},
	})
	require.NoError(t, err)

	got, ok, err := s.Get(ctx, Values, "c()")
	require.NoError(t, err)
	require.True(t, ok)
	var decoded map[string]int
	require.NoError(t, UnmarshalValue(got, &decoded))
	assert.Equal(t, 12, decoded["n"])

	fresh, ok, err := s.GetString(ctx, Freshness, "c()")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "up-to-date", fresh)
}

func TestBatchCountIncrementsOncePerBatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "hash-b")
	assert.EqualValues(t, 0, s.BatchCount())

	for i := 0; i < 3; i++ {
		err := s.Batch(ctx, []Op{{Type: OpPut, Sublevel: Values, Key: "a()", Value: []byte("1")}})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, s.BatchCount())
}

func TestKeysAreLexicographicallySorted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "hash-c")
	keys := []string{"b()", "a()", "c()"}
	var ops []Op
	for _, k := range keys {
		ops = append(ops, Op{Type: OpPut, Sublevel: Values, Key: k, Value: []byte("1")})
	}
	require.NoError(t, s.Batch(ctx, ops))

	got, err := s.Keys(ctx, Values)
	require.NoError(t, err)
	assert.Equal(t, []string{"a()", "b()", "c()"}, got)
}

func TestRevdepsAndDependentsOf(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "hash-d")
	require.NoError(t, s.Batch(ctx, []Op{
		{Type: OpPut, Sublevel: Revdeps, Key: RevdepKey("a()", "b()")},
		{Type: OpPut, Sublevel: Revdeps, Key: RevdepKey("a()", "c()")},
		{Type: OpPut, Sublevel: Revdeps, Key: RevdepKey("x()", "y()")},
	}))

	has, err := s.HasRevdep(ctx, "a()", "b()")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = s.HasRevdep(ctx, "a()", "z()")
	require.NoError(t, err)
	assert.False(t, has)

	deps, err := s.DependentsOf(ctx, "a()")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b()", "c()"}, deps)
}

func TestNamespacingBetweenSchemaHashes(t *testing.T) {
	ctx := context.Background()
	s1, err := Open(":memory:", "hash-one", nil)
	require.NoError(t, err)
	defer s1.Close()
	s2 := &Store{db: s1.db, schemaHash: "hash-two"}

	require.NoError(t, s1.Batch(ctx, []Op{{Type: OpPut, Sublevel: Values, Key: "n()", Value: []byte("1")}}))

	_, ok, err := s2.Get(ctx, Values, "n()")
	require.NoError(t, err)
	assert.False(t, ok, "a different schema hash must not observe the first schema's values")
}

func TestBatchSpanningMultipleSublevelsCommitsAsOneUnit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "hash-e")
	require.NoError(t, s.Batch(ctx, []Op{
		{Type: OpPut, Sublevel: Values, Key: "v()", Value: []byte("1")},
		{Type: OpPut, Sublevel: Inputs, Key: "v()", Value: []byte("[]")},
		{Type: OpDel, Sublevel: Revdeps, Key: RevdepKey("x()", "v()")},
	}))
	assert.EqualValues(t, 1, s.BatchCount())
}
