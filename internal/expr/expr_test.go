package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConstantHead(t *testing.T) {
	e, err := Parse("all_events")
	require.NoError(t, err)
	assert.Equal(t, "all_events", e.Head)
	assert.Equal(t, 0, e.Arity())
	assert.True(t, e.IsConcrete())
}

func TestParseCallWithMixedArgs(t *testing.T) {
	e, err := Parse("event_context(x, 'id123', 42)")
	require.NoError(t, err)
	assert.Equal(t, "event_context", e.Head)
	require.Len(t, e.Args, 3)
	assert.True(t, e.Args[0].IsVar())
	assert.Equal(t, "x", e.Args[0].Name)
	assert.False(t, e.Args[1].IsVar())
	assert.Equal(t, ConstString, e.Args[1].Const.Kind)
	assert.Equal(t, "id123", e.Args[1].Const.Str)
	assert.Equal(t, ConstInt, e.Args[2].Const.Kind)
	assert.Equal(t, "42", e.Args[2].Const.Int)
	assert.False(t, e.IsConcrete())
}

func TestCanonicalizeIsWhitespaceInsensitive(t *testing.T) {
	variants := []string{
		"event_context(x,'id123',42)",
		"event_context( x , 'id123' , 42 )",
		"event_context(\n\tx,\n\t'id123',\n\t42\n)",
	}
	want, err := Canonicalize(variants[0])
	require.NoError(t, err)
	for _, v := range variants {
		got, err := Canonicalize(v)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	s := "foo('a\\'b', x, 7)"
	once, err := Canonicalize(s)
	require.NoError(t, err)
	twice, err := Canonicalize(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestDoubleQuotedReCanonicalizesToSingle(t *testing.T) {
	got, err := Canonicalize(`f("hello \"world\"")`)
	require.NoError(t, err)
	assert.Equal(t, `f('hello "world"')`, got)
}

func TestStringEscapes(t *testing.T) {
	cases := []struct{ in, wantRendered string }{
		{`f('a\\b')`, `f('a\\b')`},
		{`f('a\nb')`, `f('a\nb')`},
		{`f('a\rb')`, `f('a\rb')`},
		{`f('a\tb')`, `f('a\tb')`},
		{`f('a\'b')`, `f('a\'b')`},
	}
	for _, c := range cases {
		got, err := Canonicalize(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.wantRendered, got)
	}
}

func TestRejectsNegativeAndFloat(t *testing.T) {
	for _, bad := range []string{"f(-1)", "f(1.5)", "f(01)"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		"f(",
		"f()",
		"f(x",
		"f(x))",
		"f(x,)",
		"f(,x)",
		"f(x) garbage",
		"'not an identifier'",
		"",
	} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestEqualityByCanonicalization(t *testing.T) {
	a, err := Canonicalize("f(x, 'y')")
	require.NoError(t, err)
	b, err := Canonicalize("f( x , 'y' )")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
