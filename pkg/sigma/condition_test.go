package sigma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConditionPrecedence(t *testing.T) {
	// NOT binds tightest, then AND, then OR.
	tree, err := ParseCondition("a or b and not c")
	require.NoError(t, err)

	require.Equal(t, NodeOr, tree.Kind)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, NodeAtom, tree.Children[0].Kind)
	assert.Equal(t, "a", tree.Children[0].Identifier)

	and := tree.Children[1]
	require.Equal(t, NodeAnd, and.Kind)
	require.Len(t, and.Children, 2)
	assert.Equal(t, "b", and.Children[0].Identifier)
	assert.Equal(t, NodeNot, and.Children[1].Kind)
}

func TestParseConditionParentheses(t *testing.T) {
	tree, err := ParseCondition("(a or b) and c")
	require.NoError(t, err)
	require.Equal(t, NodeAnd, tree.Kind)
	assert.Equal(t, NodeOr, tree.Children[0].Kind)
}

func TestParseConditionQuantifiers(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"1 of selection_*", "selection_*"},
		{"all of them", "them"},
		{"any of filters_*", "filters_*"},
	}
	for _, tt := range tests {
		tree, err := ParseCondition(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, NodeAtom, tree.Kind, tt.expr)
		assert.Equal(t, tt.want, tree.Identifier, tt.expr)
	}
}

func TestParseConditionDropsAggregationSuffix(t *testing.T) {
	tree, err := ParseCondition("selection | count() > 5")
	require.NoError(t, err)
	assert.Equal(t, NodeAtom, tree.Kind)
	assert.Equal(t, "selection", tree.Identifier)
}

func TestParseConditionErrors(t *testing.T) {
	for _, expr := range []string{"", "and a", "(a or b", "1 of", "a b"} {
		_, err := ParseCondition(expr)
		assert.Error(t, err, "expected error for %q", expr)
	}
}

func TestShapeIgnoresIdentifierNames(t *testing.T) {
	a, err := ParseCondition("sel1 and not sel2")
	require.NoError(t, err)
	b, err := ParseCondition("foo and not bar")
	require.NoError(t, err)
	assert.Equal(t, a.Shape(), b.Shape())

	c, err := ParseCondition("sel1 or not sel2")
	require.NoError(t, err)
	assert.NotEqual(t, a.Shape(), c.Shape())
}

func TestIdentifiersCollectsAll(t *testing.T) {
	tree, err := ParseCondition("a and (b or not c)")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, tree.Identifiers())
}
