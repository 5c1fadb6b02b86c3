package step

import (
	"testing"

	"tileflow/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslatePropertyFilterSimple(t *testing.T) {
	cond, args, err := translatePropertyFilter("p.fc=5", "t")
	require.NoError(t, err)
	assert.Equal(t, "(t.jsondata #>> '{properties,fc}' = ?)", cond)
	assert.Equal(t, []interface{}{"5"}, args)
}

func TestTranslatePropertyFilterConjunction(t *testing.T) {
	cond, args, err := translatePropertyFilter("p.fc>=3 & properties.name!=unnamed", "b")
	require.NoError(t, err)
	assert.Equal(t, "(b.jsondata #>> '{properties,fc}' >= ? AND b.jsondata #>> '{properties,name}' != ?)", cond)
	assert.Equal(t, []interface{}{"3", "unnamed"}, args)
}

func TestTranslatePropertyFilterRootAttribute(t *testing.T) {
	cond, args, err := translatePropertyFilter("id=abc", "t")
	require.NoError(t, err)
	assert.Equal(t, "(t.jsondata #>> '{id}' = ?)", cond)
	assert.Equal(t, []interface{}{"abc"}, args)
}

func TestTranslatePropertyFilterNestedPath(t *testing.T) {
	cond, _, err := translatePropertyFilter("p.address.city=Berlin", "t")
	require.NoError(t, err)
	assert.Equal(t, "(t.jsondata #>> '{properties,address,city}' = ?)", cond)
}

func TestTranslatePropertyFilterErrors(t *testing.T) {
	for _, expr := range []string{"", "p.fc", "p.fc=", "=5", "p.f'c=5"} {
		_, _, err := translatePropertyFilter(expr, "t")
		require.Error(t, err, "expression %q", expr)
		assert.True(t, errs.IsKind(err, errs.KindValidation))
	}
}
