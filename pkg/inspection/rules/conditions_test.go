package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkOp(t *testing.T, op string, field any, params map[string]any) bool {
	t.Helper()
	cond, err := conditionByName(op)
	require.NoError(t, err)
	result, err := cond.Check(field, params)
	require.NoError(t, err)
	return result
}

func TestCompareConditions(t *testing.T) {
	value := map[string]any{"value": float64(1024)}

	assert.True(t, checkOp(t, "eq", float64(1024), value))
	assert.False(t, checkOp(t, "eq", float64(2048), value))
	assert.True(t, checkOp(t, "ne", float64(2048), value))
	assert.True(t, checkOp(t, "lt", float64(512), value))
	assert.True(t, checkOp(t, "le", float64(1024), value))
	assert.True(t, checkOp(t, "gt", float64(2048), value))
	assert.True(t, checkOp(t, "ge", float64(1024), value))

	// A numeric value coerces string fields to numbers.
	assert.True(t, checkOp(t, "eq", "1024", value))

	// String values compare as strings.
	assert.True(t, checkOp(t, "eq", "x86_64", map[string]any{"value": "x86_64"}))

	cond, err := conditionByName("eq")
	require.NoError(t, err)
	_, err = cond.Check(map[string]any{}, value)
	assert.Error(t, err)

	assert.Error(t, cond.Validate(map[string]any{}))
	assert.NoError(t, cond.Validate(value))
}

func TestNetCondition(t *testing.T) {
	params := map[string]any{"value": "192.168.1.0/24"}

	assert.True(t, checkOp(t, "in-net", "192.168.1.15", params))
	assert.False(t, checkOp(t, "in-net", "10.0.0.1", params))

	cond, err := conditionByName("in-net")
	require.NoError(t, err)
	assert.Error(t, cond.Validate(map[string]any{"value": "not-a-net"}))

	_, err = cond.Check("not-an-ip", params)
	assert.Error(t, err)
}

func TestMatchConditions(t *testing.T) {
	params := map[string]any{"value": "IPMI.*failed"}

	// matches covers the whole value.
	assert.True(t, checkOp(t, "matches", "IPMI connection failed", params))
	assert.False(t, checkOp(t, "matches", "error: IPMI connection failed", params))

	// contains searches within it.
	assert.True(t, checkOp(t, "contains", "error: IPMI connection failed", params))

	cond, err := conditionByName("matches")
	require.NoError(t, err)
	assert.Error(t, cond.Validate(map[string]any{"value": "("}))
}

func TestEmptyCondition(t *testing.T) {
	none := map[string]any{}

	assert.True(t, checkOp(t, "is-empty", nil, none))
	assert.True(t, checkOp(t, "is-empty", "", none))
	assert.True(t, checkOp(t, "is-empty", []any{}, none))
	assert.True(t, checkOp(t, "is-empty", map[string]any{}, none))
	assert.False(t, checkOp(t, "is-empty", "x", none))
	assert.False(t, checkOp(t, "is-empty", float64(0), none))
}
