package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	doc := map[string]any{
		"memory_mb": float64(12288),
		"inventory": map[string]any{
			"disks": []any{
				map[string]any{"name": "/dev/sda", "size": float64(100)},
				map[string]any{"name": "/dev/sdb", "size": float64(500)},
			},
		},
	}

	values, err := resolvePath(doc, "memory_mb")
	require.NoError(t, err)
	assert.Equal(t, []any{float64(12288)}, values)

	values, err = resolvePath(doc, "inventory.disks[*].size")
	require.NoError(t, err)
	assert.Equal(t, []any{float64(100), float64(500)}, values)

	values, err = resolvePath(doc, "inventory.disks[0].name")
	require.NoError(t, err)
	assert.Equal(t, []any{"/dev/sda"}, values)

	values, err = resolvePath(doc, "inventory.disks[-1].name")
	require.NoError(t, err)
	assert.Equal(t, []any{"/dev/sdb"}, values)

	// Selecting nothing is not an error; the caller distinguishes it.
	values, err = resolvePath(doc, "inventory.missing.deeper")
	require.NoError(t, err)
	assert.Empty(t, values)

	_, err = resolvePath(doc, "inventory.disks[bad]")
	assert.Error(t, err)
}

func TestSplitScheme(t *testing.T) {
	scheme, path := splitScheme("data://inventory.cpu.count")
	assert.Equal(t, schemeData, scheme)
	assert.Equal(t, "inventory.cpu.count", path)

	scheme, path = splitScheme("node://driver_info.ipmi_address")
	assert.Equal(t, schemeNode, scheme)
	assert.Equal(t, "driver_info.ipmi_address", path)

	scheme, path = splitScheme("memory_mb")
	assert.Equal(t, schemeData, scheme)
	assert.Equal(t, "memory_mb", path)
}

func TestFormatValue(t *testing.T) {
	data := map[string]any{
		"inventory": map[string]any{"bmc_address": "1.2.3.4"},
		"count":     float64(4),
	}
	node := map[string]any{"uuid": "uuid1"}

	out, err := formatValue("bmc is {data[inventory][bmc_address]}", data, node)
	require.NoError(t, err)
	assert.Equal(t, "bmc is 1.2.3.4", out)

	out, err = formatValue("{node[uuid]}: {data[count]} cpus", data, node)
	require.NoError(t, err)
	assert.Equal(t, "uuid1: 4 cpus", out)

	out, err = formatValue("literal {{braces}}", data, node)
	require.NoError(t, err)
	assert.Equal(t, "literal {braces}", out)

	_, err = formatValue("{data[missing][key]}", data, node)
	assert.Error(t, err)
}
