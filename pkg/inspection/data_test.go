package inspection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepCopy(t *testing.T) {
	original := Data{
		"inventory": map[string]any{
			"interfaces": []any{map[string]any{"name": "eth0"}},
		},
	}

	copied := DeepCopy(original)
	copied["inventory"].(map[string]any)["interfaces"].([]any)[0].(map[string]any)["name"] = "eth1"

	iface := original["inventory"].(map[string]any)["interfaces"].([]any)[0].(map[string]any)
	assert.Equal(t, "eth0", iface["name"])
}

func TestPXEMAC(t *testing.T) {
	assert.Equal(t, "aa:bb:cc:dd:ee:ff",
		PXEMAC(Data{"boot_interface": "01-aa-bb-cc-dd-ee-ff"}))
	assert.Equal(t, "aa:bb:cc:dd:ee:ff",
		PXEMAC(Data{"boot_interface": "aa:bb:cc:dd:ee:ff"}))
	assert.Empty(t, PXEMAC(Data{}))
}

func TestValidMACs(t *testing.T) {
	data := Data{
		"all_interfaces": map[string]any{
			"eth0": map[string]any{"mac": "aa:bb:cc:dd:ee:f0"},
			"eth1": map[string]any{"mac": ""},
		},
	}
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:f0"}, ValidMACs(data))
	assert.Empty(t, ValidMACs(Data{}))
}

func TestBMCAddress(t *testing.T) {
	assert.Equal(t, "1.2.3.4",
		BMCAddress(Data{"inventory": map[string]any{"bmc_address": "1.2.3.4"}}))
	assert.Empty(t, BMCAddress(Data{"inventory": map[string]any{"bmc_address": "0.0.0.0"}}))
	assert.Empty(t, BMCAddress(Data{}))
}

func TestInventory(t *testing.T) {
	valid := Data{"inventory": map[string]any{
		"memory":     map[string]any{"physical_mb": float64(12288)},
		"cpu":        map[string]any{"count": float64(4)},
		"interfaces": []any{map[string]any{"name": "eth0"}},
		"disks":      []any{map[string]any{"name": "/dev/sda"}},
	}}

	inventory, err := Inventory(valid)
	require.NoError(t, err)
	assert.Contains(t, inventory, "disks")

	_, err = Inventory(Data{})
	assert.Error(t, err)

	broken := DeepCopy(valid)
	broken["inventory"].(map[string]any)["disks"] = []any{}
	_, err = Inventory(broken)
	assert.ErrorContains(t, err, "disks")
}
