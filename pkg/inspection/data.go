// Package inspection holds the shared representation of ramdisk
// introspection data and the helpers the pipeline stages use to read it.
// Submissions arrive as free-form JSON documents; hooks and rules keep them
// as generic maps rather than forcing a schema the ramdisk may not follow.
package inspection

import (
	"fmt"
	"strings"
)

// Data is a single introspection submission as decoded from JSON.
type Data = map[string]any

// DeepCopy returns a structurally independent copy of a submission. The
// pipeline mutates its working copy while the raw document is preserved for
// archival.
func DeepCopy(data Data) Data {
	return deepCopyValue(data).(map[string]any)
}

func deepCopyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for key, item := range typed {
			copied[key] = deepCopyValue(item)
		}
		return copied
	case []any:
		copied := make([]any, len(typed))
		for i, item := range typed {
			copied[i] = deepCopyValue(item)
		}
		return copied
	default:
		return typed
	}
}

// PXEMAC returns the MAC of the interface the ramdisk booted from, when the
// submission reports one. The pxelinux "01-aa-bb-cc-dd-ee-ff" form is
// normalized to a plain colon-separated MAC.
func PXEMAC(data Data) string {
	mac, _ := data["boot_interface"].(string)
	if mac == "" || !strings.Contains(mac, "-") {
		return mac
	}
	// 01-aa-bb-cc-dd-ee-ff: the leading 01 is the ARP hardware type.
	_, rest, _ := strings.Cut(mac, "-")
	return strings.ReplaceAll(rest, "-", ":")
}

// ValidMACs collects the MACs of all interfaces the validation hook kept in
// the submission.
func ValidMACs(data Data) []string {
	interfaces, _ := data["all_interfaces"].(map[string]any)
	var macs []string
	for _, value := range interfaces {
		iface, _ := value.(map[string]any)
		if mac, _ := iface["mac"].(string); mac != "" {
			macs = append(macs, mac)
		}
	}
	return macs
}

// BMCAddress returns the BMC address the ramdisk discovered, or an empty
// string. The all-zeroes address some BMCs report when unconfigured counts
// as absent.
func BMCAddress(data Data) string {
	inventory, _ := data["inventory"].(map[string]any)
	address, _ := inventory["bmc_address"].(string)
	if address == "0.0.0.0" {
		return ""
	}
	return address
}

// Inventory extracts the hardware inventory from a submission, validating
// that the sections the standard hooks rely on are present and non-empty.
func Inventory(data Data) (map[string]any, error) {
	inventory, ok := data["inventory"].(map[string]any)
	if !ok || len(inventory) == 0 {
		return nil, fmt.Errorf("no hardware inventory found in the submission")
	}
	for _, key := range []string{"memory", "cpu", "interfaces", "disks"} {
		value, ok := inventory[key]
		if !ok || isEmptyValue(value) {
			return nil, fmt.Errorf("invalid hardware inventory: %s is missing or empty", key)
		}
	}
	return inventory, nil
}

func isEmptyValue(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case []any:
		return len(typed) == 0
	case map[string]any:
		return len(typed) == 0
	case string:
		return typed == ""
	}
	return false
}
