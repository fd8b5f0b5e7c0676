package hooks

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/baremetal-lab/inspector/internal/logger"
	"github.com/baremetal-lab/inspector/pkg/inspection"
	"github.com/baremetal-lab/inspector/pkg/inspection/cache"
)

const gibibyte = 1 << 30

// RamdiskErrorHook fails processing when the ramdisk itself reported an
// error instead of an inventory.
type RamdiskErrorHook struct {
	Base
}

func (RamdiskErrorHook) Name() string { return "ramdisk_error" }

func (RamdiskErrorHook) BeforeProcessing(_ context.Context, data inspection.Data) error {
	message, _ := data["error"].(string)
	if message == "" {
		return nil
	}
	return fmt.Errorf("ramdisk reported error: %s", message)
}

// RootDiskSelectionHook picks the root disk according to the root device
// hints stored on the node. Without hints it does nothing.
type RootDiskSelectionHook struct {
	Base
}

func (RootDiskSelectionHook) Name() string { return "root_disk_selection" }

func (RootDiskSelectionHook) BeforeUpdate(ctx context.Context, node *cache.NodeInfo, data inspection.Data) error {
	value, ok, err := node.GetByPath(ctx, "/properties/root_device")
	if err != nil {
		return err
	}
	hints, _ := value.(map[string]any)
	if !ok || len(hints) == 0 {
		logger.Debug("no root device hints, skipping root disk selection",
			logger.Node(node.UUID))
		return nil
	}

	inventory, err := inspection.Inventory(data)
	if err != nil {
		return err
	}
	disks, _ := inventory["disks"].([]any)

	for _, item := range disks {
		disk, _ := item.(map[string]any)
		if disk == nil || !diskMatchesHints(disk, hints) {
			continue
		}
		logger.Debug("root disk selected", logger.Node(node.UUID),
			"disk", disk["name"])
		data["root_disk"] = disk
		return nil
	}
	return fmt.Errorf("no disks satisfied root device hints %v", hints)
}

func diskMatchesHints(disk, hints map[string]any) bool {
	for key, want := range hints {
		have, ok := disk[key]
		if !ok {
			return false
		}
		if key == "size" {
			// Hint sizes are gibibytes, inventory sizes are bytes.
			wantGB, okWant := toInt(want)
			haveBytes, okHave := toInt(have)
			if !okWant || !okHave || haveBytes/gibibyte != wantGB {
				return false
			}
			continue
		}
		if fmt.Sprintf("%v", have) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// SchedulerHook derives the basic scheduling properties (cpus, cpu_arch,
// memory_mb, local_gb) from the inventory and writes them to the node.
type SchedulerHook struct {
	Base

	// OverwriteExisting replaces properties the node already carries.
	OverwriteExisting bool

	// PartitioningSpacing reserves a gibibyte of the root disk for the
	// partitioner.
	PartitioningSpacing bool
}

func (SchedulerHook) Name() string { return "scheduler" }

var schedulerKeys = []string{"cpus", "cpu_arch", "memory_mb", "local_gb"}

func (h SchedulerHook) BeforeUpdate(ctx context.Context, node *cache.NodeInfo, data inspection.Data) error {
	inventory, err := inspection.Inventory(data)
	if err != nil {
		return err
	}

	cpu, _ := inventory["cpu"].(map[string]any)
	if cpus, ok := toInt(cpu["count"]); ok {
		data["cpus"] = cpus
	}
	if arch, _ := cpu["architecture"].(string); arch != "" {
		data["cpu_arch"] = arch
	}

	memory, _ := inventory["memory"].(map[string]any)
	if memoryMB, ok := toInt(memory["physical_mb"]); ok {
		data["memory_mb"] = memoryMB
	}

	// The ramdisk reports its root disk choice; the selection hook may have
	// overridden it from the node's root device hints.
	if rootDisk, ok := data["root_disk"].(map[string]any); ok {
		size, ok := toInt(rootDisk["size"])
		if !ok {
			return fmt.Errorf("root disk has no size")
		}
		localGB := size / gibibyte
		if h.PartitioningSpacing {
			localGB--
		}
		data["local_gb"] = localGB
	}

	var missing []string
	for _, key := range schedulerKeys {
		if value, ok := data[key]; !ok || value == nil || value == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("the following required parameters are missing: %v", missing)
	}

	remote, err := node.Node(ctx)
	if err != nil {
		return err
	}

	updates := make(map[string]any)
	for _, key := range schedulerKeys {
		value, ok := data[key]
		if !ok {
			continue
		}
		if !h.OverwriteExisting {
			if existing, ok := remote.Properties[key]; ok && existing != "" && existing != nil {
				continue
			}
		}
		updates[key] = fmt.Sprintf("%v", value)
	}
	if len(updates) == 0 {
		return nil
	}
	return node.UpdateProperties(ctx, updates)
}

// ValidateInterfacesHook validates the discovered NICs, decides which of
// them become registry ports and which existing ports to keep.
type ValidateInterfacesHook struct {
	AddPorts  string
	KeepPorts string
}

func (ValidateInterfacesHook) Name() string { return "validate_interfaces" }

var macRe = regexp.MustCompile(`^(?i:[0-9a-f]{2}(:[0-9a-f]{2}){5})$`)

func (h ValidateInterfacesHook) BeforeProcessing(_ context.Context, data inspection.Data) error {
	inventory, err := inspection.Inventory(data)
	if err != nil {
		return err
	}
	interfaces, _ := inventory["interfaces"].([]any)
	pxeMAC := strings.ToLower(inspection.PXEMAC(data))

	all := make(map[string]any)
	for _, item := range interfaces {
		iface, _ := item.(map[string]any)
		name, _ := iface["name"].(string)
		mac, _ := iface["mac_address"].(string)
		mac = strings.ToLower(mac)

		if name == "" || !macRe.MatchString(mac) {
			logger.Warn("malformed interface in inventory, skipping",
				"name", name, logger.MAC(mac))
			continue
		}

		entry := map[string]any{
			"mac": mac,
			"ip":  iface["ipv4_address"],
			"pxe": pxeMAC != "" && mac == pxeMAC,
		}
		if clientID, ok := iface["client_id"]; ok {
			entry["client_id"] = clientID
		}
		all[name] = entry
	}

	selected := make(map[string]any)
	for name, value := range all {
		entry := value.(map[string]any)
		switch {
		case h.AddPorts == AddPortsAll:
		case h.AddPorts == AddPortsPXE && pxeMAC != "":
			if entry["pxe"] != true {
				continue
			}
		default:
			if ip, _ := entry["ip"].(string); ip == "" {
				continue
			}
		}
		selected[name] = entry
	}
	if len(selected) == 0 {
		return fmt.Errorf("no suitable interfaces found in %d discovered", len(all))
	}

	macs := make([]string, 0, len(selected))
	for _, value := range selected {
		macs = append(macs, value.(map[string]any)["mac"].(string))
	}
	sort.Strings(macs)

	data["all_interfaces"] = all
	data["interfaces"] = selected
	data["macs"] = toAnySlice(macs)
	return nil
}

func (h ValidateInterfacesHook) BeforeUpdate(ctx context.Context, node *cache.NodeInfo, data inspection.Data) error {
	var expected map[string]struct{}

	switch h.KeepPorts {
	case KeepPortsPresent:
		expected = make(map[string]struct{})
		all, _ := data["all_interfaces"].(map[string]any)
		for _, value := range all {
			iface, _ := value.(map[string]any)
			if mac, _ := iface["mac"].(string); mac != "" {
				expected[mac] = struct{}{}
			}
		}
	case KeepPortsAdded:
		expected = make(map[string]struct{})
		macs, _ := data["macs"].([]any)
		for _, mac := range macs {
			expected[strings.ToLower(mac.(string))] = struct{}{}
		}
	default:
		return nil
	}

	ports, err := node.Ports(ctx)
	if err != nil {
		return err
	}
	for mac, port := range ports {
		if _, keep := expected[mac]; keep {
			continue
		}
		logger.Info("deleting port not discovered during introspection",
			logger.Node(node.UUID), logger.MAC(mac))
		if err := node.DeletePort(ctx, port); err != nil {
			return err
		}
	}
	return nil
}

func toInt(value any) (int64, bool) {
	switch typed := value.(type) {
	case float64:
		return int64(typed), true
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case string:
		parsed, err := strconv.ParseInt(typed, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, value := range values {
		out[i] = value
	}
	return out
}
