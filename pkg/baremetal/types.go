// Package baremetal defines the narrow client interface the coordinator uses
// to talk to the external bare-metal registry, together with the node and
// port types that cross that boundary.
package baremetal

import "strings"

// Provision states in which introspection is allowed.
const (
	StateEnroll      = "enroll"
	StateManageable  = "manageable"
	StateInspecting  = "inspecting"
	StateInspectFail = "inspectfail"
)

// Power states accepted by SetPowerState.
const (
	PowerOff    = "off"
	PowerOn     = "on"
	PowerReboot = "reboot"
)

// Patch is a single RFC 6902-style operation applied to a node.
type Patch struct {
	Op    string `json:"op"` // add, replace, remove
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Node is the remote registry's view of a machine.
type Node struct {
	UUID           string         `json:"uuid"`
	Driver         string         `json:"driver"`
	ProvisionState string         `json:"provision_state"`
	PowerState     string         `json:"power_state"`
	Maintenance    bool           `json:"maintenance"`
	Properties     map[string]any `json:"properties"`
	DriverInfo     map[string]any `json:"driver_info"`
	Extra          map[string]any `json:"extra"`
}

// GetField returns the value at a registry-style path such as
// "/extra/foo" or "/driver". The first segment selects a node field, the
// remainder indexes into that field's map.
func (n *Node) GetField(path string) (any, bool) {
	path = strings.Trim(path, "/")
	prop, key, nested := strings.Cut(path, "/")

	var section map[string]any
	switch prop {
	case "uuid":
		return n.UUID, !nested
	case "driver":
		return n.Driver, !nested
	case "provision_state":
		return n.ProvisionState, !nested
	case "power_state":
		return n.PowerState, !nested
	case "maintenance":
		return n.Maintenance, !nested
	case "properties":
		section = n.Properties
	case "driver_info":
		section = n.DriverInfo
	case "extra":
		section = n.Extra
	default:
		return nil, false
	}

	if !nested {
		return section, section != nil
	}
	if section == nil {
		return nil, false
	}
	value, ok := section[key]
	return value, ok
}

// AsMap returns the node as a generic document for rule field resolution
// (node:// paths) and action value formatting.
func (n *Node) AsMap() map[string]any {
	return map[string]any{
		"uuid":            n.UUID,
		"driver":          n.Driver,
		"provision_state": n.ProvisionState,
		"power_state":     n.PowerState,
		"maintenance":     n.Maintenance,
		"properties":      n.Properties,
		"driver_info":     n.DriverInfo,
		"extra":           n.Extra,
	}
}

// Port is a network port registered for a node.
type Port struct {
	UUID     string `json:"uuid"`
	NodeUUID string `json:"node_uuid"`
	Address  string `json:"address"` // MAC
}
