package baremetal

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors the coordinator distinguishes when talking to the registry.
var (
	// ErrNotFound means the node or port does not exist in the registry.
	ErrNotFound = errors.New("not found in registry")

	// ErrConflict means the registry rejected the request because an
	// equivalent record already exists, e.g. a port with the same MAC.
	ErrConflict = errors.New("conflict in registry")
)

// Client is the subset of the bare-metal registry API the coordinator needs.
// Implementations wrap the actual registry client; tests use the fake in the
// baremetaltest package.
type Client interface {
	// GetNode fetches a node by UUID.
	GetNode(ctx context.Context, uuid string) (*Node, error)

	// ListNodes returns the UUIDs of every node in the registry. The
	// clean-up sweep uses it to drop cached records of deleted nodes.
	ListNodes(ctx context.Context) ([]string, error)

	// UpdateNode applies a JSON patch to a node and returns the updated
	// node as the registry sees it.
	UpdateNode(ctx context.Context, uuid string, patches []Patch) (*Node, error)

	// ListPorts returns the ports registered for a node.
	ListPorts(ctx context.Context, nodeUUID string) ([]Port, error)

	// CreatePort registers a port with the given MAC for a node. Returns
	// ErrConflict when the MAC is already registered.
	CreatePort(ctx context.Context, nodeUUID, address string) (*Port, error)

	// DeletePort removes a port by UUID.
	DeletePort(ctx context.Context, portUUID string) error

	// SetPowerState requests a power transition (on, off, reboot).
	SetPowerState(ctx context.Context, nodeUUID, state string) error

	// SetBootDevice sets the one-time boot device, typically "pxe".
	SetBootDevice(ctx context.Context, nodeUUID, device string, persistent bool) error

	// GetBootDevice reads the current boot device. Used as a cheap
	// credential probe after updating BMC credentials.
	GetBootDevice(ctx context.Context, nodeUUID string) (string, error)

	// ValidatePower runs the registry's power-interface validation.
	ValidatePower(ctx context.Context, nodeUUID string) error
}

// VerifyProvisionState checks whether a node's provision state allows
// introspection. With withCredentials set only freshly enrolled nodes
// qualify, since credential setup rewrites BMC access data.
func VerifyProvisionState(node *Node, withCredentials bool) error {
	state := strings.ToLower(node.ProvisionState)
	if withCredentials {
		if state != StateEnroll {
			return fmt.Errorf("invalid provision state %q for setting credentials, only %q is allowed",
				node.ProvisionState, StateEnroll)
		}
		return nil
	}

	switch state {
	case StateEnroll, StateManageable, StateInspecting, StateInspectFail:
		return nil
	}
	return fmt.Errorf("invalid provision state %q for introspection", node.ProvisionState)
}

// GetIPMIAddress returns the BMC address from a node's driver info, or an
// empty string when the node has none.
func GetIPMIAddress(node *Node) string {
	if node.DriverInfo == nil {
		return ""
	}
	value, ok := node.DriverInfo["ipmi_address"].(string)
	if !ok {
		return ""
	}
	return value
}
