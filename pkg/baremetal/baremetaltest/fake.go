// Package baremetaltest provides an in-memory fake of the registry client
// for tests.
package baremetaltest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/baremetal-lab/inspector/pkg/baremetal"
)

// PowerCall records a SetPowerState invocation.
type PowerCall struct {
	NodeUUID string
	State    string
}

// BootCall records a SetBootDevice invocation.
type BootCall struct {
	NodeUUID   string
	Device     string
	Persistent bool
}

// Fake is an in-memory registry client. All methods are safe for concurrent
// use; background pipeline goroutines hit it from tests.
type Fake struct {
	mu    sync.Mutex
	nodes map[string]*baremetal.Node
	ports map[string]baremetal.Port // port uuid -> port

	// Error injection. When a func is nil the call succeeds.
	GetBootDeviceErr func(call int) error
	SetPowerStateErr error
	UpdateNodeErr    error
	ValidatePowerErr error

	powerCalls   []PowerCall
	bootCalls    []BootCall
	patchedCalls map[string][][]baremetal.Patch
	bootGetCalls int
}

// New creates an empty fake registry.
func New() *Fake {
	return &Fake{
		nodes:        make(map[string]*baremetal.Node),
		ports:        make(map[string]baremetal.Port),
		patchedCalls: make(map[string][][]baremetal.Patch),
	}
}

// AddNode seeds the fake with a node. Nil maps are initialized so patch
// application always has a target.
func (f *Fake) AddNode(node *baremetal.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node.Properties == nil {
		node.Properties = make(map[string]any)
	}
	if node.DriverInfo == nil {
		node.DriverInfo = make(map[string]any)
	}
	if node.Extra == nil {
		node.Extra = make(map[string]any)
	}
	f.nodes[node.UUID] = node
}

// AddPort seeds the fake with a registered port.
func (f *Fake) AddPort(nodeUUID, address string) baremetal.Port {
	f.mu.Lock()
	defer f.mu.Unlock()
	port := baremetal.Port{UUID: uuid.NewString(), NodeUUID: nodeUUID, Address: address}
	f.ports[port.UUID] = port
	return port
}

func (f *Fake) GetNode(_ context.Context, nodeUUID string) (*baremetal.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[nodeUUID]
	if !ok {
		return nil, fmt.Errorf("%w: node %s", baremetal.ErrNotFound, nodeUUID)
	}
	return copyNode(node), nil
}

func (f *Fake) ListNodes(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uuids := make([]string, 0, len(f.nodes))
	for nodeUUID := range f.nodes {
		uuids = append(uuids, nodeUUID)
	}
	sort.Strings(uuids)
	return uuids, nil
}

func (f *Fake) UpdateNode(_ context.Context, nodeUUID string, patches []baremetal.Patch) (*baremetal.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpdateNodeErr != nil {
		return nil, f.UpdateNodeErr
	}
	node, ok := f.nodes[nodeUUID]
	if !ok {
		return nil, fmt.Errorf("%w: node %s", baremetal.ErrNotFound, nodeUUID)
	}
	for _, patch := range patches {
		if err := applyPatch(node, patch); err != nil {
			return nil, err
		}
	}
	f.patchedCalls[nodeUUID] = append(f.patchedCalls[nodeUUID], patches)
	return copyNode(node), nil
}

func (f *Fake) ListPorts(_ context.Context, nodeUUID string) ([]baremetal.Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ports []baremetal.Port
	for _, port := range f.ports {
		if port.NodeUUID == nodeUUID {
			ports = append(ports, port)
		}
	}
	return ports, nil
}

func (f *Fake) CreatePort(_ context.Context, nodeUUID, address string) (*baremetal.Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, port := range f.ports {
		if strings.EqualFold(port.Address, address) {
			return nil, fmt.Errorf("%w: port with MAC %s", baremetal.ErrConflict, address)
		}
	}
	port := baremetal.Port{UUID: uuid.NewString(), NodeUUID: nodeUUID, Address: address}
	f.ports[port.UUID] = port
	return &port, nil
}

func (f *Fake) DeletePort(_ context.Context, portUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ports[portUUID]; !ok {
		return fmt.Errorf("%w: port %s", baremetal.ErrNotFound, portUUID)
	}
	delete(f.ports, portUUID)
	return nil
}

func (f *Fake) SetPowerState(_ context.Context, nodeUUID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetPowerStateErr != nil {
		return f.SetPowerStateErr
	}
	f.powerCalls = append(f.powerCalls, PowerCall{NodeUUID: nodeUUID, State: state})
	if node, ok := f.nodes[nodeUUID]; ok && state != baremetal.PowerReboot {
		node.PowerState = state
	}
	return nil
}

func (f *Fake) SetBootDevice(_ context.Context, nodeUUID, device string, persistent bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootCalls = append(f.bootCalls, BootCall{NodeUUID: nodeUUID, Device: device, Persistent: persistent})
	return nil
}

func (f *Fake) GetBootDevice(_ context.Context, nodeUUID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootGetCalls++
	if f.GetBootDeviceErr != nil {
		if err := f.GetBootDeviceErr(f.bootGetCalls); err != nil {
			return "", err
		}
	}
	return "pxe", nil
}

func (f *Fake) ValidatePower(_ context.Context, nodeUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ValidatePowerErr
}

// PowerCalls returns recorded power transitions.
func (f *Fake) PowerCalls() []PowerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PowerCall(nil), f.powerCalls...)
}

// BootCalls returns recorded boot device settings.
func (f *Fake) BootCalls() []BootCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BootCall(nil), f.bootCalls...)
}

// BootDeviceReads returns how many times GetBootDevice was called.
func (f *Fake) BootDeviceReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bootGetCalls
}

// Patches returns the patch batches applied to a node, in order.
func (f *Fake) Patches(nodeUUID string) [][]baremetal.Patch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]baremetal.Patch(nil), f.patchedCalls[nodeUUID]...)
}

// Node returns the fake's current record for a node, or nil.
func (f *Fake) Node(nodeUUID string) *baremetal.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[nodeUUID]
	if !ok {
		return nil
	}
	return copyNode(node)
}

func applyPatch(node *baremetal.Node, patch baremetal.Patch) error {
	path := strings.Trim(patch.Path, "/")
	prop, key, nested := strings.Cut(path, "/")

	if !nested {
		switch prop {
		case "driver":
			node.Driver, _ = patch.Value.(string)
			return nil
		case "maintenance":
			node.Maintenance, _ = patch.Value.(bool)
			return nil
		}
		return fmt.Errorf("unsupported patch path %q", patch.Path)
	}

	var section map[string]any
	switch prop {
	case "properties":
		section = node.Properties
	case "driver_info":
		section = node.DriverInfo
	case "extra":
		section = node.Extra
	default:
		return fmt.Errorf("unsupported patch path %q", patch.Path)
	}

	switch patch.Op {
	case "add", "replace":
		section[key] = patch.Value
	case "remove":
		delete(section, key)
	default:
		return fmt.Errorf("unsupported patch op %q", patch.Op)
	}
	return nil
}

func copyNode(node *baremetal.Node) *baremetal.Node {
	clone := *node
	clone.Properties = copyMap(node.Properties)
	clone.DriverInfo = copyMap(node.DriverInfo)
	clone.Extra = copyMap(node.Extra)
	return &clone
}

func copyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}
