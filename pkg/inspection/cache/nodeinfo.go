package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/baremetal-lab/inspector/internal/logger"
	"github.com/baremetal-lab/inspector/pkg/baremetal"
	"github.com/baremetal-lab/inspector/pkg/inspection/models"
	"github.com/baremetal-lab/inspector/pkg/inspection/store"
	"github.com/baremetal-lab/inspector/pkg/lock"
)

// NodeInfo is the cache's handle for a single node undergoing
// introspection. It lazily loads and memoizes the node's registry record,
// ports, lookup attributes and options; InvalidateCache drops all of them.
//
// A NodeInfo is meant to be used from one goroutine at a time, under the
// node's lock for any mutation.
type NodeInfo struct {
	UUID       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      string

	store  *store.GORMStore
	client baremetal.Client
	locks  *lock.Registry

	locked     bool
	node       *baremetal.Node
	ports      map[string]baremetal.Port
	attributes map[string][]string
	options    map[string]any
}

// AcquireLock takes this node's lock. Returns true when the lock is held,
// including when it was already held by this handle.
func (n *NodeInfo) AcquireLock(blocking bool) bool {
	if n.locked {
		return true
	}
	logger.Debug("acquiring lock", logger.Node(n.UUID), "blocking", blocking)
	if n.locks.Acquire(n.UUID, blocking) {
		n.locked = true
	}
	return n.locked
}

// ReleaseLock releases this node's lock if this handle holds it.
func (n *NodeInfo) ReleaseLock() {
	if !n.locked {
		return
	}
	n.locks.Release(n.UUID)
	n.locked = false
}

// Locked reports whether this handle holds the node's lock.
func (n *NodeInfo) Locked() bool {
	return n.locked
}

// Finished reports whether introspection has reached a terminal state.
func (n *NodeInfo) Finished() bool {
	return n.FinishedAt != nil
}

// Finish moves the node to a terminal state, recording cause as the failure
// when non-nil. Lookup attributes and options are dropped in the same
// transaction. The caller keeps the lock and releases it separately.
func (n *NodeInfo) Finish(ctx context.Context, cause error) error {
	finishedAt := time.Now().UTC()
	var message *string
	if cause != nil {
		text := cause.Error()
		message = &text
	}
	if err := n.store.SetFinished(ctx, n.UUID, finishedAt, message); err != nil {
		return err
	}

	n.FinishedAt = &finishedAt
	if message != nil {
		n.Error = *message
	}
	n.attributes = nil
	n.options = nil
	return nil
}

// Node returns the registry's record for this node, fetching it on first
// use.
func (n *NodeInfo) Node(ctx context.Context) (*baremetal.Node, error) {
	if n.node != nil {
		return n.node, nil
	}
	node, err := n.client.GetNode(ctx, n.UUID)
	if err != nil {
		return nil, err
	}
	n.node = node
	return node, nil
}

// Ports returns the node's registered ports keyed by lowercase MAC,
// fetching them on first use.
func (n *NodeInfo) Ports(ctx context.Context) (map[string]baremetal.Port, error) {
	if n.ports != nil {
		return n.ports, nil
	}
	ports, err := n.client.ListPorts(ctx, n.UUID)
	if err != nil {
		return nil, err
	}
	n.ports = make(map[string]baremetal.Port, len(ports))
	for _, port := range ports {
		n.ports[strings.ToLower(port.Address)] = port
	}
	return n.ports, nil
}

// CreatePorts registers ports for the given MACs, skipping ones already
// known. A conflict with a port owned elsewhere is logged and skipped; the
// validation hooks will then drop the interface.
func (n *NodeInfo) CreatePorts(ctx context.Context, macs []string) error {
	ports, err := n.Ports(ctx)
	if err != nil {
		return err
	}

	for _, mac := range macs {
		key := strings.ToLower(mac)
		if _, ok := ports[key]; ok {
			continue
		}

		port, err := n.client.CreatePort(ctx, n.UUID, mac)
		if err != nil {
			if errors.Is(err, baremetal.ErrConflict) {
				logger.Warn("port already registered, skipping",
					logger.Node(n.UUID), logger.MAC(mac))
				continue
			}
			return fmt.Errorf("create port for MAC %s: %w", mac, err)
		}
		ports[key] = *port
	}
	return nil
}

// DeletePort removes a registered port and forgets it.
func (n *NodeInfo) DeletePort(ctx context.Context, port baremetal.Port) error {
	if err := n.client.DeletePort(ctx, port.UUID); err != nil {
		return err
	}
	delete(n.ports, strings.ToLower(port.Address))
	return nil
}

// Patch applies a JSON patch to the node in the registry and adopts the
// updated record.
func (n *NodeInfo) Patch(ctx context.Context, patches []baremetal.Patch) error {
	logger.Debug("patching node", logger.Node(n.UUID), "patches", len(patches))
	node, err := n.client.UpdateNode(ctx, n.UUID, patches)
	if err != nil {
		return err
	}
	n.node = node
	return nil
}

// GetByPath reads a value from the node record at a registry-style path
// such as "/extra/foo".
func (n *NodeInfo) GetByPath(ctx context.Context, path string) (any, bool, error) {
	node, err := n.Node(ctx)
	if err != nil {
		return nil, false, err
	}
	value, ok := node.GetField(path)
	return value, ok, nil
}

// ReplaceField reads the value at path, applies fn and patches the result
// back. When the field is absent the optional defaultValue feeds fn and the
// patch uses the add op; with no default an absent field is an error. A
// no-op transformation skips the patch.
func (n *NodeInfo) ReplaceField(ctx context.Context, path string, fn func(any) any, defaultValue ...any) error {
	value, ok, err := n.GetByPath(ctx, path)
	if err != nil {
		return err
	}

	op := "replace"
	if !ok {
		if len(defaultValue) == 0 {
			return fmt.Errorf("node %s has no field %s and no default is provided", n.UUID, path)
		}
		value = defaultValue[0]
		op = "add"
	}

	newValue := fn(value)
	if ok && reflect.DeepEqual(value, newValue) {
		return nil
	}
	return n.Patch(ctx, []baremetal.Patch{{Op: op, Path: path, Value: newValue}})
}

// UpdateProperties patches node properties with the given values.
func (n *NodeInfo) UpdateProperties(ctx context.Context, updates map[string]any) error {
	patches := make([]baremetal.Patch, 0, len(updates))
	for _, key := range sortedKeys(updates) {
		patches = append(patches, baremetal.Patch{
			Op:    "add",
			Path:  "/properties/" + key,
			Value: updates[key],
		})
	}
	return n.Patch(ctx, patches)
}

// UpdateCapabilities merges the given capabilities into the node's
// capabilities string.
func (n *NodeInfo) UpdateCapabilities(ctx context.Context, caps map[string]string) error {
	current, ok, err := n.GetByPath(ctx, "/properties/capabilities")
	if err != nil {
		return err
	}

	merged := make(map[string]string)
	if ok {
		if raw, isString := current.(string); isString {
			merged = baremetal.ParseCapabilities(raw)
		}
	}
	for key, value := range caps {
		merged[key] = value
	}

	op := "replace"
	if !ok {
		op = "add"
	}
	return n.Patch(ctx, []baremetal.Patch{{
		Op:    op,
		Path:  "/properties/capabilities",
		Value: baremetal.FormatCapabilities(merged),
	}})
}

// Attributes returns the node's lookup attributes, loading them on first
// use.
func (n *NodeInfo) Attributes(ctx context.Context) (map[string][]string, error) {
	if n.attributes != nil {
		return n.attributes, nil
	}
	rows, err := n.store.ListAttributes(ctx, n.UUID)
	if err != nil {
		return nil, err
	}
	n.attributes = make(map[string][]string)
	for _, row := range rows {
		n.attributes[row.Name] = append(n.attributes[row.Name], row.Value)
	}
	return n.attributes, nil
}

// AddAttribute registers additional lookup attribute values for this node.
func (n *NodeInfo) AddAttribute(ctx context.Context, name string, values []string) error {
	if err := n.store.AddAttributes(ctx, n.UUID, name, values); err != nil {
		return err
	}
	n.attributes = nil
	return nil
}

// Options returns the node's stored options, loading and decoding them on
// first use.
func (n *NodeInfo) Options(ctx context.Context) (map[string]any, error) {
	if n.options != nil {
		return n.options, nil
	}
	rows, err := n.store.ListOptions(ctx, n.UUID)
	if err != nil {
		return nil, err
	}
	n.options = make(map[string]any, len(rows))
	for _, row := range rows {
		var value any
		if err := json.Unmarshal([]byte(row.Value), &value); err != nil {
			return nil, fmt.Errorf("decode option %s of node %s: %w", row.Name, n.UUID, err)
		}
		n.options[row.Name] = value
	}
	return n.options, nil
}

// SetOption persists a node option, replacing any previous value.
func (n *NodeInfo) SetOption(ctx context.Context, name string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode option %s: %w", name, err)
	}
	if err := n.store.SetOption(ctx, n.UUID, name, string(encoded)); err != nil {
		return err
	}
	if n.options != nil {
		n.options[name] = value
	}
	return nil
}

// InvalidateCache drops all memoized registry and database state so the
// next accessor refetches.
func (n *NodeInfo) InvalidateCache() {
	n.node = nil
	n.ports = nil
	n.attributes = nil
	n.options = nil
}

func (n *NodeInfo) fromModel(row *models.Node) {
	n.StartedAt = row.StartedAt
	n.FinishedAt = row.FinishedAt
	n.Error = row.ErrorMessage()
}

func sortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
