package rules

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/baremetal-lab/inspector/pkg/baremetal"
	"github.com/baremetal-lab/inspector/pkg/inspection/cache"
)

// Action mutates a node when a rule matches. Rollback undoes the mutation
// when a previously matching rule stops matching on reapply; actions with
// nothing to undo embed noRollback.
type Action interface {
	Validate(params map[string]any) error
	Apply(ctx context.Context, node *cache.NodeInfo, params map[string]any) error
	Rollback(ctx context.Context, node *cache.NodeInfo, params map[string]any) error
}

// formattedParams marks actions whose listed string parameters support
// {data[...]} placeholder substitution.
type formattedParams interface {
	FormattedParams() []string
}

var (
	actionsMu sync.RWMutex
	actions   = map[string]Action{}
)

// RegisterAction adds an action plugin under the given name.
func RegisterAction(name string, action Action) {
	actionsMu.Lock()
	defer actionsMu.Unlock()
	if _, ok := actions[name]; ok {
		panic(fmt.Sprintf("rules: action %q registered twice", name))
	}
	actions[name] = action
}

func actionByName(name string) (Action, error) {
	actionsMu.RLock()
	defer actionsMu.RUnlock()
	action, ok := actions[name]
	if !ok {
		return nil, fmt.Errorf("unknown action %q (have %s)",
			name, strings.Join(actionNames(), ", "))
	}
	return action, nil
}

func actionNames() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterAction("fail", failAction{})
	RegisterAction("set-attribute", setAttributeAction{})
	RegisterAction("set-capability", setCapabilityAction{})
	RegisterAction("extend-attribute", extendAttributeAction{})
}

type noRollback struct{}

func (noRollback) Rollback(context.Context, *cache.NodeInfo, map[string]any) error {
	return nil
}

func requireParams(params map[string]any, names ...string) error {
	for _, name := range names {
		if _, ok := params[name]; !ok {
			return fmt.Errorf("missing required parameter %q", name)
		}
	}
	return nil
}

// failAction aborts processing with a deployment-defined message.
type failAction struct {
	noRollback
}

func (failAction) Validate(params map[string]any) error {
	return requireParams(params, "message")
}

func (failAction) Apply(_ context.Context, _ *cache.NodeInfo, params map[string]any) error {
	return fmt.Errorf("%v", params["message"])
}

// setAttributeAction writes a value to a node field.
type setAttributeAction struct{}

func (setAttributeAction) Validate(params map[string]any) error {
	return requireParams(params, "path", "value")
}

func (setAttributeAction) FormattedParams() []string { return []string{"value"} }

func (setAttributeAction) Apply(ctx context.Context, node *cache.NodeInfo, params map[string]any) error {
	path, _ := params["path"].(string)
	return node.Patch(ctx, []baremetal.Patch{{Op: "add", Path: path, Value: params["value"]}})
}

func (setAttributeAction) Rollback(ctx context.Context, node *cache.NodeInfo, params map[string]any) error {
	path, _ := params["path"].(string)
	_, ok, err := node.GetByPath(ctx, path)
	if err != nil || !ok {
		return err
	}
	return node.Patch(ctx, []baremetal.Patch{{Op: "remove", Path: path}})
}

// setCapabilityAction sets one capability in the node's capabilities
// string, preserving the others.
type setCapabilityAction struct{}

func (setCapabilityAction) Validate(params map[string]any) error {
	return requireParams(params, "name", "value")
}

func (setCapabilityAction) FormattedParams() []string { return []string{"value"} }

func (setCapabilityAction) Apply(ctx context.Context, node *cache.NodeInfo, params map[string]any) error {
	name, _ := params["name"].(string)
	return node.UpdateCapabilities(ctx, map[string]string{
		name: stringify(params["value"]),
	})
}

func (setCapabilityAction) Rollback(ctx context.Context, node *cache.NodeInfo, params map[string]any) error {
	name, _ := params["name"].(string)
	current, ok, err := node.GetByPath(ctx, "/properties/capabilities")
	if err != nil || !ok {
		return err
	}
	raw, _ := current.(string)
	caps := baremetal.ParseCapabilities(raw)
	if _, ok := caps[name]; !ok {
		return nil
	}
	delete(caps, name)
	return node.Patch(ctx, []baremetal.Patch{{
		Op:    "replace",
		Path:  "/properties/capabilities",
		Value: baremetal.FormatCapabilities(caps),
	}})
}

// extendAttributeAction appends a value to a list field, creating the list
// when absent. With unique set an already present value is not appended
// again.
type extendAttributeAction struct{}

func (extendAttributeAction) Validate(params map[string]any) error {
	return requireParams(params, "path", "value")
}

func (extendAttributeAction) FormattedParams() []string { return []string{"value"} }

func (extendAttributeAction) Apply(ctx context.Context, node *cache.NodeInfo, params map[string]any) error {
	path, _ := params["path"].(string)
	unique, _ := params["unique"].(bool)
	value := params["value"]

	return node.ReplaceField(ctx, path, func(current any) any {
		list, _ := current.([]any)
		if unique && containsValue(list, value) {
			return list
		}
		return append(list, value)
	}, []any{})
}

func (extendAttributeAction) Rollback(ctx context.Context, node *cache.NodeInfo, params map[string]any) error {
	path, _ := params["path"].(string)
	value := params["value"]

	_, ok, err := node.GetByPath(ctx, path)
	if err != nil || !ok {
		return err
	}
	return node.ReplaceField(ctx, path, func(current any) any {
		list, _ := current.([]any)
		kept := make([]any, 0, len(list))
		for _, item := range list {
			if !reflect.DeepEqual(item, value) {
				kept = append(kept, item)
			}
		}
		return kept
	})
}

func containsValue(list []any, value any) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, value) {
			return true
		}
	}
	return false
}
