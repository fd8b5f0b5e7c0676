package rules

import (
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Condition checks a single field value against its parameters.
type Condition interface {
	// Check evaluates the condition for one resolved field value.
	Check(field any, params map[string]any) (bool, error)

	// Validate rejects malformed parameters at rule creation time.
	Validate(params map[string]any) error
}

// allowsNone marks conditions that want to see a nil field when the path
// selected nothing, instead of failing the condition outright.
type allowsNone interface {
	AllowNone() bool
}

var (
	conditionsMu sync.RWMutex
	conditions   = map[string]Condition{}
)

// RegisterCondition adds a condition operator. Standard operators are
// registered at init; deployments can add their own before loading rules.
func RegisterCondition(name string, cond Condition) {
	conditionsMu.Lock()
	defer conditionsMu.Unlock()
	if _, ok := conditions[name]; ok {
		panic(fmt.Sprintf("rules: condition %q registered twice", name))
	}
	conditions[name] = cond
}

func conditionByName(name string) (Condition, error) {
	conditionsMu.RLock()
	defer conditionsMu.RUnlock()
	cond, ok := conditions[name]
	if !ok {
		return nil, fmt.Errorf("unknown condition operator %q (have %s)",
			name, strings.Join(conditionNames(), ", "))
	}
	return cond, nil
}

func conditionNames() []string {
	names := make([]string, 0, len(conditions))
	for name := range conditions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterCondition("eq", compareCondition{check: func(c int) bool { return c == 0 }})
	RegisterCondition("ne", compareCondition{check: func(c int) bool { return c != 0 }})
	RegisterCondition("lt", compareCondition{check: func(c int) bool { return c < 0 }})
	RegisterCondition("le", compareCondition{check: func(c int) bool { return c <= 0 }})
	RegisterCondition("gt", compareCondition{check: func(c int) bool { return c > 0 }})
	RegisterCondition("ge", compareCondition{check: func(c int) bool { return c >= 0 }})
	RegisterCondition("in-net", netCondition{})
	RegisterCondition("matches", matchCondition{anchored: true})
	RegisterCondition("contains", matchCondition{anchored: false})
	RegisterCondition("is-empty", emptyCondition{})
}

func requireValue(params map[string]any) (any, error) {
	value, ok := params["value"]
	if !ok {
		return nil, fmt.Errorf("missing required parameter \"value\"")
	}
	return value, nil
}

// compareCondition implements the six ordering operators. The field is
// coerced to the declared value's type: numeric values force a numeric
// comparison, everything else compares as strings.
type compareCondition struct {
	check func(cmp int) bool
}

func (c compareCondition) Validate(params map[string]any) error {
	_, err := requireValue(params)
	return err
}

func (c compareCondition) Check(field any, params map[string]any) (bool, error) {
	value, err := requireValue(params)
	if err != nil {
		return false, err
	}

	if want, ok := toFloat(value); ok {
		have, ok := toFloat(field)
		if !ok {
			return false, fmt.Errorf("cannot compare %v (%T) with number %v", field, field, value)
		}
		switch {
		case have < want:
			return c.check(-1), nil
		case have > want:
			return c.check(1), nil
		default:
			return c.check(0), nil
		}
	}

	return c.check(strings.Compare(stringify(field), stringify(value))), nil
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case string:
		parsed, err := strconv.ParseFloat(typed, 64)
		return parsed, err == nil
	case bool:
		if typed {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// netCondition checks that the field is an IP address inside the CIDR
// given as value.
type netCondition struct{}

func (netCondition) Validate(params map[string]any) error {
	value, err := requireValue(params)
	if err != nil {
		return err
	}
	raw, ok := value.(string)
	if !ok {
		return fmt.Errorf("in-net value must be a CIDR string, got %v", value)
	}
	_, err = netip.ParsePrefix(raw)
	return err
}

func (netCondition) Check(field any, params map[string]any) (bool, error) {
	raw, _ := params["value"].(string)
	prefix, err := netip.ParsePrefix(raw)
	if err != nil {
		return false, err
	}

	addr, err := netip.ParseAddr(stringify(field))
	if err != nil {
		return false, fmt.Errorf("in-net field %v is not an IP address: %w", field, err)
	}
	return prefix.Contains(addr), nil
}

// matchCondition applies a regular expression to the field's string form.
// Anchored matching covers the whole value, unanchored searches within it.
type matchCondition struct {
	anchored bool
}

func (matchCondition) Validate(params map[string]any) error {
	value, err := requireValue(params)
	if err != nil {
		return err
	}
	raw, ok := value.(string)
	if !ok {
		return fmt.Errorf("regexp value must be a string, got %v", value)
	}
	_, err = regexp.Compile(raw)
	return err
}

func (m matchCondition) Check(field any, params map[string]any) (bool, error) {
	raw, _ := params["value"].(string)
	if m.anchored {
		raw = `^(?:` + raw + `)$`
	}
	re, err := regexp.Compile(raw)
	if err != nil {
		return false, err
	}
	return re.MatchString(stringify(field)), nil
}

// emptyCondition is true for nil, empty strings, lists and maps. It opts in
// to seeing nil when the path selected nothing, so it can test for absent
// fields too.
type emptyCondition struct{}

func (emptyCondition) Validate(map[string]any) error { return nil }

func (emptyCondition) AllowNone() bool { return true }

func (emptyCondition) Check(field any, _ map[string]any) (bool, error) {
	switch typed := field.(type) {
	case nil:
		return true, nil
	case string:
		return typed == "", nil
	case []any:
		return len(typed) == 0, nil
	case map[string]any:
		return len(typed) == 0, nil
	default:
		return false, nil
	}
}
