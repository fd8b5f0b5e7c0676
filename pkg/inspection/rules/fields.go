package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Field path schemes. A bare path is shorthand for data://.
const (
	schemeData = "data://"
	schemeNode = "node://"
)

// splitScheme returns the document selector and the remaining dotted path of
// a condition field.
func splitScheme(field string) (scheme, path string) {
	switch {
	case strings.HasPrefix(field, schemeNode):
		return schemeNode, strings.TrimPrefix(field, schemeNode)
	case strings.HasPrefix(field, schemeData):
		return schemeData, strings.TrimPrefix(field, schemeData)
	default:
		return schemeData, field
	}
}

var segmentRe = regexp.MustCompile(`^([^[\]]*)((?:\[[^\]]+\])*)$`)

// resolvePath collects every value a dotted path selects in a document.
// Segments address map keys; a [N] suffix indexes into a list and [*] fans
// out over all elements. An empty result means the path selected nothing,
// which condition evaluation treats differently from selecting an empty
// value.
func resolvePath(doc any, path string) ([]any, error) {
	current := []any{doc}

	for _, segment := range strings.Split(path, ".") {
		match := segmentRe.FindStringSubmatch(segment)
		if match == nil {
			return nil, fmt.Errorf("malformed path segment %q in %q", segment, path)
		}
		name, indexes := match[1], match[2]

		if name != "" {
			var next []any
			for _, value := range current {
				asMap, ok := value.(map[string]any)
				if !ok {
					continue
				}
				if item, ok := asMap[name]; ok {
					next = append(next, item)
				}
			}
			current = next
		}

		for _, index := range splitIndexes(indexes) {
			var next []any
			for _, value := range current {
				asList, ok := value.([]any)
				if !ok {
					continue
				}
				if index == "*" {
					next = append(next, asList...)
					continue
				}
				i, err := strconv.Atoi(index)
				if err != nil {
					return nil, fmt.Errorf("invalid list index %q in %q", index, path)
				}
				if i < 0 {
					i += len(asList)
				}
				if i >= 0 && i < len(asList) {
					next = append(next, asList[i])
				}
			}
			current = next
		}
	}
	return current, nil
}

func splitIndexes(raw string) []string {
	if raw == "" {
		return nil
	}
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	return strings.Split(raw, "][")
}

var placeholderRe = regexp.MustCompile(`\{(data|node)((?:\[[^\[\]{}]+\])+)\}`)

// formatValue substitutes {data[key][subkey]} and {node[key]} placeholders
// in an action parameter with values from the introspection data and the
// node record. Doubled braces escape literal ones.
func formatValue(template string, data, node map[string]any) (string, error) {
	var firstErr error

	result := placeholderRe.ReplaceAllStringFunc(template, func(placeholder string) string {
		match := placeholderRe.FindStringSubmatch(placeholder)
		doc := map[string]any{"data": data, "node": node}[match[1]]

		value := any(doc)
		for _, key := range splitIndexes(match[2]) {
			asMap, ok := value.(map[string]any)
			if !ok {
				if firstErr == nil {
					firstErr = fmt.Errorf("cannot format %q: %s is not an object", placeholder, key)
				}
				return placeholder
			}
			value, ok = asMap[key]
			if !ok {
				if firstErr == nil {
					firstErr = fmt.Errorf("cannot format %q: key %s not found", placeholder, key)
				}
				return placeholder
			}
		}
		return stringify(value)
	})
	if firstErr != nil {
		return "", firstErr
	}

	result = strings.ReplaceAll(result, "{{", "{")
	result = strings.ReplaceAll(result, "}}", "}")
	return result, nil
}

func stringify(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing .0 the default formatting would add.
		if typed == float64(int64(typed)) {
			return strconv.FormatInt(int64(typed), 10)
		}
		return strconv.FormatFloat(typed, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", typed)
	}
}
