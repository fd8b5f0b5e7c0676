package baremetal

import (
	"sort"
	"strings"
)

// ParseCapabilities decodes the registry's "key1:value1,key2:value2"
// capabilities string. Entries without a colon are ignored.
func ParseCapabilities(raw string) map[string]string {
	caps := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, ":")
		if !ok || key == "" {
			continue
		}
		caps[key] = value
	}
	return caps
}

// FormatCapabilities encodes a capabilities map back into the registry's
// comma-joined string form with keys in sorted order.
func FormatCapabilities(caps map[string]string) string {
	keys := make([]string, 0, len(caps))
	for key := range caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+":"+caps[key])
	}
	return strings.Join(pairs, ",")
}
