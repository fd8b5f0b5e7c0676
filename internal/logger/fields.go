package logger

import "log/slog"

// Standard field keys for structured logging. Use these keys consistently
// across all log statements so that records for a single introspection can be
// correlated by node UUID, PXE MAC, or BMC address.
const (
	KeyNode       = "node"        // node UUID
	KeyMAC        = "mac"         // MAC address (usually the PXE interface)
	KeyBMC        = "bmc"         // BMC / IPMI address
	KeyAttribute  = "attribute"   // lookup attribute name
	KeyHook       = "hook"        // processing hook name
	KeyRule       = "rule"        // introspection rule UUID or description
	KeyCondition  = "condition"   // rule condition operator
	KeyAction     = "action"      // rule action name
	KeyObject     = "object"      // object-store object name
	KeySuffix     = "suffix"      // object-store name suffix
	KeyPort       = "port"        // bare-metal port UUID
	KeyState      = "state"       // provision or power state
	KeyAttempt    = "attempt"     // retry attempt number
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyCount      = "count"       // generic count
)

// Node returns a slog.Attr for a node UUID.
func Node(uuid string) slog.Attr {
	return slog.String(KeyNode, uuid)
}

// MAC returns a slog.Attr for a MAC address.
func MAC(mac string) slog.Attr {
	return slog.String(KeyMAC, mac)
}

// BMC returns a slog.Attr for a BMC address.
func BMC(addr string) slog.Attr {
	return slog.String(KeyBMC, addr)
}

// Hook returns a slog.Attr for a processing hook name.
func Hook(name string) slog.Attr {
	return slog.String(KeyHook, name)
}

// Rule returns a slog.Attr for a rule identifier.
func Rule(id string) slog.Attr {
	return slog.String(KeyRule, id)
}

// Object returns a slog.Attr for an object-store object name.
func Object(name string) slog.Attr {
	return slog.String(KeyObject, name)
}

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
