package models

import "errors"

// Common errors for introspection state and rule operations.
var (
	// Node errors
	ErrNodeNotFound       = errors.New("node not found in cache")
	ErrNotFoundInCache    = errors.New("no node matched the lookup attributes")
	ErrAmbiguousLookup    = errors.New("multiple nodes matched the lookup attributes")
	ErrDuplicateAttribute = errors.New("lookup attribute already on introspection")
	ErrAlreadyFinished    = errors.New("introspection already finished")
	ErrNodeLocked         = errors.New("node is locked, try again later")

	// Rule errors
	ErrRuleNotFound  = errors.New("rule not found")
	ErrDuplicateRule = errors.New("rule already exists")

	// Object store errors
	ErrObjectNotFound   = errors.New("introspection data object not found")
	ErrStorageDisabled  = errors.New("introspection data storage is disabled")
	ErrObjectStoreFault = errors.New("object store request failed")
)
