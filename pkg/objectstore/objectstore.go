// Package objectstore defines the interface for archiving introspection
// data documents and the naming convention shared by all backends.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// SuffixUnprocessed names the copy of a submission stored before hooks ran.
const SuffixUnprocessed = "UNPROCESSED"

// objectPrefix is part of the public naming contract; external consumers
// fetch archived data by this name.
const objectPrefix = "inspector_data-"

var (
	// ErrObjectNotFound is returned when the named object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrStoreClosed is returned on use after Close.
	ErrStoreClosed = errors.New("object store is closed")
)

// ObjectName builds the canonical object name for a node's introspection
// data. An empty suffix names the processed document.
func ObjectName(nodeUUID, suffix string) string {
	name := objectPrefix + nodeUUID
	if suffix != "" {
		name += "-" + suffix
	}
	return name
}

// Store archives introspection data documents.
type Store interface {
	// Put stores an object. A positive deleteAfter asks the backend to
	// expire the object after that duration; zero keeps it forever.
	Put(ctx context.Context, name string, data []byte, deleteAfter time.Duration) error

	// Get retrieves an object, or ErrObjectNotFound.
	Get(ctx context.Context, name string) ([]byte, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
