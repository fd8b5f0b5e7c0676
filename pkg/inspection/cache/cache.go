// Package cache tracks nodes currently undergoing introspection. It pairs
// the persistent node records with an in-process lock registry so that at
// most one pipeline works on a node at a time.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/baremetal-lab/inspector/internal/logger"
	"github.com/baremetal-lab/inspector/pkg/baremetal"
	"github.com/baremetal-lab/inspector/pkg/inspection/models"
	"github.com/baremetal-lab/inspector/pkg/inspection/store"
	"github.com/baremetal-lab/inspector/pkg/lock"
)

// Well-known lookup attribute names.
const (
	AttrMAC        = "mac"
	AttrBMCAddress = "bmc_address"
)

// timeoutError is recorded on nodes whose introspection never completed.
const timeoutError = "Introspection timeout"

// NodeCache is the coordinator's registry of nodes under introspection.
type NodeCache struct {
	store  *store.GORMStore
	client baremetal.Client
	locks  *lock.Registry
}

// New creates a node cache on top of the given store and registry client.
func New(db *store.GORMStore, client baremetal.Client) *NodeCache {
	return &NodeCache{
		store:  db,
		client: client,
		locks:  lock.NewRegistry(),
	}
}

func (c *NodeCache) newNodeInfo(uuid string) *NodeInfo {
	return &NodeInfo{
		UUID:   uuid,
		store:  c.store,
		client: c.client,
		locks:  c.locks,
	}
}

// AddNode starts tracking a node. Any previous record for the same UUID is
// dropped together with its attributes and options, so a re-triggered
// introspection starts from a clean slate.
func (c *NodeCache) AddNode(ctx context.Context, uuid string, attributes map[string][]string) (*NodeInfo, error) {
	startedAt := time.Now().UTC()
	if err := c.store.CreateNode(ctx, uuid, startedAt, attributes); err != nil {
		return nil, err
	}

	info := c.newNodeInfo(uuid)
	info.StartedAt = startedAt
	return info, nil
}

// GetNode returns the cache's record for a node. With locked set the node's
// lock is acquired (blocking) before the record is read.
func (c *NodeCache) GetNode(ctx context.Context, uuid string, locked bool) (*NodeInfo, error) {
	info := c.newNodeInfo(uuid)
	if locked {
		info.AcquireLock(true)
	}

	row, err := c.store.GetNode(ctx, uuid)
	if err != nil {
		info.ReleaseLock()
		return nil, err
	}
	info.fromModel(row)
	return info, nil
}

// FindNode locates the single node matching the given lookup attributes and
// returns it locked. Attribute values of the same name are alternatives; a
// node matches when any value of any attribute points at it. No match
// yields ErrNotFoundInCache, more than one yields ErrAmbiguousLookup.
func (c *NodeCache) FindNode(ctx context.Context, attributes map[string][]string) (*NodeInfo, error) {
	uuids, err := c.store.FindUUIDsByAttributes(ctx, attributes)
	if err != nil {
		return nil, err
	}

	switch len(uuids) {
	case 1:
	case 0:
		return nil, fmt.Errorf("%w: could not find a node for attributes %v",
			models.ErrNotFoundInCache, attributes)
	default:
		return nil, fmt.Errorf("%w: multiple nodes match attributes %v: %v",
			models.ErrAmbiguousLookup, attributes, uuids)
	}

	info := c.newNodeInfo(uuids[0])
	info.AcquireLock(true)

	// The node may have finished or been replaced while we waited for the
	// lock; the row is authoritative only once the lock is held.
	row, err := c.store.GetNode(ctx, info.UUID)
	if err != nil {
		info.ReleaseLock()
		if errors.Is(err, models.ErrNodeNotFound) {
			return nil, fmt.Errorf("%w: node %s disappeared during lookup",
				models.ErrNotFoundInCache, info.UUID)
		}
		return nil, err
	}
	info.fromModel(row)
	return info, nil
}

// ActiveMACs returns the MACs of all nodes whose introspection is still in
// progress. Used to pick out which booting machines belong to us.
func (c *NodeCache) ActiveMACs(ctx context.Context) ([]string, error) {
	return c.store.ActiveAttributeValues(ctx, AttrMAC)
}

// DeleteNodesNotInList drops cached records for nodes that no longer exist
// in the registry. Each removal happens under the node's lock.
func (c *NodeCache) DeleteNodesNotInList(ctx context.Context, uuids []string) error {
	existing := make(map[string]struct{}, len(uuids))
	for _, uuid := range uuids {
		existing[uuid] = struct{}{}
	}

	cached, err := c.store.ListNodeUUIDs(ctx)
	if err != nil {
		return err
	}
	sort.Strings(cached)

	for _, uuid := range cached {
		if _, ok := existing[uuid]; ok {
			continue
		}
		logger.Info("removing node not found in registry", logger.Node(uuid))

		info := c.newNodeInfo(uuid)
		info.AcquireLock(true)
		err := c.store.DeleteNode(ctx, uuid)
		info.ReleaseLock()
		if err != nil && !errors.Is(err, models.ErrNodeNotFound) {
			return err
		}
	}
	return nil
}

// CleanUp reaps expired records. Finished nodes older than keepTime are
// deleted outright. Active nodes that started more than timeout ago are
// moved to a failed terminal state; their UUIDs are returned so the caller
// can react, e.g. power them off. A non-positive timeout disables the
// timeout sweep, a non-positive keepTime disables expiry.
func (c *NodeCache) CleanUp(ctx context.Context, timeout, keepTime time.Duration) ([]string, error) {
	now := time.Now().UTC()

	if keepTime > 0 {
		removed, err := c.store.DeleteExpiredFinished(ctx, now.Add(-keepTime))
		if err != nil {
			return nil, err
		}
		if removed > 0 {
			logger.Info("removed expired introspection records", "count", removed)
		}
	}

	if timeout <= 0 {
		return nil, nil
	}
	threshold := now.Add(-timeout)

	candidates, err := c.store.ListTimedOutUUIDs(ctx, threshold)
	if err != nil {
		return nil, err
	}

	var timedOut []string
	for _, uuid := range candidates {
		info := c.newNodeInfo(uuid)
		info.AcquireLock(true)

		// Re-check under the lock: the pipeline may have finished the
		// node while it sat in the candidate list.
		row, err := c.store.GetNode(ctx, uuid)
		if err != nil {
			info.ReleaseLock()
			if errors.Is(err, models.ErrNodeNotFound) {
				continue
			}
			return timedOut, err
		}
		if row.Finished() || row.StartedAt.After(threshold) {
			info.ReleaseLock()
			continue
		}

		logger.Error("introspection timed out", logger.Node(uuid),
			"started_at", row.StartedAt)
		err = info.Finish(ctx, errors.New(timeoutError))
		info.ReleaseLock()
		if err != nil {
			return timedOut, err
		}
		timedOut = append(timedOut, uuid)
	}
	return timedOut, nil
}
