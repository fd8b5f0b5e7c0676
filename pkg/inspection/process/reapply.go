package process

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/baremetal-lab/inspector/internal/logger"
	"github.com/baremetal-lab/inspector/pkg/inspection/cache"
	"github.com/baremetal-lab/inspector/pkg/inspection/models"
	"github.com/baremetal-lab/inspector/pkg/objectstore"
)

// Reapply reruns the processing pipeline for a node from its archived
// unprocessed data, without touching power state. The heavy lifting runs in
// the background; the call returns once the node's lock is taken. A node
// currently being processed yields ErrNodeLocked.
func (p *Processor) Reapply(ctx context.Context, uuid string) error {
	if !p.config.StoreEnabled() {
		return fmt.Errorf("reapply requires store_data to be enabled")
	}

	nodeInfo, err := p.nodes.GetNode(ctx, uuid, false)
	if err != nil {
		return err
	}
	if !nodeInfo.AcquireLock(false) {
		return fmt.Errorf("%w: node %s is locked, please retry later",
			models.ErrNodeLocked, uuid)
	}

	p.submit(ctx, func(ctx context.Context) {
		defer nodeInfo.ReleaseLock()
		p.reapply(ctx, nodeInfo)
	})
	return nil
}

func (p *Processor) reapply(ctx context.Context, nodeInfo *cache.NodeInfo) {
	logger.Info("reapplying introspection on stored data", logger.Node(nodeInfo.UUID))

	data, err := p.fetchUnprocessed(ctx, nodeInfo.UUID)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			err = fmt.Errorf("no unprocessed introspection data found for node %s", nodeInfo.UUID)
		}
		p.failReapply(ctx, nodeInfo, err)
		return
	}

	var failures []string
	for _, hook := range p.hooks {
		if err := hook.BeforeProcessing(ctx, data); err != nil {
			failures = append(failures, fmt.Sprintf("[hook %s] %s", hook.Name(), err))
		}
	}
	if len(failures) > 0 {
		p.failReapply(ctx, nodeInfo, errors.New(strings.Join(failures, "; ")))
		return
	}

	if _, err := nodeInfo.Node(ctx); err != nil {
		p.failReapply(ctx, nodeInfo, fmt.Errorf("cannot fetch node from the registry: %w", err))
		return
	}

	var macs []string
	if raw, ok := data["macs"].([]any); ok {
		for _, mac := range raw {
			if s, ok := mac.(string); ok {
				macs = append(macs, s)
			}
		}
	}
	if err := nodeInfo.CreatePorts(ctx, macs); err != nil {
		p.failReapply(ctx, nodeInfo, err)
		return
	}

	for _, hook := range p.hooks {
		if err := hook.BeforeUpdate(ctx, nodeInfo, data); err != nil {
			p.failReapply(ctx, nodeInfo, fmt.Errorf("[hook %s] %w", hook.Name(), err))
			return
		}
	}

	if err := p.storeData(ctx, nodeInfo, nodeInfo.UUID, data, ""); err != nil {
		p.failReapply(ctx, nodeInfo, err)
		return
	}

	nodeInfo.InvalidateCache()
	if err := p.rules.Apply(ctx, nodeInfo, data); err != nil {
		p.failReapply(ctx, nodeInfo, err)
		return
	}

	if err := nodeInfo.Finish(ctx, nil); err != nil {
		logger.Error("failed to finish reapply", logger.Node(nodeInfo.UUID), logger.Err(err))
		return
	}
	logger.Info("reapply finished successfully", logger.Node(nodeInfo.UUID))
}

func (p *Processor) failReapply(ctx context.Context, nodeInfo *cache.NodeInfo, cause error) {
	logger.Error("reapply failed", logger.Node(nodeInfo.UUID), logger.Err(cause))
	if err := nodeInfo.Finish(ctx, cause); err != nil {
		logger.Error("failed to record reapply failure",
			logger.Node(nodeInfo.UUID), logger.Err(err))
	}
}
