package process

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-retry"

	"github.com/baremetal-lab/inspector/internal/logger"
	"github.com/baremetal-lab/inspector/pkg/baremetal"
	"github.com/baremetal-lab/inspector/pkg/inspection"
	"github.com/baremetal-lab/inspector/pkg/inspection/cache"
)

// Credentials are the IPMI credentials to install on a node.
type Credentials struct {
	Username string
	Password string
}

// decodeCredentials unpacks the stored new_ipmi_credentials option, a
// two-element [username, password] list.
func decodeCredentials(value any) (Credentials, bool) {
	pair, ok := value.([]any)
	if !ok || len(pair) != 2 {
		return Credentials{}, false
	}
	username, okUser := pair[0].(string)
	password, okPass := pair[1].(string)
	if !okUser || !okPass || username == "" {
		return Credentials{}, false
	}
	return Credentials{Username: username, Password: password}, true
}

// settleCredentials writes the requested IPMI credentials to the node and
// polls the BMC until it answers with them, then finishes introspection.
// The BMC discovered address fills in driver_info when the node has none.
// Runs under the node's lock; the caller releases it.
func (p *Processor) settleCredentials(ctx context.Context, nodeInfo *cache.NodeInfo, creds Credentials, data inspection.Data) {
	patches := []baremetal.Patch{
		{Op: "add", Path: "/driver_info/ipmi_username", Value: creds.Username},
		{Op: "add", Path: "/driver_info/ipmi_password", Value: creds.Password},
	}

	node, err := nodeInfo.Node(ctx)
	if err != nil {
		p.failCredentials(ctx, nodeInfo, err)
		return
	}
	if bmc := inspection.BMCAddress(data); bmc != "" && baremetal.GetIPMIAddress(node) == "" {
		patches = append(patches, baremetal.Patch{
			Op: "add", Path: "/driver_info/ipmi_address", Value: bmc,
		})
	}

	if err := nodeInfo.Patch(ctx, patches); err != nil {
		p.failCredentials(ctx, nodeInfo, fmt.Errorf("update IPMI credentials: %w", err))
		return
	}

	// The BMC applies new credentials asynchronously; probe it with a
	// cheap read until the new ones work.
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(p.config.CredentialsWaitRetries-1),
		retry.NewConstant(p.config.CredentialsWaitPeriod))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if _, err := p.client.GetBootDevice(ctx, nodeInfo.UUID); err != nil {
			logger.Info("waiting for IPMI credentials to settle",
				logger.Node(nodeInfo.UUID), logger.Attempt(attempt), logger.Err(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		p.failCredentials(ctx, nodeInfo, fmt.Errorf(
			"failed to validate updated IPMI credentials for node %s, node may require maintenance",
			nodeInfo.UUID))
		return
	}

	p.finishNode(ctx, nodeInfo, node.ProvisionState)
}

func (p *Processor) failCredentials(ctx context.Context, nodeInfo *cache.NodeInfo, cause error) {
	logger.Error("IPMI credential setup failed",
		logger.Node(nodeInfo.UUID), logger.Err(cause))
	if err := nodeInfo.Finish(ctx, cause); err != nil {
		logger.Error("failed to record credential setup failure",
			logger.Node(nodeInfo.UUID), logger.Err(err))
	}
}
