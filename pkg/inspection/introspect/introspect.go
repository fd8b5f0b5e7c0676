// Package introspect starts and aborts introspection runs: it validates
// the target node, registers it in the cache and boots it into the
// introspection ramdisk.
package introspect

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/baremetal-lab/inspector/internal/logger"
	"github.com/baremetal-lab/inspector/pkg/baremetal"
	"github.com/baremetal-lab/inspector/pkg/executor"
	"github.com/baremetal-lab/inspector/pkg/inspection/cache"
	"github.com/baremetal-lab/inspector/pkg/inspection/models"
	"github.com/baremetal-lab/inspector/pkg/inspection/process"
	"github.com/baremetal-lab/inspector/pkg/metrics"
)

// abortedError is recorded on nodes whose introspection was aborted.
const abortedError = "Canceled by operator"

// Config holds the introspection trigger options.
type Config struct {
	// EnableSettingIPMICredentials permits requests that install new
	// IPMI credentials during introspection.
	EnableSettingIPMICredentials bool `mapstructure:"enable_setting_ipmi_credentials" yaml:"enable_setting_ipmi_credentials"`

	// PowerOff controls whether aborted nodes are powered off.
	PowerOff bool `mapstructure:"power_off" yaml:"power_off"`

	// Delay is waited before issuing power commands, throttling BMCs
	// when many nodes are introspected at once.
	Delay time.Duration `mapstructure:"introspection_delay" yaml:"introspection_delay"`
}

// Introspector starts and aborts introspection runs.
type Introspector struct {
	config  Config
	nodes   *cache.NodeCache
	client  baremetal.Client
	pool    *executor.Pool
	metrics *metrics.Metrics
}

// New creates an introspector. A nil pool runs the boot sequence inline.
func New(config Config, nodes *cache.NodeCache, client baremetal.Client, pool *executor.Pool, m *metrics.Metrics) *Introspector {
	return &Introspector{
		config:  config,
		nodes:   nodes,
		client:  client,
		pool:    pool,
		metrics: m,
	}
}

var passwordRe = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// maximum password length the IPMI 2.0 spec guarantees.
const maxPasswordLen = 20

// Introspect starts introspection of a node. With creds set, the run will
// install the given IPMI credentials instead of powering the node off at
// the end. The node is rebooted into the ramdisk in the background; the
// call returns once the node is registered in the cache.
func (i *Introspector) Introspect(ctx context.Context, uuid string, creds *process.Credentials) error {
	node, err := i.client.GetNode(ctx, uuid)
	if err != nil {
		return fmt.Errorf("cannot get node %s: %w", uuid, err)
	}

	if err := baremetal.VerifyProvisionState(node, creds != nil); err != nil {
		return err
	}

	if creds != nil {
		validated, err := i.validateCredentials(node, *creds)
		if err != nil {
			return err
		}
		creds = &validated
	} else {
		if err := i.client.ValidatePower(ctx, uuid); err != nil {
			return fmt.Errorf("failed validation of power interface for node %s: %w", uuid, err)
		}
	}

	attributes := make(map[string][]string)
	if bmc := baremetal.GetIPMIAddress(node); bmc != "" {
		attributes[cache.AttrBMCAddress] = []string{bmc}
	}

	nodeInfo, err := i.nodes.AddNode(ctx, uuid, attributes)
	if err != nil {
		return err
	}
	if creds != nil {
		err := nodeInfo.SetOption(ctx, "new_ipmi_credentials",
			[]string{creds.Username, creds.Password})
		if err != nil {
			return err
		}
	}

	i.metrics.RecordStarted()
	logger.Info("introspection started", logger.Node(uuid),
		"set_credentials", creds != nil)

	setCredentials := creds != nil
	i.submit(ctx, func(ctx context.Context) {
		nodeInfo.AcquireLock(true)
		defer nodeInfo.ReleaseLock()
		i.bootNode(ctx, nodeInfo, setCredentials)
	})
	return nil
}

func (i *Introspector) submit(ctx context.Context, task func(ctx context.Context)) {
	if i.pool != nil && i.pool.Submit(task) {
		return
	}
	task(ctx)
}

// bootNode registers the node's known MACs for lookup and reboots it into
// the ramdisk. Credential runs skip the reboot: the BMC may not accept
// power commands yet, so the operator powers the node on manually.
func (i *Introspector) bootNode(ctx context.Context, nodeInfo *cache.NodeInfo, setCredentials bool) {
	ports, err := nodeInfo.Ports(ctx)
	if err != nil {
		logger.Warn("cannot list ports for lookup attributes",
			logger.Node(nodeInfo.UUID), logger.Err(err))
	} else if len(ports) > 0 {
		macs := make([]string, 0, len(ports))
		for mac := range ports {
			macs = append(macs, mac)
		}
		if err := nodeInfo.AddAttribute(ctx, cache.AttrMAC, macs); err != nil {
			logger.Warn("cannot register MAC lookup attributes",
				logger.Node(nodeInfo.UUID), logger.Err(err))
		}
	}

	if setCredentials {
		logger.Info("introspection environment is ready, manual power on is required",
			logger.Node(nodeInfo.UUID))
		return
	}

	if i.config.Delay > 0 {
		logger.Debug("waiting before booting the node",
			logger.Node(nodeInfo.UUID), "delay", i.config.Delay)
		select {
		case <-time.After(i.config.Delay):
		case <-ctx.Done():
			return
		}
	}

	if err := i.client.SetBootDevice(ctx, nodeInfo.UUID, "pxe", false); err != nil {
		logger.Warn("failed to set boot device to PXE, assuming it is already set",
			logger.Node(nodeInfo.UUID), logger.Err(err))
	}

	if err := i.client.SetPowerState(ctx, nodeInfo.UUID, baremetal.PowerReboot); err != nil {
		cause := fmt.Errorf("failed to power on the node, check its power management configuration: %w", err)
		logger.Error("failed to reboot node into the ramdisk",
			logger.Node(nodeInfo.UUID), logger.Err(err))
		if ferr := nodeInfo.Finish(ctx, cause); ferr != nil {
			logger.Error("failed to record power failure",
				logger.Node(nodeInfo.UUID), logger.Err(ferr))
		}
	}
}

// validateCredentials checks requested IPMI credentials against what BMCs
// commonly accept. A missing username falls back to the one in the node's
// driver info.
func (i *Introspector) validateCredentials(node *baremetal.Node, creds process.Credentials) (process.Credentials, error) {
	if !i.config.EnableSettingIPMICredentials {
		return creds, errors.New("IPMI credentials setup is disabled in configuration")
	}

	if creds.Username == "" {
		creds.Username, _ = node.DriverInfo["ipmi_username"].(string)
	}
	if creds.Username == "" {
		return creds, errors.New(
			"setting IPMI credentials requested, but neither new username nor driver_info[ipmi_username] are provided")
	}

	if !passwordRe.MatchString(creds.Password) {
		return creds, errors.New("new IPMI password must contain only letters and digits")
	}
	if len(creds.Password) > maxPasswordLen {
		return creds, fmt.Errorf("new IPMI password is longer than %d characters", maxPasswordLen)
	}
	return creds, nil
}

// Abort cancels a running introspection, marking the node as failed with a
// well-known message. A node currently being processed yields
// ErrNodeLocked.
func (i *Introspector) Abort(ctx context.Context, uuid string) error {
	nodeInfo, err := i.nodes.GetNode(ctx, uuid, false)
	if err != nil {
		return err
	}

	if !nodeInfo.AcquireLock(false) {
		return fmt.Errorf("%w: node %s is locked, please retry later",
			models.ErrNodeLocked, uuid)
	}
	defer nodeInfo.ReleaseLock()

	if nodeInfo.Finished() {
		return fmt.Errorf("%w: introspection of node %s already finished",
			models.ErrAlreadyFinished, uuid)
	}

	if i.config.PowerOff {
		if err := i.client.SetPowerState(ctx, uuid, baremetal.PowerOff); err != nil {
			logger.Warn("failed to power off node during abort",
				logger.Node(uuid), logger.Err(err))
		}
	}

	if err := nodeInfo.Finish(ctx, errors.New(abortedError)); err != nil {
		return err
	}

	i.metrics.RecordFinished("aborted", 0)
	logger.Info("introspection aborted", logger.Node(uuid))
	return nil
}
