// Package process implements the introspection data processing pipeline:
// identifying the node a ramdisk submission belongs to, running the
// processing hooks, archiving the data and applying the introspection
// rules.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baremetal-lab/inspector/internal/logger"
	"github.com/baremetal-lab/inspector/pkg/baremetal"
	"github.com/baremetal-lab/inspector/pkg/executor"
	"github.com/baremetal-lab/inspector/pkg/inspection"
	"github.com/baremetal-lab/inspector/pkg/inspection/cache"
	"github.com/baremetal-lab/inspector/pkg/inspection/hooks"
	"github.com/baremetal-lab/inspector/pkg/inspection/models"
	"github.com/baremetal-lab/inspector/pkg/inspection/rules"
	"github.com/baremetal-lab/inspector/pkg/metrics"
	"github.com/baremetal-lab/inspector/pkg/objectstore"
)

// Data storage policies.
const (
	StoreDataNone = "none"
	StoreDataS3   = "s3"
	// StoreDataSwift is accepted as an alias of s3 for compatibility
	// with configurations written for swift-backed deployments.
	StoreDataSwift = "swift"
)

// Config holds the processing pipeline options.
type Config struct {
	// StoreData selects where introspection data is archived: s3 (or
	// its alias swift) or none.
	StoreData string `mapstructure:"store_data" yaml:"store_data"`

	// StoreDataLocation, when set, names the node extra field that
	// records the archived object's name.
	StoreDataLocation string `mapstructure:"store_data_location" yaml:"store_data_location"`

	// DeleteAfter asks the object store to expire archived data after
	// this duration. Zero keeps it forever.
	DeleteAfter time.Duration `mapstructure:"delete_after" yaml:"delete_after"`

	// PowerOff controls whether nodes are powered off once
	// introspection finishes.
	PowerOff bool `mapstructure:"power_off" yaml:"power_off"`

	// AlwaysStoreRamdiskLogs stores ramdisk logs even for successful
	// submissions; otherwise only failures keep them.
	AlwaysStoreRamdiskLogs bool `mapstructure:"always_store_ramdisk_logs" yaml:"always_store_ramdisk_logs"`

	// RamdiskLogsDir is where ramdisk logs are written. Empty disables
	// log storage.
	RamdiskLogsDir string `mapstructure:"ramdisk_logs_dir" yaml:"ramdisk_logs_dir"`

	// RamdiskLogsFilenameFormat builds log file names; {uuid}, {mac},
	// {dt} and {bmc} are substituted.
	RamdiskLogsFilenameFormat string `mapstructure:"ramdisk_logs_filename_format" yaml:"ramdisk_logs_filename_format"`

	// CredentialsWaitRetries and CredentialsWaitPeriod control how long
	// the credential settler polls the BMC after updating credentials.
	CredentialsWaitRetries int           `mapstructure:"credentials_wait_retries" yaml:"credentials_wait_retries"`
	CredentialsWaitPeriod  time.Duration `mapstructure:"credentials_wait_period" yaml:"credentials_wait_period"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.StoreData == "" {
		c.StoreData = StoreDataNone
	}
	if c.RamdiskLogsFilenameFormat == "" {
		c.RamdiskLogsFilenameFormat = "ramdisk_logs_{uuid}_{dt}.tar.gz"
	}
	if c.CredentialsWaitRetries <= 0 {
		c.CredentialsWaitRetries = 10
	}
	if c.CredentialsWaitPeriod <= 0 {
		c.CredentialsWaitPeriod = 3 * time.Second
	}
}

// Validate checks the storage policy.
func (c *Config) Validate() error {
	switch c.StoreData {
	case StoreDataNone, StoreDataS3, StoreDataSwift:
		return nil
	default:
		return fmt.Errorf("invalid store_data policy %q", c.StoreData)
	}
}

// StoreEnabled reports whether introspection data archiving is on.
func (c *Config) StoreEnabled() bool {
	return c.StoreData == StoreDataS3 || c.StoreData == StoreDataSwift
}

// NodeNotFoundHandler can enroll a node for a submission the cache does not
// recognize. Returning a nil NodeInfo without error declines.
type NodeNotFoundHandler func(ctx context.Context, data inspection.Data) (*cache.NodeInfo, error)

// Result is what a successful submission returns to the ramdisk.
type Result struct {
	UUID                 string `json:"uuid"`
	IPMISetupCredentials bool   `json:"ipmi_setup_credentials"`
	IPMIUsername         string `json:"ipmi_username,omitempty"`
	IPMIPassword         string `json:"ipmi_password,omitempty"`
}

// Processor drives submissions through the pipeline.
type Processor struct {
	config       Config
	nodes        *cache.NodeCache
	client       baremetal.Client
	hooks        []hooks.ProcessingHook
	rules        *rules.Engine
	objects      objectstore.Store
	pool         *executor.Pool
	metrics      *metrics.Metrics
	nodeNotFound NodeNotFoundHandler
}

// Options bundles the processor's collaborators.
type Options struct {
	Config       Config
	Nodes        *cache.NodeCache
	Client       baremetal.Client
	Hooks        []hooks.ProcessingHook
	Rules        *rules.Engine
	Objects      objectstore.Store
	Pool         *executor.Pool
	Metrics      *metrics.Metrics
	NodeNotFound NodeNotFoundHandler
}

// New creates a processor. A nil Pool runs background stages inline, which
// tests rely on.
func New(opts Options) (*Processor, error) {
	opts.Config.ApplyDefaults()
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Config.StoreEnabled() && opts.Objects == nil {
		return nil, fmt.Errorf("store_data is %s but no object store is configured", opts.Config.StoreData)
	}

	return &Processor{
		config:       opts.Config,
		nodes:        opts.Nodes,
		client:       opts.Client,
		hooks:        opts.Hooks,
		rules:        opts.Rules,
		objects:      opts.Objects,
		pool:         opts.Pool,
		metrics:      opts.Metrics,
		nodeNotFound: opts.NodeNotFound,
	}, nil
}

// preprocessingError aggregates the pre-processing failures into a single
// error. The lookup failure, when present, is wrapped so callers can still
// match its sentinel (not-found vs ambiguous).
func preprocessingError(failures []string, findErr error) error {
	const prefix = "the following failures happened during running pre-processing hooks:\n"

	if findErr == nil {
		return errors.New(prefix + strings.Join(failures, "\n"))
	}
	// findErr's text is the last entry in failures.
	if len(failures) == 1 {
		return fmt.Errorf(prefix+"%w", findErr)
	}
	return fmt.Errorf(prefix+"%s\n%w", strings.Join(failures[:len(failures)-1], "\n"), findErr)
}

// submit runs a background stage on the pool, or inline without one.
func (p *Processor) submit(ctx context.Context, task func(ctx context.Context)) {
	if p.pool != nil && p.pool.Submit(task) {
		return
	}
	task(ctx)
}

// Process runs a ramdisk submission through the pipeline and returns the
// response for the ramdisk. The raw submission is preserved for archival
// before any hook touches it.
func (p *Processor) Process(ctx context.Context, data inspection.Data) (*Result, error) {
	started := time.Now()
	raw := inspection.DeepCopy(data)

	var failures []string
	for _, hook := range p.hooks {
		if err := hook.BeforeProcessing(ctx, data); err != nil {
			logger.Error("pre-processing hook failed", logger.Hook(hook.Name()),
				logger.Err(err))
			failures = append(failures, fmt.Sprintf("[hook %s] %s", hook.Name(), err))
		}
	}

	nodeInfo, findErr := p.findNode(ctx, data)
	if len(failures) > 0 || findErr != nil {
		if findErr != nil {
			failures = append(failures, findErr.Error())
		}
		if nodeInfo != nil {
			if err := nodeInfo.Finish(ctx, errors.New(strings.Join(failures, "\n"))); err != nil {
				logger.Error("failed to record processing failure",
					logger.Node(nodeInfo.UUID), logger.Err(err))
			}
			nodeInfo.ReleaseLock()
		}
		p.storeLogs(data, nodeInfo, true)
		p.metrics.RecordFinished("error", time.Since(started))
		return nil, preprocessingError(failures, findErr)
	}

	logger.Info("matching node found for submission", logger.Node(nodeInfo.UUID))

	if nodeInfo.Finished() {
		nodeInfo.ReleaseLock()
		return nil, fmt.Errorf("%w: node %s, error: %s",
			models.ErrAlreadyFinished, nodeInfo.UUID, nodeInfo.Error)
	}

	if p.config.StoreEnabled() {
		uuid := nodeInfo.UUID
		p.submit(ctx, func(ctx context.Context) {
			if err := p.storeData(ctx, nil, uuid, raw, objectstore.SuffixUnprocessed); err != nil {
				logger.Error("failed to store unprocessed data",
					logger.Node(uuid), logger.Err(err))
			}
		})
	}

	node, err := nodeInfo.Node(ctx)
	if err != nil {
		cause := fmt.Errorf("cannot fetch node %s from the registry: %w", nodeInfo.UUID, err)
		if ferr := nodeInfo.Finish(ctx, cause); ferr != nil {
			logger.Error("failed to record processing failure",
				logger.Node(nodeInfo.UUID), logger.Err(ferr))
		}
		nodeInfo.ReleaseLock()
		p.storeLogs(data, nodeInfo, true)
		p.metrics.RecordFinished("error", time.Since(started))
		return nil, cause
	}

	result, err := p.processNode(ctx, nodeInfo, node, data)
	if err != nil {
		if ferr := nodeInfo.Finish(ctx, err); ferr != nil {
			logger.Error("failed to record processing failure",
				logger.Node(nodeInfo.UUID), logger.Err(ferr))
		}
		nodeInfo.ReleaseLock()
		p.storeLogs(data, nodeInfo, true)
		p.metrics.RecordFinished("error", time.Since(started))
		return nil, err
	}

	p.storeLogs(data, nodeInfo, false)
	p.metrics.RecordFinished("success", time.Since(started))
	return result, nil
}

// findNode identifies the submission's node by BMC address and MACs and
// returns it locked.
func (p *Processor) findNode(ctx context.Context, data inspection.Data) (*cache.NodeInfo, error) {
	attributes := make(map[string][]string)
	if bmc := inspection.BMCAddress(data); bmc != "" {
		attributes[cache.AttrBMCAddress] = []string{bmc}
	}
	if macs := inspection.ValidMACs(data); len(macs) > 0 {
		attributes[cache.AttrMAC] = macs
	}
	if len(attributes) == 0 {
		p.metrics.RecordLookupFailure("not_found")
		return nil, fmt.Errorf("no lookup attributes were found in the submission")
	}

	nodeInfo, err := p.nodes.FindNode(ctx, attributes)
	if err == nil {
		return nodeInfo, nil
	}

	switch {
	case errors.Is(err, models.ErrNotFoundInCache):
		p.metrics.RecordLookupFailure("not_found")
		if p.nodeNotFound != nil {
			logger.Info("node not found in cache, running not-found handler")
			return p.runNodeNotFound(ctx, data)
		}
	case errors.Is(err, models.ErrAmbiguousLookup):
		p.metrics.RecordLookupFailure("ambiguous")
	}
	return nil, err
}

func (p *Processor) runNodeNotFound(ctx context.Context, data inspection.Data) (*cache.NodeInfo, error) {
	nodeInfo, err := p.nodeNotFound(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("node-not-found handler: %w", err)
	}
	if nodeInfo == nil {
		return nil, fmt.Errorf("%w: submission declined by the not-found handler",
			models.ErrNotFoundInCache)
	}
	nodeInfo.AcquireLock(true)
	return nodeInfo, nil
}

// processNode runs the post-identification stages under the node's lock.
// The lock travels with the backgrounded finish stage and is released
// there.
func (p *Processor) processNode(ctx context.Context, nodeInfo *cache.NodeInfo, node *baremetal.Node, data inspection.Data) (*Result, error) {
	if err := baremetal.VerifyProvisionState(node, false); err != nil {
		return nil, err
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
		return nil, err
	}

	for _, hook := range p.hooks {
		if err := hook.BeforeUpdate(ctx, nodeInfo, data); err != nil {
			return nil, fmt.Errorf("[hook %s] %w", hook.Name(), err)
		}
	}

	if p.config.StoreEnabled() {
		if err := p.storeData(ctx, nodeInfo, nodeInfo.UUID, data, ""); err != nil {
			return nil, err
		}
	}

	nodeInfo.InvalidateCache()
	if err := p.rules.Apply(ctx, nodeInfo, data); err != nil {
		return nil, err
	}

	result := &Result{UUID: nodeInfo.UUID}

	options, err := nodeInfo.Options(ctx)
	if err != nil {
		return nil, err
	}
	if creds, ok := decodeCredentials(options["new_ipmi_credentials"]); ok {
		result.IPMISetupCredentials = true
		result.IPMIUsername = creds.Username
		result.IPMIPassword = creds.Password
		p.submit(ctx, func(ctx context.Context) {
			defer nodeInfo.ReleaseLock()
			p.settleCredentials(ctx, nodeInfo, creds, data)
		})
		return result, nil
	}

	p.submit(ctx, func(ctx context.Context) {
		defer nodeInfo.ReleaseLock()
		p.finishNode(ctx, nodeInfo, node.ProvisionState)
	})
	return result, nil
}

// finishNode powers the node off when configured and moves it to the
// successful terminal state.
func (p *Processor) finishNode(ctx context.Context, nodeInfo *cache.NodeInfo, provisionState string) {
	if p.config.PowerOff {
		if err := p.client.SetPowerState(ctx, nodeInfo.UUID, baremetal.PowerOff); err != nil {
			// Enrolled nodes often have no power credentials yet;
			// failing to power them off is expected.
			if strings.EqualFold(provisionState, baremetal.StateEnroll) {
				logger.Info("failed to power off node in enroll state, assuming it is expected",
					logger.Node(nodeInfo.UUID), logger.Err(err))
			} else {
				cause := fmt.Errorf("failed to power off node: %w", err)
				logger.Error("failed to power off node",
					logger.Node(nodeInfo.UUID), logger.Err(err))
				if ferr := nodeInfo.Finish(ctx, cause); ferr != nil {
					logger.Error("failed to record power off failure",
						logger.Node(nodeInfo.UUID), logger.Err(ferr))
				}
				return
			}
		}
	}

	if err := nodeInfo.Finish(ctx, nil); err != nil {
		logger.Error("failed to finish introspection",
			logger.Node(nodeInfo.UUID), logger.Err(err))
		return
	}
	logger.Info("introspection finished successfully", logger.Node(nodeInfo.UUID))
}

// storeData archives a submission, dropping the logs key first. With a
// non-nil nodeInfo and a configured location field the object name is
// recorded on the node.
func (p *Processor) storeData(ctx context.Context, nodeInfo *cache.NodeInfo, uuid string, data inspection.Data, suffix string) error {
	stripped := data
	if _, ok := data["logs"]; ok {
		stripped = inspection.DeepCopy(data)
		delete(stripped, "logs")
	}

	encoded, err := json.Marshal(stripped)
	if err != nil {
		return fmt.Errorf("encode introspection data: %w", err)
	}

	name := objectstore.ObjectName(uuid, suffix)
	if err := p.objects.Put(ctx, name, encoded, p.config.DeleteAfter); err != nil {
		return fmt.Errorf("store introspection data: %w", err)
	}
	logger.Debug("introspection data stored", logger.Node(uuid), logger.Object(name))

	if nodeInfo != nil && suffix == "" && p.config.StoreDataLocation != "" {
		err := nodeInfo.Patch(ctx, []baremetal.Patch{{
			Op:    "add",
			Path:  "/extra/" + p.config.StoreDataLocation,
			Value: name,
		}})
		if err != nil {
			return fmt.Errorf("record data location on node: %w", err)
		}
	}
	return nil
}

// GetStoredData returns the archived introspection document for a node:
// the processed one, or the raw submission when unprocessed is set.
func (p *Processor) GetStoredData(ctx context.Context, uuid string, unprocessed bool) (inspection.Data, error) {
	if !p.config.StoreEnabled() {
		return nil, models.ErrStorageDisabled
	}

	suffix := ""
	if unprocessed {
		suffix = objectstore.SuffixUnprocessed
	}
	encoded, err := p.objects.Get(ctx, objectstore.ObjectName(uuid, suffix))
	if err != nil {
		return nil, err
	}
	var data inspection.Data
	if err := json.Unmarshal(encoded, &data); err != nil {
		return nil, fmt.Errorf("decode stored introspection data: %w", err)
	}
	return data, nil
}

// fetchUnprocessed loads the raw submission archived for a node.
func (p *Processor) fetchUnprocessed(ctx context.Context, uuid string) (inspection.Data, error) {
	encoded, err := p.objects.Get(ctx, objectstore.ObjectName(uuid, objectstore.SuffixUnprocessed))
	if err != nil {
		return nil, err
	}
	var data inspection.Data
	if err := json.Unmarshal(encoded, &data); err != nil {
		return nil, fmt.Errorf("decode stored introspection data: %w", err)
	}
	return data, nil
}
