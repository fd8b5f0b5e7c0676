// Package hooks contains the processing hooks that run on every
// introspection submission, before and after the node is identified.
package hooks

import (
	"context"
	"fmt"
	"strings"

	"github.com/baremetal-lab/inspector/pkg/inspection"
	"github.com/baremetal-lab/inspector/pkg/inspection/cache"
)

// ProcessingHook is a single pipeline stage. BeforeProcessing runs on the
// raw submission before the node is identified and may normalize or reject
// it. BeforeUpdate runs after identification with the node handle, under
// the node's lock.
type ProcessingHook interface {
	Name() string
	BeforeProcessing(ctx context.Context, data inspection.Data) error
	BeforeUpdate(ctx context.Context, node *cache.NodeInfo, data inspection.Data) error
}

// Base provides no-op hook methods for hooks that only need one phase.
type Base struct{}

func (Base) BeforeProcessing(context.Context, inspection.Data) error { return nil }

func (Base) BeforeUpdate(context.Context, *cache.NodeInfo, inspection.Data) error {
	return nil
}

// Port creation policies for the validation hook.
const (
	AddPortsAll    = "all"
	AddPortsActive = "active"
	AddPortsPXE    = "pxe"
)

// Port retention policies for the validation hook.
const (
	KeepPortsAll     = "all"
	KeepPortsPresent = "present"
	KeepPortsAdded   = "added"
)

// Config carries the knobs of the standard hooks.
type Config struct {
	// AddPorts selects which discovered interfaces become registry
	// ports: all valid ones, only those with an IP, or only the PXE
	// booting one.
	AddPorts string `mapstructure:"add_ports" yaml:"add_ports"`

	// KeepPorts selects which pre-existing registry ports survive
	// processing.
	KeepPorts string `mapstructure:"keep_ports" yaml:"keep_ports"`

	// OverwriteExisting makes the scheduler hook replace properties the
	// node already has.
	OverwriteExisting bool `mapstructure:"overwrite_existing" yaml:"overwrite_existing"`

	// PartitioningSpacing reserves one gibibyte of the root disk for
	// partitioning alignment when reporting its size.
	// Default: true (pointer distinguishes "not set" from "explicitly false")
	PartitioningSpacing *bool `mapstructure:"partitioning_spacing" yaml:"partitioning_spacing"`
}

// ApplyDefaults fills unset fields with the standard policies.
func (c *Config) ApplyDefaults() {
	if c.AddPorts == "" {
		c.AddPorts = AddPortsPXE
	}
	if c.KeepPorts == "" {
		c.KeepPorts = KeepPortsAll
	}
	if c.PartitioningSpacing == nil {
		spacing := true
		c.PartitioningSpacing = &spacing
	}
}

// Validate checks the policy values.
func (c *Config) Validate() error {
	switch c.AddPorts {
	case AddPortsAll, AddPortsActive, AddPortsPXE:
	default:
		return fmt.Errorf("invalid add_ports policy %q", c.AddPorts)
	}
	switch c.KeepPorts {
	case KeepPortsAll, KeepPortsPresent, KeepPortsAdded:
	default:
		return fmt.Errorf("invalid keep_ports policy %q", c.KeepPorts)
	}
	return nil
}

// DefaultNames is the standard hook order.
var DefaultNames = []string{
	"ramdisk_error",
	"root_disk_selection",
	"scheduler",
	"validate_interfaces",
}

// Build resolves an ordered hook name list into hook instances.
func Build(names []string, config Config) ([]ProcessingHook, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	hooks := make([]ProcessingHook, 0, len(names))
	for _, name := range names {
		switch strings.TrimSpace(name) {
		case "ramdisk_error":
			hooks = append(hooks, &RamdiskErrorHook{})
		case "root_disk_selection":
			hooks = append(hooks, &RootDiskSelectionHook{})
		case "scheduler":
			hooks = append(hooks, &SchedulerHook{
				OverwriteExisting:   config.OverwriteExisting,
				PartitioningSpacing: *config.PartitioningSpacing,
			})
		case "validate_interfaces":
			hooks = append(hooks, &ValidateInterfacesHook{
				AddPorts:  config.AddPorts,
				KeepPorts: config.KeepPorts,
			})
		case "":
		default:
			return nil, fmt.Errorf("unknown processing hook %q", name)
		}
	}
	return hooks, nil
}
