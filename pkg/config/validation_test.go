package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baremetal-lab/inspector/pkg/inspection/process"
	"github.com/baremetal-lab/inspector/pkg/inspection/store"
)

func TestValidateValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, Validate(cfg))
}

func TestValidateInvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "VERBOSE"

	err := Validate(cfg)
	assert.ErrorContains(t, err, "Level")
}

func TestValidateInvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	err := Validate(cfg)
	assert.ErrorContains(t, err, "Format")
}

func TestValidateInvalidMetricsPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 70000

	err := Validate(cfg)
	assert.ErrorContains(t, err, "Port")
}

func TestValidateDatabaseBackend(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Database.Type = store.DatabaseTypePostgres

	err := Validate(cfg)
	assert.ErrorContains(t, err, "postgres host is required")
}

func TestValidateStorePolicy(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Processing.StoreData = "ceph"

	err := Validate(cfg)
	assert.ErrorContains(t, err, "store_data")
}

func TestValidateBucketRequiredWhenArchiving(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Processing.StoreData = process.StoreDataS3

	err := Validate(cfg)
	assert.ErrorContains(t, err, "Bucket")

	cfg.ObjectStore.S3.Bucket = "introspection"
	assert.NoError(t, Validate(cfg))
}

func TestValidateHookPolicies(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Hooks.AddPorts = "everything"

	err := Validate(cfg)
	assert.ErrorContains(t, err, "add_ports")
}
