package process

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baremetal-lab/inspector/pkg/baremetal"
	"github.com/baremetal-lab/inspector/pkg/baremetal/baremetaltest"
	"github.com/baremetal-lab/inspector/pkg/inspection"
	"github.com/baremetal-lab/inspector/pkg/inspection/cache"
	"github.com/baremetal-lab/inspector/pkg/inspection/hooks"
	"github.com/baremetal-lab/inspector/pkg/inspection/models"
	"github.com/baremetal-lab/inspector/pkg/inspection/rules"
	"github.com/baremetal-lab/inspector/pkg/inspection/store"
	"github.com/baremetal-lab/inspector/pkg/objectstore"
	"github.com/baremetal-lab/inspector/pkg/objectstore/memory"
)

type testEnv struct {
	processor *Processor
	nodes     *cache.NodeCache
	fake      *baremetaltest.Fake
	objects   *memory.Store
}

func newTestEnv(t *testing.T, config Config) *testEnv {
	t.Helper()
	db, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fake := baremetaltest.New()
	nodes := cache.New(db, fake)
	objects := memory.New()

	hookList, err := hooks.Build(hooks.DefaultNames, hooks.Config{
		AddPorts:  hooks.AddPortsPXE,
		KeepPorts: hooks.KeepPortsAll,
	})
	require.NoError(t, err)

	// No pool: background stages run inline for determinism.
	processor, err := New(Options{
		Config:  config,
		Nodes:   nodes,
		Client:  fake,
		Hooks:   hookList,
		Rules:   rules.NewEngine(db),
		Objects: objects,
	})
	require.NoError(t, err)

	return &testEnv{processor: processor, nodes: nodes, fake: fake, objects: objects}
}

// enroll seeds both the fake registry and the cache the way a triggered
// introspection would.
func (e *testEnv) enroll(t *testing.T, provisionState string) *cache.NodeInfo {
	t.Helper()
	e.fake.AddNode(&baremetal.Node{
		UUID:           "uuid1",
		Driver:         "ipmi",
		ProvisionState: provisionState,
		DriverInfo:     map[string]any{"ipmi_address": "1.2.3.4"},
	})
	info, err := e.nodes.AddNode(context.Background(), "uuid1", map[string][]string{
		cache.AttrBMCAddress: {"1.2.3.4"},
		cache.AttrMAC:        {"aa:bb:cc:dd:ee:f1", "aa:bb:cc:dd:ee:f2"},
	})
	require.NoError(t, err)
	return info
}

func submission() inspection.Data {
	return inspection.Data{
		"boot_interface": "01-aa-bb-cc-dd-ee-f1",
		"inventory": map[string]any{
			"bmc_address": "1.2.3.4",
			"cpu": map[string]any{
				"count":        float64(8),
				"architecture": "x86_64",
			},
			"memory": map[string]any{"physical_mb": float64(12288)},
			"interfaces": []any{
				map[string]any{
					"name":         "eth0",
					"mac_address":  "aa:bb:cc:dd:ee:f1",
					"ipv4_address": "10.0.0.5",
				},
				map[string]any{
					"name":        "eth1",
					"mac_address": "aa:bb:cc:dd:ee:f2",
				},
			},
			"disks": []any{
				map[string]any{"name": "/dev/sda", "size": float64(1000 * (1 << 30))},
			},
		},
		"root_disk": map[string]any{"name": "/dev/sda", "size": float64(1000 * (1 << 30))},
	}
}

func TestProcessSuccess(t *testing.T) {
	env := newTestEnv(t, Config{
		StoreData:         StoreDataS3,
		StoreDataLocation: "introspection_data",
		PowerOff:          true,
	})
	env.enroll(t, baremetal.StateManageable)
	ctx := context.Background()

	result, err := env.processor.Process(ctx, submission())
	require.NoError(t, err)
	assert.Equal(t, "uuid1", result.UUID)
	assert.False(t, result.IPMISetupCredentials)

	// The node reached the successful terminal state and was powered off.
	info, err := env.nodes.GetNode(ctx, "uuid1", false)
	require.NoError(t, err)
	assert.True(t, info.Finished())
	assert.Empty(t, info.Error)
	require.Len(t, env.fake.PowerCalls(), 1)
	assert.Equal(t, baremetal.PowerOff, env.fake.PowerCalls()[0].State)

	// Scheduler results landed on the node.
	node := env.fake.Node("uuid1")
	assert.Equal(t, "8", node.Properties["cpus"])
	assert.Equal(t, "12288", node.Properties["memory_mb"])
	// 1000 GiB root disk, one gibibyte reserved for partitioning.
	assert.Equal(t, "999", node.Properties["local_gb"])

	// The PXE interface became a port.
	ports, err := env.fake.ListPorts(ctx, "uuid1")
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:f1", ports[0].Address)

	// Both raw and processed documents were archived, and the location
	// was recorded on the node.
	raw, err := env.objects.Get(ctx, objectstore.ObjectName("uuid1", objectstore.SuffixUnprocessed))
	require.NoError(t, err)
	var rawDoc map[string]any
	require.NoError(t, json.Unmarshal(raw, &rawDoc))
	assert.NotContains(t, rawDoc, "macs") // raw copy predates the hooks

	processed, err := env.objects.Get(ctx, objectstore.ObjectName("uuid1", ""))
	require.NoError(t, err)
	var processedDoc map[string]any
	require.NoError(t, json.Unmarshal(processed, &processedDoc))
	assert.Contains(t, processedDoc, "macs")

	assert.Equal(t, "inspector_data-uuid1", node.Extra["introspection_data"])

	// The lock is free again.
	again, err := env.nodes.GetNode(ctx, "uuid1", false)
	require.NoError(t, err)
	assert.True(t, again.AcquireLock(false))
	again.ReleaseLock()
}

func TestProcessRamdiskError(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.enroll(t, baremetal.StateManageable)
	ctx := context.Background()

	data := submission()
	data["error"] = "boot failure"

	_, err := env.processor.Process(ctx, data)
	require.ErrorContains(t, err, "ramdisk reported error: boot failure")

	info, err := env.nodes.GetNode(ctx, "uuid1", false)
	require.NoError(t, err)
	assert.True(t, info.Finished())
	assert.Contains(t, info.Error, "boot failure")
}

func TestProcessNodeNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.processor.Process(ctx, submission())
	assert.ErrorContains(t, err, "could not find a node")
	// The cache sentinel must survive the hook-failure aggregation so the
	// API can map it to a 404.
	assert.ErrorIs(t, err, models.ErrNotFoundInCache)
}

func TestProcessAmbiguousLookup(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	// Two cached nodes sharing the submission's BMC address.
	for _, uuid := range []string{"uuid1", "uuid2"} {
		env.fake.AddNode(&baremetal.Node{
			UUID:           uuid,
			Driver:         "ipmi",
			ProvisionState: baremetal.StateManageable,
		})
		_, err := env.nodes.AddNode(ctx, uuid, map[string][]string{
			cache.AttrBMCAddress: {"1.2.3.4"},
		})
		require.NoError(t, err)
	}

	_, err := env.processor.Process(ctx, submission())
	assert.ErrorIs(t, err, models.ErrAmbiguousLookup)
}

func TestProcessNoLookupAttributes(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	data := submission()
	inventory := data["inventory"].(map[string]any)
	delete(inventory, "bmc_address")
	inventory["interfaces"] = []any{
		map[string]any{"name": "eth0", "mac_address": "zz:zz", "ipv4_address": "10.0.0.5"},
	}

	_, err := env.processor.Process(ctx, data)
	// The interface validation hook rejects the inventory before lookup.
	assert.ErrorContains(t, err, "no suitable interfaces")
}

func TestProcessAlreadyFinished(t *testing.T) {
	env := newTestEnv(t, Config{})
	info := env.enroll(t, baremetal.StateManageable)
	ctx := context.Background()

	require.NoError(t, info.Finish(ctx, errors.New("earlier failure")))

	// The lookup attributes are gone, so route the submission through a
	// not-found handler the way discovery deployments do.
	env.processor.nodeNotFound = func(ctx context.Context, _ inspection.Data) (*cache.NodeInfo, error) {
		return env.nodes.GetNode(ctx, "uuid1", false)
	}

	_, err := env.processor.Process(ctx, submission())
	assert.ErrorIs(t, err, models.ErrAlreadyFinished)
}

func TestProcessInvalidProvisionState(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.enroll(t, "active")
	ctx := context.Background()

	_, err := env.processor.Process(ctx, submission())
	require.ErrorContains(t, err, "invalid provision state")

	info, err := env.nodes.GetNode(ctx, "uuid1", false)
	require.NoError(t, err)
	assert.True(t, info.Finished())
}

func TestProcessSetsIPMICredentials(t *testing.T) {
	env := newTestEnv(t, Config{
		PowerOff:               true,
		CredentialsWaitRetries: 5,
		CredentialsWaitPeriod:  time.Millisecond,
	})
	info := env.enroll(t, baremetal.StateEnroll)
	ctx := context.Background()

	require.NoError(t, info.SetOption(ctx, "new_ipmi_credentials", []any{"admin", "pw123"}))

	// The BMC takes a couple of probes before the new credentials work.
	env.fake.GetBootDeviceErr = func(call int) error {
		if call <= 2 {
			return errors.New("authentication failure")
		}
		return nil
	}

	// The fake node has an address already, so none is patched in.
	result, err := env.processor.Process(ctx, submission())
	require.NoError(t, err)
	assert.True(t, result.IPMISetupCredentials)
	assert.Equal(t, "admin", result.IPMIUsername)
	assert.Equal(t, "pw123", result.IPMIPassword)

	node := env.fake.Node("uuid1")
	assert.Equal(t, "admin", node.DriverInfo["ipmi_username"])
	assert.Equal(t, "pw123", node.DriverInfo["ipmi_password"])
	assert.Equal(t, 3, env.fake.BootDeviceReads())

	done, err := env.nodes.GetNode(ctx, "uuid1", false)
	require.NoError(t, err)
	assert.True(t, done.Finished())
	assert.Empty(t, done.Error)
}

func TestProcessCredentialSettlingFails(t *testing.T) {
	env := newTestEnv(t, Config{
		CredentialsWaitRetries: 3,
		CredentialsWaitPeriod:  time.Millisecond,
	})
	info := env.enroll(t, baremetal.StateEnroll)
	ctx := context.Background()

	require.NoError(t, info.SetOption(ctx, "new_ipmi_credentials", []any{"admin", "pw123"}))
	env.fake.GetBootDeviceErr = func(int) error {
		return errors.New("authentication failure")
	}

	_, err := env.processor.Process(ctx, submission())
	require.NoError(t, err) // the settler fails in the background stage

	assert.Equal(t, 3, env.fake.BootDeviceReads())
	done, err := env.nodes.GetNode(ctx, "uuid1", false)
	require.NoError(t, err)
	assert.True(t, done.Finished())
	assert.Contains(t, done.Error, "node may require maintenance")
}

func TestReapply(t *testing.T) {
	env := newTestEnv(t, Config{StoreData: StoreDataS3, PowerOff: true})
	env.enroll(t, baremetal.StateManageable)
	ctx := context.Background()

	_, err := env.processor.Process(ctx, submission())
	require.NoError(t, err)
	powerCalls := len(env.fake.PowerCalls())

	require.NoError(t, env.processor.Reapply(ctx, "uuid1"))

	// Reapply never touches power state.
	assert.Len(t, env.fake.PowerCalls(), powerCalls)

	info, err := env.nodes.GetNode(ctx, "uuid1", false)
	require.NoError(t, err)
	assert.True(t, info.Finished())
	assert.Empty(t, info.Error)
}

func TestReapplyWithoutStoredData(t *testing.T) {
	env := newTestEnv(t, Config{StoreData: StoreDataS3})
	env.enroll(t, baremetal.StateManageable)
	ctx := context.Background()

	require.NoError(t, env.processor.Reapply(ctx, "uuid1"))

	info, err := env.nodes.GetNode(ctx, "uuid1", false)
	require.NoError(t, err)
	assert.True(t, info.Finished())
	assert.Contains(t, info.Error, "no unprocessed introspection data")
}

func TestReapplyLockedNode(t *testing.T) {
	env := newTestEnv(t, Config{StoreData: StoreDataS3})
	env.enroll(t, baremetal.StateManageable)
	ctx := context.Background()

	holder, err := env.nodes.GetNode(ctx, "uuid1", true)
	require.NoError(t, err)
	defer holder.ReleaseLock()

	err = env.processor.Reapply(ctx, "uuid1")
	assert.ErrorIs(t, err, models.ErrNodeLocked)
}

func TestStoresRamdiskLogsOnFailure(t *testing.T) {
	logsDir := t.TempDir()
	env := newTestEnv(t, Config{
		RamdiskLogsDir:            logsDir,
		RamdiskLogsFilenameFormat: "{uuid}_{mac}.tar.gz",
	})
	env.enroll(t, baremetal.StateManageable)
	ctx := context.Background()

	data := submission()
	data["error"] = "boot failure"
	data["logs"] = base64.StdEncoding.EncodeToString([]byte("log archive"))

	_, err := env.processor.Process(ctx, data)
	require.Error(t, err)

	path := filepath.Join(logsDir, "uuid1_aabbccddeef1.tar.gz")
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("log archive"), content)
}

func TestStoredDataStripsLogs(t *testing.T) {
	env := newTestEnv(t, Config{StoreData: StoreDataS3, AlwaysStoreRamdiskLogs: false})
	env.enroll(t, baremetal.StateManageable)
	ctx := context.Background()

	data := submission()
	data["logs"] = base64.StdEncoding.EncodeToString([]byte("log archive"))

	_, err := env.processor.Process(ctx, data)
	require.NoError(t, err)

	stored, err := env.objects.Get(ctx, objectstore.ObjectName("uuid1", ""))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(stored, &doc))
	assert.NotContains(t, doc, "logs")
}
