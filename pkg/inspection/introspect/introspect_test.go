package introspect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baremetal-lab/inspector/pkg/baremetal"
	"github.com/baremetal-lab/inspector/pkg/baremetal/baremetaltest"
	"github.com/baremetal-lab/inspector/pkg/inspection/cache"
	"github.com/baremetal-lab/inspector/pkg/inspection/models"
	"github.com/baremetal-lab/inspector/pkg/inspection/process"
	"github.com/baremetal-lab/inspector/pkg/inspection/store"
)

func newTestIntrospector(t *testing.T, config Config) (*Introspector, *cache.NodeCache, *baremetaltest.Fake) {
	t.Helper()
	db, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fake := baremetaltest.New()
	nodes := cache.New(db, fake)
	// Nil pool: the boot sequence runs inline.
	return New(config, nodes, fake, nil, nil), nodes, fake
}

func addManageableNode(fake *baremetaltest.Fake) {
	fake.AddNode(&baremetal.Node{
		UUID:           "uuid1",
		ProvisionState: baremetal.StateManageable,
		DriverInfo:     map[string]any{"ipmi_address": "1.2.3.4"},
	})
}

func TestIntrospect(t *testing.T) {
	i, nodes, fake := newTestIntrospector(t, Config{})
	addManageableNode(fake)
	fake.AddPort("uuid1", "AA:BB:CC:DD:EE:F1")
	ctx := context.Background()

	require.NoError(t, i.Introspect(ctx, "uuid1", nil))

	// Node is in the cache, addressable by BMC address and port MAC.
	info, err := nodes.FindNode(ctx, map[string][]string{
		cache.AttrBMCAddress: {"1.2.3.4"},
	})
	require.NoError(t, err)
	assert.Equal(t, "uuid1", info.UUID)
	info.ReleaseLock()

	info, err = nodes.FindNode(ctx, map[string][]string{
		cache.AttrMAC: {"aa:bb:cc:dd:ee:f1"},
	})
	require.NoError(t, err)
	info.ReleaseLock()

	// The node was pointed at PXE and rebooted.
	require.Len(t, fake.BootCalls(), 1)
	assert.Equal(t, "pxe", fake.BootCalls()[0].Device)
	assert.False(t, fake.BootCalls()[0].Persistent)
	require.Len(t, fake.PowerCalls(), 1)
	assert.Equal(t, baremetal.PowerReboot, fake.PowerCalls()[0].State)
}

func TestIntrospectUnknownNode(t *testing.T) {
	i, _, _ := newTestIntrospector(t, Config{})
	err := i.Introspect(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, baremetal.ErrNotFound)
}

func TestIntrospectInvalidProvisionState(t *testing.T) {
	i, _, fake := newTestIntrospector(t, Config{})
	fake.AddNode(&baremetal.Node{UUID: "uuid1", ProvisionState: "active"})

	err := i.Introspect(context.Background(), "uuid1", nil)
	assert.ErrorContains(t, err, "invalid provision state")
}

func TestIntrospectPowerValidationFails(t *testing.T) {
	i, _, fake := newTestIntrospector(t, Config{})
	addManageableNode(fake)
	fake.ValidatePowerErr = errors.New("missing ipmi_password")

	err := i.Introspect(context.Background(), "uuid1", nil)
	assert.ErrorContains(t, err, "failed validation of power interface")
}

func TestIntrospectPowerFailureFinishesNode(t *testing.T) {
	i, nodes, fake := newTestIntrospector(t, Config{})
	addManageableNode(fake)
	fake.SetPowerStateErr = errors.New("BMC unreachable")
	ctx := context.Background()

	require.NoError(t, i.Introspect(ctx, "uuid1", nil))

	info, err := nodes.GetNode(ctx, "uuid1", false)
	require.NoError(t, err)
	assert.True(t, info.Finished())
	assert.Contains(t, info.Error, "failed to power on the node")
}

func TestIntrospectRestartsPriorRun(t *testing.T) {
	i, nodes, fake := newTestIntrospector(t, Config{})
	addManageableNode(fake)
	ctx := context.Background()

	require.NoError(t, i.Introspect(ctx, "uuid1", nil))
	require.NoError(t, i.Introspect(ctx, "uuid1", nil))

	info, err := nodes.GetNode(ctx, "uuid1", false)
	require.NoError(t, err)
	assert.False(t, info.Finished())
	assert.Len(t, fake.PowerCalls(), 2)
}

func TestIntrospectWithCredentials(t *testing.T) {
	config := Config{EnableSettingIPMICredentials: true}
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		i, nodes, fake := newTestIntrospector(t, config)
		fake.AddNode(&baremetal.Node{
			UUID:           "uuid1",
			ProvisionState: baremetal.StateEnroll,
			DriverInfo:     map[string]any{"ipmi_username": "admin"},
		})

		err := i.Introspect(ctx, "uuid1", &process.Credentials{Password: "pw123"})
		require.NoError(t, err)

		// No reboot: the operator powers the node on manually.
		assert.Empty(t, fake.PowerCalls())
		assert.Empty(t, fake.BootCalls())

		info, err := nodes.GetNode(ctx, "uuid1", false)
		require.NoError(t, err)
		opts, err := info.Options(ctx)
		require.NoError(t, err)
		assert.Equal(t, []any{"admin", "pw123"}, opts["new_ipmi_credentials"])
	})

	t.Run("disabled", func(t *testing.T) {
		i, _, fake := newTestIntrospector(t, Config{})
		fake.AddNode(&baremetal.Node{UUID: "uuid1", ProvisionState: baremetal.StateEnroll})

		err := i.Introspect(ctx, "uuid1", &process.Credentials{Username: "admin", Password: "pw123"})
		assert.ErrorContains(t, err, "disabled in configuration")
	})

	t.Run("wrong provision state", func(t *testing.T) {
		i, _, fake := newTestIntrospector(t, config)
		addManageableNode(fake)

		err := i.Introspect(ctx, "uuid1", &process.Credentials{Username: "admin", Password: "pw123"})
		assert.ErrorContains(t, err, "invalid provision state")
	})

	t.Run("no username anywhere", func(t *testing.T) {
		i, _, fake := newTestIntrospector(t, config)
		fake.AddNode(&baremetal.Node{UUID: "uuid1", ProvisionState: baremetal.StateEnroll})

		err := i.Introspect(ctx, "uuid1", &process.Credentials{Password: "pw123"})
		assert.ErrorContains(t, err, "neither new username")
	})

	t.Run("bad password", func(t *testing.T) {
		i, _, fake := newTestIntrospector(t, config)
		fake.AddNode(&baremetal.Node{UUID: "uuid1", ProvisionState: baremetal.StateEnroll})

		err := i.Introspect(ctx, "uuid1", &process.Credentials{Username: "admin", Password: "pw 123!"})
		assert.ErrorContains(t, err, "letters and digits")

		err = i.Introspect(ctx, "uuid1", &process.Credentials{
			Username: "admin", Password: "a123456789012345678901234",
		})
		assert.ErrorContains(t, err, "longer than 20")
	})
}

func TestAbort(t *testing.T) {
	i, nodes, fake := newTestIntrospector(t, Config{PowerOff: true})
	addManageableNode(fake)
	ctx := context.Background()

	require.NoError(t, i.Introspect(ctx, "uuid1", nil))
	require.NoError(t, i.Abort(ctx, "uuid1"))

	info, err := nodes.GetNode(ctx, "uuid1", false)
	require.NoError(t, err)
	assert.True(t, info.Finished())
	assert.Equal(t, "Canceled by operator", info.Error)

	// reboot from the start, power off from the abort
	calls := fake.PowerCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, baremetal.PowerOff, calls[1].State)
}

func TestAbortLockedNode(t *testing.T) {
	i, nodes, fake := newTestIntrospector(t, Config{})
	addManageableNode(fake)
	ctx := context.Background()

	require.NoError(t, i.Introspect(ctx, "uuid1", nil))

	holder, err := nodes.GetNode(ctx, "uuid1", true)
	require.NoError(t, err)
	defer holder.ReleaseLock()

	assert.ErrorIs(t, i.Abort(ctx, "uuid1"), models.ErrNodeLocked)
}

func TestAbortFinishedNode(t *testing.T) {
	i, nodes, fake := newTestIntrospector(t, Config{})
	addManageableNode(fake)
	ctx := context.Background()

	require.NoError(t, i.Introspect(ctx, "uuid1", nil))
	info, err := nodes.GetNode(ctx, "uuid1", true)
	require.NoError(t, err)
	require.NoError(t, info.Finish(ctx, nil))
	info.ReleaseLock()

	assert.ErrorIs(t, i.Abort(ctx, "uuid1"), models.ErrAlreadyFinished)
}

func TestAbortUnknownNode(t *testing.T) {
	i, _, _ := newTestIntrospector(t, Config{})
	err := i.Abort(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNodeNotFound)
}
