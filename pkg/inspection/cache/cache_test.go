package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baremetal-lab/inspector/pkg/baremetal"
	"github.com/baremetal-lab/inspector/pkg/baremetal/baremetaltest"
	"github.com/baremetal-lab/inspector/pkg/inspection/models"
	"github.com/baremetal-lab/inspector/pkg/inspection/store"
)

func newTestCache(t *testing.T) (*NodeCache, *baremetaltest.Fake) {
	t.Helper()
	db, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fake := baremetaltest.New()
	return New(db, fake), fake
}

func TestAddAndGetNode(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	info, err := c.AddNode(ctx, "uuid1", map[string][]string{
		AttrMAC: {"11:22:33:44:55:66"},
	})
	require.NoError(t, err)
	assert.False(t, info.Finished())
	assert.False(t, info.Locked())

	got, err := c.GetNode(ctx, "uuid1", true)
	require.NoError(t, err)
	assert.True(t, got.Locked())
	got.ReleaseLock()

	_, err = c.GetNode(ctx, "missing", false)
	assert.ErrorIs(t, err, models.ErrNodeNotFound)
}

func TestFindNode(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.AddNode(ctx, "uuid1", map[string][]string{
		AttrMAC:        {"11:22:33:44:55:66"},
		AttrBMCAddress: {"1.2.3.4"},
	})
	require.NoError(t, err)
	_, err = c.AddNode(ctx, "uuid2", map[string][]string{
		AttrMAC: {"66:55:44:33:22:11"},
	})
	require.NoError(t, err)

	info, err := c.FindNode(ctx, map[string][]string{
		AttrMAC: {"aa:aa:aa:aa:aa:aa", "11:22:33:44:55:66"},
	})
	require.NoError(t, err)
	assert.Equal(t, "uuid1", info.UUID)
	assert.True(t, info.Locked())
	info.ReleaseLock()

	_, err = c.FindNode(ctx, map[string][]string{
		AttrMAC: {"aa:aa:aa:aa:aa:aa"},
	})
	assert.ErrorIs(t, err, models.ErrNotFoundInCache)

	_, err = c.FindNode(ctx, map[string][]string{
		AttrMAC:        {"66:55:44:33:22:11"},
		AttrBMCAddress: {"1.2.3.4"},
	})
	assert.ErrorIs(t, err, models.ErrAmbiguousLookup)

	assert.Equal(t, 0, c.locks.Len())
}

func TestFinish(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	info, err := c.AddNode(ctx, "uuid1", map[string][]string{
		AttrMAC: {"11:22:33:44:55:66"},
	})
	require.NoError(t, err)

	require.NoError(t, info.Finish(ctx, errors.New("boom")))
	assert.True(t, info.Finished())
	assert.Equal(t, "boom", info.Error)

	// Lookup attributes are gone once the node is terminal.
	_, err = c.FindNode(ctx, map[string][]string{
		AttrMAC: {"11:22:33:44:55:66"},
	})
	assert.ErrorIs(t, err, models.ErrNotFoundInCache)
}

func TestActiveMACs(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.AddNode(ctx, "uuid1", map[string][]string{
		AttrMAC: {"aa:bb:cc:dd:ee:f1"},
	})
	require.NoError(t, err)

	macs, err := c.ActiveMACs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:f1"}, macs)
}

func TestDeleteNodesNotInList(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.AddNode(ctx, "uuid1", nil)
	require.NoError(t, err)
	_, err = c.AddNode(ctx, "uuid2", nil)
	require.NoError(t, err)

	require.NoError(t, c.DeleteNodesNotInList(ctx, []string{"uuid1"}))

	_, err = c.GetNode(ctx, "uuid1", false)
	assert.NoError(t, err)
	_, err = c.GetNode(ctx, "uuid2", false)
	assert.ErrorIs(t, err, models.ErrNodeNotFound)
}

func TestCleanUp(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, c.store.CreateNode(ctx, "stale", now.Add(-2*time.Hour), nil))
	require.NoError(t, c.store.CreateNode(ctx, "fresh", now, nil))
	require.NoError(t, c.store.CreateNode(ctx, "old", now.Add(-72*time.Hour), nil))
	require.NoError(t, c.store.SetFinished(ctx, "old", now.Add(-71*time.Hour), nil))

	timedOut, err := c.CleanUp(ctx, time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, timedOut)

	info, err := c.GetNode(ctx, "stale", false)
	require.NoError(t, err)
	assert.True(t, info.Finished())
	assert.Equal(t, "Introspection timeout", info.Error)

	info, err = c.GetNode(ctx, "fresh", false)
	require.NoError(t, err)
	assert.False(t, info.Finished())

	_, err = c.GetNode(ctx, "old", false)
	assert.ErrorIs(t, err, models.ErrNodeNotFound)

	// A second sweep finds nothing new.
	timedOut, err = c.CleanUp(ctx, time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, timedOut)
}

func TestCleanUpDisabledTimeout(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.store.CreateNode(ctx, "stale", time.Now().Add(-100*time.Hour), nil))

	timedOut, err := c.CleanUp(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, timedOut)

	info, err := c.GetNode(ctx, "stale", false)
	require.NoError(t, err)
	assert.False(t, info.Finished())
}

func TestNodeInfoPorts(t *testing.T) {
	c, fake := newTestCache(t)
	ctx := context.Background()

	fake.AddNode(&baremetal.Node{UUID: "uuid1"})
	fake.AddPort("uuid1", "AA:BB:CC:DD:EE:F1")
	fake.AddPort("other", "aa:bb:cc:dd:ee:f2")

	info, err := c.AddNode(ctx, "uuid1", nil)
	require.NoError(t, err)

	ports, err := info.Ports(ctx)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Contains(t, ports, "aa:bb:cc:dd:ee:f1")

	// New MAC is registered, the conflicting one is skipped quietly.
	err = info.CreatePorts(ctx, []string{"aa:bb:cc:dd:ee:f2", "aa:bb:cc:dd:ee:f3"})
	require.NoError(t, err)

	ports, err = info.Ports(ctx)
	require.NoError(t, err)
	assert.Len(t, ports, 2)
	assert.Contains(t, ports, "aa:bb:cc:dd:ee:f3")

	require.NoError(t, info.DeletePort(ctx, ports["aa:bb:cc:dd:ee:f3"]))
	ports, err = info.Ports(ctx)
	require.NoError(t, err)
	assert.Len(t, ports, 1)
}

func TestNodeInfoReplaceField(t *testing.T) {
	c, fake := newTestCache(t)
	ctx := context.Background()

	fake.AddNode(&baremetal.Node{UUID: "uuid1", Extra: map[string]any{"count": float64(1)}})

	info, err := c.AddNode(ctx, "uuid1", nil)
	require.NoError(t, err)

	// Existing field gets a replace.
	err = info.ReplaceField(ctx, "/extra/count", func(v any) any {
		return v.(float64) + 1
	})
	require.NoError(t, err)
	assert.Equal(t, float64(2), fake.Node("uuid1").Extra["count"])

	// Absent field with a default gets an add.
	err = info.ReplaceField(ctx, "/extra/tags", func(v any) any {
		return append(v.([]any), "new")
	}, []any{})
	require.NoError(t, err)
	assert.Equal(t, []any{"new"}, fake.Node("uuid1").Extra["tags"])

	// Absent field without a default is an error.
	err = info.ReplaceField(ctx, "/extra/missing", func(v any) any { return v })
	assert.Error(t, err)
}

func TestNodeInfoUpdateCapabilities(t *testing.T) {
	c, fake := newTestCache(t)
	ctx := context.Background()

	fake.AddNode(&baremetal.Node{
		UUID:       "uuid1",
		Properties: map[string]any{"capabilities": "boot_mode:bios"},
	})

	info, err := c.AddNode(ctx, "uuid1", nil)
	require.NoError(t, err)

	require.NoError(t, info.UpdateCapabilities(ctx, map[string]string{
		"boot_mode": "uefi",
		"cpu_vt":    "true",
	}))
	assert.Equal(t, "boot_mode:uefi,cpu_vt:true",
		fake.Node("uuid1").Properties["capabilities"])
}

func TestNodeInfoOptions(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	info, err := c.AddNode(ctx, "uuid1", nil)
	require.NoError(t, err)

	require.NoError(t, info.SetOption(ctx, "setup_ipmi_credentials", true))

	// A fresh handle reads the option back from the database.
	fresh, err := c.GetNode(ctx, "uuid1", false)
	require.NoError(t, err)
	opts, err := fresh.Options(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, opts["setup_ipmi_credentials"])
}
