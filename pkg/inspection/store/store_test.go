package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baremetal-lab/inspector/pkg/inspection/models"
)

func newTestStore(t *testing.T) *GORMStore {
	t.Helper()
	s, err := NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateNode_StoresAttributes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateNode(ctx, "uuid1", time.Now(), map[string][]string{
		"mac":         {"11:22:33:44:55:66", "66:55:44:33:22:11"},
		"bmc_address": {"1.2.3.4"},
		"empty":       {""},
	})
	require.NoError(t, err)

	attrs, err := s.ListAttributes(ctx, "uuid1")
	require.NoError(t, err)
	assert.Len(t, attrs, 3)

	node, err := s.GetNode(ctx, "uuid1")
	require.NoError(t, err)
	assert.False(t, node.Finished())
	assert.Empty(t, node.ErrorMessage())
}

func TestCreateNode_ReplacesPriorRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, "uuid1", time.Now(), map[string][]string{
		"mac": {"11:22:33:44:55:66"},
	}))
	require.NoError(t, s.SetOption(ctx, "uuid1", "foo", `"bar"`))

	// A second add for the same uuid drops everything and starts over.
	require.NoError(t, s.CreateNode(ctx, "uuid1", time.Now(), map[string][]string{
		"mac": {"11:22:33:44:55:66"},
	}))

	opts, err := s.ListOptions(ctx, "uuid1")
	require.NoError(t, err)
	assert.Empty(t, opts)
}

func TestCreateNode_DuplicateAttribute(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, "uuid1", time.Now(), map[string][]string{
		"mac": {"11:22:33:44:55:66"},
	}))

	err := s.CreateNode(ctx, "uuid2", time.Now(), map[string][]string{
		"mac": {"11:22:33:44:55:66"},
	})
	require.ErrorIs(t, err, models.ErrDuplicateAttribute)

	// The failed transaction must not leave a half-created node behind.
	_, err = s.GetNode(ctx, "uuid2")
	assert.ErrorIs(t, err, models.ErrNodeNotFound)
}

func TestFindUUIDsByAttributes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, "uuid1", time.Now(), map[string][]string{
		"mac":         {"11:22:33:44:55:66"},
		"bmc_address": {"1.2.3.4"},
	}))
	require.NoError(t, s.CreateNode(ctx, "uuid2", time.Now(), map[string][]string{
		"mac": {"66:55:44:33:22:11"},
	}))

	uuids, err := s.FindUUIDsByAttributes(ctx, map[string][]string{
		"mac": {"11:22:33:44:55:66"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"uuid1"}, uuids)

	// Matching attributes of two different nodes yields both.
	uuids, err = s.FindUUIDsByAttributes(ctx, map[string][]string{
		"mac":         {"66:55:44:33:22:11"},
		"bmc_address": {"1.2.3.4"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"uuid1", "uuid2"}, uuids)

	// Empty values are skipped entirely.
	uuids, err = s.FindUUIDsByAttributes(ctx, map[string][]string{
		"mac": {""},
	})
	require.NoError(t, err)
	assert.Empty(t, uuids)
}

func TestSetFinished_DropsAttributesAndOptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, "uuid1", time.Now(), map[string][]string{
		"mac": {"11:22:33:44:55:66"},
	}))
	require.NoError(t, s.SetOption(ctx, "uuid1", "foo", `"bar"`))

	msg := "boom"
	require.NoError(t, s.SetFinished(ctx, "uuid1", time.Now(), &msg))

	node, err := s.GetNode(ctx, "uuid1")
	require.NoError(t, err)
	assert.True(t, node.Finished())
	assert.Equal(t, "boom", node.ErrorMessage())

	attrs, err := s.ListAttributes(ctx, "uuid1")
	require.NoError(t, err)
	assert.Empty(t, attrs)

	opts, err := s.ListOptions(ctx, "uuid1")
	require.NoError(t, err)
	assert.Empty(t, opts)
}

func TestSetFinished_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.SetFinished(context.Background(), "missing", time.Now(), nil)
	assert.ErrorIs(t, err, models.ErrNodeNotFound)
}

func TestSetOption_Replaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, "uuid1", time.Now(), nil))
	require.NoError(t, s.SetOption(ctx, "uuid1", "foo", `"bar"`))
	require.NoError(t, s.SetOption(ctx, "uuid1", "foo", `"baz"`))

	opts, err := s.ListOptions(ctx, "uuid1")
	require.NoError(t, err)
	require.Len(t, opts, 1)
	assert.Equal(t, `"baz"`, opts[0].Value)
}

func TestActiveAttributeValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, "uuid1", time.Now(), map[string][]string{
		"mac": {"aa:bb:cc:dd:ee:f1", "aa:bb:cc:dd:ee:f2"},
	}))
	require.NoError(t, s.CreateNode(ctx, "uuid2", time.Now(), map[string][]string{
		"mac": {"aa:bb:cc:dd:ee:f3"},
	}))

	macs, err := s.ActiveAttributeValues(ctx, "mac")
	require.NoError(t, err)
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:f1", "aa:bb:cc:dd:ee:f2", "aa:bb:cc:dd:ee:f3"}, macs)
}

func TestSweepQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// Active but stale.
	require.NoError(t, s.CreateNode(ctx, "stale", now.Add(-2*time.Hour), nil))
	// Active and fresh.
	require.NoError(t, s.CreateNode(ctx, "fresh", now, nil))
	// Terminal and expired.
	require.NoError(t, s.CreateNode(ctx, "old", now.Add(-48*time.Hour), nil))
	require.NoError(t, s.SetFinished(ctx, "old", now.Add(-47*time.Hour), nil))

	removed, err := s.DeleteExpiredFinished(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	uuids, err := s.ListTimedOutUUIDs(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, uuids)
}

func TestRuleCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule := &models.Rule{
		UUID:        "rule1",
		Description: "memory check",
		Conditions: []models.RuleCondition{
			{Op: "eq", Field: "memory_mb", Multiple: models.MultipleAny,
				Params: models.JSONMap{"value": float64(12288)}},
		},
		Actions: []models.RuleAction{
			{Name: "set-attribute", Params: models.JSONMap{"path": "/extra/foo", "value": "bar"}},
		},
	}
	require.NoError(t, s.CreateRule(ctx, rule))

	err := s.CreateRule(ctx, &models.Rule{UUID: "rule1"})
	assert.ErrorIs(t, err, models.ErrDuplicateRule)

	got, err := s.GetRule(ctx, "rule1")
	require.NoError(t, err)
	require.Len(t, got.Conditions, 1)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, "eq", got.Conditions[0].Op)
	assert.Equal(t, float64(12288), got.Conditions[0].Params["value"])

	all, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteRule(ctx, "rule1"))
	_, err = s.GetRule(ctx, "rule1")
	assert.ErrorIs(t, err, models.ErrRuleNotFound)

	assert.ErrorIs(t, s.DeleteRule(ctx, "rule1"), models.ErrRuleNotFound)
}
