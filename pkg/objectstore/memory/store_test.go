package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baremetal-lab/inspector/pkg/objectstore"
)

func TestPutGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "obj1", []byte(`{"a":1}`), 0))

	data, err := s.Get(ctx, "obj1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), data)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, objectstore.ErrObjectNotFound)
}

func TestExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "obj1", []byte("x"), time.Nanosecond))
	time.Sleep(10 * time.Millisecond)

	_, err := s.Get(ctx, "obj1")
	assert.ErrorIs(t, err, objectstore.ErrObjectNotFound)
}

func TestClosed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put(context.Background(), "obj1", nil, 0), objectstore.ErrStoreClosed)
	assert.ErrorIs(t, s.HealthCheck(context.Background()), objectstore.ErrStoreClosed)
}
