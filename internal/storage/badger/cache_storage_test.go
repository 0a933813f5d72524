package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/models"
)

func TestCacheStorage_ProgressSupersedes(t *testing.T) {
	db := newTestDB(t)
	cache := NewCacheStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, &models.JobProgress{
		JobID:      "job-1",
		Percentage: 25,
		Message:    "classifying",
	}))
	require.NoError(t, cache.Put(ctx, &models.JobProgress{
		JobID:      "job-1",
		Percentage: 80,
		Message:    "optimizing",
	}))

	got, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 80.0, got.Percentage)
	assert.Equal(t, "optimizing", got.Message)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestCacheStorage_ProgressMissingReturnsNil(t *testing.T) {
	db := newTestDB(t)
	cache := NewCacheStorage(db, arbor.NewLogger())

	got, err := cache.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheStorage_ProgressKeepsData(t *testing.T) {
	db := newTestDB(t)
	cache := NewCacheStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, &models.JobProgress{
		JobID:      "job-1",
		Percentage: 50,
		Message:    "halfway",
		Data:       map[string]interface{}{"stage": "optimize"},
		UpdatedAt:  time.Now(),
	}))

	got, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "optimize", got.Data["stage"])
}

func TestCacheStorage_Snapshot(t *testing.T) {
	db := newTestDB(t)
	cache := NewCacheStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, cache.PutSnapshot(ctx, "realtime", map[string]interface{}{
		"connections": 3.0,
		"users":       2.0,
	}))

	got, err := cache.GetSnapshot(ctx, "realtime")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3.0, got["connections"])

	missing, err := cache.GetSnapshot(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
