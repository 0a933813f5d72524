package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two tight groups on orthogonal axes plus noise far from both.
var testVectors = [][]float32{
	{1, 0, 0},
	{0.9, 0.1, 0},
	{0.95, 0.05, 0},
	{0, 1, 0},
	{0.1, 0.9, 0},
	{0, 0.95, 0.05},
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0.0, CosineDistance([]float32{1, 0}, []float32{2, 0}), 0.001)
	assert.InDelta(t, 1.0, CosineDistance([]float32{1, 0}, []float32{0, 1}), 0.001)
	assert.InDelta(t, 1.0, CosineDistance([]float32{0, 0}, []float32{1, 1}), 0.001)
}

func TestKMeans_SeparatesGroups(t *testing.T) {
	assign, err := KMeans(testVectors, 2)
	require.NoError(t, err)
	require.Len(t, assign, len(testVectors))

	// First three together, last three together, in different clusters.
	assert.Equal(t, assign[0], assign[1])
	assert.Equal(t, assign[0], assign[2])
	assert.Equal(t, assign[3], assign[4])
	assert.Equal(t, assign[3], assign[5])
	assert.NotEqual(t, assign[0], assign[3])
}

func TestKMeans_KLargerThanInput(t *testing.T) {
	assign, err := KMeans(testVectors[:2], 5)
	require.NoError(t, err)
	assert.Len(t, assign, 2)
}

func TestKMeans_InvalidK(t *testing.T) {
	_, err := KMeans(testVectors, 0)
	assert.Error(t, err)
}

func TestHierarchical_MergesWithinThreshold(t *testing.T) {
	assign, err := Hierarchical(testVectors, 0.7)
	require.NoError(t, err)
	require.Len(t, assign, len(testVectors))

	assert.Equal(t, assign[0], assign[1])
	assert.Equal(t, assign[0], assign[2])
	assert.Equal(t, assign[3], assign[4])
	assert.NotEqual(t, assign[0], assign[3])
}

// Every merge must have occurred at centroid distance <= 1-threshold, so
// at a strict threshold orthogonal groups never coalesce.
func TestHierarchical_StrictThresholdKeepsGroupsApart(t *testing.T) {
	assign, err := Hierarchical(testVectors, 0.95)
	require.NoError(t, err)
	assert.NotEqual(t, assign[0], assign[3])
}

func TestHierarchical_ThresholdZeroMergesAll(t *testing.T) {
	assign, err := Hierarchical(testVectors, 0)
	require.NoError(t, err)
	first := assign[0]
	for _, c := range assign {
		assert.Equal(t, first, c)
	}
}

func TestDBSCAN_FindsDenseGroupsAndNoise(t *testing.T) {
	vectors := append(append([][]float32{}, testVectors...), []float32{0, 0, 1})
	assign, err := DBSCAN(vectors, 0.1, 2)
	require.NoError(t, err)
	require.Len(t, assign, 7)

	assert.Equal(t, assign[0], assign[1])
	assert.Equal(t, assign[3], assign[4])
	assert.NotEqual(t, assign[0], assign[3])
	// The lone orthogonal vector has no neighbors: noise.
	assert.Equal(t, -1, assign[6])
}

func TestDBSCAN_InvalidEps(t *testing.T) {
	_, err := DBSCAN(testVectors, 0, 2)
	assert.Error(t, err)
}
