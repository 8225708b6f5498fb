package custseg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func standardizedCustomers(t *testing.T, n int) *mat.Dense {
	t.Helper()
	fs, err := BuildFeatures(syntheticCustomers(n, 7), DefaultFeatureOptions())
	require.NoError(t, err)
	s := NewScaler(ScalerOptions{})
	require.NoError(t, s.Fit(fs))
	z, err := s.Transform(fs)
	require.NoError(t, err)
	return z
}

func TestClusterAssignsEveryRecord(t *testing.T) {
	z := standardizedCustomers(t, 90)
	for k := MinClusters; k <= 6; k++ {
		c, err := Cluster(z, k, DefaultClusterOptions())
		require.NoError(t, err)
		require.Len(t, c.Labels, 90)
		for _, label := range c.Labels {
			assert.GreaterOrEqual(t, label, 0)
			assert.Less(t, label, k)
		}
		total := 0
		for _, size := range c.Sizes {
			assert.Positive(t, size)
			total += size
		}
		assert.Equal(t, 90, total)
	}
}

func TestClusterIsDeterministic(t *testing.T) {
	z := standardizedCustomers(t, 60)
	opts := DefaultClusterOptions()

	a, err := Cluster(z, 4, opts)
	require.NoError(t, err)
	b, err := Cluster(z, 4, opts)
	require.NoError(t, err)

	assert.Equal(t, a.Labels, b.Labels)
	assert.True(t, mat.Equal(a.Centroids, b.Centroids))
	assert.Equal(t, a.Inertia, b.Inertia)
}

func TestClusterRecoversSegments(t *testing.T) {
	z := standardizedCustomers(t, 90)
	c, err := Cluster(z, 3, DefaultClusterOptions())
	require.NoError(t, err)
	assert.True(t, c.Converged)

	// Records of one synthetic segment share a label, distinct per segment.
	labelOf := map[int]int{}
	for i, label := range c.Labels {
		segment := i % len(syntheticSegments)
		if want, ok := labelOf[segment]; ok {
			assert.Equal(t, want, label, "record %d", i)
		} else {
			labelOf[segment] = label
		}
	}
	assert.Len(t, labelOf, 3)
	seen := map[int]bool{}
	for _, label := range labelOf {
		seen[label] = true
	}
	assert.Len(t, seen, 3)
	assert.Greater(t, c.Silhouette, 0.7)
}

func TestClusterErrors(t *testing.T) {
	z := standardizedCustomers(t, 6)

	_, err := Cluster(z, 1, DefaultClusterOptions())
	assert.ErrorIs(t, err, ErrInvalidClusterCount)
	_, err = Cluster(z, MaxClusters+1, DefaultClusterOptions())
	assert.ErrorIs(t, err, ErrInvalidClusterCount)
	_, err = Cluster(nil, 3, DefaultClusterOptions())
	assert.ErrorIs(t, err, ErrPrecursorMissing)

	small := mat.NewDense(2, 4, []float64{0, 0, 0, 0, 1, 1, 1, 1})
	_, err = Cluster(small, 3, DefaultClusterOptions())
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestClusterIdenticalPoints(t *testing.T) {
	z := mat.NewDense(5, 2, []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1})
	c, err := Cluster(z, 3, DefaultClusterOptions())
	require.NoError(t, err)
	for id, size := range c.Sizes {
		assert.Positive(t, size, "cluster %d", id)
	}
	assert.Equal(t, 0.0, c.Inertia)
}

func TestFillEmptyClusters(t *testing.T) {
	data := mat.NewDense(4, 1, []float64{0, 1, 2, 10})
	centroids := mat.NewDense(2, 1, []float64{1, 100})
	labels := []int{0, 0, 0, 0}

	fillEmptyClusters(data, labels, centroids, 2)

	// Row 3 is the farthest from centroid 0 and moves to the empty cluster.
	assert.Equal(t, []int{0, 0, 0, 1}, labels)
	assert.Equal(t, 10.0, centroids.At(1, 0))
}

func TestFillEmptyClustersTieBreak(t *testing.T) {
	data := mat.NewDense(3, 1, []float64{-1, 1, 0})
	centroids := mat.NewDense(2, 1, []float64{0, 50})
	labels := []int{0, 0, 0}

	fillEmptyClusters(data, labels, centroids, 2)
	assert.Equal(t, []int{1, 0, 0}, labels)
}

func TestSuggestK(t *testing.T) {
	z := standardizedCustomers(t, 90)
	best, evals, err := SuggestK(z, 2, 5, DefaultClusterOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, best)
	require.Len(t, evals, 4)
	for i, e := range evals {
		assert.Equal(t, i+2, e.K)
		assert.Len(t, e.Sizes, e.K)
	}

	_, _, err = SuggestK(z, 6, 4, DefaultClusterOptions())
	assert.ErrorIs(t, err, ErrInvalidClusterCount)
}

func TestSilhouetteScoreSingletons(t *testing.T) {
	data := mat.NewDense(2, 1, []float64{0, 5})
	assert.Equal(t, 0.0, silhouetteScore(data, []int{0, 1}, 2))
}
