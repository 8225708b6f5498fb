package custseg

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func TestScalerStandardizes(t *testing.T) {
	fs, err := BuildFeatures(syntheticCustomers(60, 1), DefaultFeatureOptions())
	require.NoError(t, err)

	s := NewScaler(ScalerOptions{})
	require.NoError(t, s.Fit(fs))
	z, err := s.Transform(fs)
	require.NoError(t, err)

	rows, cols := z.Dims()
	require.Equal(t, fs.Len(), rows)
	require.Equal(t, len(ClusteringFeatures), cols)
	for j := 0; j < cols; j++ {
		mean, std := stat.PopMeanStdDev(mat.Col(nil, j, z), nil)
		assert.InDelta(t, 0, mean, 1e-9, ClusteringFeatures[j])
		assert.InDelta(t, 1, std, 1e-9, ClusteringFeatures[j])
	}

	back, err := s.InverseTransform(z)
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		for j, name := range ClusteringFeatures {
			assert.InDelta(t, fs.Values[i][fs.Index(name)], back.At(i, j), 1e-9)
		}
	}
}

func TestScalerDegenerateFeature(t *testing.T) {
	tbl := customerTable(
		[]string{"C1", "F", "North", "1", "10", "10", "5"},
		[]string{"C2", "M", "North", "5", "20", "30", "5"},
		[]string{"C3", "F", "South", "9", "30", "50", "5"},
	)
	fs, err := BuildFeatures(tbl, DefaultFeatureOptions())
	require.NoError(t, err)

	t.Run("lenient", func(t *testing.T) {
		s := NewScaler(ScalerOptions{})
		require.NoError(t, s.Fit(fs))
		params, err := s.Params()
		require.NoError(t, err)
		assert.Equal(t, []string{FeatureDataUsageGB}, params.Degenerate)

		z, err := s.Transform(fs)
		require.NoError(t, err)
		col := mat.Col(nil, 3, z)
		for _, v := range col {
			assert.False(t, math.IsNaN(v))
			assert.Equal(t, 0.0, v)
		}

		c, err := Cluster(z, 2, DefaultClusterOptions())
		require.NoError(t, err)
		assert.Len(t, c.Labels, 3)
	})

	t.Run("strict", func(t *testing.T) {
		s := NewScaler(ScalerOptions{Strict: true})
		err := s.Fit(fs)
		assert.ErrorIs(t, err, ErrDegenerateFeature)
		assert.False(t, s.Fitted())
	})
}

func TestScalerRequiresFit(t *testing.T) {
	fs, err := BuildFeatures(syntheticCustomers(6, 1), DefaultFeatureOptions())
	require.NoError(t, err)

	s := NewScaler(ScalerOptions{})
	_, err = s.Transform(fs)
	assert.ErrorIs(t, err, ErrPrecursorMissing)
	_, err = s.InverseTransform(mat.NewDense(1, 4, nil))
	assert.ErrorIs(t, err, ErrPrecursorMissing)
	_, err = s.Params()
	assert.ErrorIs(t, err, ErrPrecursorMissing)
}

func TestNewScalerFromParams(t *testing.T) {
	train, err := BuildFeatures(syntheticCustomers(30, 1), DefaultFeatureOptions())
	require.NoError(t, err)
	other, err := BuildFeatures(syntheticCustomers(9, 2), DefaultFeatureOptions())
	require.NoError(t, err)

	fitted := NewScaler(ScalerOptions{})
	require.NoError(t, fitted.Fit(train))
	params, err := fitted.Params()
	require.NoError(t, err)

	reused := NewScalerFromParams(params)
	assert.True(t, reused.Fitted())
	want, err := fitted.Transform(other)
	require.NoError(t, err)
	got, err := reused.Transform(other)
	require.NoError(t, err)
	assert.True(t, mat.Equal(want, got))

	// The copy is independent of the caller's slice.
	params.Features[0].Mean = 1e6
	again, err := reused.Transform(other)
	require.NoError(t, err)
	assert.True(t, mat.Equal(want, again))
}
