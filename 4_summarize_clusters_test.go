package custseg

import (
	"math"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clusteredCustomers struct {
	features   *FeatureSet
	scaler     *Scaler
	clustering *Clustering
}

func clusterCustomers(t *testing.T, n, k int) clusteredCustomers {
	t.Helper()
	fs, err := BuildFeatures(syntheticCustomers(n, 3), DefaultFeatureOptions())
	require.NoError(t, err)
	s := NewScaler(ScalerOptions{})
	require.NoError(t, s.Fit(fs))
	z, err := s.Transform(fs)
	require.NoError(t, err)
	c, err := Cluster(z, k, DefaultClusterOptions())
	require.NoError(t, err)
	return clusteredCustomers{features: fs, scaler: s, clustering: c}
}

func TestSummarizeClusters(t *testing.T) {
	cc := clusterCustomers(t, 60, 3)
	summaries, err := SummarizeClusters(cc.features, cc.clustering, cc.scaler)
	require.NoError(t, err)
	require.Len(t, summaries, 3)

	total := 0
	for id, s := range summaries {
		assert.Equal(t, id, s.ClusterID)
		assert.Equal(t, cc.clustering.Sizes[id], s.Size)
		assert.InDelta(t, float64(s.Size)/60, s.Share, 1e-12)
		total += s.Size

		// Mean of the members in original units.
		var sum float64
		for i, label := range cc.clustering.Labels {
			if label == id {
				sum += cc.features.Values[i][cc.features.Index(FeatureMonetary)]
			}
		}
		monetary, ok := s.Feature(FeatureMonetary)
		require.True(t, ok)
		assert.InDelta(t, sum/float64(s.Size), monetary.Mean, 1e-9)

		// A converged centroid is the member mean.
		require.Len(t, s.Centroid, len(ClusteringFeatures))
		for j, f := range s.Features {
			assert.InDelta(t, f.Mean, s.Centroid[j], 1e-6, f.Name)
		}
		assert.Len(t, s.Flags, len(cc.features.FlagNames))
		assert.Equal(t, "F", s.References[ColGender])
	}
	assert.Equal(t, 60, total)
}

func TestSummarizeClustersRequiresAssignments(t *testing.T) {
	cc := clusterCustomers(t, 12, 2)
	_, err := SummarizeClusters(cc.features, nil, cc.scaler)
	assert.ErrorIs(t, err, ErrPrecursorMissing)
	_, err = SummarizeClusters(cc.features, &Clustering{K: 2}, cc.scaler)
	assert.ErrorIs(t, err, ErrPrecursorMissing)
	_, err = SummarizeClusters(cc.features, cc.clustering, NewScaler(ScalerOptions{}))
	assert.ErrorIs(t, err, ErrPrecursorMissing)
}

var signedNumber = regexp.MustCompile(`-\s*\d`)

func TestBuildRequestHasNoSignedNumbers(t *testing.T) {
	s := ClusterSummary{
		ClusterID: 2,
		Size:      40,
		Share:     0.4,
		Features: []FeatureMean{
			{Name: FeatureRecency, Mean: -4.25, Standardized: -1.8},
			{Name: FeatureFrequency, Mean: 0.4, Standardized: -0.0001},
			{Name: FeatureMonetary, Mean: 18.5, Standardized: -0.82},
			{Name: FeatureDataUsageGB, Mean: 12, Standardized: 1.25},
		},
		Flags:      []FlagShare{{Name: "Gender_M", Share: 0.55}, {Name: "Region_South", Share: 0.1}},
		References: map[string]string{ColGender: "F", ColRegion: "East"},
	}
	req := BuildRequest(s, 100, DefaultSampling())

	assert.Equal(t, 2, req.ClusterID)
	assert.Equal(t, SystemPrompt, req.System)
	assert.Equal(t, DefaultSampling(), req.Sampling)
	assert.Nil(t, req.Schema)
	assert.False(t, signedNumber.MatchString(req.User), req.User)

	for _, want := range []string{
		"Cluster 2",
		"40 customers (40.0% of 100)",
		"4.25 days beyond the 30-day observation window",
		"1.80 standard deviations below the customer average",
		"0.82 standard deviations below the customer average",
		"1.25 standard deviations above the customer average",
		"at the customer average",
		"Days since last purchase: 34.25 days",
		"Gender_M: 55.0% of the cluster",
		"Gender=F, Region=East",
	} {
		assert.Contains(t, req.User, want)
	}
}

func TestSystemPromptListsSections(t *testing.T) {
	for _, title := range InsightSectionTitles {
		assert.Contains(t, SystemPrompt, title)
	}
	assert.True(t, strings.HasPrefix(SystemPrompt, "You are a Telecommunication Customer Insights Analyst"))
}

func TestMagnitude(t *testing.T) {
	assert.Equal(t, "3.50 GB", magnitude(3.5, "GB", "GB below zero"))
	assert.Equal(t, "3.50 GB below zero", magnitude(-3.5, "GB", "GB below zero"))
	assert.Equal(t, "0.00 GB", magnitude(math.Copysign(0, -1), "GB", "GB below zero"))
}
