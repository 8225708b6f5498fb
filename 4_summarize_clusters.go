package custseg

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// FeatureMean is the within-cluster mean of one clustering feature.
type FeatureMean struct {
	Name string `json:"name"`
	// Mean is in original feature units.
	Mean float64 `json:"mean"`
	// Standardized is the mean expressed in dataset standard deviations.
	Standardized float64 `json:"standardized"`
}

// FlagShare is the fraction of cluster members with a one-hot flag set.
type FlagShare struct {
	Name  string  `json:"name"`
	Share float64 `json:"share"`
}

// ClusterSummary aggregates the members of one cluster.
type ClusterSummary struct {
	ClusterID int           `json:"cluster_id"`
	Size      int           `json:"size"`
	Share     float64       `json:"share"`
	Features  []FeatureMean `json:"features"`
	Flags     []FlagShare   `json:"flags"`
	// Centroid is the cluster center projected back into original units,
	// aligned with ClusteringFeatures.
	Centroid []float64 `json:"centroid,omitempty"`
	// References maps categorical columns to the category without an indicator column.
	References map[string]string `json:"references,omitempty"`
}

// Feature returns the mean of the named clustering feature.
func (s ClusterSummary) Feature(name string) (FeatureMean, bool) {
	for _, f := range s.Features {
		if f.Name == name {
			return f, true
		}
	}
	return FeatureMean{}, false
}

// SummarizeClusters computes per-cluster feature means in original units
// along with their standardized position, ordered by cluster id.
func SummarizeClusters(fs *FeatureSet, c *Clustering, scaler *Scaler) ([]ClusterSummary, error) {
	if fs == nil || c == nil || len(c.Labels) == 0 {
		return nil, fmt.Errorf("%w: no cluster assignments", ErrPrecursorMissing)
	}
	if len(c.Labels) != fs.Len() {
		return nil, fmt.Errorf("%w: %d assignments for %d records", ErrPrecursorMissing, len(c.Labels), fs.Len())
	}
	params, err := scaler.Params()
	if err != nil {
		return nil, err
	}
	var centroids *mat.Dense
	if c.Centroids != nil {
		if centroids, err = scaler.InverseTransform(c.Centroids); err != nil {
			return nil, fmt.Errorf("failed to project centroids: %w", err)
		}
	}

	sums := make([][]float64, c.K)
	sizes := make([]int, c.K)
	for j := range sums {
		sums[j] = make([]float64, len(fs.Names))
	}
	for i, label := range c.Labels {
		if label < 0 || label >= c.K {
			return nil, fmt.Errorf("record %d has cluster %d outside [0, %d)", i, label, c.K)
		}
		for f, v := range fs.Values[i] {
			sums[label][f] += v
		}
		sizes[label]++
	}

	summaries := make([]ClusterSummary, 0, c.K)
	for id := 0; id < c.K; id++ {
		if sizes[id] == 0 {
			return nil, fmt.Errorf("cluster %d has no members", id)
		}
		s := ClusterSummary{
			ClusterID:  id,
			Size:       sizes[id],
			Share:      float64(sizes[id]) / float64(fs.Len()),
			References: fs.References,
		}
		if centroids != nil {
			s.Centroid = append([]float64(nil), centroids.RawRowView(id)...)
		}
		for _, p := range params.Features {
			mean := sums[id][fs.Index(p.Name)] / float64(sizes[id])
			s.Features = append(s.Features, FeatureMean{
				Name:         p.Name,
				Mean:         mean,
				Standardized: (mean - p.Mean) / p.Std,
			})
		}
		for _, name := range fs.FlagNames {
			s.Flags = append(s.Flags, FlagShare{
				Name:  name,
				Share: sums[id][fs.Index(name)] / float64(sizes[id]),
			})
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// SamplingConfig holds the text generation sampling parameters.
type SamplingConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// DefaultSampling returns temperature 0.7, top_p 1 and 600 tokens.
func DefaultSampling() SamplingConfig {
	return SamplingConfig{Temperature: 0.7, TopP: 1, MaxTokens: 600}
}

// ResponseSchema asks the generator for JSON output matching Schema.
type ResponseSchema struct {
	Name        string
	Description string
	Schema      any
}

// GenerationRequest is one call to the text generation boundary.
type GenerationRequest struct {
	ClusterID int
	System    string
	User      string
	Sampling  SamplingConfig
	// Schema is nil for free-form markdown output.
	Schema *ResponseSchema
}

// Insight report section headings, in order.
var InsightSectionTitles = []string{
	"Demographic Insights",
	"Customer Behaviour Analysis",
	"Tailored Marketing Strategies",
	"Product and Pricing Strategies",
}

// SystemPrompt is the fixed instruction sent with every cluster.
var SystemPrompt = `You are a Telecommunication Customer Insights Analyst. You are tasked with analyzing customer clusters for actionable insights.

Give a concise and detailed response in an easy-to-understand manner for the Marketing and Sales teams to act on.

Output in Markdown with exactly these sections, each as a level-2 heading:
1. ` + InsightSectionTitles[0] + `
2. ` + InsightSectionTitles[1] + `
3. ` + InsightSectionTitles[2] + `
4. ` + InsightSectionTitles[3] + `

Strictly stick to this output format. Do not report negative numbers: every value you receive is a magnitude, and its direction is stated in words.`

// BuildRequest renders the user message for one cluster. total is the number
// of customers across all clusters.
func BuildRequest(s ClusterSummary, total int, sampling SamplingConfig) GenerationRequest {
	return GenerationRequest{
		ClusterID: s.ClusterID,
		System:    SystemPrompt,
		User:      buildUserPrompt(s, total),
		Sampling:  sampling,
	}
}

func buildUserPrompt(s ClusterSummary, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the following customer data for Cluster %d.\n\n", s.ClusterID)
	fmt.Fprintf(&b, "Cluster size: %d customers (%s of %d).\n\n", s.Size, percent(s.Share), total)

	b.WriteString("Average behaviour:\n")
	for _, f := range s.Features {
		fmt.Fprintf(&b, "- %s: %s; %s\n", f.Name, describeFeature(f), describeDeviation(f.Standardized))
		if f.Name == FeatureRecency {
			fmt.Fprintf(&b, "- Days since last purchase: %s\n", magnitude(ObservationWindowDays-f.Mean, "days", "days ahead of the reporting date"))
		}
	}

	if len(s.Flags) > 0 {
		b.WriteString("\nDemographic mix:\n")
		for _, f := range s.Flags {
			fmt.Fprintf(&b, "- %s: %s of the cluster\n", f.Name, percent(f.Share))
		}
	}
	if len(s.References) > 0 {
		cols := make([]string, 0, len(s.References))
		for col := range s.References {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		refs := make([]string, len(cols))
		for i, col := range cols {
			refs[i] = col + "=" + s.References[col]
		}
		fmt.Fprintf(&b, "\nReference levels (customers not covered by the shares above): %s\n", strings.Join(refs, ", "))
	}
	return b.String()
}

func describeFeature(f FeatureMean) string {
	switch f.Name {
	case FeatureRecency:
		if f.Mean < 0 {
			return fmt.Sprintf("%.2f days beyond the %d-day observation window", math.Abs(f.Mean), ObservationWindowDays)
		}
		return fmt.Sprintf("%.2f days remaining in the %d-day observation window", math.Abs(f.Mean), ObservationWindowDays)
	case FeatureFrequency:
		return magnitude(f.Mean, "calls per day", "calls per day below zero")
	case FeatureMonetary:
		return magnitude(f.Mean, "monthly spending", "monthly spending below zero")
	case FeatureDataUsageGB:
		return magnitude(f.Mean, "GB of data per month", "GB of data per month below zero")
	}
	return magnitude(f.Mean, "", "below zero")
}

// magnitude formats v without a sign, using negativeUnit when v < 0.
func magnitude(v float64, unit, negativeUnit string) string {
	if v < 0 {
		return strings.TrimSpace(fmt.Sprintf("%.2f %s", math.Abs(v), negativeUnit))
	}
	// Abs folds negative zero.
	return strings.TrimSpace(fmt.Sprintf("%.2f %s", math.Abs(v), unit))
}

// describeDeviation turns a z-score into an unsigned phrase.
func describeDeviation(z float64) string {
	switch {
	case math.Abs(z) < 0.005:
		return "at the customer average"
	case z > 0:
		return fmt.Sprintf("%.2f standard deviations above the customer average", z)
	default:
		return fmt.Sprintf("%.2f standard deviations below the customer average", math.Abs(z))
	}
}

func percent(share float64) string {
	return fmt.Sprintf("%.1f%%", share*100)
}
