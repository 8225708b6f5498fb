package custseg

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"
)

// State is the furthest stage a Pipeline has completed.
type State int

const (
	StateEmpty State = iota
	StateFeaturized
	StateScaled
	StateClustered
	StateSummarized
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFeaturized:
		return "featurized"
	case StateScaled:
		return "scaled"
	case StateClustered:
		return "clustered"
	case StateSummarized:
		return "summarized"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// ClusterColumn is the output column holding the cluster id.
const ClusterColumn = "Cluster"

// PipelineOptions configures every stage of a Pipeline.
type PipelineOptions struct {
	Features   FeatureOptions
	Scaler     ScalerOptions
	Cluster    ClusterOptions
	Summarizer SummarizerOptions
	// SkipInsights summarizes clusters without calling the generator.
	SkipInsights bool
}

// DefaultPipelineOptions returns the defaults of every stage.
func DefaultPipelineOptions() PipelineOptions {
	return PipelineOptions{
		Features:   DefaultFeatureOptions(),
		Cluster:    DefaultClusterOptions(),
		Summarizer: DefaultSummarizerOptions(),
	}
}

// Pipeline runs the segmentation stages in order and keeps their results.
// Re-running a stage discards the results of every later stage. A Pipeline
// is not safe for concurrent use.
type Pipeline struct {
	opts       PipelineOptions
	summarizer *Summarizer

	state      State
	table      *Table
	features   *FeatureSet
	scaler     *Scaler
	scaled     *mat.Dense
	clustering *Clustering
	summaries  []ClusterSummary
	insights   *InsightBatch
}

// NewPipeline returns an empty Pipeline. gen may be nil only when
// opts.SkipInsights is set.
func NewPipeline(gen Generator, opts PipelineOptions) (*Pipeline, error) {
	if gen == nil && !opts.SkipInsights {
		return nil, fmt.Errorf("%w: no text generation backend configured", ErrConfiguration)
	}
	if len(opts.Features.NumericColumns) == 0 && len(opts.Features.CategoricalColumns) == 0 {
		opts.Features = DefaultFeatureOptions()
	}
	return &Pipeline{
		opts:       opts,
		summarizer: NewSummarizer(gen, opts.Summarizer),
	}, nil
}

// State returns the furthest completed stage.
func (p *Pipeline) State() State { return p.state }

// Load replaces the input table and discards all derived state.
func (p *Pipeline) Load(t *Table) error {
	p.reset(StateEmpty)
	p.table = nil
	if t == nil || t.Len() == 0 {
		return &StageError{Stage: StageLoad, Err: ErrEmptyDataset}
	}
	p.table = t
	log.Printf("📥 Loaded %d records with %d columns", t.Len(), len(t.Header))
	return nil
}

// Featurize derives the feature set from the loaded table.
func (p *Pipeline) Featurize() error {
	if p.table == nil {
		return precursorMissing(StageFeaturize, "no table loaded")
	}
	p.reset(StateEmpty)
	fs, err := BuildFeatures(p.table, p.opts.Features)
	if err != nil {
		return &StageError{Stage: StageFeaturize, Err: err}
	}
	p.features = fs
	p.state = StateFeaturized
	log.Printf("🧮 Derived %d features (%d one-hot flags)", len(fs.Names), len(fs.FlagNames))
	return nil
}

// Scale fits a Scaler on the feature set and standardizes it.
func (p *Pipeline) Scale() error {
	if p.state < StateFeaturized {
		return precursorMissing(StageScale, "features are not derived")
	}
	p.reset(StateFeaturized)
	scaler := NewScaler(p.opts.Scaler)
	if err := scaler.Fit(p.features); err != nil {
		return &StageError{Stage: StageScale, Err: err}
	}
	scaled, err := scaler.Transform(p.features)
	if err != nil {
		return &StageError{Stage: StageScale, Err: err}
	}
	p.scaler, p.scaled = scaler, scaled
	p.state = StateScaled
	return nil
}

// Cluster partitions the standardized features into k clusters.
func (p *Pipeline) Cluster(k int) error {
	if p.state < StateScaled {
		return precursorMissing(StageCluster, "features are not scaled")
	}
	p.reset(StateScaled)
	c, err := Cluster(p.scaled, k, p.opts.Cluster)
	if err != nil {
		return &StageError{Stage: StageCluster, Err: err}
	}
	p.clustering = c
	p.state = StateClustered
	return nil
}

// SuggestK evaluates candidate cluster counts on the standardized features.
func (p *Pipeline) SuggestK(minK, maxK int) (int, []KEvaluation, error) {
	if p.state < StateScaled {
		return 0, nil, precursorMissing(StageCluster, "features are not scaled")
	}
	k, evals, err := SuggestK(p.scaled, minK, maxK, p.opts.Cluster)
	if err != nil {
		return 0, nil, &StageError{Stage: StageCluster, Err: err}
	}
	return k, evals, nil
}

// Summarize aggregates every cluster and generates its insight. Individual
// generation failures are recorded on the insights and do not fail the
// stage. On cancellation the completed insights are kept and the context
// error is returned.
func (p *Pipeline) Summarize(ctx context.Context) error {
	if p.state < StateClustered {
		return precursorMissing(StageSummarize, "no cluster assignments")
	}
	p.reset(StateClustered)
	summaries, err := SummarizeClusters(p.features, p.clustering, p.scaler)
	if err != nil {
		return &StageError{Stage: StageSummarize, Err: err}
	}

	var batch *InsightBatch
	if p.opts.SkipInsights {
		batch = skippedInsights(summaries)
	} else {
		batch, err = p.summarizer.Generate(ctx, summaries, p.features.Len())
		if batch == nil {
			return &StageError{Stage: StageSummarize, Err: err}
		}
	}
	p.summaries, p.insights = summaries, batch
	p.state = StateSummarized
	if err != nil {
		return &StageError{Stage: StageSummarize, Err: err}
	}
	return nil
}

// Run executes every stage on t with k clusters.
func (p *Pipeline) Run(ctx context.Context, t *Table, k int) error {
	start := time.Now()
	if err := p.Load(t); err != nil {
		return err
	}
	if err := p.Featurize(); err != nil {
		return err
	}
	if err := p.Scale(); err != nil {
		return err
	}
	if err := p.Cluster(k); err != nil {
		return err
	}
	if err := p.Summarize(ctx); err != nil {
		return err
	}
	log.Printf("✅ Pipeline finished in %v", time.Since(start).Round(time.Millisecond))
	return nil
}

// Features returns the derived feature set.
func (p *Pipeline) Features() (*FeatureSet, error) {
	if p.state < StateFeaturized {
		return nil, precursorMissing(StageFeaturize, "features are not derived")
	}
	return p.features, nil
}

// Scaling returns the fitted scaling parameters.
func (p *Pipeline) Scaling() (ScalingParameters, error) {
	if p.state < StateScaled {
		return ScalingParameters{}, precursorMissing(StageScale, "features are not scaled")
	}
	return p.scaler.Params()
}

// Clustering returns the current cluster assignment.
func (p *Pipeline) Clustering() (*Clustering, error) {
	if p.state < StateClustered {
		return nil, precursorMissing(StageCluster, "no cluster assignments")
	}
	return p.clustering, nil
}

// Summaries returns the per-cluster summaries.
func (p *Pipeline) Summaries() ([]ClusterSummary, error) {
	if p.state < StateSummarized {
		return nil, precursorMissing(StageSummarize, "clusters are not summarized")
	}
	return p.summaries, nil
}

// Insights returns the per-cluster insights.
func (p *Pipeline) Insights() (*InsightBatch, error) {
	if p.state < StateSummarized {
		return nil, precursorMissing(StageSummarize, "clusters are not summarized")
	}
	return p.insights, nil
}

// Output returns the input table with Recency, Frequency, Monetary, the
// one-hot flags and Cluster appended. Derived values are in original units.
// The loaded table is not modified.
func (p *Pipeline) Output() (*Table, error) {
	if p.state < StateClustered {
		return nil, precursorMissing(StageCluster, "no cluster assignments")
	}
	appended := append([]string{FeatureRecency, FeatureFrequency, FeatureMonetary}, p.features.FlagNames...)
	indexes := make([]int, len(appended))
	for i, name := range appended {
		indexes[i] = p.features.Index(name)
	}

	out := &Table{
		Header: append(append(append([]string{}, p.table.Header...), appended...), ClusterColumn),
		Rows:   make([][]string, p.table.Len()),
	}
	for i, row := range p.table.Rows {
		r := make([]string, 0, len(out.Header))
		r = append(r, row...)
		for _, idx := range indexes {
			r = append(r, strconv.FormatFloat(p.features.Values[i][idx], 'f', -1, 64))
		}
		r = append(r, strconv.Itoa(p.clustering.Labels[i]))
		out.Rows[i] = r
	}
	return out, nil
}

// PlotPoint is one point of the Monetary/Recency scatter.
type PlotPoint struct {
	Monetary float64 `json:"monetary"`
	Recency  float64 `json:"recency"`
	Cluster  int     `json:"cluster"`
}

// PlotData is the scatter of customers and cluster centers in original units.
type PlotData struct {
	Points    []PlotPoint `json:"points"`
	Centroids []PlotPoint `json:"centroids"`
}

// PlotPoints returns every customer's Monetary and Recency with its cluster,
// and the centroids projected into the same space.
func (p *Pipeline) PlotPoints() (*PlotData, error) {
	if p.state < StateClustered {
		return nil, precursorMissing(StageCluster, "no cluster assignments")
	}
	monetary, recency := p.features.Index(FeatureMonetary), p.features.Index(FeatureRecency)
	data := &PlotData{Points: make([]PlotPoint, p.features.Len())}
	for i, row := range p.features.Values {
		data.Points[i] = PlotPoint{Monetary: row[monetary], Recency: row[recency], Cluster: p.clustering.Labels[i]}
	}

	centroids, err := p.scaler.InverseTransform(p.clustering.Centroids)
	if err != nil {
		return nil, fmt.Errorf("failed to project centroids: %w", err)
	}
	cm, cr := featurePosition(FeatureMonetary), featurePosition(FeatureRecency)
	for id := 0; id < p.clustering.K; id++ {
		data.Centroids = append(data.Centroids, PlotPoint{
			Monetary: centroids.At(id, cm),
			Recency:  centroids.At(id, cr),
			Cluster:  id,
		})
	}
	return data, nil
}

// Report returns the printable report of the summarized run.
func (p *Pipeline) Report(title string) (*Report, error) {
	if p.state < StateSummarized {
		return nil, precursorMissing(StageSummarize, "clusters are not summarized")
	}
	params, err := p.scaler.Params()
	if err != nil {
		return nil, err
	}
	return &Report{
		Title:       title,
		GeneratedAt: time.Now(),
		Clustering:  p.clustering,
		Scaling:     params,
		Total:       p.features.Len(),
		Summaries:   p.summaries,
		Insights:    p.insights,
	}, nil
}

// Record returns the run in the form kept by a Store.
func (p *Pipeline) Record() (*RunRecord, error) {
	if p.state < StateClustered {
		return nil, precursorMissing(StageCluster, "no cluster assignments")
	}
	params, err := p.scaler.Params()
	if err != nil {
		return nil, err
	}
	return &RunRecord{
		Clustering: p.clustering,
		Scaling:    params,
		Summaries:  p.summaries,
		Insights:   p.insights,
	}, nil
}

// reset drops the results of every stage after s.
func (p *Pipeline) reset(s State) {
	if s < StateFeaturized {
		p.features = nil
	}
	if s < StateScaled {
		p.scaler, p.scaled = nil, nil
	}
	if s < StateClustered {
		p.clustering = nil
	}
	if s < StateSummarized {
		p.summaries, p.insights = nil, nil
	}
	p.state = s
}

func precursorMissing(stage Stage, detail string) error {
	return &StageError{Stage: stage, Err: fmt.Errorf("%w: %s", ErrPrecursorMissing, detail)}
}

func featurePosition(name string) int {
	for i, n := range ClusteringFeatures {
		if n == name {
			return i
		}
	}
	return -1
}

func skippedInsights(summaries []ClusterSummary) *InsightBatch {
	batch := &InsightBatch{Insights: make([]Insight, len(summaries))}
	for i, s := range summaries {
		batch.Insights[i] = Insight{ClusterID: s.ClusterID, Status: InsightSkipped}
	}
	return batch
}
