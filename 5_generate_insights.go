package custseg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Generator is the text generation boundary. Implementations must honor ctx.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerationRequest) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	return f(ctx, req)
}

// InsightStatus tells whether an Insight carries text.
type InsightStatus int

const (
	InsightGenerated InsightStatus = iota + 1
	InsightFailed
	InsightSkipped
	InsightCancelled
)

func (s InsightStatus) String() string {
	switch s {
	case InsightGenerated:
		return "generated"
	case InsightFailed:
		return "failed"
	case InsightSkipped:
		return "skipped"
	case InsightCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s InsightStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Insight is the narrative for one cluster. Text is set only when Status is InsightGenerated.
type Insight struct {
	ClusterID int           `json:"cluster_id"`
	Status    InsightStatus `json:"status"`
	Text      string        `json:"text,omitempty"`
	Err       error         `json:"-"`
	Attempts  int           `json:"attempts"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Available reports whether the insight holds generated text.
func (i Insight) Available() bool { return i.Status == InsightGenerated }

// InsightBatch holds one insight per cluster, ordered by cluster id.
type InsightBatch struct {
	Insights []Insight `json:"insights"`
}

// Get returns the insight of cluster id.
func (b *InsightBatch) Get(id int) (Insight, bool) {
	for _, ins := range b.Insights {
		if ins.ClusterID == id {
			return ins, true
		}
	}
	return Insight{}, false
}

// Succeeded counts generated insights.
func (b *InsightBatch) Succeeded() int { return b.count(InsightGenerated) }

// Failed counts insights whose generation failed.
func (b *InsightBatch) Failed() int { return b.count(InsightFailed) }

// Cancelled counts insights abandoned by cancellation.
func (b *InsightBatch) Cancelled() int { return b.count(InsightCancelled) }

func (b *InsightBatch) count(status InsightStatus) int {
	n := 0
	for _, ins := range b.Insights {
		if ins.Status == status {
			n++
		}
	}
	return n
}

// SummarizerOptions controls insight generation.
type SummarizerOptions struct {
	Sampling SamplingConfig
	// MaxConcurrency caps in-flight generation calls.
	MaxConcurrency int
	// Timeout bounds each cluster's generation, retries included.
	Timeout time.Duration
	// MaxRetries is the number of retries after a transient failure.
	MaxRetries     int
	RetryBaseDelay time.Duration
	// Structured requests JSON sections and renders them as markdown.
	Structured bool
}

// DefaultSummarizerOptions returns the defaults used by the CLI.
func DefaultSummarizerOptions() SummarizerOptions {
	return SummarizerOptions{
		Sampling:       DefaultSampling(),
		MaxConcurrency: 4,
		Timeout:        60 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: time.Second,
	}
}

// Summarizer turns cluster summaries into insights through a Generator.
type Summarizer struct {
	gen  Generator
	opts SummarizerOptions
}

// NewSummarizer returns a Summarizer. A nil gen makes Generate fail with ErrConfiguration.
func NewSummarizer(gen Generator, opts SummarizerOptions) *Summarizer {
	defaults := DefaultSummarizerOptions()
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaults.MaxConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if opts.Sampling == (SamplingConfig{}) {
		opts.Sampling = defaults.Sampling
	}
	return &Summarizer{gen: gen, opts: opts}
}

// Generate requests one insight per summary concurrently. A failed cluster is
// recorded as InsightFailed and does not stop the others. When ctx is
// cancelled, unfinished clusters are marked InsightCancelled and ctx.Err() is
// returned along with the insights completed so far.
func (s *Summarizer) Generate(ctx context.Context, summaries []ClusterSummary, total int) (*InsightBatch, error) {
	if s == nil || s.gen == nil {
		return nil, fmt.Errorf("%w: no text generation backend configured", ErrConfiguration)
	}
	if len(summaries) == 0 {
		return nil, fmt.Errorf("%w: no cluster summaries", ErrPrecursorMissing)
	}

	results := newInsightSet()
	var g errgroup.Group
	g.SetLimit(min(len(summaries), s.opts.MaxConcurrency))
	log.Printf("Generating insights for %d clusters (max %d concurrent)...", len(summaries), min(len(summaries), s.opts.MaxConcurrency))
	for _, summary := range summaries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results.put(s.generateOne(ctx, summary, total))
			return nil
		})
	}
	_ = g.Wait()

	batch := &InsightBatch{Insights: make([]Insight, 0, len(summaries))}
	for _, summary := range summaries {
		ins, ok := results.get(summary.ClusterID)
		if !ok {
			ins = Insight{ClusterID: summary.ClusterID, Status: InsightCancelled, Err: ctx.Err()}
		}
		batch.Insights = append(batch.Insights, ins)
	}
	log.Printf("Insight generation finished: %d succeeded, %d failed, %d cancelled",
		batch.Succeeded(), batch.Failed(), batch.Cancelled())

	if err := ctx.Err(); err != nil {
		return batch, err
	}
	return batch, nil
}

func (s *Summarizer) generateOne(ctx context.Context, summary ClusterSummary, total int) Insight {
	ins := Insight{ClusterID: summary.ClusterID}
	if err := ctx.Err(); err != nil {
		ins.Status, ins.Err = InsightCancelled, err
		return ins
	}

	req := BuildRequest(summary, total, s.opts.Sampling)
	if s.opts.Structured {
		schema, err := insightResponseSchema()
		if err != nil {
			ins.Status, ins.Err = InsightFailed, &GenerationError{ClusterID: summary.ClusterID, Err: err}
			return ins
		}
		req.Schema = schema
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	backoff := retry.WithMaxRetries(uint64(s.opts.MaxRetries), retry.NewExponential(s.opts.RetryBaseDelay))
	var text string
	err := retry.Do(callCtx, backoff, func(ctx context.Context) error {
		ins.Attempts++
		raw, err := s.gen.Generate(ctx, req)
		if err != nil {
			if isTransient(err) && ctx.Err() == nil {
				log.Printf("Cluster %d: transient generation error (attempt %d): %v", summary.ClusterID, ins.Attempts, err)
				if d := retryAfterHint(err); d > 0 && ins.Attempts <= s.opts.MaxRetries {
					log.Printf("Cluster %d: server asked to wait %v", summary.ClusterID, d)
					if err := sleepContext(ctx, d); err != nil {
						return err
					}
				}
				return retry.RetryableError(err)
			}
			return err
		}
		text, err = postProcessInsight(raw, s.opts.Structured)
		return err
	})
	ins.Elapsed = time.Since(start)

	switch {
	case err == nil:
		ins.Status, ins.Text = InsightGenerated, text
		log.Printf("Cluster %d: insight generated in %v", summary.ClusterID, ins.Elapsed.Round(time.Millisecond))
	case ctx.Err() != nil:
		ins.Status, ins.Err = InsightCancelled, ctx.Err()
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %v: %w", s.opts.Timeout, err)
		}
		ins.Status, ins.Err = InsightFailed, &GenerationError{ClusterID: summary.ClusterID, Err: err}
		log.Printf("⚠️  Cluster %d: %v", summary.ClusterID, ins.Err)
	}
	return ins
}

// isTransient reports whether err is worth retrying.
func isTransient(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// InsightSections is the structured form of an insight.
type InsightSections struct {
	DemographicInsights string `json:"demographic_insights" jsonschema:"description=Who the customers in this cluster are as markdown bullet points"`
	BehaviourAnalysis   string `json:"behaviour_analysis" jsonschema:"description=How the customers in this cluster use and pay for the service as markdown bullet points"`
	MarketingStrategies string `json:"marketing_strategies" jsonschema:"description=Marketing actions tailored to this cluster as markdown bullet points"`
	PricingStrategies   string `json:"pricing_strategies" jsonschema:"description=Product and pricing recommendations for this cluster as markdown bullet points"`
}

// Markdown renders the sections under the standard headings.
func (s InsightSections) Markdown() string {
	bodies := []string{s.DemographicInsights, s.BehaviourAnalysis, s.MarketingStrategies, s.PricingStrategies}
	var b strings.Builder
	for i, title := range InsightSectionTitles {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s", title, strings.TrimSpace(bodies[i]))
	}
	return b.String()
}

var insightResponseSchema = sync.OnceValues(func() (*ResponseSchema, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schemaObj := reflector.Reflect(&InsightSections{})
	if schemaObj.Type == "" {
		schemaObj.Type = "object"
	}

	// Round trip through JSON so the schema is plain data for any client.
	schemaBytes, err := json.Marshal(schemaObj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal insight schema: %w", err)
	}
	var schema any
	if err := json.Unmarshal(schemaBytes, &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal insight schema: %w", err)
	}
	return &ResponseSchema{
		Name:        "cluster_insight",
		Description: "Actionable insights for one customer cluster",
		Schema:      schema,
	}, nil
})

// postProcessInsight normalizes generated text. Empty output and malformed
// structured output are errors.
func postProcessInsight(raw string, structured bool) (string, error) {
	text := stripCodeFence(strings.TrimSpace(raw))
	if text == "" {
		return "", errors.New("empty response")
	}
	if !structured {
		return text, nil
	}

	var sections InsightSections
	if err := json.Unmarshal([]byte(text), &sections); err != nil {
		return "", fmt.Errorf("malformed structured response: %w", err)
	}
	if strings.TrimSpace(sections.DemographicInsights+sections.BehaviourAnalysis+sections.MarketingStrategies+sections.PricingStrategies) == "" {
		return "", errors.New("structured response has no content")
	}
	return sections.Markdown(), nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	_, body, found := strings.Cut(s, "\n")
	if !found {
		return ""
	}
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}

// insightSet collects results from concurrent workers keyed by cluster id.
type insightSet struct {
	mu       sync.Mutex
	insights map[int]Insight
}

func newInsightSet() *insightSet {
	return &insightSet{insights: make(map[int]Insight)}
}

func (s *insightSet) put(ins Insight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights[ins.ClusterID] = ins
}

func (s *insightSet) get(id int) (Insight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ins, ok := s.insights[id]
	return ins, ok
}
