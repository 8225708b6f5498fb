package custseg

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

//go:embed templates/report.html
var htmlTemplate string

//go:embed templates/styles.css
var cssStyles string

// DefaultReportTitle is used when a Report has no title.
const DefaultReportTitle = "Customer Segmentation Report"

// Report collects everything the rendered report shows about one run.
type Report struct {
	Title       string
	RunID       string
	GeneratedAt time.Time
	Clustering  *Clustering
	Scaling     ScalingParameters
	Total       int
	Summaries   []ClusterSummary
	// Insights is nil when the run was summarized without text generation.
	Insights *InsightBatch
}

// Markdown renders the report as a markdown document.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.title())
	if r.RunID != "" {
		fmt.Fprintf(&b, "Run `%s`, ", r.RunID)
	}
	fmt.Fprintf(&b, "generated %s.\n\n", r.GeneratedAt.Format("2 January 2006 15:04"))

	if c := r.Clustering; c != nil {
		fmt.Fprintf(&b, "%d customers in %d clusters (seed %d, silhouette %.3f, inertia %.2f",
			r.Total, c.K, c.Seed, c.Silhouette, c.Inertia)
		if !c.Converged {
			fmt.Fprintf(&b, ", stopped after %d iterations without converging", c.Iterations)
		}
		b.WriteString(").\n\n")
	}
	if len(r.Scaling.Degenerate) > 0 {
		fmt.Fprintf(&b, "_Features without variance, scaled with std 1: %s._\n\n",
			strings.Join(r.Scaling.Degenerate, ", "))
	}

	b.WriteString("## Overview\n\n")
	b.WriteString("| Cluster | Customers | Share |")
	for _, name := range ClusteringFeatures {
		fmt.Fprintf(&b, " %s |", name)
	}
	b.WriteString("\n|---|---:|---:|")
	for range ClusteringFeatures {
		b.WriteString("---:|")
	}
	b.WriteString("\n")
	for _, s := range r.Summaries {
		fmt.Fprintf(&b, "| %d | %d | %s |", s.ClusterID, s.Size, percent(s.Share))
		for _, name := range ClusteringFeatures {
			f, _ := s.Feature(name)
			fmt.Fprintf(&b, " %.2f |", f.Mean)
		}
		b.WriteString("\n")
	}

	for _, s := range r.Summaries {
		fmt.Fprintf(&b, "\n## Cluster %d\n\n", s.ClusterID)
		fmt.Fprintf(&b, "%d customers (%s).\n\n", s.Size, percent(s.Share))
		for _, f := range s.Features {
			fmt.Fprintf(&b, "- **%s**: %s, %s\n", f.Name, describeFeature(f), describeDeviation(f.Standardized))
		}
		for _, f := range s.Flags {
			fmt.Fprintf(&b, "- **%s**: %s\n", f.Name, percent(f.Share))
		}
		b.WriteString("\n")
		b.WriteString(r.insightSection(s.ClusterID))
		b.WriteString("\n")
	}
	return b.String()
}

func (r *Report) insightSection(id int) string {
	if r.Insights == nil {
		return "_No insight was requested for this cluster._\n"
	}
	ins, ok := r.Insights.Get(id)
	switch {
	case !ok:
		return "_No insight was requested for this cluster._\n"
	case ins.Available():
		return demoteHeadings(ins.Text, 1) + "\n"
	case ins.Err != nil:
		return fmt.Sprintf("_Insight %s: %v._\n", ins.Status, ins.Err)
	default:
		return fmt.Sprintf("_Insight %s._\n", ins.Status)
	}
}

func (r *Report) title() string {
	if r.Title == "" {
		return DefaultReportTitle
	}
	return r.Title
}

// demoteHeadings pushes every ATX heading down by levels so generated
// sections nest under the cluster heading.
func demoteHeadings(md string, levels int) string {
	lines := strings.Split(md, "\n")
	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if !inFence && strings.HasPrefix(trimmed, "#") {
			lines[i] = strings.Repeat("#", levels) + trimmed
		}
	}
	return strings.Join(lines, "\n")
}

// RenderHTML converts a markdown report into a standalone HTML document.
func RenderHTML(markdown string, title string, date time.Time) (string, error) {
	// The template prints the title, so drop the leading h1.
	if first, rest, found := strings.Cut(markdown, "\n"); found && strings.HasPrefix(first, "# ") {
		markdown = strings.TrimLeft(rest, "\n")
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Table,
			extension.Strikethrough,
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
	)

	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown to HTML: %w", err)
	}

	tmpl, err := template.New("report").Parse(htmlTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML template: %w", err)
	}

	data := struct {
		Title string
		Date  string
		Body  template.HTML
		CSS   template.CSS
	}{
		Title: title,
		Date:  date.Format("2 January 2006"),
		Body:  template.HTML(buf.String()),
		CSS:   template.CSS(cssStyles),
	}

	var result bytes.Buffer
	if err := tmpl.Execute(&result, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return result.String(), nil
}

// WriteReport writes report.md and report.html into dir.
func WriteReport(dir string, r *Report) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	report := r.Markdown()
	mdPath := filepath.Join(dir, "report.md")
	if err := os.WriteFile(mdPath, []byte(report), 0644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	log.Printf("Report generated: %s", mdPath)

	htmlContent, err := RenderHTML(report, r.title(), r.GeneratedAt)
	if err != nil {
		return err
	}
	htmlPath := filepath.Join(dir, "report.html")
	if err := os.WriteFile(htmlPath, []byte(htmlContent), 0644); err != nil {
		return fmt.Errorf("failed to write HTML file: %w", err)
	}
	log.Printf("HTML report generated: %s", htmlPath)
	return nil
}
