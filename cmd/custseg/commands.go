package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cenkalti/custseg"
	"github.com/spf13/cobra"
)

// Files written into the output directory.
const (
	segmentedFile = "segmented.csv"
	plotFile      = "plot.json"
	summaryFile   = "summaries.json"
)

func runCmd() *cobra.Command {
	var skipInsights, noStore bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline: features -> scaling -> clustering -> insights -> report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var gen custseg.Generator
			if !skipInsights {
				g, err := cfg.Generator()
				if err != nil {
					return err
				}
				gen = g
			}
			p, err := newPipeline(gen, skipInsights)
			if err != nil {
				return err
			}
			t, err := custseg.ReadCSVFile(cfg.Input)
			if err != nil {
				return err
			}

			log.Println("Running full pipeline...")
			runErr := p.Run(ctx, t, cfg.K)
			if runErr != nil && p.State() < custseg.StateSummarized {
				return runErr
			}
			if err := writeArtifacts(p); err != nil {
				return err
			}

			report, err := p.Report("")
			if err != nil {
				return err
			}
			if !noStore {
				id, err := storeRun(context.WithoutCancel(ctx), p)
				if err != nil {
					return err
				}
				report.RunID = id
			}
			if err := custseg.WriteReport(cfg.OutputDir, report); err != nil {
				return err
			}

			insights, _ := p.Insights()
			log.Printf("Pipeline complete: %d insights generated, %d failed, %d cancelled.",
				insights.Succeeded(), insights.Failed(), insights.Cancelled())
			return runErr
		},
	}
	cmd.Flags().IntP("k", "k", 4, "number of clusters")
	cmd.Flags().Bool("structured", false, "request JSON structured insights")
	cmd.Flags().BoolVar(&skipInsights, "skip-insights", false, "summarize clusters without generating insights")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "do not persist the run")
	return cmd
}

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster customers and write the segmented CSV and plot data",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPipeline(nil, true)
			if err != nil {
				return err
			}
			if err := loadAndCluster(p, cfg.K); err != nil {
				return err
			}
			return writeArtifacts(p)
		},
	}
	cmd.Flags().IntP("k", "k", 4, "number of clusters")
	return cmd
}

func suggestKCmd() *cobra.Command {
	var minK, maxK int
	cmd := &cobra.Command{
		Use:   "suggest-k",
		Short: "Score cluster counts by silhouette",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPipeline(nil, true)
			if err != nil {
				return err
			}
			t, err := custseg.ReadCSVFile(cfg.Input)
			if err != nil {
				return err
			}
			if err := p.Load(t); err != nil {
				return err
			}
			if err := p.Featurize(); err != nil {
				return err
			}
			if err := p.Scale(); err != nil {
				return err
			}
			best, evals, err := p.SuggestK(minK, maxK)
			if err != nil {
				return err
			}
			for _, e := range evals {
				marker := ""
				if e.K == best {
					marker = "  <- best"
				}
				fmt.Printf("k=%-2d silhouette=%.4f inertia=%.2f sizes=%v%s\n", e.K, e.Silhouette, e.Inertia, e.Sizes, marker)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&minK, "min", custseg.MinClusters, "smallest k to evaluate")
	cmd.Flags().IntVar(&maxK, "max", 5, "largest k to evaluate")
	return cmd
}

func reportCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render the report of a stored run",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := custseg.OpenStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID == "" {
				runs, err := store.ListRuns(cmd.Context())
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					return fmt.Errorf("%w: no stored runs", custseg.ErrRunNotFound)
				}
				runID = runs[0].ID
			}
			run, err := store.LoadRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			return custseg.WriteReport(cfg.OutputDir, run.Report(""))
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id, defaults to the latest run")
	return cmd
}

func runsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List stored runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := custseg.OpenStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s  %s  k=%d  records=%d  silhouette=%.4f\n",
					r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.K, r.Records, r.Silhouette)
			}
			return nil
		},
	}
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove generated CSV, plot data and reports",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range []string{segmentedFile, plotFile, summaryFile, "report.md", "report.html"} {
				path := filepath.Join(cfg.OutputDir, name)
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					log.Printf("Failed to remove %s: %v", path, err)
				}
			}
			log.Printf("Cleaned %s.", cfg.OutputDir)
		},
	}
}

func newPipeline(gen custseg.Generator, skipInsights bool) (*custseg.Pipeline, error) {
	opts := custseg.DefaultPipelineOptions()
	opts.Scaler = cfg.ScalerOptions()
	opts.Cluster = cfg.ClusterOptions()
	opts.Summarizer = cfg.SummarizerOptions()
	opts.SkipInsights = skipInsights
	return custseg.NewPipeline(gen, opts)
}

func loadAndCluster(p *custseg.Pipeline, k int) error {
	t, err := custseg.ReadCSVFile(cfg.Input)
	if err != nil {
		return err
	}
	if err := p.Load(t); err != nil {
		return err
	}
	if err := p.Featurize(); err != nil {
		return err
	}
	if err := p.Scale(); err != nil {
		return err
	}
	return p.Cluster(k)
}

// writeArtifacts writes the segmented table, plot data and, once
// summarized, the cluster summaries.
func writeArtifacts(p *custseg.Pipeline) error {
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	out, err := p.Output()
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.OutputDir, segmentedFile)
	if err := custseg.WriteCSVFile(path, out); err != nil {
		return err
	}
	log.Printf("Segmented customers written: %s", path)

	plot, err := p.PlotPoints()
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(cfg.OutputDir, plotFile), plot); err != nil {
		return err
	}

	if p.State() >= custseg.StateSummarized {
		summaries, err := p.Summaries()
		if err != nil {
			return err
		}
		if err := writeJSON(filepath.Join(cfg.OutputDir, summaryFile), summaries); err != nil {
			return err
		}
	}
	return nil
}

func storeRun(ctx context.Context, p *custseg.Pipeline) (string, error) {
	store, err := custseg.OpenStore(ctx, cfg.Store)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Failed to close store: %v", err)
		}
	}()

	record, err := p.Record()
	if err != nil {
		return "", err
	}
	return store.SaveRun(ctx, record)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
