package main

import (
	"errors"
	"io/fs"
	"log"

	"github.com/cenkalti/custseg"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *custseg.Config
)

func main() {
	// A missing .env is fine; the environment may already be set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Error loading .env file: %v", err)
	}

	rootCmd := &cobra.Command{
		Use:           "custseg",
		Short:         "Telecom customer segmentation with generated cluster insights",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := custseg.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			cfg = c
			return applyFlags(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringP("input", "i", "", "input CSV with customer records")
	rootCmd.PersistentFlags().StringP("out", "o", "", "output directory")
	rootCmd.PersistentFlags().Int64("seed", 0, "k-means seed")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(clusterCmd())
	rootCmd.AddCommand(suggestKCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(cleanCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// applyFlags overrides config values with the flags given on the command line.
func applyFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.Input, _ = flags.GetString("input")
	}
	if flags.Changed("out") {
		cfg.OutputDir, _ = flags.GetString("out")
	}
	if flags.Changed("seed") {
		cfg.Seed, _ = flags.GetInt64("seed")
	}
	if flags.Lookup("k") != nil && flags.Changed("k") {
		cfg.K, _ = flags.GetInt("k")
	}
	if flags.Lookup("structured") != nil && flags.Changed("structured") {
		cfg.Structured, _ = flags.GetBool("structured")
	}
	return cfg.Validate()
}
