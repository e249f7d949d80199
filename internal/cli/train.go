package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"sentinel-ids/internal/common"
	"sentinel-ids/internal/metrics"
	"sentinel-ids/internal/selection"
	"sentinel-ids/internal/storage"
	"sentinel-ids/internal/traffic"
)

// NewGenDataCommand creates the gen-data command.
func NewGenDataCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		rows    int
		ratio   float64
		seed    int64
		label   string
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "gen-data",
		Short: "Write a synthetic labelled traffic CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rows < 1 {
				return fmt.Errorf("rows must be positive, got %d", rows)
			}
			if ratio < 0 || ratio > 1 {
				return fmt.Errorf("anomaly ratio must be in [0,1], got %v", ratio)
			}

			w := cmd.OutOrStdout()
			if outPath != "" && outPath != "-" {
				if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
					return err
				}
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return traffic.NewGenerator(seed).WriteCSV(w, rows, ratio, label)
		},
	}
	cmd.Flags().IntVar(&rows, "rows", 1000, "number of records")
	cmd.Flags().Float64Var(&ratio, "anomaly-ratio", 0.3, "share of attack records")
	cmd.Flags().Int64Var(&seed, "seed", common.DefaultSeed, "generator seed")
	cmd.Flags().StringVar(&label, "label", common.DefaultLabelColumn, "label column name")
	cmd.Flags().StringVarP(&outPath, "out", "o", "-", "output file, - for stdout")
	return cmd
}

type trainOptions struct {
	csv         string
	out         string
	models      string
	sampleSize  int
	population  int
	generations int
	seed        int64
}

// NewTrainCommand creates the train command.
func NewTrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &trainOptions{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Select features and train every configured classifier",
		Long: `Load the labelled CSV, draw a stratified sample, fit the scaler, run
the quantum-inspired feature search on the training split, fit and
evaluate each classifier and write the artifact bundle.

Flags override the configured training settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(rootOpts, opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.csv, "csv", "", "labelled training CSV")
	cmd.Flags().StringVar(&opts.out, "out", "", "artifact output directory")
	cmd.Flags().StringVar(&opts.models, "models", "", "comma-separated classifier ids")
	cmd.Flags().IntVar(&opts.sampleSize, "sample-size", 0, "stratified sample size")
	cmd.Flags().IntVar(&opts.population, "population", 0, "selector population")
	cmd.Flags().IntVar(&opts.generations, "generations", 0, "selector generations")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "seed for sampling, splitting and selection")
	return cmd
}

func runTrain(rootOpts *RootOptions, opts *trainOptions, cmd *cobra.Command) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	tc := s.TrainConfig()
	if opts.csv != "" {
		tc.CSVPath = opts.csv
	}
	if opts.out != "" {
		tc.OutDir = opts.out
	}
	if opts.models != "" {
		tc.Models = strings.Split(opts.models, ",")
	}
	if opts.sampleSize > 0 {
		tc.SampleSize = opts.sampleSize
	}
	if opts.population > 0 {
		tc.Selector.Population = opts.population
	}
	if opts.generations > 0 {
		tc.Selector.Generations = opts.generations
	}
	if opts.seed != 0 {
		tc.Seed = opts.seed
		tc.Selector.Seed = opts.seed
	}
	if tc.CSVPath == "" {
		return fmt.Errorf("no training CSV: set --csv or %s", common.EnvTrainingCSV)
	}

	var runs selection.RunStore
	if s.DataPath != "" {
		store, err := storage.New(s.DataPath)
		if err != nil {
			return err
		}
		defer store.Close()
		runs = store
	}

	mw := metrics.NewWrapper(metrics.NewWithRegistry(prometheus.NewRegistry()))
	report, err := selection.TrainFromCSV(cmd.Context(), tc, runs, selection.WithMetrics(mw))
	if err != nil {
		return err
	}

	return emit(rootOpts, cmd.OutOrStdout(), report, func(w io.Writer) {
		fmt.Fprintf(w, "version:  %s\n", report.Version)
		fmt.Fprintf(w, "rows:     %d (train %d, test %d)\n", report.Rows, report.TrainRows, report.TestRows)
		fmt.Fprintf(w, "features: %d selected, score %.4f", len(report.Features), report.Selection.Score)
		if report.Selection.Fallback {
			fmt.Fprint(w, " (variance fallback)")
		}
		fmt.Fprintf(w, "\n          %s\n", strings.Join(report.Features, ", "))

		ids := make([]string, 0, len(report.Comparison))
		for id := range report.Comparison {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintf(w, "%-6s %9s %9s %9s %9s %9s\n", "model", "accuracy", "precision", "recall", "f1", "roc_auc")
		for _, id := range ids {
			m := report.Comparison[id]
			fmt.Fprintf(w, "%-6s %9.4f %9.4f %9.4f %9.4f %9.4f\n", id, m.Accuracy, m.Precision, m.Recall, m.F1Score, m.AUCScore)
		}
		fmt.Fprintf(w, "best:     %s\nwritten:  %s\n", report.Best, tc.OutDir)
	})
}
