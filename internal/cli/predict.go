package cli

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"sentinel-ids/internal/cfg"
	"sentinel-ids/internal/common"
	"sentinel-ids/internal/metrics"
	"sentinel-ids/internal/ml"
	"sentinel-ids/internal/secure"
	"sentinel-ids/internal/storage"
	"sentinel-ids/internal/traffic"
	"sentinel-ids/internal/trust"
)

// pipeline is an in-process gate: trusted registry, artifacts and audit
// store built from the configured settings.
type pipeline struct {
	svc   *secure.Service
	store *storage.Store
}

func (p *pipeline) Close() {
	if p.store != nil {
		p.store.Close()
	}
}

func buildPipeline(s cfg.Settings) (*pipeline, error) {
	registry, err := trust.LoadRegistry(s.TrustedKeys)
	if err != nil {
		return nil, err
	}
	artifacts, err := ml.LoadArtifacts(s.ArtifactsDir, s.RawWidth, s.Models...)
	if err != nil {
		return nil, err
	}

	mw := metrics.NewWrapper(metrics.NewWithRegistry(prometheus.NewRegistry()))
	opts := []secure.Option{
		secure.WithMetrics(mw),
		secure.WithDefaultModel(s.DefaultModel),
		secure.WithWorkers(s.BatchWorkers),
	}
	p := &pipeline{}
	if s.DataPath != "" {
		if p.store, err = storage.New(s.DataPath); err != nil {
			return nil, err
		}
		opts = append(opts, secure.WithAudit(p.store))
	}
	p.svc = secure.New(trust.NewGate(registry), ml.NewDispatcher(artifacts, mw, s.BatchWorkers), opts...)
	return p, nil
}

func printResult(w io.Writer, res secure.Result) {
	if !res.Trusted {
		fmt.Fprintf(w, "%s %s: %s, not classified\n", res.Identity, res.State, res.Source)
		return
	}
	if res.Prediction == nil {
		fmt.Fprintf(w, "%s %s: inference failed: %s\n", res.Identity, res.State, res.Error)
		return
	}
	verdict := "normal"
	if res.Prediction.Anomalous {
		verdict = "ANOMALY"
	}
	fmt.Fprintf(w, "%s %s: %s by %s (p=%.3f)\n", res.Identity, res.State, verdict, res.Prediction.ModelID, res.Prediction.Probability)
}

// NewPredictCommand creates the predict command.
func NewPredictCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		model  string
		signAs string
	)
	cmd := &cobra.Command{
		Use:   "predict <record.json|->",
		Short: "Run a signed record through a local gate",
		Long: `Verify a signed record against the configured trusted keys and, when
it is trusted, classify it with the local artifacts.

With --sign the input is a bare payload, signed first with the
identity's key from the configured keys directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			p, err := buildPipeline(s)
			if err != nil {
				return err
			}
			defer p.Close()

			var res secure.Result
			if signAs != "" {
				var payload trust.Payload
				if err := readJSONInput(cmd, args[0], &payload); err != nil {
					return err
				}
				kp, err := loadSigner(signAs, s.KeysDir, "")
				if err != nil {
					return err
				}
				res, err = p.svc.SecurePredict(cmd.Context(), kp, payload, model)
				if err != nil {
					return err
				}
			} else {
				var rec trust.SignedRecord
				if err := readJSONInput(cmd, args[0], &rec); err != nil {
					return err
				}
				res, err = p.svc.Submit(cmd.Context(), rec, model)
				if err != nil {
					return err
				}
			}
			return emit(rootOpts, cmd.OutOrStdout(), res, func(w io.Writer) { printResult(w, res) })
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "classifier id (default: configured default)")
	cmd.Flags().StringVar(&signAs, "sign", "", "sign the input payload as this identity")
	return cmd
}

// NewSelftestCommand creates the selftest command.
func NewSelftestCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		model string
		seed  int64
	)
	cmd := &cobra.Command{
		Use:   "selftest <identity>",
		Short: "Exercise the gate with legitimate, impostor and tampered records",
		Long: `Run three trust scenarios against a local gate on behalf of a trusted
identity: a legitimate record, an impostor signing with its own key
under the same identity, and a record altered after signing. Then
classify one record per attack profile.

Exits non-zero when any trust scenario misbehaves.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			kp, err := loadSigner(args[0], s.KeysDir, "")
			if err != nil {
				return err
			}
			p, err := buildPipeline(s)
			if err != nil {
				return err
			}
			defer p.Close()

			report, err := secure.RunScenarios(cmd.Context(), p.svc, kp, traffic.NewGenerator(seed), model)
			if err != nil {
				return err
			}
			if err := emit(rootOpts, cmd.OutOrStdout(), report, func(w io.Writer) {
				for _, sc := range report.Scenarios {
					status := "PASS"
					if !sc.Passed {
						status = "FAIL"
					}
					fmt.Fprintf(w, "[%s] %s\n       ", status, sc.Name)
					printResult(w, sc.Result)
				}
				for _, a := range report.Alerts {
					fmt.Fprintf(w, "%-22s threat %-6s ", a.Alert.Name, a.Alert.Threat)
					printResult(w, a.Result)
				}
			}); err != nil {
				return err
			}
			if !report.Passed() {
				return fmt.Errorf("self test failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "classifier id (default: configured default)")
	cmd.Flags().Int64Var(&seed, "seed", common.DefaultSeed, "traffic generator seed")
	return cmd
}
