package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"sentinel-ids/internal/client"
	"sentinel-ids/internal/common"
	"sentinel-ids/internal/secure"
	"sentinel-ids/internal/storage"
	"sentinel-ids/internal/traffic"
	"sentinel-ids/internal/trust"
)

type submitOptions struct {
	url      string
	identity string
	dir      string
	key      string
	model    string
	generate int
	severity string
	seed     int64
	stream   bool
	timeout  time.Duration
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit [payload.json|-]",
		Short: "Sign payloads locally and submit them to a remote gate",
		Long: `Sign one payload, or --generate synthetic ones, with the identity's
private key and submit them to the gate at --url. Generated payloads are
sent as one batch, or frame by frame with --stream.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(rootOpts, opts, cmd, args)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", fmt.Sprintf("http://localhost:%d", common.DefaultListenPort), "gate base URL")
	cmd.Flags().StringVar(&opts.identity, "identity", "", "identity to sign as")
	cmd.Flags().StringVar(&opts.dir, "dir", common.DefaultKeysDir, "directory holding <identity>_private.pem")
	cmd.Flags().StringVar(&opts.key, "key", "", "explicit private key path")
	cmd.Flags().StringVar(&opts.model, "model", "", "classifier id (default: the gate's default)")
	cmd.Flags().IntVar(&opts.generate, "generate", 0, "submit this many synthetic payloads")
	cmd.Flags().StringVar(&opts.severity, "severity", string(traffic.Normal), "severity of generated payloads")
	cmd.Flags().Int64Var(&opts.seed, "seed", common.DefaultSeed, "generator seed")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "submit over the websocket stream")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	cmd.MarkFlagRequired("identity")
	return cmd
}

func runSubmit(rootOpts *RootOptions, opts *submitOptions, cmd *cobra.Command, args []string) error {
	kp, err := loadSigner(opts.identity, opts.dir, opts.key)
	if err != nil {
		return err
	}

	var payloads []trust.Payload
	switch {
	case opts.generate > 0:
		sev, err := traffic.ParseSeverity(opts.severity)
		if err != nil {
			return err
		}
		gen := traffic.NewGenerator(opts.seed)
		for i := 0; i < opts.generate; i++ {
			payloads = append(payloads, gen.Sample(sev))
		}
	case len(args) == 1:
		var p trust.Payload
		if err := readJSONInput(cmd, args[0], &p); err != nil {
			return err
		}
		payloads = append(payloads, p)
	default:
		return fmt.Errorf("nothing to submit: pass a payload file or --generate")
	}

	var results []secure.Result
	switch {
	case opts.stream:
		results, err = submitStream(cmd, opts, kp, payloads)
	case len(payloads) == 1:
		var res secure.Result
		res, err = client.NewREST(opts.url, kp, opts.timeout).Submit(cmd.Context(), payloads[0], opts.model)
		results = []secure.Result{res}
	default:
		results, err = client.NewREST(opts.url, kp, opts.timeout).SubmitBatch(cmd.Context(), payloads, opts.model)
	}
	if err != nil {
		return err
	}

	return emit(rootOpts, cmd.OutOrStdout(), results, func(w io.Writer) {
		for _, res := range results {
			printResult(w, res)
		}
	})
}

func submitStream(cmd *cobra.Command, opts *submitOptions, kp *trust.KeyPair, payloads []trust.Payload) ([]secure.Result, error) {
	s, err := client.DialStream(cmd.Context(), client.StreamURL(opts.url), kp)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	results := make([]secure.Result, 0, len(payloads))
	for _, p := range payloads {
		if err := s.Send(p, opts.model); err != nil {
			return results, err
		}
		msg, err := s.Recv()
		if err != nil {
			return results, err
		}
		if msg.Result == nil {
			return results, fmt.Errorf("stream error: %s", msg.Error)
		}
		results = append(results, *msg.Result)
	}
	return results, nil
}

type decisionsReport struct {
	Stats     storage.DecisionStats `json:"stats"`
	Decisions []storage.Decision    `json:"decisions"`
	Runs      []storage.SelectorRun `json:"selector_runs,omitempty"`
}

// NewDecisionsCommand creates the decisions command.
func NewDecisionsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		dataPath string
		limit    int
		identity string
		since    time.Duration
		runs     bool
	)
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Inspect the audit trail of a stopped gate",
		Long: `Read the gate's BoltDB audit trail: aggregate counts and the most
recent decisions, optionally for one identity within --since. The
database is locked while the gate runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataPath == "" {
				s, err := loadSettings()
				if err != nil {
					return err
				}
				dataPath = s.DataPath
			}
			if dataPath == "" {
				return fmt.Errorf("no audit store: set --data or %s", common.EnvDataPath)
			}

			store, err := storage.New(dataPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var report decisionsReport
			if report.Stats, err = store.Stats(); err != nil {
				return err
			}
			if identity != "" {
				end := time.Now()
				report.Decisions, err = store.GetDecisions(identity, end.Add(-since), end)
				if len(report.Decisions) > limit && limit > 0 {
					report.Decisions = report.Decisions[len(report.Decisions)-limit:]
				}
			} else {
				report.Decisions, err = store.RecentDecisions(limit)
			}
			if err != nil {
				return err
			}
			if runs {
				if report.Runs, err = store.SelectorRuns(); err != nil {
					return err
				}
			}

			return emit(rootOpts, cmd.OutOrStdout(), report, func(w io.Writer) {
				st := report.Stats
				fmt.Fprintf(w, "total %d, trusted %d, untrusted %d, anomalies %d, errors %d\n",
					st.Total, st.Trusted, st.Untrusted, st.Anomalies, st.Errors)
				for _, d := range report.Decisions {
					label := "-"
					if d.Label != nil {
						label = fmt.Sprint(*d.Label)
					}
					fmt.Fprintf(w, "%s %-12s %-9s %-8s model=%s label=%s\n",
						d.Ts.Format(time.RFC3339), d.Identity, d.Source, d.State, d.ModelID, label)
				}
				for _, r := range report.Runs {
					fmt.Fprintf(w, "run %s: %d features, score %.4f, fallback %v\n", r.Version, len(r.Indices), r.Score, r.Fallback)
				}
			})
		},
	}
	cmd.Flags().StringVar(&dataPath, "data", "", "data directory (default: configured DATA_PATH)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum decisions to list")
	cmd.Flags().StringVar(&identity, "identity", "", "only this identity")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window for --identity")
	cmd.Flags().BoolVar(&runs, "runs", false, "also list feature selection runs")
	return cmd
}
