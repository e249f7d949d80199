package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"sentinel-ids/internal/client"
	"sentinel-ids/internal/common"
	"sentinel-ids/internal/server"
)

// NewModelCommand creates the model command and its subcommands.
func NewModelCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage the artifacts served by a remote gate",
		Long: `Manage the artifacts served by a remote gate through its admin
listener, the port that also serves /metrics.`,
	}
	cmd.PersistentFlags().StringVar(&url, "url", fmt.Sprintf("http://localhost:%d", common.DefaultMetricsPort), "gate admin base URL")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	gate := func() *client.Client { return client.NewREST(url, nil, timeout) }
	printVersion := func(w io.Writer, v server.VersionResponse) {
		fmt.Fprintf(w, "active: %s (%v)\n", v.Active.Version, v.Active.Models)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Reread the artifact directory and install a new version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := gate().Reload(cmd.Context())
			if err != nil {
				return err
			}
			return emit(rootOpts, cmd.OutOrStdout(), v, func(w io.Writer) { printVersion(w, v) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rollback",
		Short: "Reinstall the previously active artifact version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := gate().Rollback(cmd.Context())
			if err != nil {
				return err
			}
			return emit(rootOpts, cmd.OutOrStdout(), v, func(w io.Writer) { printVersion(w, v) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "versions",
		Short: "List retained artifact versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := gate().Versions(cmd.Context())
			if err != nil {
				return err
			}
			return emit(rootOpts, cmd.OutOrStdout(), versions, func(w io.Writer) {
				for _, v := range versions {
					marker := " "
					if v.Active {
						marker = "*"
					}
					fmt.Fprintf(w, "%s %s loaded %s\n", marker, v.Version, v.LoadedAt.Format(time.RFC3339))
				}
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "drift",
		Short: "Show the input drift report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := gate().Drift(cmd.Context())
			if err != nil {
				return err
			}
			return emit(rootOpts, cmd.OutOrStdout(), d, func(w io.Writer) {
				if !d.Enabled || d.Report == nil {
					fmt.Fprintln(w, "drift monitoring disabled")
					return
				}
				r := d.Report
				fmt.Fprintf(w, "samples %d/%d, threshold %.2f, drifted %v\n", r.Samples, r.Window, r.Threshold, r.Drifted)
				for _, f := range r.Features {
					fmt.Fprintf(w, "  %-10s psi %.4f mean %+.3f std %.3f\n", f.Feature, f.PSI, f.Mean, f.StdDev)
				}
			})
		},
	})
	return cmd
}
