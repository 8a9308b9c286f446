package cli

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/certrotor/internal/cli/helpers"
	"github.com/coral-mesh/certrotor/internal/cli/status"
	"github.com/coral-mesh/certrotor/internal/health"
	"github.com/coral-mesh/certrotor/pkg/version"
)

// newStatusCmd creates the global status command.
func newStatusCmd() *cobra.Command {
	var (
		format  string
		verbose bool
		ops     int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show CA, cluster health, certificate and operation status",
		Long: `Display a dashboard view of the cluster:
- The active CA generation and its expiry
- Health of every node and whether the cluster can lose one member
- Every active certificate with its remaining validity
- The most recent rotation operations

Certificates signed by an intermediate other than the active one are marked
"stale issuer"; run 'certrotor regenerate-node-certs' to replace them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.DefaultFormats); err != nil {
				return err
			}
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			provider := &status.Provider{
				Cluster:   app.Config.Cluster,
				CA:        app.CA,
				Inventory: app.Inventory,
				Probe:     health.NewHTTPProbe(app.Config.Health.ProbeTimeout),
				Timeout:   app.Config.Health.ProbeTimeout,
				Logger:    app.Logger,
			}
			report, err := provider.Collect(cmd.Context(), ops)
			if err != nil {
				return err
			}
			report.Version = version.Version

			if format != string(helpers.FormatTable) {
				return helpers.Render(cmd.OutOrStdout(), helpers.OutputFormat(format), report)
			}
			return status.OutputTable(cmd.OutOrStdout(), report, verbose)
		},
	}

	cmd.Flags().IntVar(&ops, "operations", 5, "Number of recent operations to show")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.DefaultFormats)
	helpers.AddVerboseFlag(cmd, &verbose)

	return cmd
}
