// Package ca implements the 'certrotor ca' command family.
package ca

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/certrotor/internal/ca"
	"github.com/coral-mesh/certrotor/internal/cli/helpers"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/pki"
)

// NewCACmd creates the ca command and its subcommands.
func NewCACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage the cluster certificate authority",
		Long: `Manage the root and intermediate CA of the cluster.

The CA lives in the directory configured as ca.dir. Keys are sealed with the
root and intermediate passwords and never written in the clear. Use
'certrotor regenerate-ca' to replace the hierarchy.`,
	}

	cmd.AddCommand(newBootstrapCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newReplicateCmd())
	return cmd
}

func newBootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the first CA generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if app.CA.Initialized() {
				return errors.Configf("ca.dir", "%s already holds a CA", app.CA.Dir())
			}
			pw, err := app.CAPasswords(true)
			if err != nil {
				return err
			}
			fp, err := app.CA.Bootstrap(ctx, pw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "CA created in %s\nRoot fingerprint: %s\n", app.CA.Dir(), fp)
			return nil
		},
	}
	return cmd
}

// Status is the CA overview.
type Status struct {
	Directory string      `json:"directory" yaml:"directory"`
	Metadata  ca.Metadata `json:"metadata" yaml:"metadata"`
	Retired   []string    `json:"retired" yaml:"retired"`
}

func (s *Status) Header() []string {
	return []string{"CERTIFICATE", "FINGERPRINT", "EXPIRES"}
}

func (s *Status) Rows() [][]string {
	return [][]string{
		{"root", s.Metadata.RootFingerprint, humanize.Time(s.Metadata.RootNotAfter)},
		{"intermediate", s.Metadata.IntermediateFingerprint, humanize.Time(s.Metadata.IntermediateNotAfter)},
	}
}

func (s *Status) Footer() []string {
	lines := []string{
		fmt.Sprintf("Cluster %s, generation %d, created %s", s.Metadata.Cluster, s.Metadata.Generation, humanize.Time(s.Metadata.CreatedAt)),
	}
	if s.Metadata.PreviousRootFingerprint != "" {
		lines = append(lines, "Replaced root: "+s.Metadata.PreviousRootFingerprint)
	}
	if len(s.Retired) > 0 {
		lines = append(lines, "Retired generations: "+strings.Join(s.Retired, ", "))
	}
	return lines
}

func newStatusCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active CA generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.DefaultFormats); err != nil {
				return err
			}
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.CA.Load(nil); err != nil {
				return err
			}
			meta, err := app.CA.Metadata()
			if err != nil {
				return err
			}
			retired, err := app.CA.Retired()
			if err != nil {
				return err
			}
			return helpers.Render(cmd.OutOrStdout(), helpers.OutputFormat(format), &Status{
				Directory: app.CA.Dir(),
				Metadata:  *meta,
				Retired:   retired,
			})
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.DefaultFormats)
	return cmd
}

func newReplicateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replicate [node...]",
		Short: "Copy the active CA to the backup CA holders",
		Long: `Copy the active CA material to every node with ca_role "backup", or to the
named nodes. The copy is verified by fingerprint on the receiving side.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.CA.Load(nil); err != nil {
				return err
			}
			nodes, err := app.Nodes(ctx)
			if err != nil {
				return err
			}
			wanted := make(map[string]bool, len(args))
			for _, a := range args {
				wanted[a] = true
			}

			var errs []error
			count := 0
			for _, n := range nodes {
				if len(wanted) > 0 {
					if !wanted[n.Name] {
						continue
					}
					delete(wanted, n.Name)
				} else if n.CARole != pki.CARoleBackup {
					continue
				}
				count++
				if err := app.CA.Replicate(ctx, n); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", n.Name, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Replicated CA to %s\n", n.Name)
			}
			for name := range wanted {
				errs = append(errs, fmt.Errorf("unknown node %q", name))
			}
			if count == 0 && len(errs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No backup CA holders registered.")
			}
			return errors.Join(errs...)
		},
	}
	return cmd
}
