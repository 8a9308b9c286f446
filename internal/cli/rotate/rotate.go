// Package rotate implements the rotation commands: renew-in-place,
// regenerate-node-certs, regenerate-ca, resume and operations.
package rotate

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/certrotor/internal/ca"
	"github.com/coral-mesh/certrotor/internal/cli/helpers"
	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/rotation"
	"github.com/coral-mesh/certrotor/internal/scope"
)

// Commands returns every rotation command.
func Commands() []*cobra.Command {
	return []*cobra.Command{
		newRenewCmd(),
		newRegenerateNodeCertsCmd(),
		newRegenerateCACmd(),
		newResumeCmd(),
		newOperationsCmd(),
	}
}

// finish renders op, if any, and returns the error that ends the command.
func finish(cmd *cobra.Command, format string, op *rotation.Operation, err error) error {
	if op != nil {
		if rerr := helpers.Render(cmd.OutOrStdout(), helpers.OutputFormat(format), NewResult(op)); rerr != nil {
			return rerr
		}
	}
	if err != nil {
		return err
	}
	return outcomeError(op)
}

// newRenewCmd creates the 'renew-in-place' command.
func newRenewCmd() *cobra.Command {
	var (
		format  string
		flags   scope.Flags
		classes []string
	)

	cmd := &cobra.Command{
		Use:   "renew-in-place",
		Short: "Renew node certificates keeping their keys and serials",
		Long: `Re-sign the existing certificates of the selected nodes with a fresh
validity window. Keys, subjects and serial numbers are preserved, nodes are
asked to reload and nothing is restarted.

Nodes whose certificates are still current are reported as "current" and left
untouched, so running the command twice is harmless.`,
		Example: `  certrotor renew-in-place --all
  certrotor renew-in-place --node n1 --node n2 --class server
  certrotor renew-in-place --select 'data_plane && name.startsWith("etcd")'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.DefaultFormats); err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			targets, err := resolve(ctx, app, &flags)
			if err != nil {
				return err
			}
			var cls []pki.Class
			for _, c := range classes {
				cls = append(cls, pki.Class(c))
			}
			if err := app.LoadSigningCA(); err != nil {
				return err
			}
			ctrl, err := app.Controller(ctx, false)
			if err != nil {
				return err
			}
			op, err := ctrl.RenewInPlace(ctx, targets, cls)
			return finish(cmd, format, op, err)
		},
	}

	flags.Register(cmd.Flags())
	cmd.Flags().StringSliceVar(&classes, "class", nil, "Certificate classes to renew (peer, server, client); default all configured")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.DefaultFormats)
	return cmd
}

// newRegenerateNodeCertsCmd creates the 'regenerate-node-certs' command.
func newRegenerateNodeCertsCmd() *cobra.Command {
	var (
		format string
		flags  scope.Flags
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "regenerate-node-certs",
		Short: "Issue new keys and certificates and roll them out with a rolling restart",
		Long: `Generate new keys and certificates for the selected nodes, then restart
them one at a time. Before each restart the cluster must be able to lose one
member and keep quorum; after it the node must report healthy before the next
one is touched.

A failed node stops the rollout. The untouched nodes are reported as pending
and 'certrotor resume <operation>' continues where the run stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.DefaultFormats); err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			targets, err := resolve(ctx, app, &flags)
			if err != nil {
				return err
			}
			if err := app.LoadSigningCA(); err != nil {
				return err
			}
			ctrl, err := app.Controller(ctx, force)
			if err != nil {
				return err
			}
			op, err := ctrl.RegenerateNodeCerts(ctx, targets)
			return finish(cmd, format, op, err)
		},
	}

	flags.Register(cmd.Flags())
	helpers.AddForceFlag(cmd, &force)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.DefaultFormats)
	return cmd
}

// newRegenerateCACmd creates the 'regenerate-ca' command.
func newRegenerateCACmd() *cobra.Command {
	var (
		format       string
		force        bool
		skipBackup   bool
		rootFile     string
		intermediate string
	)

	cmd := &cobra.Command{
		Use:   "regenerate-ca",
		Short: "Replace the root and intermediate CA and reissue every certificate",
		Long: `Generate a brand new CA hierarchy, retire the current one, replicate the
new material to the backup CA holder and reissue every node certificate with a
quorum-safe rolling restart.

Certificates chained to the retired root stop verifying. A backup of the
current CA is taken first unless --skip-backup is given.

The new passwords are read from --root-password-file and
--intermediate-password-file, from CERTROTOR_CA_ROOT_PASSWORD and
CERTROTOR_CA_INTERMEDIATE_PASSWORD, or from an interactive prompt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.DefaultFormats); err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if rootFile != "" {
				app.Config.CA.RootPasswordFile = rootFile
			}
			if intermediate != "" {
				app.Config.CA.IntermediatePasswordFile = intermediate
			}
			if err := app.CA.Load(nil); err != nil {
				return err
			}
			if !skipBackup {
				if err := installBackupHook(ctx, app); err != nil {
					return err
				}
			}
			pw, err := app.CAPasswords(true)
			if err != nil {
				return err
			}
			ctrl, err := app.Controller(ctx, force)
			if err != nil {
				return err
			}
			op, err := ctrl.RegenerateCA(ctx, pw)
			return finish(cmd, format, op, err)
		},
	}

	helpers.AddForceFlag(cmd, &force)
	cmd.Flags().BoolVar(&skipBackup, "skip-backup", false, "Do not back up the current CA before retiring it")
	cmd.Flags().StringVar(&rootFile, "root-password-file", "", "File holding the new root CA password")
	cmd.Flags().StringVar(&intermediate, "intermediate-password-file", "", "File holding the new intermediate CA password")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.DefaultFormats)
	return cmd
}

// installBackupHook backs up the current CA before it is retired. A failed
// backup aborts the rotation.
func installBackupHook(ctx context.Context, app *helpers.App) error {
	p, err := app.Pipeline(ctx)
	if err != nil {
		return err
	}
	app.CA.SetPreRotateHook(func(ctx context.Context) error {
		_, err := p.Backup(ctx, constants.KindCASecrets, true)
		return err
	})
	return nil
}

// newResumeCmd creates the 'resume' command.
func newResumeCmd() *cobra.Command {
	var (
		format       string
		force        bool
		skipBackup   bool
		rootFile     string
		intermediate string
	)

	cmd := &cobra.Command{
		Use:   "resume <operation>",
		Short: "Continue a failed or interrupted operation",
		Long: `Re-run an operation that finished partial or failed, or that was
interrupted. Nodes the earlier run confirmed healthy after their change are
reported as "current" and left alone; every other node is processed again.

A CA regeneration that stopped before the CA was replaced takes the new
passwords the same way regenerate-ca does, and backs up the current CA
first unless --skip-backup is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.DefaultFormats); err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if rootFile != "" {
				app.Config.CA.RootPasswordFile = rootFile
			}
			if intermediate != "" {
				app.Config.CA.IntermediatePasswordFile = intermediate
			}
			if err := app.CA.Load(nil); err != nil {
				return err
			}
			ctrl, err := app.Controller(ctx, force)
			if err != nil {
				return err
			}
			prev, err := ctrl.Get(ctx, args[0])
			if err != nil {
				return err
			}

			// A CA regeneration that never rotated takes the new passwords;
			// everything else signs with the active CA.
			pw, err := app.CAPasswords(false)
			if err != nil {
				return err
			}
			var rotatePW *ca.PasswordConfig
			if prev.Kind == rotation.KindRegenerateCA && !caRotated(app, prev) {
				rotatePW = &pw
				if !skipBackup {
					if err := installBackupHook(ctx, app); err != nil {
						return err
					}
				}
			} else if err := app.CA.Load(&pw); err != nil {
				return err
			}
			op, err := ctrl.Resume(ctx, prev.ID, rotatePW)
			return finish(cmd, format, op, err)
		},
	}

	helpers.AddForceFlag(cmd, &force)
	cmd.Flags().BoolVar(&skipBackup, "skip-backup", false, "Do not back up the current CA before retiring it")
	cmd.Flags().StringVar(&rootFile, "root-password-file", "", "File holding the root CA password")
	cmd.Flags().StringVar(&intermediate, "intermediate-password-file", "", "File holding the intermediate CA password")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.DefaultFormats)
	return cmd
}

func caRotated(app *helpers.App, op *rotation.Operation) bool {
	h, err := app.CA.GetActive()
	return err == nil && op.NewCAFingerprint != "" && pki.EqualFingerprint(op.NewCAFingerprint, h.Fingerprint())
}

// newOperationsCmd creates the 'operations' command.
func newOperationsCmd() *cobra.Command {
	var (
		format string
		limit  int
	)

	cmd := &cobra.Command{
		Use:     "operations [operation]",
		Aliases: []string{"ops"},
		Short:   "List recent rotation operations or show one",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.DefaultFormats); err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			ctrl, err := app.Controller(ctx, false)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				op, err := ctrl.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return helpers.Render(cmd.OutOrStdout(), helpers.OutputFormat(format), NewResult(op))
			}
			ops, err := ctrl.History(ctx, limit)
			if err != nil {
				return err
			}
			return helpers.Render(cmd.OutOrStdout(), helpers.OutputFormat(format), History(ops))
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of operations to list (0 for all)")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.DefaultFormats)
	return cmd
}

func resolve(ctx context.Context, app *helpers.App, flags *scope.Flags) ([]string, error) {
	nodes, err := app.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	return flags.Resolve(nodes)
}
