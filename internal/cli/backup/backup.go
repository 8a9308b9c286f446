// Package backup implements the 'certrotor backup' and 'certrotor restore'
// commands.
package backup

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/certrotor/internal/backup"
	"github.com/coral-mesh/certrotor/internal/cli/helpers"
	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/safe"
)

// Artifacts renders a list of backups.
type Artifacts []*backup.Artifact

func (a Artifacts) Header() []string {
	return []string{"KEY", "KIND", "CREATED", "SIZE", "ENCRYPTION", "SOURCE"}
}

func (a Artifacts) Rows() [][]string {
	rows := make([][]string, 0, len(a))
	for _, art := range a {
		source := art.SourceFingerprint
		if art.SourceNode != "" {
			source = art.SourceNode
			if !art.Online {
				source += " (offline)"
			}
		}
		if len(source) > 23 {
			source = source[:23] + "..."
		}
		rows = append(rows, []string{
			art.Key,
			art.Kind,
			art.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			humanize.Bytes(uint64(art.Size)),
			art.Encryption,
			source,
		})
	}
	return rows
}

// NewBackupCmd creates the backup command and its subcommands.
func NewBackupCmd() *cobra.Command {
	var (
		format string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "backup [kind]",
		Short: "Back up the CA material or a data snapshot",
		Long: `Encrypt and upload a backup of the given kind:

  ca-secrets     the CA directory (config, certs and sealed keys)
  data-snapshot  a snapshot taken from the first healthy data-plane member

The CA is only uploaded when it changed since the latest backup unless
--force is given. Every upload is test-decrypted before it is written and
verified by checksum afterwards.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{constants.KindCASecrets, constants.KindDataSnapshot},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.DefaultFormats); err != nil {
				return err
			}
			kind := constants.KindCASecrets
			if len(args) == 1 {
				kind = args[0]
			}

			ctx := cmd.Context()
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			p, err := app.Pipeline(ctx)
			if err != nil {
				return err
			}
			art, err := p.Backup(ctx, kind, force)
			if errors.Is(err, backup.ErrUnchanged) {
				fmt.Fprintf(cmd.ErrOrStderr(), "No changes since %s, nothing uploaded.\n", art.Key)
				return nil
			}
			if err != nil {
				return err
			}
			return helpers.Render(cmd.OutOrStdout(), helpers.OutputFormat(format), Artifacts{art})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Upload even if the source did not change")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.DefaultFormats)

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newDecryptCmd())
	cmd.AddCommand(newPruneCmd())
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		format string
		kind   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored backups, newest first",
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

			p, err := app.Pipeline(ctx)
			if err != nil {
				return err
			}
			arts, err := p.List(ctx, kind)
			if err != nil {
				return err
			}
			if len(arts) == 0 && helpers.OutputFormat(format) == helpers.FormatTable {
				fmt.Fprintln(cmd.OutOrStdout(), "No backups found.")
				return nil
			}
			return helpers.Render(cmd.OutOrStdout(), helpers.OutputFormat(format), Artifacts(arts))
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only list backups of this kind")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.DefaultFormats)
	return cmd
}

func newDecryptCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "decrypt <file>",
		Short: "Decrypt a downloaded backup artifact",
		Long: `Decrypt an artifact copied out of the backup store. The method is
detected from the file name: .enc is password encrypted, .kms uses the
configured KMS key and anything else is returned unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			p, err := app.Pipeline(ctx)
			if err != nil {
				return err
			}
			data, err := safe.ReadFile(args[0], &safe.ReadOptions{MaxSize: 8 << 30})
			if err != nil {
				return err
			}
			plain, err := p.Decrypt(ctx, args[0], data)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err := cmd.OutOrStdout().Write(plain)
				return err
			}
			if err := safe.WriteFile(output, plain, constants.KeyFilePerm); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (%s)\n", output, humanize.Bytes(uint64(len(plain))))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "out", "O", "", "Write the plaintext to this file instead of stdout")
	return cmd
}

func newPruneCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete backups older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			p, err := app.Pipeline(ctx)
			if err != nil {
				return err
			}
			kinds := []string{constants.KindCASecrets, constants.KindDataSnapshot}
			if kind != "" {
				kinds = []string{kind}
			}
			var errs []error
			for _, k := range kinds {
				n, err := p.Prune(ctx, k)
				if err != nil {
					errs = append(errs, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pruned\n", k, n)
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only prune backups of this kind")
	return cmd
}

// NewRestoreCmd creates the restore command.
func NewRestoreCmd() *cobra.Command {
	var (
		format string
		kind   string
		target string
	)

	cmd := &cobra.Command{
		Use:   "restore [latest|<key>]",
		Short: "Restore a backup after verifying its integrity",
		Long: `Download, verify and decrypt a backup, then write it out.

A ca-secrets backup replaces the CA directory (or --target) only after its
root fingerprint matches the manifest. A data-snapshot backup is written to
--target. Any checksum, decryption or fingerprint mismatch aborts without
touching the destination.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.DefaultFormats); err != nil {
				return err
			}
			ref := "latest"
			if len(args) == 1 {
				ref = args[0]
			}

			ctx := cmd.Context()
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			var t backup.Target
			switch kind {
			case constants.KindCASecrets:
				dir := target
				if dir == "" {
					dir = app.Config.CA.Dir
				}
				t = backup.NewCADirTarget(dir)
			case constants.KindDataSnapshot:
				if target == "" {
					return errors.Configf("target", "required for %s", kind)
				}
				t = backup.NewFileTarget(target, kind, nil)
			default:
				return errors.Configf("kind", "unknown backup kind %q", kind)
			}

			p, err := app.Pipeline(ctx)
			if err != nil {
				return err
			}
			art, err := p.Restore(ctx, ref, t)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Restored %s\n", art.Key)
			return helpers.Render(cmd.OutOrStdout(), helpers.OutputFormat(format), Artifacts{art})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", constants.KindCASecrets, "Kind of backup to restore")
	cmd.Flags().StringVar(&target, "target", "", "Destination directory (ca-secrets) or file (data-snapshot)")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.DefaultFormats)
	return cmd
}
