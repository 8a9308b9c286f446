// Package cli assembles the certrotor command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/certrotor/internal/cli/backup"
	"github.com/coral-mesh/certrotor/internal/cli/ca"
	"github.com/coral-mesh/certrotor/internal/cli/config"
	"github.com/coral-mesh/certrotor/internal/cli/daemon"
	"github.com/coral-mesh/certrotor/internal/cli/helpers"
	"github.com/coral-mesh/certrotor/internal/cli/node"
	"github.com/coral-mesh/certrotor/internal/cli/rotate"
	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/pkg/version"
)

// NewRootCmd builds the full command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "certrotor",
		Short: "certrotor - certificate lifecycle for quorum clusters",
		Long: `Manage the CA, node certificates and CA backups of an etcd-style cluster.

Rotation operations, from least to most disruptive:
- renew-in-place:        re-sign existing certificates, reload only
- regenerate-node-certs: new keys and certificates, quorum-safe rolling restart
- regenerate-ca:         new root and intermediate, then every node certificate

Every operation holds a cluster-wide lease, refuses to break quorum unless
forced, and can be resumed after a failure.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", constants.ConfigFile, "Path to the config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override the log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newStatusCmd())
	for _, c := range rotate.Commands() {
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(backup.NewBackupCmd())
	rootCmd.AddCommand(backup.NewRestoreCmd())
	rootCmd.AddCommand(ca.NewCACmd())
	rootCmd.AddCommand(node.NewNodeCmd())
	rootCmd.AddCommand(daemon.NewDaemonCmd())
	rootCmd.AddCommand(config.NewConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != string(helpers.FormatTable) {
				return helpers.Render(cmd.OutOrStdout(), helpers.OutputFormat(format), version.Get())
			}
			info := version.Get()
			cmd.Printf("certrotor version %s\n", info.Version)
			cmd.Printf("Git commit: %s\n", info.GitCommit)
			cmd.Printf("Build date: %s\n", info.BuildDate)
			cmd.Printf("Go version: %s (%s)\n", info.GoVersion, info.Platform)
			return nil
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.DefaultFormats)
	return cmd
}

// Exit codes.
const (
	ExitOK = iota
	ExitError
	ExitConfig
	ExitQuorumRisk
	ExitIntegrity
)

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	var qr *errors.QuorumRiskError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, new(*errors.ConfigError)):
		return ExitConfig
	case errors.As(err, &qr):
		return ExitQuorumRisk
	case errors.IsIntegrity(err, ""):
		return ExitIntegrity
	default:
		return ExitError
	}
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
