// Package config implements the 'certrotor config' command family.
package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/certrotor/internal/cli/helpers"
	"github.com/coral-mesh/certrotor/internal/config"
	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
)

// NewConfigCmd creates the config command and its subcommands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the certrotor configuration",
		Long: `Inspect and validate the certrotor configuration.

Configuration Priority:
  1. Environment variables (CERTROTOR_*, highest)
  2. The config file (--config, default certrotor.yaml)
  3. Built-in defaults`,
	}

	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newViewCmd())
	cmd.AddCommand(newDefaultsCmd())

	return cmd
}

func configPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	return constants.ConfigFile
}

// newSchemaCmd creates the 'config schema' command.
func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

// Problems is the outcome of a validation pass.
type Problems struct {
	File   string                `json:"file" yaml:"file"`
	Valid  bool                  `json:"valid" yaml:"valid"`
	Errors []*errors.ConfigError `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func (p *Problems) Header() []string { return []string{"FIELD", "PROBLEM"} }

func (p *Problems) Rows() [][]string {
	rows := make([][]string, 0, len(p.Errors))
	for _, e := range p.Errors {
		field := e.Field
		if field == "" {
			field = "-"
		}
		rows = append(rows, []string{field, e.Reason})
	}
	return rows
}

func (p *Problems) Footer() []string {
	if p.Valid {
		return []string{fmt.Sprintf("✓ %s is valid", p.File)}
	}
	return []string{fmt.Sprintf("✗ %s has %d problem(s)", p.File, len(p.Errors))}
}

// newValidateCmd creates the 'config validate' command.
func newValidateCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		Long: `Load the config file with environment overrides applied and report every
problem found, such as:
- Missing cluster name or node names
- Inconsistent certificate lifetimes or renewal threshold
- A backup store or encryption method without its settings`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.DefaultFormats); err != nil {
				return err
			}
			path := configPath(cmd)
			p := &Problems{File: path, Valid: true}

			_, err := config.Load(path)
			var all errors.ConfigErrors
			var one *errors.ConfigError
			switch {
			case err == nil:
			case errors.As(err, &all):
				p.Valid, p.Errors = false, all
			case errors.As(err, &one):
				p.Valid, p.Errors = false, []*errors.ConfigError{one}
			default:
				return err
			}

			if err := helpers.Render(cmd.OutOrStdout(), helpers.OutputFormat(format), p); err != nil {
				return err
			}
			if !p.Valid {
				return fmt.Errorf("%s is invalid", path)
			}
			return nil
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.DefaultFormats)
	return cmd
}

// newViewCmd creates the 'config view' command.
func newViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Show the effective configuration",
		Long: `Display the configuration after defaults, the config file and environment
overrides are merged. Password files are shown by path only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// newDefaultsCmd creates the 'config defaults' command.
func newDefaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defaults",
		Short: "Print a config file with every default filled in",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.Cluster = "my-cluster"
			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
