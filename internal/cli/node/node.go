// Package node implements the 'certrotor node' command family.
package node

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/certrotor/internal/cli/helpers"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/inventory"
	"github.com/coral-mesh/certrotor/internal/issuer"
	"github.com/coral-mesh/certrotor/internal/pki"
)

// NewNodeCmd creates the node command and its subcommands.
func NewNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage the nodes whose certificates are rotated",
	}

	cmd.AddCommand(newJoinCmd())
	cmd.AddCommand(newLeaveCmd())
	cmd.AddCommand(newListCmd())
	return cmd
}

func newJoinCmd() *cobra.Command {
	var (
		addresses []string
		endpoint  string
		dataPlane bool
		caRole    string
		issue     bool
	)

	cmd := &cobra.Command{
		Use:   "join <name>",
		Short: "Register a node",
		Long: `Register a node in the inventory. Joining an existing name updates its
addresses and roles. With --issue the node's certificates are issued right
away; they are installed and the node is reloaded, not restarted.`,
		Example: `  certrotor node join n4 --address 10.0.0.4 --health-endpoint https://10.0.0.4:2379/health
  certrotor node join ca-2 --data-plane=false --ca-role backup`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := pki.CARole(caRole)
			switch role {
			case pki.CARoleNone, pki.CARolePrimary, pki.CARoleBackup:
			default:
				return errors.Configf("ca-role", "unknown role %q", caRole)
			}

			ctx := cmd.Context()
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			node := pki.NodeIdentity{
				Name:           args[0],
				Addresses:      addresses,
				HealthEndpoint: endpoint,
				DataPlane:      dataPlane,
				CARole:         role,
				JoinedAt:       time.Now().UTC(),
			}
			if existing, err := app.Inventory.GetNode(ctx, node.Name); err == nil {
				node.JoinedAt = existing.JoinedAt
			} else if !errors.Is(err, inventory.ErrNotFound) {
				return err
			}
			if err := app.Inventory.UpsertNode(ctx, node); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Node %s joined\n", node.Name)

			if !issue {
				return nil
			}
			if err := app.LoadSigningCA(); err != nil {
				return err
			}
			iss, err := app.Issuer()
			if err != nil {
				return err
			}
			for _, class := range app.Config.Certificates.CertClasses() {
				leaf, issued, err := iss.Issue(ctx, issuer.IssueRequest{Node: node, Class: class})
				if err != nil {
					return fmt.Errorf("failed to issue %s certificate: %w", class, err)
				}
				if issued {
					fmt.Fprintf(cmd.OutOrStdout(), "Issued %s certificate %s, expires %s\n", class, leaf.Serial, humanize.Time(leaf.NotAfter))
				}
			}
			return app.Agent.Reload(ctx, node)
		},
	}

	cmd.Flags().StringSliceVar(&addresses, "address", nil, "Address or DNS name for the certificate SANs (repeatable)")
	cmd.Flags().StringVar(&endpoint, "health-endpoint", "", "Health endpoint URL")
	cmd.Flags().BoolVar(&dataPlane, "data-plane", true, "The node is a quorum member")
	cmd.Flags().StringVar(&caRole, "ca-role", string(pki.CARoleNone), "CA role: none, primary or backup")
	cmd.Flags().BoolVar(&issue, "issue", false, "Issue the node's certificates after joining")
	return cmd
}

func newLeaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <name>",
		Short: "Remove a node",
		Long: `Remove a node from the inventory. Its certificate history is kept; the
certificates themselves stay valid until they expire.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Inventory.RemoveNode(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, inventory.ErrNotFound) {
					return fmt.Errorf("node %q is not registered", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Node %s left\n", args[0])
			return nil
		},
	}
}

// Nodes renders the inventory.
type Nodes []pki.NodeIdentity

func (n Nodes) Header() []string {
	return []string{"NAME", "ADDRESSES", "HEALTH ENDPOINT", "DATA PLANE", "CA ROLE", "JOINED"}
}

func (n Nodes) Rows() [][]string {
	rows := make([][]string, 0, len(n))
	for _, node := range n {
		plane := "no"
		if node.DataPlane {
			plane = "yes"
		}
		joined := "-"
		if !node.JoinedAt.IsZero() {
			joined = humanize.Time(node.JoinedAt)
		}
		rows = append(rows, []string{
			node.Name,
			strings.Join(node.Addresses, ","),
			node.HealthEndpoint,
			plane,
			string(node.CARole),
			joined,
		})
	}
	return rows
}

func newListCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.DefaultFormats); err != nil {
				return err
			}
			app, err := helpers.OpenApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			nodes, err := app.Nodes(cmd.Context())
			if err != nil {
				return err
			}
			return helpers.Render(cmd.OutOrStdout(), helpers.OutputFormat(format), Nodes(nodes))
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.DefaultFormats)
	return cmd
}
