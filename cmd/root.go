// Package cmd is the CLI entry: the bare binary runs the gateway; helper
// subcommands cover versioning and pairing-token issuance.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ArchitectVS7/OpenClaw/internal/config"
	"github.com/ArchitectVS7/OpenClaw/internal/identity"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// Version is set at build time via
// -ldflags "-X github.com/ArchitectVS7/OpenClaw/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "openclaw",
	Short: "OpenClaw — self-hosted AI assistant control plane",
	Long: "OpenClaw aggregates messaging channels behind a WebSocket gateway, " +
		"runs agent sessions against a model provider, and streams replies " +
		"back to the originating channel.",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runGateway())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: openclaw.json in the workspace, or $OPENCLAW_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(pairCmd())
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (same as the bare binary)",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runGateway())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("openclaw %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func pairCmd() *cobra.Command {
	var role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Issue a single-use pairing token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.FindPath(cfgFile, config.Default().Agents.Defaults.Workspace))
			if err != nil {
				return err
			}
			pairings, err := identity.NewPairings(filepath.Join(cfg.WorkspacePath(), "identity"))
			if err != nil {
				return err
			}
			token, err := pairings.Issue(role, ttl)
			if err != nil {
				return err
			}
			fmt.Printf("pairing token (%s, expires in %s):\n%s\n", role, ttl, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", identity.RoleOperator, "token role: operator, node, channel, read-only")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "token lifetime")
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
