// Package main implements the rumikernel CLI: a pack governance and flow
// execution kernel. Subcommands are split across cmd_*.go files.
//
// File index:
//   - main.go        - entry point, rootCmd, global flags
//   - cmd_serve.go   - serve: boots the kernel and scheduler, blocks until signaled
//   - cmd_pack.go    - scan/list/approve/reject/apply/status against pack approvals
//   - cmd_pip.go     - pip dependency candidate list/approve/reject/block/unblock
//   - cmd_capability.go - capability request candidate list/approve/reject/block/unblock
//
// Dependency construction lives in internal/bootstrap, shared with
// cmd/rumikernel-admin.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rumikernel/internal/logging"
)

var (
	workspace  string
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "rumikernel",
	Short: "rumikernel - pack governance and flow execution kernel",
	Long: `rumikernel loads signed extension bundles ("Packs"), mediates the
capabilities they request (network, secrets, host privileges, Docker
execution), and composes their declarative Flow definitions into an
executable program running inside a hardened Docker sandbox.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace root directory")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rumikernel.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(pipCmd)
	rootCmd.AddCommand(capabilityCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
