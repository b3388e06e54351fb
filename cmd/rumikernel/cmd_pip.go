package main

import (
	"context"

	"github.com/spf13/cobra"

	"rumikernel/internal/bootstrap"
)

var pipCmd = &cobra.Command{
	Use:   "pip",
	Short: "Manage pack-requested pip package candidates",
}

var pipListStatus string

var pipListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pip candidates, optionally filtered by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Pip.ListItems(pipListStatus))
	},
}

var (
	pipAllowSdist bool
	pipIndexURL   string
	pipActor      string
)

var pipApproveCmd = &cobra.Command{
	Use:   "approve <candidate-key>",
	Short: "Approve a pip candidate and install it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Pip.ApproveAndInstall(context.Background(), args[0], pipActor, pipAllowSdist, pipIndexURL))
	},
}

var pipRejectCmd = &cobra.Command{
	Use:   "reject <candidate-key> <reason>",
	Short: "Reject a pip candidate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Pip.Reject(args[0], pipActor, args[1]))
	},
}

var pipBlockCmd = &cobra.Command{
	Use:   "block <candidate-key> <reason>",
	Short: "Block a pip candidate from ever being re-approved without unblocking",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Pip.Block(args[0], pipActor, args[1]))
	},
}

var pipUnblockCmd = &cobra.Command{
	Use:   "unblock <candidate-key> <reason>",
	Short: "Return a blocked pip candidate to pending",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Pip.Unblock(args[0], pipActor, args[1]))
	},
}

func init() {
	pipListCmd.Flags().StringVar(&pipListStatus, "status", "pending", "Filter by status (pending/installed/rejected/blocked/failed/all)")

	pipCmd.PersistentFlags().StringVar(&pipActor, "actor", "cli", "Actor recorded against the decision")
	pipApproveCmd.Flags().BoolVar(&pipAllowSdist, "allow-sdist", false, "Allow installing from source distributions instead of wheels only")
	pipApproveCmd.Flags().StringVar(&pipIndexURL, "index-url", "https://pypi.org/simple", "Package index URL; must be on the allowlist")

	pipCmd.AddCommand(pipListCmd, pipApproveCmd, pipRejectCmd, pipBlockCmd, pipUnblockCmd)
}
