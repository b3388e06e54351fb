package main

import (
	"github.com/spf13/cobra"

	"rumikernel/internal/bootstrap"
)

var capabilityCmd = &cobra.Command{
	Use:   "capability",
	Short: "Manage pack-requested capability grant candidates",
}

var capListStatus string

var capListCmd = &cobra.Command{
	Use:   "list",
	Short: "List capability candidates, optionally filtered by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Capability.ListItems(capListStatus))
	},
}

var capActor string

var capApproveCmd = &cobra.Command{
	Use:   "approve <candidate-key>",
	Short: "Approve a capability candidate and activate the matching grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Capability.Approve(args[0], capActor))
	},
}

var capRejectCmd = &cobra.Command{
	Use:   "reject <candidate-key> <reason>",
	Short: "Reject a capability candidate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Capability.Reject(args[0], capActor, args[1]))
	},
}

var capBlockCmd = &cobra.Command{
	Use:   "block <candidate-key> <reason>",
	Short: "Block a capability candidate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Capability.Block(args[0], capActor, args[1]))
	},
}

var capUnblockCmd = &cobra.Command{
	Use:   "unblock <candidate-key> <reason>",
	Short: "Return a blocked capability candidate to pending",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Capability.Unblock(args[0], capActor, args[1]))
	},
}

func init() {
	capListCmd.Flags().StringVar(&capListStatus, "status", "pending", "Filter by status (pending/installed/rejected/blocked/failed/all)")
	capabilityCmd.PersistentFlags().StringVar(&capActor, "actor", "cli", "Actor recorded against the decision")

	capabilityCmd.AddCommand(capListCmd, capApproveCmd, capRejectCmd, capBlockCmd, capUnblockCmd)
}
