package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"rumikernel/internal/approval"
	"rumikernel/internal/bootstrap"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Inspect and decide on installed pack approvals",
}

var packScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the packs directory for new or modified bundles",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		found, err := d.Approval.ScanPacks()
		if err != nil {
			return err
		}
		return printJSON(found)
	},
}

var packListCmd = &cobra.Command{
	Use:   "list",
	Short: "List packs awaiting approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Approval.GetPendingPacks())
	},
}

var packApproveCmd = &cobra.Command{
	Use:   "approve <pack-id>",
	Short: "Approve a pending pack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Approval.Approve(args[0]))
	},
}

var packRejectCmd = &cobra.Command{
	Use:   "reject <pack-id> <reason>",
	Short: "Reject a pending pack",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Approval.Reject(args[0], args[1]))
	},
}

var packStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a human-readable, color-coded status line for every tracked pack",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		approvals := d.Approval.GetAllApprovals()
		sort.Slice(approvals, func(i, j int) bool { return approvals[i].PackID < approvals[j].PackID })
		for _, a := range approvals {
			fmt.Print(statusColor(a.Status).Sprintf("%-32s %s\n", a.PackID, a.Status))
		}
		return nil
	},
}

// statusColor picks the terminal color a pack's approval status is
// reported in; fatih/color degrades to plain text automatically when
// stdout is not a terminal (piped output, CI logs).
func statusColor(s approval.Status) *color.Color {
	switch s {
	case approval.StatusApproved:
		return color.New(color.FgGreen)
	case approval.StatusBlocked:
		return color.New(color.FgRed)
	case approval.StatusModified:
		return color.New(color.FgYellow)
	case approval.StatusError:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgWhite)
	}
}

var applyActor string

var packApplyCmd = &cobra.Command{
	Use:   "apply <staging-id>",
	Short: "Apply a staged bundle into the live packs directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		return printJSON(d.Applier.Apply(args[0], applyActor))
	},
}

func init() {
	packApplyCmd.Flags().StringVar(&applyActor, "actor", "cli", "Actor recorded against the apply audit event")

	packCmd.AddCommand(packScanCmd, packListCmd, packApproveCmd, packRejectCmd, packApplyCmd, packStatusCmd)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
