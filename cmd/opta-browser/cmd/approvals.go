package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/opta-dev/opta-browser/internal/adapter/outbound/approval"
)

var approvalsTail int

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Show recent approval log events",
	Long: `Show resolved gates from the approval log. Every gated tool call
lands here with its decision, risk tier, and the policy rationale.

Examples:
  # Show the last 20 events
  opta-browser approvals

  # Show the whole log
  opta-browser approvals --tail 0`,
	RunE: runApprovals,
}

func init() {
	approvalsCmd.Flags().IntVar(&approvalsTail, "tail", 20, "Number of most recent events to show (0 = all)")
	rootCmd.AddCommand(approvalsCmd)
}

func runApprovals(cmd *cobra.Command, args []string) error {
	root, err := browserRoot()
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(root, approval.FileName)); err != nil {
		fmt.Printf("No approval log under %s\n", root)
		return nil
	}
	l, err := approval.NewLog(root, quietLogger())
	if err != nil {
		return fmt.Errorf("open approval log: %w", err)
	}
	events, err := l.Read()
	if err != nil {
		return fmt.Errorf("read approval log: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("Approval log is empty.")
		return nil
	}

	total := len(events)
	if approvalsTail > 0 && total > approvalsTail {
		events = events[total-approvalsTail:]
	}
	fmt.Printf("Showing %d of %d events from %s\n\n", len(events), total, l.Path())
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-8s  %-18s  risk=%-6s  action=%s  session=%s",
			ev.Timestamp.Local().Format(time.RFC3339), ev.Decision, ev.Tool, ev.Risk, ev.ActionKey, ev.SessionID)
		if ev.PolicyReason != "" {
			line += "\n" + "    reason: " + ev.PolicyReason
		}
		fmt.Println(line)
	}
	return nil
}
