package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/opta-dev/opta-browser/internal/adapter/outbound/snapshot"
	"github.com/opta-dev/opta-browser/internal/adapter/outbound/state"
	"github.com/opta-dev/opta-browser/internal/service"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health from the working directory",
	Long: `Show daemon health by inspecting the on-disk state under
.opta/browser/: the session registry and the latest canary-evidence
snapshot. Works whether or not a daemon is currently serving; the
snapshot timestamp tells you how fresh the evidence is.

Examples:
  # Show health for the configured working directory
  opta-browser status`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	root, err := browserRoot()
	if err != nil {
		return err
	}

	store := state.NewFileRegistryStore(filepath.Join(root, "runtime-sessions.json"), quietLogger())
	if !store.Exists() {
		fmt.Printf("No daemon state found under %s\n", root)
		fmt.Println("Run `opta-browser serve` to start one.")
		return nil
	}
	reg, err := store.Load()
	if err != nil {
		return fmt.Errorf("read session registry: %w", err)
	}

	open := reg.Open()
	fmt.Printf("State directory:  %s\n", root)
	fmt.Printf("Registry updated: %s\n", reg.UpdatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Sessions:         %d open, %d total\n", len(open), len(reg.Sessions))
	for _, s := range open {
		line := fmt.Sprintf("  %s  %s/%s", s.ID, s.Mode, s.Runtime)
		if s.CurrentURL != "" {
			line += "  " + s.CurrentURL
		}
		fmt.Println(line)
	}

	printCanaryEvidence(root)
	return nil
}

// printCanaryEvidence shows the latest health snapshot, if any. The
// daemon writes one on start, on every corpus refresh, and on stop.
func printCanaryEvidence(root string) {
	dir := filepath.Join(root, "canary-evidence")
	if _, err := os.Stat(dir); err != nil {
		return
	}
	w, err := snapshot.NewWriter(dir, quietLogger())
	if err != nil {
		return
	}
	var ev service.CanaryEvidence
	ok, err := w.ReadLatest(&ev)
	if err != nil || !ok {
		return
	}

	fmt.Println()
	fmt.Printf("Last evidence:    %s (%s)\n", ev.GeneratedAt.Local().Format(time.RFC3339), ev.Reason)
	fmt.Printf("Daemon state:     %s\n", ev.State)
	fmt.Printf("Open sessions:    %d (pending opens: %d)\n", ev.OpenSessions, ev.PendingOpens)
	if len(ev.RecoveredSessions) > 0 {
		fmt.Printf("Recovered:        %v\n", ev.RecoveredSessions)
	}
	fmt.Printf("Corpus assessed:  %d sessions\n", ev.CorpusAssessed)
	if ev.HintEscalate {
		fmt.Printf("Adaptation:       ESCALATED - %s\n", ev.HintRationale)
	} else if ev.HintRationale != "" {
		fmt.Printf("Adaptation:       normal - %s\n", ev.HintRationale)
	}
}
