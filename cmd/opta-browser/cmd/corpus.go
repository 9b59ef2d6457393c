package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/opta-dev/opta-browser/internal/adapter/outbound/snapshot"
	"github.com/opta-dev/opta-browser/internal/domain/corpus"
)

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Show the latest run-corpus assessment",
	Long: `Show the latest run-corpus summary and the adaptation hint derived
from it with the stock thresholds. The summary aggregates every session
updated inside the assessment window: step counts, failures, and
visual-diff signals.

Examples:
  # Show the latest assessment
  opta-browser corpus`,
	RunE: runCorpus,
}

func init() {
	rootCmd.AddCommand(corpusCmd)
}

func runCorpus(cmd *cobra.Command, args []string) error {
	root, err := browserRoot()
	if err != nil {
		return err
	}
	dir := filepath.Join(root, "run-corpus")
	if _, err := os.Stat(dir); err != nil {
		fmt.Printf("No run-corpus data under %s\n", root)
		fmt.Println("Enable it with daemon.run_corpus and serve at least one session.")
		return nil
	}
	w, err := snapshot.NewWriter(dir, quietLogger())
	if err != nil {
		return fmt.Errorf("open run-corpus: %w", err)
	}
	var s corpus.Summary
	ok, err := w.ReadLatest(&s)
	if err != nil {
		return fmt.Errorf("read run-corpus summary: %w", err)
	}
	if !ok {
		fmt.Println("No run-corpus summary written yet.")
		return nil
	}

	fmt.Printf("Generated:        %s (window %dh)\n", s.GeneratedAt.Local().Format(time.RFC3339), s.WindowHours)
	fmt.Printf("Sessions:         %d assessed, %d regression, %d investigate\n",
		s.AssessedSessionCount, s.RegressionSessionCount, s.InvestigateSessionCount)
	fmt.Printf("Regression score: mean %.3f, max %.3f\n", s.MeanRegressionScore, s.MaxRegressionScore)
	fmt.Printf("Steps:            %d total, %d failed\n", s.TotalActions(), s.TotalFailures())

	if len(s.Entries) > 0 {
		fmt.Println()
		for _, e := range s.Entries {
			line := fmt.Sprintf("  %s  signal=%s  steps=%d  failures=%d  diffs=%d",
				e.SessionID, e.Signal, e.ActionCount, e.FailureCount, e.DiffCount)
			if len(e.HighRiskTools) > 0 {
				line += fmt.Sprintf("  high-risk=%v", e.HighRiskTools)
			}
			fmt.Println(line)
		}
	}

	h := corpus.DeriveHint(corpus.DefaultHintConfig(), s)
	fmt.Println()
	if h.EscalateRisk {
		fmt.Printf("Adaptation:       ESCALATED (route penalty %.2f)\n", h.RoutePenalty)
	} else {
		fmt.Println("Adaptation:       normal")
	}
	fmt.Printf("                  %s\n", h.Rationale)
	return nil
}
