package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opta-dev/opta-browser/internal/adapter/outbound/approval"
	"github.com/opta-dev/opta-browser/internal/domain/corpus"
	"github.com/opta-dev/opta-browser/internal/domain/visualdiff"
)

// RefreshCorpus rebuilds the run-corpus summary from every session
// updated within the window, persists the snapshot pair, indexes it,
// and re-derives the adaptation hint. Concurrent refreshes for the same
// (cwd, window) collapse into one.
func (d *Daemon) RefreshCorpus(ctx context.Context, reason string) (corpus.Summary, error) {
	key := fmt.Sprintf("%s|%d", d.opts.Cwd, d.opts.RunCorpusWindowHours)
	v, err, _ := d.corpusFlight.Do(key, func() (any, error) {
		return d.refreshCorpus(ctx, reason)
	})
	if err != nil {
		d.metrics.CorpusRefreshErrors.Inc()
		d.mu.Lock()
		d.lastCorpusErr = err.Error()
		d.mu.Unlock()
		return corpus.Summary{}, err
	}
	return v.(corpus.Summary), nil
}

func (d *Daemon) refreshCorpus(ctx context.Context, reason string) (corpus.Summary, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-time.Duration(d.opts.RunCorpusWindowHours) * time.Hour)

	ids, err := d.store.ListSessionDirs()
	if err != nil {
		return corpus.Summary{}, fmt.Errorf("scan sessions: %w", err)
	}
	highRisk := d.highRiskToolsBySession()

	var entries []corpus.Entry
	for _, id := range ids {
		meta, ok, err := d.store.ReadSessionMetadata(id)
		if err != nil {
			d.logger.Warn("skipping session with unreadable metadata", "session", id, "error", err)
			continue
		}
		if !ok || meta.UpdatedAt.Before(cutoff) {
			continue
		}

		steps, err := d.store.ReadSteps(id)
		if err != nil {
			d.logger.Warn("skipping session with unreadable steps", "session", id, "error", err)
			continue
		}
		failures := 0
		for _, s := range steps {
			if !s.OK {
				failures++
			}
		}

		diffs, err := d.store.ReadDiffResults(id)
		if err != nil {
			d.logger.Warn("skipping session with unreadable diffs", "session", id, "error", err)
			continue
		}
		samples := make([]corpus.DiffSample, 0, len(diffs))
		for _, r := range diffs {
			samples = append(samples, corpus.DiffSample{
				Score:  r.RegressionScore,
				Signal: visualdiff.Signal(r.RegressionSignal),
			})
		}

		entry := corpus.NewEntry(id, meta.RunID, meta.UpdatedAt, len(steps), failures, samples)
		entry.HighRiskTools = highRisk[id]
		entries = append(entries, entry)
	}

	summary := corpus.BuildSummary(entries, d.opts.RunCorpusWindowHours, now)

	if _, err := d.corpusSnp.Write(summary, now); err != nil {
		return corpus.Summary{}, fmt.Errorf("persist corpus snapshot: %w", err)
	}
	if _, err := d.corpusSnp.Prune(d.opts.SnapshotHistoryKeep); err != nil {
		d.logger.Warn("corpus snapshot prune failed", "error", err)
	}
	if d.corpusIdx != nil {
		if err := d.corpusIdx.Record(ctx, summary); err != nil {
			d.logger.Warn("corpus index update failed", "error", err)
		}
	}

	hint := corpus.DeriveHint(d.hintCfg, summary)

	d.mu.Lock()
	d.hint = hint
	d.lastCorpus = now
	d.lastCorpusErr = ""
	d.lastAssessed = summary.AssessedSessionCount
	d.mu.Unlock()

	d.metrics.CorpusRefreshes.Inc()
	if hint.EscalateRisk {
		d.metrics.AdaptationEscalated.Set(1)
	} else {
		d.metrics.AdaptationEscalated.Set(0)
	}

	d.logger.Info("run-corpus refreshed",
		"reason", reason,
		"assessed", summary.AssessedSessionCount,
		"regressions", summary.RegressionSessionCount,
		"escalate", hint.EscalateRisk)
	return summary, nil
}

// highRiskToolsBySession joins the approval log into a per-session list
// of gated high-risk tools, unique and sorted.
func (d *Daemon) highRiskToolsBySession() map[string][]string {
	events, err := d.approvals.Read()
	if err != nil {
		d.logger.Warn("approval log unreadable for corpus join", "error", err)
		return nil
	}
	seen := make(map[string]map[string]bool)
	for _, ev := range events {
		if ev.SessionID == "" || ev.Risk != "high" || ev.Decision != approval.DecisionApproved {
			continue
		}
		if seen[ev.SessionID] == nil {
			seen[ev.SessionID] = make(map[string]bool)
		}
		seen[ev.SessionID][ev.Tool] = true
	}
	out := make(map[string][]string, len(seen))
	for id, tools := range seen {
		list := make([]string, 0, len(tools))
		for tool := range tools {
			list = append(list, tool)
		}
		sort.Strings(list)
		out[id] = list
	}
	return out
}
