// Package corpus builds rolling summaries of recent sessions and
// derives adaptation hints from them. The derivation is pure: identical
// summary and config always produce an identical hint, so escalation
// decisions can be replayed from the persisted snapshots.
package corpus

import (
	"fmt"
	"sort"
	"time"

	"github.com/opta-dev/opta-browser/internal/domain/visualdiff"
)

// SchemaVersion is the on-disk schema version of corpus snapshots.
const SchemaVersion = 1

// DiffSample is the slice of a visual-diff result the corpus cares about.
type DiffSample struct {
	// Score is the regression score in [0,1].
	Score float64 `json:"score"`
	// Signal is none, investigate, or regression.
	Signal visualdiff.Signal `json:"signal"`
}

// Entry is the per-session line of a corpus summary.
type Entry struct {
	SessionID string    `json:"sessionId"`
	RunID     string    `json:"runId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	// ActionCount is the number of recorded steps.
	ActionCount int `json:"actionCount"`
	// FailureCount is the number of failed steps.
	FailureCount int `json:"failureCount"`
	// DiffCount is the number of computed visual diffs.
	DiffCount int `json:"diffCount"`
	// InvestigateCount is the number of diffs flagged investigate.
	InvestigateCount int `json:"investigateCount"`
	// RegressionCount is the number of diffs flagged regression.
	RegressionCount int `json:"regressionCount"`
	// MeanRegressionScore averages the session's diff scores.
	MeanRegressionScore float64 `json:"meanRegressionScore"`
	// MaxRegressionScore is the session's worst diff score.
	MaxRegressionScore float64 `json:"maxRegressionScore"`
	// Signal is the worst signal seen in the session.
	Signal visualdiff.Signal `json:"signal"`
	// HighRiskTools lists gated high-risk tools the session used,
	// joined from the approval log. Unique, sorted.
	HighRiskTools []string `json:"highRiskTools,omitempty"`
}

// NewEntry builds a per-session entry from its step counts and diff
// samples.
func NewEntry(sessionID, runID string, updatedAt time.Time, actionCount, failureCount int, diffs []DiffSample) Entry {
	e := Entry{
		SessionID:    sessionID,
		RunID:        runID,
		UpdatedAt:    updatedAt,
		ActionCount:  actionCount,
		FailureCount: failureCount,
		DiffCount:    len(diffs),
		Signal:       visualdiff.SignalNone,
	}
	if len(diffs) == 0 {
		return e
	}
	var sum float64
	for _, d := range diffs {
		sum += d.Score
		if d.Score > e.MaxRegressionScore {
			e.MaxRegressionScore = d.Score
		}
		switch d.Signal {
		case visualdiff.SignalInvestigate:
			e.InvestigateCount++
			if e.Signal == visualdiff.SignalNone {
				e.Signal = visualdiff.SignalInvestigate
			}
		case visualdiff.SignalRegression:
			e.RegressionCount++
			e.Signal = visualdiff.SignalRegression
		}
	}
	e.MeanRegressionScore = sum / float64(len(diffs))
	return e
}

// Summary is the aggregate persisted at run-corpus/latest.json.
type Summary struct {
	SchemaVersion int       `json:"schemaVersion"`
	GeneratedAt   time.Time `json:"generatedAt"`
	WindowHours   int       `json:"windowHours"`
	// AssessedSessionCount is the number of sessions in the window.
	AssessedSessionCount int `json:"assessedSessionCount"`
	// RegressionSessionCount is the number of sessions whose worst
	// signal is regression.
	RegressionSessionCount int `json:"regressionSessionCount"`
	// InvestigateSessionCount is the number of sessions whose worst
	// signal is investigate.
	InvestigateSessionCount int `json:"investigateSessionCount"`
	// MeanRegressionScore averages the per-session means.
	MeanRegressionScore float64 `json:"meanRegressionScore"`
	// MaxRegressionScore is the worst score across all sessions.
	MaxRegressionScore float64 `json:"maxRegressionScore"`
	Entries            []Entry `json:"entries"`
}

// BuildSummary aggregates per-session entries into a summary. Entries
// are sorted by session ID for stable output.
func BuildSummary(entries []Entry, windowHours int, now time.Time) Summary {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SessionID < sorted[j].SessionID })

	s := Summary{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   now.UTC(),
		WindowHours:   windowHours,
		Entries:       sorted,
	}
	if len(sorted) == 0 {
		s.Entries = []Entry{}
		return s
	}
	var sum float64
	for _, e := range sorted {
		s.AssessedSessionCount++
		sum += e.MeanRegressionScore
		if e.MaxRegressionScore > s.MaxRegressionScore {
			s.MaxRegressionScore = e.MaxRegressionScore
		}
		switch e.Signal {
		case visualdiff.SignalRegression:
			s.RegressionSessionCount++
		case visualdiff.SignalInvestigate:
			s.InvestigateSessionCount++
		}
	}
	s.MeanRegressionScore = sum / float64(len(sorted))
	return s
}

// TotalActions sums the step counts of all entries.
func (s Summary) TotalActions() int {
	n := 0
	for _, e := range s.Entries {
		n += e.ActionCount
	}
	return n
}

// TotalFailures sums the failed step counts of all entries.
func (s Summary) TotalFailures() int {
	n := 0
	for _, e := range s.Entries {
		n += e.FailureCount
	}
	return n
}

// HintConfig holds the adaptation thresholds.
type HintConfig struct {
	// Enabled turns adaptation on. Disabled always yields a zero hint.
	Enabled bool
	// MinAssessedSessions is the minimum sample size before the hint
	// may escalate.
	MinAssessedSessions int
	// InvestigateWeight discounts investigate sessions against full
	// regressions when computing pressure.
	InvestigateWeight float64
	// RegressionPressureThreshold triggers escalation when pressure
	// meets or exceeds it.
	RegressionPressureThreshold float64
	// MeanRegressionScoreThreshold triggers escalation on the summary
	// mean.
	MeanRegressionScoreThreshold float64
	// FailureRateThreshold triggers escalation on totalFailures over
	// totalActions.
	FailureRateThreshold float64
	// IntentRoutePenalty is emitted as the routing penalty when
	// escalating.
	IntentRoutePenalty float64
}

// DefaultHintConfig returns the stock thresholds.
func DefaultHintConfig() HintConfig {
	return HintConfig{
		Enabled:                      true,
		MinAssessedSessions:          3,
		InvestigateWeight:            0.5,
		RegressionPressureThreshold:  0.4,
		MeanRegressionScoreThreshold: 0.6,
		FailureRateThreshold:         0.5,
		IntentRoutePenalty:           0.25,
	}
}

// Hint is the derived adaptation directive.
type Hint struct {
	// Enabled mirrors the config switch.
	Enabled bool `json:"enabled"`
	// EscalateRisk instructs the policy engine to bump non-observe
	// risk one tier.
	EscalateRisk bool `json:"escalateRisk"`
	// RoutePenalty is the intent-routing penalty, 0 when not escalating.
	RoutePenalty float64 `json:"routePenalty"`
	// RegressionPressure is the computed pressure metric.
	RegressionPressure float64 `json:"regressionPressure"`
	// MeanRegressionScore is copied from the summary.
	MeanRegressionScore float64 `json:"meanRegressionScore"`
	// FailureRate is totalFailures over totalActions.
	FailureRate float64 `json:"failureRate"`
	// Rationale is a deterministic human-readable explanation.
	Rationale string `json:"rationale"`
}

// DeriveHint computes the adaptation hint from a summary. It is pure:
// it reads nothing but its arguments.
func DeriveHint(cfg HintConfig, s Summary) Hint {
	h := Hint{Enabled: cfg.Enabled}
	if !cfg.Enabled {
		h.Rationale = "adaptation disabled"
		return h
	}

	if s.AssessedSessionCount > 0 {
		h.RegressionPressure = (float64(s.RegressionSessionCount) +
			cfg.InvestigateWeight*float64(s.InvestigateSessionCount)) /
			float64(s.AssessedSessionCount)
	}
	h.MeanRegressionScore = s.MeanRegressionScore
	if total := s.TotalActions(); total > 0 {
		h.FailureRate = float64(s.TotalFailures()) / float64(total)
	}

	if s.AssessedSessionCount < cfg.MinAssessedSessions {
		h.Rationale = fmt.Sprintf("insufficient sample: %d assessed sessions, need %d",
			s.AssessedSessionCount, cfg.MinAssessedSessions)
		return h
	}

	var exceeded []string
	if h.RegressionPressure >= cfg.RegressionPressureThreshold {
		exceeded = append(exceeded, fmt.Sprintf("regression pressure %.2f >= %.2f",
			h.RegressionPressure, cfg.RegressionPressureThreshold))
	}
	if h.MeanRegressionScore >= cfg.MeanRegressionScoreThreshold {
		exceeded = append(exceeded, fmt.Sprintf("mean regression score %.2f >= %.2f",
			h.MeanRegressionScore, cfg.MeanRegressionScoreThreshold))
	}
	if h.FailureRate >= cfg.FailureRateThreshold {
		exceeded = append(exceeded, fmt.Sprintf("failure rate %.2f >= %.2f",
			h.FailureRate, cfg.FailureRateThreshold))
	}

	if len(exceeded) == 0 {
		h.Rationale = fmt.Sprintf("within thresholds over %d assessed sessions", s.AssessedSessionCount)
		return h
	}

	h.EscalateRisk = true
	h.RoutePenalty = cfg.IntentRoutePenalty
	h.Rationale = fmt.Sprintf("escalating over %d assessed sessions: %s",
		s.AssessedSessionCount, joinReasons(exceeded))
	return h
}

func joinReasons(reasons []string) string {
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}
