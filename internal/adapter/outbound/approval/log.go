// Package approval persists the human approval trail. Every gate
// resolution is appended to approval-log.jsonl; the file is the audit
// record consulted by operators and by pruning.
package approval

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/opta-dev/opta-browser/internal/domain/policy"
)

// FileName is the log file name under the browser root.
const FileName = "approval-log.jsonl"

// Decision is the recorded gate outcome.
type Decision string

// Decisions recorded per event.
const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// Event is one line of the approval log.
type Event struct {
	// Timestamp is when the gate was resolved (UTC).
	Timestamp time.Time `json:"timestamp"`
	// SessionID is the session the gated action targeted.
	SessionID string `json:"sessionId"`
	// RunID groups sessions of one agent run.
	RunID string `json:"runId,omitempty"`
	// Tool is the gated tool name.
	Tool string `json:"tool"`
	// ActionKey is the policy classification key (auth_submit, checkout, ...).
	ActionKey string `json:"actionKey"`
	// Risk is the assessed risk tier at gate time.
	Risk string `json:"risk"`
	// Decision is approved or denied.
	Decision Decision `json:"decision"`
	// PolicyReason is the policy rationale behind the gate.
	PolicyReason string `json:"policyReason,omitempty"`
	// TargetHost is the host the action was aimed at, when known.
	TargetHost string `json:"targetHost,omitempty"`
	// TargetOrigin is the origin the action was aimed at, when known.
	TargetOrigin string `json:"targetOrigin,omitempty"`
	// RiskEvidence carries the classifier evidence behind the risk tier.
	RiskEvidence *policy.Evidence `json:"riskEvidence,omitempty"`
}

// Log is the append-only approval log.
type Log struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewLog creates the log inside dir, creating the directory if needed.
func NewLog(dir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create approval log dir: %w", err)
	}
	return &Log{path: filepath.Join(dir, FileName), logger: logger}, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append records one resolved gate.
func (l *Log) Append(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode approval event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open approval log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append approval log: %w", err)
	}
	return f.Sync()
}

// Read returns all events in file order, skipping malformed lines.
func (l *Log) Read() ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked()
}

func (l *Log) readLocked() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open approval log: %w", err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			l.logger.Warn("skipping malformed approval event", "line", lineNo, "error", err)
			continue
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan approval log: %w", err)
	}
	return out, nil
}

// Prune drops events older than maxAge first, then trims the oldest
// entries until at most maxEntries remain. Zero disables the respective
// limit. It returns the number of events removed.
func (l *Log) Prune(maxAge time.Duration, maxEntries int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readLocked()
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	kept := events
	if maxAge > 0 {
		cutoff := time.Now().UTC().Add(-maxAge)
		filtered := kept[:0:0]
		for _, ev := range kept {
			if !ev.Timestamp.Before(cutoff) {
				filtered = append(filtered, ev)
			}
		}
		kept = filtered
	}
	if maxEntries > 0 && len(kept) > maxEntries {
		kept = kept[len(kept)-maxEntries:]
	}

	removed := len(events) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	for _, ev := range kept {
		line, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("encode approval event: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := renameio.WriteFile(l.path, buf.Bytes(), 0o600); err != nil {
		return 0, fmt.Errorf("rewrite approval log: %w", err)
	}

	l.logger.Info("pruned approval log", "removed", removed, "kept", len(kept))
	return removed, nil
}
