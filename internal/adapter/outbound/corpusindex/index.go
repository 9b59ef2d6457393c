// Package corpusindex keeps a queryable SQLite index of run-corpus
// refreshes. The JSON snapshots remain the source of truth; the index
// exists so the CLI can answer "how did the corpus trend" without
// parsing every history file.
package corpusindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opta-dev/opta-browser/internal/domain/corpus"
	"github.com/opta-dev/opta-browser/internal/domain/visualdiff"
)

const schema = `
CREATE TABLE IF NOT EXISTS summaries (
	generated_at      TEXT PRIMARY KEY,
	window_hours      INTEGER NOT NULL,
	assessed          INTEGER NOT NULL,
	regressions       INTEGER NOT NULL,
	investigates      INTEGER NOT NULL,
	mean_score        REAL NOT NULL,
	max_score         REAL NOT NULL,
	total_actions     INTEGER NOT NULL,
	total_failures    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	generated_at      TEXT NOT NULL,
	session_id        TEXT NOT NULL,
	run_id            TEXT NOT NULL DEFAULT '',
	action_count      INTEGER NOT NULL,
	failure_count     INTEGER NOT NULL,
	diff_count        INTEGER NOT NULL,
	investigate_count INTEGER NOT NULL,
	regression_count  INTEGER NOT NULL,
	mean_score        REAL NOT NULL,
	max_score         REAL NOT NULL,
	signal            TEXT NOT NULL,
	PRIMARY KEY (generated_at, session_id)
);
CREATE INDEX IF NOT EXISTS idx_entries_session ON entries (session_id);
`

// SummaryRow is one indexed refresh.
type SummaryRow struct {
	GeneratedAt             time.Time
	WindowHours             int
	AssessedSessionCount    int
	RegressionSessionCount  int
	InvestigateSessionCount int
	MeanRegressionScore     float64
	MaxRegressionScore      float64
	TotalActions            int
	TotalFailures           int
}

// Index is the SQLite-backed corpus index.
type Index struct {
	db *sql.DB
}

// Open opens (and if needed creates) the index at path.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open corpus index: %w", err)
	}
	// The modernc driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY between the daemon and the CLI path.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate corpus index: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Record stores one refreshed summary with its per-session entries.
// Re-recording the same generatedAt replaces the previous rows.
func (ix *Index) Record(ctx context.Context, s corpus.Summary) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin corpus index tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	at := s.GeneratedAt.UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO summaries
		 (generated_at, window_hours, assessed, regressions, investigates, mean_score, max_score, total_actions, total_failures)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at, s.WindowHours, s.AssessedSessionCount, s.RegressionSessionCount,
		s.InvestigateSessionCount, s.MeanRegressionScore, s.MaxRegressionScore,
		s.TotalActions(), s.TotalFailures(),
	); err != nil {
		return fmt.Errorf("index summary: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE generated_at = ?`, at); err != nil {
		return fmt.Errorf("clear summary entries: %w", err)
	}
	for _, e := range s.Entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries
			 (generated_at, session_id, run_id, action_count, failure_count, diff_count, investigate_count, regression_count, mean_score, max_score, signal)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			at, e.SessionID, e.RunID, e.ActionCount, e.FailureCount, e.DiffCount,
			e.InvestigateCount, e.RegressionCount, e.MeanRegressionScore,
			e.MaxRegressionScore, string(e.Signal),
		); err != nil {
			return fmt.Errorf("index entry %s: %w", e.SessionID, err)
		}
	}

	return tx.Commit()
}

// Recent returns the newest indexed summaries, newest first.
func (ix *Index) Recent(ctx context.Context, limit int) ([]SummaryRow, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT generated_at, window_hours, assessed, regressions, investigates, mean_score, max_score, total_actions, total_failures
		 FROM summaries ORDER BY generated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query corpus index: %w", err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		var at string
		if err := rows.Scan(&at, &r.WindowHours, &r.AssessedSessionCount,
			&r.RegressionSessionCount, &r.InvestigateSessionCount,
			&r.MeanRegressionScore, &r.MaxRegressionScore,
			&r.TotalActions, &r.TotalFailures); err != nil {
			return nil, fmt.Errorf("scan corpus index row: %w", err)
		}
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, fmt.Errorf("parse generated_at %q: %w", at, err)
		}
		r.GeneratedAt = t
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionHistory returns the indexed entries for one session, newest
// refresh first.
func (ix *Index) SessionHistory(ctx context.Context, sessionID string, limit int) ([]corpus.Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT session_id, run_id, action_count, failure_count, diff_count, investigate_count, regression_count, mean_score, max_score, signal
		 FROM entries WHERE session_id = ? ORDER BY generated_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()

	var out []corpus.Entry
	for rows.Next() {
		var e corpus.Entry
		var signal string
		if err := rows.Scan(&e.SessionID, &e.RunID, &e.ActionCount, &e.FailureCount,
			&e.DiffCount, &e.InvestigateCount, &e.RegressionCount,
			&e.MeanRegressionScore, &e.MaxRegressionScore, &signal); err != nil {
			return nil, fmt.Errorf("scan session history row: %w", err)
		}
		e.Signal = visualdiff.Signal(signal)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Latest returns the newest indexed summary, or ok=false when the
// index is empty.
func (ix *Index) Latest(ctx context.Context) (SummaryRow, bool, error) {
	rows, err := ix.Recent(ctx, 1)
	if err != nil {
		return SummaryRow{}, false, err
	}
	if len(rows) == 0 {
		return SummaryRow{}, false, nil
	}
	return rows[0], true, nil
}
