package corpusindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opta-dev/opta-browser/internal/domain/corpus"
	"github.com/opta-dev/opta-browser/internal/domain/visualdiff"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "corpus.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func summary(at time.Time, entries ...corpus.Entry) corpus.Summary {
	return corpus.BuildSummary(entries, 24, at)
}

func entry(id string, signal visualdiff.Signal, score float64) corpus.Entry {
	return corpus.Entry{
		SessionID:           id,
		ActionCount:         5,
		FailureCount:        1,
		DiffCount:           2,
		MeanRegressionScore: score,
		MaxRegressionScore:  score,
		Signal:              signal,
	}
}

func TestRecordAndLatest(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := summary(at,
		entry("session-a", visualdiff.SignalNone, 0.1),
		entry("session-b", visualdiff.SignalRegression, 0.9),
	)
	if err := ix.Record(ctx, s); err != nil {
		t.Fatalf("Record: %v", err)
	}

	row, ok, err := ix.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !ok {
		t.Fatal("Latest: empty index")
	}
	if !row.GeneratedAt.Equal(at) {
		t.Errorf("GeneratedAt = %v, want %v", row.GeneratedAt, at)
	}
	if row.AssessedSessionCount != 2 || row.RegressionSessionCount != 1 {
		t.Errorf("counts = %d/%d", row.AssessedSessionCount, row.RegressionSessionCount)
	}
	if row.TotalActions != 10 || row.TotalFailures != 2 {
		t.Errorf("totals = %d/%d", row.TotalActions, row.TotalFailures)
	}
}

func TestRecord_ReplacesSameRefresh(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := ix.Record(ctx, summary(at, entry("session-a", visualdiff.SignalNone, 0.1))); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := ix.Record(ctx, summary(at, entry("session-b", visualdiff.SignalNone, 0.2))); err != nil {
		t.Fatalf("Record(again): %v", err)
	}

	rows, err := ix.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len = %d, want 1", len(rows))
	}
	if got, err := ix.SessionHistory(ctx, "session-a", 10); err != nil || len(got) != 0 {
		t.Errorf("stale entry survived replace: %v %v", got, err)
	}
}

func TestRecent_Order(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := ix.Record(ctx, summary(base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Record(%d): %v", i, err)
		}
	}

	rows, err := ix.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	if !rows[0].GeneratedAt.After(rows[1].GeneratedAt) {
		t.Error("rows not newest first")
	}
}

func TestSessionHistory(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		s := summary(base.Add(time.Duration(i)*time.Hour), entry("session-a", visualdiff.SignalInvestigate, 0.5))
		if err := ix.Record(ctx, s); err != nil {
			t.Fatalf("Record(%d): %v", i, err)
		}
	}

	got, err := ix.SessionHistory(ctx, "session-a", 10)
	if err != nil {
		t.Fatalf("SessionHistory: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Signal != visualdiff.SignalInvestigate {
		t.Errorf("Signal = %q", got[0].Signal)
	}
}

func TestLatest_Empty(t *testing.T) {
	ix := newTestIndex(t)
	_, ok, err := ix.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if ok {
		t.Error("ok = true on empty index")
	}
}
