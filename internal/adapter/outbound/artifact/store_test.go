package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/opta-dev/opta-browser/internal/domain/action"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func step(sessionID string, seq int, ok bool) StepRecord {
	return StepRecord{
		Sequence:      seq,
		SessionID:     sessionID,
		ActionID:      "action-000001",
		ActionType:    "navigate",
		Timestamp:     time.Date(2026, 3, 1, 10, 0, seq, 0, time.UTC),
		OK:            ok,
		ArtifactIDs:   []string{},
		ArtifactPaths: []string{},
	}
}

func TestWriteArtifact_NamingAndMetadata(t *testing.T) {
	s := newTestStore(t)

	meta, err := s.WriteArtifact("session-aa", "action-000007", KindScreenshot, "png", 3, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("WriteArtifact: %v", err)
	}
	if meta.RelativePath != "0003-screenshot.png" {
		t.Errorf("RelativePath = %q, want 0003-screenshot.png", meta.RelativePath)
	}
	if meta.ID != "session-aa:action-000007:screenshot" {
		t.Errorf("ID = %q", meta.ID)
	}
	if meta.MimeType != "image/png" {
		t.Errorf("MimeType = %q", meta.MimeType)
	}
	if meta.SizeBytes != 3 {
		t.Errorf("SizeBytes = %d, want 3", meta.SizeBytes)
	}
	if meta.ContentHash == "" {
		t.Error("ContentHash is empty")
	}

	got, err := s.ReadArtifact("session-aa", meta.RelativePath)
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, got); diff != "" {
		t.Errorf("artifact content mismatch (-want +got):\n%s", diff)
	}
}

func TestMimeType(t *testing.T) {
	tests := []struct {
		kind, ext, want string
	}{
		{KindSnapshot, "html", "text/html"},
		{KindScreenshot, "png", "image/png"},
		{KindScreenshot, "jpeg", "image/jpeg"},
		{KindScreenshot, "jpg", "image/jpeg"},
		{KindMetadata, "json", "application/json"},
		{"other", "bin", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := MimeType(tt.kind, tt.ext); got != tt.want {
			t.Errorf("MimeType(%q, %q) = %q, want %q", tt.kind, tt.ext, got, tt.want)
		}
	}
}

func TestAppendStep_OrderAndSequence(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 5; i++ {
		ok := i != 3
		rec := step("session-bb", i, ok)
		if !ok {
			rec.Error = &action.Error{Code: action.CodeNavigateFailed, Message: "timeout"}
		}
		if err := s.AppendStep(rec); err != nil {
			t.Fatalf("AppendStep(%d): %v", i, err)
		}
	}

	got, err := s.ReadSteps("session-bb")
	if err != nil {
		t.Fatalf("ReadSteps: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	for i, rec := range got {
		if rec.Sequence != i+1 {
			t.Errorf("step %d sequence = %d, want %d", i, rec.Sequence, i+1)
		}
	}
	if got[2].OK || got[2].Error == nil {
		t.Error("failed step lost its error on round trip")
	}
	if got[2].Error.Code != action.CodeNavigateFailed {
		t.Errorf("error code = %q", got[2].Error.Code)
	}
}

func TestReadSteps_SkipsMalformedLines(t *testing.T) {
	s := newTestStore(t)

	if err := s.AppendStep(step("session-cc", 1, true)); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}
	// Simulate a torn write in the middle of the log.
	path := filepath.Join(s.SessionDir("session-cc"), "steps.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{\"sequence\": 2, \"sess\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()
	if err := s.AppendStep(step("session-cc", 3, true)); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}

	got, err := s.ReadSteps("session-cc")
	if err != nil {
		t.Fatalf("ReadSteps: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (malformed line skipped)", len(got))
	}
	if got[0].Sequence != 1 || got[1].Sequence != 3 {
		t.Errorf("sequences = %d, %d", got[0].Sequence, got[1].Sequence)
	}
}

func TestReadSteps_MissingFile(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ReadSteps("session-none")
	if err != nil {
		t.Fatalf("ReadSteps: %v", err)
	}
	if got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestWriteRecordings_SortedBySequence(t *testing.T) {
	s := newTestStore(t)

	entries := []RecordingEntry{step("session-dd", 3, true), step("session-dd", 1, true), step("session-dd", 2, true)}
	if err := s.WriteRecordings("session-dd", entries); err != nil {
		t.Fatalf("WriteRecordings: %v", err)
	}

	doc, err := s.ReadRecordings("session-dd")
	if err != nil {
		t.Fatalf("ReadRecordings: %v", err)
	}
	if doc.SchemaVersion != SchemaVersion {
		t.Errorf("schemaVersion = %d", doc.SchemaVersion)
	}
	for i, rec := range doc.Recordings {
		if rec.Sequence != i+1 {
			t.Errorf("recording %d sequence = %d, want %d", i, rec.Sequence, i+1)
		}
	}
	// The caller's slice must not be reordered.
	if entries[0].Sequence != 3 {
		t.Error("WriteRecordings mutated its input")
	}
}

func TestReadRecordings_MissingFile(t *testing.T) {
	s := newTestStore(t)
	doc, err := s.ReadRecordings("session-none")
	if err != nil {
		t.Fatalf("ReadRecordings: %v", err)
	}
	if doc.SessionID != "session-none" || len(doc.Recordings) != 0 {
		t.Errorf("doc = %+v", doc)
	}
}

func TestSessionMetadata_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	meta := SessionMetadata{
		SessionID:  "session-ee",
		RunID:      "run-1",
		Mode:       "isolated",
		Status:     "open",
		Runtime:    "driver-available",
		CreatedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC),
		CurrentURL: "https://example.com/",
	}
	if err := s.WriteSessionMetadata(meta); err != nil {
		t.Fatalf("WriteSessionMetadata: %v", err)
	}

	got, ok, err := s.ReadSessionMetadata("session-ee")
	if err != nil {
		t.Fatalf("ReadSessionMetadata: %v", err)
	}
	if !ok {
		t.Fatal("metadata not found")
	}
	if got.SchemaVersion != SchemaVersion {
		t.Errorf("schemaVersion = %d, want %d", got.SchemaVersion, SchemaVersion)
	}
	if got.CurrentURL != meta.CurrentURL || got.RunID != meta.RunID {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Artifacts == nil || got.Actions == nil {
		t.Error("nil slices not normalized to empty on write")
	}

	_, ok, err = s.ReadSessionMetadata("session-missing")
	if err != nil {
		t.Fatalf("ReadSessionMetadata(missing): %v", err)
	}
	if ok {
		t.Error("missing metadata reported as found")
	}
}

func TestManifestAndDiffResults(t *testing.T) {
	s := newTestStore(t)

	entry := ManifestEntry{
		SchemaVersion: SchemaVersion,
		SessionID:     "session-ff",
		Sequence:      1,
		ActionID:      "action-000001",
		ActionType:    "screenshot",
		Timestamp:     time.Now().UTC(),
		Status:        ManifestStatusPending,
		ArtifactIDs:   []string{"session-ff:action-000001:screenshot"},
		ArtifactPaths: []string{"0001-screenshot.png"},
	}
	if err := s.AppendManifestEntry(entry); err != nil {
		t.Fatalf("AppendManifestEntry: %v", err)
	}

	ratio := 0.5
	res := DiffResult{
		Index:            0,
		FromSequence:     1,
		ToSequence:       2,
		Status:           "changed",
		ChangedByteRatio: &ratio,
		Severity:         "high",
		RegressionScore:  0.8,
		RegressionSignal: "regression",
	}
	if err := s.AppendDiffResult("session-ff", res); err != nil {
		t.Fatalf("AppendDiffResult: %v", err)
	}

	manifest, err := s.ReadManifest("session-ff")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if len(manifest) != 1 || manifest[0].Status != ManifestStatusPending {
		t.Errorf("manifest = %+v", manifest)
	}

	results, err := s.ReadDiffResults("session-ff")
	if err != nil {
		t.Fatalf("ReadDiffResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].ChangedByteRatio == nil || *results[0].ChangedByteRatio != 0.5 {
		t.Errorf("ChangedByteRatio = %v", results[0].ChangedByteRatio)
	}
}

func TestListSessionDirs_SkipsReserved(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"session-1", "session-2", "profiles", "run-corpus", "canary-evidence"} {
		if _, err := s.EnsureSessionDir(id); err != nil {
			t.Fatalf("EnsureSessionDir(%s): %v", id, err)
		}
	}

	got, err := s.ListSessionDirs()
	if err != nil {
		t.Fatalf("ListSessionDirs: %v", err)
	}
	want := []string{"session-1", "session-2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListSessionDirs mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveSessionDir_RefusesReserved(t *testing.T) {
	s := newTestStore(t)

	for name := range ReservedDirs {
		if err := s.RemoveSessionDir(name); err == nil {
			t.Errorf("RemoveSessionDir(%q) succeeded, want refusal", name)
		}
	}
	if err := s.RemoveSessionDir(""); err == nil {
		t.Error("RemoveSessionDir(\"\") succeeded, want refusal")
	}

	if _, err := s.EnsureSessionDir("session-gone"); err != nil {
		t.Fatalf("EnsureSessionDir: %v", err)
	}
	if err := s.RemoveSessionDir("session-gone"); err != nil {
		t.Fatalf("RemoveSessionDir: %v", err)
	}
	if _, err := os.Stat(s.SessionDir("session-gone")); !os.IsNotExist(err) {
		t.Error("session dir still present after removal")
	}
}
