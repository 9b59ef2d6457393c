package artifact

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/renameio/v2"

	"github.com/opta-dev/opta-browser/internal/domain/action"
)

// File names inside a session directory.
const (
	metadataFile    = "metadata.json"
	stepsFile       = "steps.jsonl"
	recordingsFile  = "recordings.json"
	manifestFile    = "visual-diff-manifest.jsonl"
	diffResultsFile = "visual-diff-results.jsonl"
)

// maxLineBytes bounds one JSONL line; snapshots are stored as separate
// artifact files, so records stay small.
const maxLineBytes = 4 * 1024 * 1024

// Store persists session artifacts and timelines under a root directory.
// Appends go through O_APPEND writes of a single line; whole-file
// documents are replaced via write-to-temp-then-rename so a concurrent
// reader sees either the old or the new document, never a mix.
type Store struct {
	root   string
	logger *slog.Logger

	// mu serializes same-file appends issued from different sessions'
	// goroutines. Per-session ordering is enforced upstream; this only
	// guards the file handles.
	mu sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	return &Store{root: abs, logger: logger}, nil
}

// Root returns the absolute root directory of the store.
func (s *Store) Root() string { return s.root }

// SessionDir returns the directory owning all files of a session.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// EnsureSessionDir creates the session directory and returns its path.
func (s *Store) EnsureSessionDir(sessionID string) (string, error) {
	dir := s.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create session dir %s: %w", sessionID, err)
	}
	return dir, nil
}

// ListSessionDirs returns the session IDs that have a directory under
// the root, skipping reserved subdirectories.
func (s *Store) ListSessionDirs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read artifact root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || ReservedDirs[e.Name()] {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// WriteArtifact stores artifact content as "<NNNN>-<kind>.<ext>" inside
// the session directory and returns its metadata. seq is the step
// sequence the artifact belongs to.
func (s *Store) WriteArtifact(sessionID, actionID, kind, ext string, seq int, data []byte) (Metadata, error) {
	dir, err := s.EnsureSessionDir(sessionID)
	if err != nil {
		return Metadata{}, err
	}
	name := fmt.Sprintf("%04d-%s.%s", seq, kind, ext)
	path := filepath.Join(dir, name)
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return Metadata{}, fmt.Errorf("write artifact %s: %w", name, err)
	}
	return Metadata{
		ID:           ArtifactID(sessionID, actionID, kind),
		SessionID:    sessionID,
		ActionID:     actionID,
		Kind:         kind,
		CreatedAt:    time.Now().UTC(),
		RelativePath: name,
		AbsolutePath: path,
		MimeType:     MimeType(kind, ext),
		SizeBytes:    int64(len(data)),
		ContentHash:  strconv.FormatUint(xxhash.Sum64(data), 16),
	}, nil
}

// ReadArtifact loads the content of an artifact by its relative path.
func (s *Store) ReadArtifact(sessionID, relativePath string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.SessionDir(sessionID), relativePath))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s/%s: %w", sessionID, relativePath, err)
	}
	return data, nil
}

// MimeType maps an artifact kind and file extension to a content type.
func MimeType(kind, ext string) string {
	switch kind {
	case KindSnapshot:
		return "text/html"
	case KindMetadata:
		return "application/json"
	case KindScreenshot:
		if strings.EqualFold(ext, "jpeg") || strings.EqualFold(ext, "jpg") {
			return "image/jpeg"
		}
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// AppendStep appends one step record to the session's steps.jsonl.
func (s *Store) AppendStep(rec StepRecord) error {
	return s.appendLine(rec.SessionID, stepsFile, rec)
}

// AppendManifestEntry appends one pending entry to the session's
// visual-diff manifest.
func (s *Store) AppendManifestEntry(entry ManifestEntry) error {
	return s.appendLine(entry.SessionID, manifestFile, entry)
}

// AppendDiffResult appends one computed diff to the session's
// visual-diff results.
func (s *Store) AppendDiffResult(sessionID string, res DiffResult) error {
	return s.appendLine(sessionID, diffResultsFile, res)
}

func (s *Store) appendLine(sessionID, file string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", file, err)
	}
	dir, err := s.EnsureSessionDir(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(dir, file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", file, err)
	}
	return f.Sync()
}

// ReadSteps returns the session's step records in file order. Malformed
// lines are skipped with a warning so one torn write cannot hide the
// rest of the timeline.
func (s *Store) ReadSteps(sessionID string) ([]StepRecord, error) {
	return readLines[StepRecord](s, sessionID, stepsFile)
}

// ReadManifest returns the session's visual-diff manifest entries.
func (s *Store) ReadManifest(sessionID string) ([]ManifestEntry, error) {
	return readLines[ManifestEntry](s, sessionID, manifestFile)
}

// ReadDiffResults returns the session's computed visual diffs.
func (s *Store) ReadDiffResults(sessionID string) ([]DiffResult, error) {
	return readLines[DiffResult](s, sessionID, diffResultsFile)
}

func readLines[T any](s *Store, sessionID, file string) ([]T, error) {
	path := filepath.Join(s.SessionDir(sessionID), file)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec T
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("skipping malformed record",
				"file", file, "session", sessionID, "line", lineNo, "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan %s: %w", file, err)
	}
	return out, nil
}

// WriteSessionMetadata atomically replaces the session's metadata.json.
func (s *Store) WriteSessionMetadata(meta SessionMetadata) error {
	meta.SchemaVersion = SchemaVersion
	if meta.Artifacts == nil {
		meta.Artifacts = []Metadata{}
	}
	if meta.Actions == nil {
		meta.Actions = []action.Action{}
	}
	dir, err := s.EnsureSessionDir(meta.SessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, metadataFile), append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}
	return nil
}

// ReadSessionMetadata loads the session's metadata.json. A missing file
// yields ok=false without an error.
func (s *Store) ReadSessionMetadata(sessionID string) (SessionMetadata, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.SessionDir(sessionID), metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return SessionMetadata{}, false, nil
		}
		return SessionMetadata{}, false, fmt.Errorf("read session metadata: %w", err)
	}
	var meta SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return SessionMetadata{}, false, fmt.Errorf("decode session metadata: %w", err)
	}
	return meta, true, nil
}

// WriteRecordings atomically replaces the session's recordings.json,
// sorted by sequence.
func (s *Store) WriteRecordings(sessionID string, entries []RecordingEntry) error {
	dir, err := s.EnsureSessionDir(sessionID)
	if err != nil {
		return err
	}
	sorted := make([]RecordingEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	doc := RecordingsIndex{
		SchemaVersion: SchemaVersion,
		SessionID:     sessionID,
		UpdatedAt:     time.Now().UTC(),
		Recordings:    sorted,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode recordings: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, recordingsFile), append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write recordings: %w", err)
	}
	return nil
}

// ReadRecordings loads the session's recordings.json. A missing file
// yields an empty index.
func (s *Store) ReadRecordings(sessionID string) (RecordingsIndex, error) {
	data, err := os.ReadFile(filepath.Join(s.SessionDir(sessionID), recordingsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RecordingsIndex{SchemaVersion: SchemaVersion, SessionID: sessionID}, nil
		}
		return RecordingsIndex{}, fmt.Errorf("read recordings: %w", err)
	}
	var doc RecordingsIndex
	if err := json.Unmarshal(data, &doc); err != nil {
		return RecordingsIndex{}, fmt.Errorf("decode recordings: %w", err)
	}
	return doc, nil
}

// RemoveSessionDir deletes a session directory and everything in it.
// Reserved directories are never removable through this path.
func (s *Store) RemoveSessionDir(sessionID string) error {
	if sessionID == "" || ReservedDirs[sessionID] {
		return fmt.Errorf("refusing to remove %q", sessionID)
	}
	if err := os.RemoveAll(s.SessionDir(sessionID)); err != nil {
		return fmt.Errorf("remove session dir %s: %w", sessionID, err)
	}
	return nil
}
