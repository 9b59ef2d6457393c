// Package snapshot persists timestamped JSON snapshots of a rolling
// document. Each write lands twice: at latest.json and at a
// timestamp-slugged sibling, so operators can diff the history while
// consumers only ever read latest.json.
package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// LatestFile is the stable name consumers read.
const LatestFile = "latest.json"

// slugFormat names history files; colons are avoided for portability.
const slugFormat = "2006-01-02T15-04-05Z"

// Writer persists snapshots into one directory.
type Writer struct {
	dir    string
	logger *slog.Logger
}

// NewWriter creates a writer rooted at dir, creating it if needed.
func NewWriter(dir string, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Writer{dir: dir, logger: logger}, nil
}

// Dir returns the snapshot directory.
func (w *Writer) Dir() string { return w.dir }

// Write persists v as latest.json and as a slugged history file named
// after at. It returns the history file path.
func (w *Writer) Write(v any, at time.Time) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	data = append(data, '\n')

	slugPath := filepath.Join(w.dir, at.UTC().Format(slugFormat)+".json")
	if err := renameio.WriteFile(slugPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", filepath.Base(slugPath), err)
	}
	if err := renameio.WriteFile(filepath.Join(w.dir, LatestFile), data, 0o600); err != nil {
		return "", fmt.Errorf("write latest snapshot: %w", err)
	}
	return slugPath, nil
}

// ReadLatest decodes latest.json into out. It reports false without an
// error when no snapshot has been written yet.
func (w *Writer) ReadLatest(out any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, LatestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read latest snapshot: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode latest snapshot: %w", err)
	}
	return true, nil
}

// History returns the slugged snapshot file names, oldest first.
func (w *Writer) History() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == LatestFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Prune removes the oldest history files until at most keep remain.
// latest.json is never removed. It returns the number deleted.
func (w *Writer) Prune(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	names, err := w.History()
	if err != nil {
		return 0, err
	}
	if len(names) <= keep {
		return 0, nil
	}
	removed := 0
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(w.dir, name)); err != nil {
			w.logger.Warn("failed to prune snapshot", "file", name, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
