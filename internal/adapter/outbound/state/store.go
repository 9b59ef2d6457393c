package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/opta-dev/opta-browser/internal/domain/session"
)

// FileRegistryStore manages reading and writing runtime-sessions.json.
// It provides atomic writes (write-tmp-then-rename), automatic backups,
// file locking (flock for cross-process, mutex for in-process), and
// sanitization of entries left behind by a crashed daemon.
type FileRegistryStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileRegistryStore creates a new FileRegistryStore for the given file path.
func NewFileRegistryStore(path string, logger *slog.Logger) *FileRegistryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileRegistryStore{
		path:   path,
		logger: logger,
	}
}

// Load reads and parses runtime-sessions.json.
// If the file does not exist, it returns an empty registry.
// If the file contains invalid JSON, it returns an error; a caller that
// wants crash tolerance should fall back to DefaultRegistry.
// Entries missing required fields are dropped with a warning.
func (s *FileRegistryStore) Load() (*Registry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("session registry not found, starting empty", "path", s.path)
			return s.DefaultRegistry(), nil
		}
		return nil, fmt.Errorf("read session registry: %w", err)
	}

	// Warn when the file is readable by group or other. Skipped on
	// Windows where Unix permission bits are not meaningful.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			mode := info.Mode().Perm()
			if mode&0o077 != 0 {
				s.logger.Warn("runtime-sessions.json has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse session registry: %w", err)
	}

	s.sanitize(&reg)
	return &reg, nil
}

// sanitize drops registry entries that cannot describe a session: no
// ID, unknown mode, or unknown status. Corrupt entries come from torn
// writes of older versions or manual edits.
func (s *FileRegistryStore) sanitize(reg *Registry) {
	kept := reg.Sessions[:0:0]
	for _, entry := range reg.Sessions {
		switch {
		case entry.ID == "":
			s.logger.Warn("dropping session entry without id")
		case !entry.Mode.IsValid():
			s.logger.Warn("dropping session entry with unknown mode", "session", entry.ID, "mode", entry.Mode)
		case entry.Status != session.StatusOpen && entry.Status != session.StatusClosed:
			s.logger.Warn("dropping session entry with unknown status", "session", entry.ID, "status", entry.Status)
		default:
			kept = append(kept, entry)
		}
	}
	reg.Sessions = kept
}

// Save writes the registry to disk atomically.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on path+".lock"
//  3. Copy current file to path+".bak" (ignored if no current file)
//  4. Marshal registry as indented JSON
//  5. Write to a unique path+".<pid>.<nanos>.tmp" with 0600 permissions
//  6. Fsync the temp file
//  7. Rename the temp file -> path
//  8. Release flock
//  9. Release mutex
func (s *FileRegistryStore) Save(reg *Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg.UpdatedAt = time.Now().UTC()
	if reg.Version == "" {
		reg.Version = "1"
	}
	if reg.Sessions == nil {
		reg.Sessions = []session.Session{}
	}

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	if currentData, readErr := os.ReadFile(s.path); readErr == nil {
		bakPath := s.path + ".bak"
		if writeErr := os.WriteFile(bakPath, currentData, 0o600); writeErr != nil {
			s.logger.Warn("failed to create backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session registry: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	if err := os.Chmod(s.path, 0o600); err != nil {
		s.logger.Warn("failed to set permissions on session registry", "error", err)
	}

	s.logger.Debug("session registry saved", "path", s.path, "sessions", len(reg.Sessions))
	return nil
}

// ReplaceSessions overwrites the registry's session list and saves it.
func (s *FileRegistryStore) ReplaceSessions(sessions []session.Session) error {
	reg, err := s.Load()
	if err != nil {
		s.logger.Warn("replacing unreadable session registry", "error", err)
		reg = s.DefaultRegistry()
	}
	reg.Sessions = sessions
	return s.Save(reg)
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over the target path. On any error the temp file is cleaned up. The
// temp name carries pid and nanotime so a stale temp file left by a
// crashed writer can never be picked up or truncated mid-write.
func (s *FileRegistryStore) writeAtomic(data []byte) error {
	tmpPath := fmt.Sprintf("%s.%d.%d.tmp", s.path, os.Getpid(), time.Now().UnixNano())

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to registry: %w", err)
	}
	return nil
}

// DefaultRegistry returns an empty registry with version "1".
func (s *FileRegistryStore) DefaultRegistry() *Registry {
	now := time.Now().UTC()
	return &Registry{
		Version:   "1",
		Sessions:  []session.Session{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Exists returns true if the registry file exists on disk.
func (s *FileRegistryStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the configured file path.
func (s *FileRegistryStore) Path() string {
	return s.path
}
