// Package artifact persists everything a session produces: artifact
// files, the append-only step log, the sorted recordings index, the
// consolidated session metadata, and the visual-diff manifest/results.
// Append-only files receive exactly one line per logical event; whole
// files are replaced atomically, so readers never observe a torn write.
package artifact

import (
	"time"

	"github.com/opta-dev/opta-browser/internal/domain/action"
)

// SchemaVersion is the on-disk schema version for all JSON documents
// written by this package.
const SchemaVersion = 1

// Artifact kinds.
const (
	// KindMetadata is the consolidated session metadata document.
	KindMetadata = "metadata"
	// KindSnapshot is a page HTML snapshot.
	KindSnapshot = "snapshot"
	// KindScreenshot is a page screenshot image.
	KindScreenshot = "screenshot"
)

// Reserved subdirectories of the browser root that are not session
// directories and must be skipped by scans and pruning.
var ReservedDirs = map[string]bool{
	"profiles":        true,
	"canary-evidence": true,
	"run-corpus":      true,
}

// Metadata describes one artifact file owned by a session directory.
type Metadata struct {
	// ID is "<sessionId>:<actionId>:<kind>".
	ID string `json:"id"`
	// SessionID owns the artifact.
	SessionID string `json:"sessionId"`
	// ActionID is the action that produced the artifact.
	ActionID string `json:"actionId"`
	// Kind is metadata, snapshot, or screenshot.
	Kind string `json:"kind"`
	// CreatedAt is when the artifact was written (UTC).
	CreatedAt time.Time `json:"createdAt"`
	// RelativePath is the path below the session directory.
	RelativePath string `json:"relativePath"`
	// AbsolutePath is the resolved path on disk.
	AbsolutePath string `json:"absolutePath"`
	// MimeType is the artifact content type.
	MimeType string `json:"mimeType"`
	// SizeBytes is the artifact size.
	SizeBytes int64 `json:"sizeBytes"`
	// ContentHash is the xxhash64 digest of the content, hex-encoded.
	ContentHash string `json:"contentHash,omitempty"`
}

// StepRecord is one line of steps.jsonl: the durable trace of one action.
type StepRecord struct {
	// Sequence is 1..N, contiguous within the session.
	Sequence int `json:"sequence"`
	// SessionID owns the step.
	SessionID string `json:"sessionId"`
	// RunID groups sessions of one agent run.
	RunID string `json:"runId,omitempty"`
	// ActionID is the global action identifier.
	ActionID string `json:"actionId"`
	// ActionType is the kind of operation.
	ActionType string `json:"actionType"`
	// Timestamp is when the step was recorded (UTC).
	Timestamp time.Time `json:"timestamp"`
	// OK is false when the action failed.
	OK bool `json:"ok"`
	// Error is the structured failure, when OK is false.
	Error *action.Error `json:"error,omitempty"`
	// ArtifactIDs lists artifacts produced by this step.
	ArtifactIDs []string `json:"artifactIds"`
	// ArtifactPaths lists the artifact files produced by this step.
	ArtifactPaths []string `json:"artifactPaths"`
}

// RecordingEntry has the same shape as a StepRecord; recordings.json
// persists the entries as a sorted array for stable indexed access.
type RecordingEntry = StepRecord

// RecordingsIndex is the document stored at recordings.json.
type RecordingsIndex struct {
	SchemaVersion int              `json:"schemaVersion"`
	SessionID     string           `json:"sessionId"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	Recordings    []RecordingEntry `json:"recordings"`
}

// ManifestEntry is one line of visual-diff-manifest.jsonl, written as
// "pending" before the diff for the step is computed.
type ManifestEntry struct {
	SchemaVersion int       `json:"schemaVersion"`
	SessionID     string    `json:"sessionId"`
	RunID         string    `json:"runId,omitempty"`
	Sequence      int       `json:"sequence"`
	ActionID      string    `json:"actionId"`
	ActionType    string    `json:"actionType"`
	Timestamp     time.Time `json:"timestamp"`
	// Status is always "pending" in the manifest; results land in
	// visual-diff-results.jsonl.
	Status        string   `json:"status"`
	ArtifactIDs   []string `json:"artifactIds"`
	ArtifactPaths []string `json:"artifactPaths"`
}

// ManifestStatusPending is the only status a manifest entry carries.
const ManifestStatusPending = "pending"

// DiffResult is one line of visual-diff-results.jsonl: the computed
// comparison of two consecutive steps' screenshots.
type DiffResult struct {
	// Index is sequence-2: the first comparable pair has index 0.
	Index          int    `json:"index"`
	FromSequence   int    `json:"fromSequence"`
	FromActionID   string `json:"fromActionId"`
	FromActionType string `json:"fromActionType"`
	ToSequence     int    `json:"toSequence"`
	ToActionID     string `json:"toActionId"`
	ToActionType   string `json:"toActionType"`
	// FromScreenshotPath is empty when the earlier step had no screenshot.
	FromScreenshotPath string `json:"fromScreenshotPath,omitempty"`
	// ToScreenshotPath is empty when the later step had no screenshot.
	ToScreenshotPath string `json:"toScreenshotPath,omitempty"`
	// Status is changed, unchanged, or missing.
	Status string `json:"status"`
	// ChangedByteRatio is nil when status is missing.
	ChangedByteRatio *float64 `json:"changedByteRatio,omitempty"`
	// PerceptualDiffScore is nil when status is missing.
	PerceptualDiffScore *float64 `json:"perceptualDiffScore,omitempty"`
	// Severity is low, medium, or high.
	Severity string `json:"severity"`
	// RegressionScore is in [0,1].
	RegressionScore float64 `json:"regressionScore"`
	// RegressionSignal is none, investigate, or regression.
	RegressionSignal string `json:"regressionSignal"`
}

// SessionMetadata is the consolidated document stored at metadata.json.
type SessionMetadata struct {
	SchemaVersion int    `json:"schemaVersion"`
	SessionID     string `json:"sessionId"`
	RunID         string `json:"runId,omitempty"`
	Mode          string `json:"mode"`
	Status        string `json:"status"`
	Runtime       string `json:"runtime"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	CurrentURL    string    `json:"currentUrl,omitempty"`
	WSEndpoint    string    `json:"wsEndpoint,omitempty"`
	ProfileDir    string    `json:"profileDir,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	// Artifacts lists every artifact the session produced.
	Artifacts []Metadata `json:"artifacts"`
	// Actions lists every action issued against the session.
	Actions []action.Action `json:"actions"`
}

// ArtifactID builds the canonical artifact identifier.
func ArtifactID(sessionID, actionID, kind string) string {
	return sessionID + ":" + actionID + ":" + kind
}
