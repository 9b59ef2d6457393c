package service

import (
	"strings"
	"time"

	"github.com/opta-dev/opta-browser/internal/adapter/outbound/artifact"
	"github.com/opta-dev/opta-browser/internal/domain/action"
	"github.com/opta-dev/opta-browser/internal/domain/visualdiff"
)

// recordStep appends one action outcome to the session's timeline. The
// four files stay consistent because all writes for a session run in
// FIFO order under its write chain:
//
//  1. metadata.json is rewritten with the new action and artifacts,
//  2. recordings.json is rewritten sorted by sequence,
//  3. the StepRecord is appended to steps.jsonl,
//  4. a pending entry is appended to the visual-diff manifest,
//  5. if a previous step exists, its screenshot pair is assessed and
//     the result appended to visual-diff-results.jsonl.
//
// Pass and fail both get a step; aerr is nil on success. A returned
// error means the filesystem write failed and the caller should surface
// it as the action's failure.
func (m *Manager) recordStep(ms *managedSession, act action.Action, aerr *action.Error, artifacts []artifact.Metadata) *action.Error {
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	// Descriptor fields are written under the map lock, so the metadata
	// rewrite works from a clone taken under it.
	m.mu.Lock()
	desc := *ms.session.Clone()
	m.mu.Unlock()

	ms.timelineSeq++
	seq := ms.timelineSeq

	ids := make([]string, 0, len(artifacts))
	paths := make([]string, 0, len(artifacts))
	for _, meta := range artifacts {
		ids = append(ids, meta.ID)
		paths = append(paths, meta.RelativePath)
	}

	rec := artifact.StepRecord{
		Sequence:      seq,
		SessionID:     desc.ID,
		RunID:         desc.RunID,
		ActionID:      act.ID,
		ActionType:    act.Type.String(),
		Timestamp:     time.Now().UTC(),
		OK:            aerr == nil,
		Error:         aerr.Clone(),
		ArtifactIDs:   ids,
		ArtifactPaths: paths,
	}

	ms.actions = append(ms.actions, act)
	ms.artifacts = append(ms.artifacts, artifacts...)
	ms.recordings = append(ms.recordings, rec)

	meta := artifact.SessionMetadata{
		SessionID:  desc.ID,
		RunID:      desc.RunID,
		Mode:       string(desc.Mode),
		Status:     string(desc.Status),
		Runtime:    string(desc.Runtime),
		CreatedAt:  desc.CreatedAt,
		UpdatedAt:  desc.UpdatedAt,
		CurrentURL: desc.CurrentURL,
		WSEndpoint: desc.WSEndpoint,
		ProfileDir: desc.ProfileDir,
		LastError:  desc.LastError,
		Artifacts:  append([]artifact.Metadata(nil), ms.artifacts...),
		Actions:    append([]action.Action(nil), ms.actions...),
	}
	if err := m.store.WriteSessionMetadata(meta); err != nil {
		return m.persistError(ms, err)
	}
	if err := m.store.WriteRecordings(desc.ID, ms.recordings); err != nil {
		return m.persistError(ms, err)
	}
	if err := m.store.AppendStep(rec); err != nil {
		return m.persistError(ms, err)
	}
	if err := m.store.AppendManifestEntry(artifact.ManifestEntry{
		SchemaVersion: artifact.SchemaVersion,
		SessionID:     desc.ID,
		RunID:         desc.RunID,
		Sequence:      seq,
		ActionID:      act.ID,
		ActionType:    act.Type.String(),
		Timestamp:     rec.Timestamp,
		Status:        artifact.ManifestStatusPending,
		ArtifactIDs:   ids,
		ArtifactPaths: paths,
	}); err != nil {
		return m.persistError(ms, err)
	}

	if seq >= 2 {
		if err := m.appendDiff(ms, seq); err != nil {
			return m.persistError(ms, err)
		}
	}
	return nil
}

func (m *Manager) persistError(ms *managedSession, err error) *action.Error {
	m.logger.Error("timeline write failed", "session", ms.session.ID, "error", err)
	return m.actionError(action.CodeRuntimeUnavailable, "timeline write failed: %v", err)
}

// appendDiff assesses the screenshot pair of steps seq-1 and seq and
// appends the result. Absent or unreadable screenshots grade as missing.
func (m *Manager) appendDiff(ms *managedSession, seq int) error {
	from := ms.recordings[seq-2]
	to := ms.recordings[seq-1]

	fromPath := latestScreenshotPath(ms.recordings, seq-1)
	toPath := latestScreenshotPath(ms.recordings, seq)

	var fromBytes, toBytes []byte
	if fromPath != "" {
		if data, err := m.store.ReadArtifact(ms.session.ID, fromPath); err == nil {
			fromBytes = data
		}
	}
	if toPath != "" {
		if data, err := m.store.ReadArtifact(ms.session.ID, toPath); err == nil {
			toBytes = data
		}
	}

	a := visualdiff.Assess(fromBytes, toBytes)
	return m.store.AppendDiffResult(ms.session.ID, artifact.DiffResult{
		Index:               seq - 2,
		FromSequence:        from.Sequence,
		FromActionID:        from.ActionID,
		FromActionType:      from.ActionType,
		ToSequence:          to.Sequence,
		ToActionID:          to.ActionID,
		ToActionType:        to.ActionType,
		FromScreenshotPath:  fromPath,
		ToScreenshotPath:    toPath,
		Status:              string(a.Status),
		ChangedByteRatio:    a.ChangedByteRatio,
		PerceptualDiffScore: a.PerceptualDiffScore,
		Severity:            string(a.Severity),
		RegressionScore:     a.RegressionScore,
		RegressionSignal:    string(a.Signal),
	})
}

// latestScreenshotPath returns the most recent screenshot artifact
// recorded at or before uptoSeq, or "".
func latestScreenshotPath(recordings []artifact.RecordingEntry, uptoSeq int) string {
	for i := len(recordings) - 1; i >= 0; i-- {
		rec := recordings[i]
		if rec.Sequence > uptoSeq {
			continue
		}
		for j := len(rec.ArtifactPaths) - 1; j >= 0; j-- {
			if strings.Contains(rec.ArtifactPaths[j], "-"+artifact.KindScreenshot+".") {
				return rec.ArtifactPaths[j]
			}
		}
	}
	return ""
}
