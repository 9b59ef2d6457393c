package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opta-dev/opta-browser/internal/adapter/outbound/approval"
	"github.com/opta-dev/opta-browser/internal/adapter/outbound/artifact"
	"github.com/opta-dev/opta-browser/internal/adapter/outbound/corpusindex"
	"github.com/opta-dev/opta-browser/internal/adapter/outbound/snapshot"
	"github.com/opta-dev/opta-browser/internal/adapter/outbound/state"
	"github.com/opta-dev/opta-browser/internal/domain/action"
	"github.com/opta-dev/opta-browser/internal/domain/corpus"
	"github.com/opta-dev/opta-browser/internal/domain/retry"
	"github.com/opta-dev/opta-browser/internal/domain/session"
	"github.com/opta-dev/opta-browser/internal/metrics"
	"github.com/opta-dev/opta-browser/internal/port/outbound"
)

// DaemonState is the daemon lifecycle state.
type DaemonState string

const (
	// DaemonStopped is the initial and final state.
	DaemonStopped DaemonState = "stopped"
	// DaemonRunning accepts all operations.
	DaemonRunning DaemonState = "running"
	// DaemonPaused rejects everything except closeSession.
	DaemonPaused DaemonState = "paused"
	// DaemonKilled is terminal: the abort handle has fired.
	DaemonKilled DaemonState = "killed"
)

// BrowserRoot is the directory under cwd owning all daemon files.
const BrowserRoot = ".opta/browser"

// DaemonOptions key the shared singleton: two option sets that differ
// force the previous daemon to be torn down.
type DaemonOptions struct {
	// Cwd is the working directory owning the .opta/browser tree.
	Cwd string
	// PersistSessions enables the crash-safe session registry.
	PersistSessions bool
	// PersistProfile enables profile retention pruning.
	PersistProfile bool
	// MaxSessions caps active plus pending sessions.
	MaxSessions int
	// ProfileMaxAge prunes profiles older than this (0 disables age pruning).
	ProfileMaxAge time.Duration
	// ProfileMaxCount keeps at most this many profiles (0 disables).
	ProfileMaxCount int
	// PruneArtifacts enables session artifact retention pruning.
	PruneArtifacts bool
	// ArtifactMaxAge prunes session dirs older than this (0 disables).
	ArtifactMaxAge time.Duration
	// ArtifactMaxCount keeps at most this many session dirs (0 disables).
	ArtifactMaxCount int
	// ApprovalMaxAge prunes approval events older than this (0 disables).
	ApprovalMaxAge time.Duration
	// ApprovalMaxEntries truncates the approval log (0 disables).
	ApprovalMaxEntries int
	// PruneInterval schedules periodic pruning and corpus refresh
	// (0 disables the timer).
	PruneInterval time.Duration
	// RunCorpusEnabled turns on corpus refresh and the sqlite index.
	RunCorpusEnabled bool
	// RunCorpusWindowHours bounds the corpus scan window.
	RunCorpusWindowHours int
	// SnapshotHistoryKeep bounds slugged snapshot history files.
	SnapshotHistoryKeep int
	// Headless is passed through to isolated session launches that do
	// not specify it.
	Headless bool
}

func (o DaemonOptions) withDefaults() DaemonOptions {
	if o.Cwd == "" {
		o.Cwd = "."
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = 4
	}
	if o.RunCorpusWindowHours <= 0 {
		o.RunCorpusWindowHours = 24
	}
	if o.SnapshotHistoryKeep <= 0 {
		o.SnapshotHistoryKeep = 20
	}
	return o
}

// CanaryEvidence is the health evidence document written to
// canary-evidence/ on startup, refresh, and stop.
type CanaryEvidence struct {
	GeneratedAt       time.Time   `json:"generatedAt"`
	Reason            string      `json:"reason"`
	State             DaemonState `json:"state"`
	OpenSessions      int         `json:"openSessions"`
	PendingOpens      int         `json:"pendingOpens"`
	RecoveredSessions []string    `json:"recoveredSessions,omitempty"`
	CorpusAssessed    int         `json:"corpusAssessed"`
	HintEscalate      bool        `json:"hintEscalate"`
	HintRationale     string      `json:"hintRationale,omitempty"`
}

// Health is the structured daemon snapshot.
type Health struct {
	State               DaemonState       `json:"state"`
	Sessions            []session.Session `json:"sessions"`
	PendingOpens        []string          `json:"pendingOpens,omitempty"`
	RecoveredSessionIDs []string          `json:"recoveredSessionIds,omitempty"`
	LastPruneAt         time.Time         `json:"lastPruneAt,omitzero"`
	LastPruneError      string            `json:"lastPruneError,omitempty"`
	LastCorpusRefreshAt time.Time         `json:"lastCorpusRefreshAt,omitzero"`
	LastCorpusError     string            `json:"lastCorpusError,omitempty"`
	Hint                corpus.Hint       `json:"hint"`
}

// Daemon is the single-writer orchestrator for one working directory.
// It owns the session map (through the manager), the session registry,
// retention pruning, and the run-corpus refresh.
type Daemon struct {
	opts      DaemonOptions
	manager   *Manager
	store     *artifact.Store
	registry  *state.FileRegistryStore
	approvals *approval.Log
	corpusSnp *snapshot.Writer
	canarySnp *snapshot.Writer
	corpusIdx *corpusindex.Index
	hintCfg   corpus.HintConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger

	abortCtx context.Context
	abort    context.CancelFunc

	corpusFlight singleflight.Group

	mu            sync.Mutex
	state         DaemonState
	pendingOpens  map[string]struct{}
	recovered     map[string]time.Time
	reg           *state.Registry
	hint          corpus.Hint
	lastPrune     time.Time
	lastPruneErr  string
	lastCorpus    time.Time
	lastCorpusErr string
	lastAssessed  int

	timerDone chan struct{}
	timerWG   sync.WaitGroup
}

// NewDaemon constructs a stopped daemon rooted at opts.Cwd.
func NewDaemon(opts DaemonOptions, driver outbound.Driver, m *metrics.Metrics, logger *slog.Logger) (*Daemon, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}

	root := filepath.Join(opts.Cwd, BrowserRoot)
	store, err := artifact.NewStore(root, logger)
	if err != nil {
		return nil, err
	}
	approvals, err := approval.NewLog(root, logger)
	if err != nil {
		return nil, err
	}
	corpusSnp, err := snapshot.NewWriter(filepath.Join(root, "run-corpus"), logger)
	if err != nil {
		return nil, err
	}
	canarySnp, err := snapshot.NewWriter(filepath.Join(root, "canary-evidence"), logger)
	if err != nil {
		return nil, err
	}

	var idx *corpusindex.Index
	if opts.RunCorpusEnabled {
		idx, err = corpusindex.Open(filepath.Join(root, "run-corpus", "corpus.db"))
		if err != nil {
			return nil, err
		}
	}

	abortCtx, abort := context.WithCancel(context.Background())
	hintCfg := corpus.DefaultHintConfig()
	hintCfg.Enabled = opts.RunCorpusEnabled

	d := &Daemon{
		opts:         opts,
		manager:      NewManager(driver, store, retry.NewClassifier(), logger, ManagerConfig{}),
		store:        store,
		registry:     state.NewFileRegistryStore(filepath.Join(root, "runtime-sessions.json"), logger),
		approvals:    approvals,
		corpusSnp:    corpusSnp,
		canarySnp:    canarySnp,
		corpusIdx:    idx,
		hintCfg:      hintCfg,
		metrics:      m,
		logger:       logger,
		abortCtx:     abortCtx,
		abort:        abort,
		state:        DaemonStopped,
		pendingOpens: make(map[string]struct{}),
		recovered:    make(map[string]time.Time),
	}
	return d, nil
}

// Options returns the daemon's effective options.
func (d *Daemon) Options() DaemonOptions { return d.opts }

// Approvals returns the approval log shared with the interceptor.
func (d *Daemon) Approvals() *approval.Log { return d.approvals }

// Store returns the artifact store.
func (d *Daemon) Store() *artifact.Store { return d.store }

// Session looks up a session descriptor by ID.
func (d *Daemon) Session(sessionID string) (session.Session, bool) {
	return d.manager.Lookup(sessionID)
}

// ExtendRetryTaxonomy appends extra failure-message patterns to a retry
// category. Call before the daemon starts serving: the classifier is
// not synchronized for concurrent extension.
func (d *Daemon) ExtendRetryTaxonomy(category retry.Category, patterns ...string) {
	d.manager.classifier.Extend(category, patterns...)
}

// Hint returns the adaptation hint derived from the last corpus refresh.
func (d *Daemon) Hint() corpus.Hint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hint
}

// Start brings the daemon to running. It is idempotent while running:
// a second call is a no-op. A killed daemon cannot be restarted.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case DaemonKilled:
		d.mu.Unlock()
		return fmt.Errorf("daemon has been killed")
	case DaemonRunning, DaemonPaused:
		d.mu.Unlock()
		return nil
	}
	d.state = DaemonRunning
	d.timerDone = make(chan struct{})
	done := d.timerDone
	d.mu.Unlock()

	if d.opts.PersistSessions {
		d.recoverSessions(ctx)
	}

	d.prune()
	if d.opts.RunCorpusEnabled {
		if _, err := d.RefreshCorpus(ctx, "start"); err != nil {
			d.logger.Warn("run-corpus refresh failed on start", "error", err)
		}
	}
	d.writeCanary("start")

	if d.opts.PruneInterval > 0 {
		d.timerWG.Add(1)
		go d.timerLoop(done)
	}

	d.logger.Info("daemon started", "cwd", d.opts.Cwd, "max_sessions", d.opts.MaxSessions)
	return nil
}

func (d *Daemon) timerLoop(done chan struct{}) {
	defer d.timerWG.Done()
	ticker := time.NewTicker(d.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			d.prune()
			if d.opts.RunCorpusEnabled {
				if _, err := d.RefreshCorpus(d.abortCtx, "interval"); err != nil {
					d.logger.Warn("run-corpus refresh failed", "error", err)
				}
			}
			d.writeCanary("interval")
		}
	}
}

// recoverSessions reopens the registry's open sessions, bounded by the
// session cap. Attach-mode recoveries are probed with a snapshot; a
// failed probe closes the session again, leaving its terminal failure
// in the timeline.
func (d *Daemon) recoverSessions(ctx context.Context) {
	reg, err := d.registry.Load()
	if err != nil {
		d.logger.Warn("session registry unreadable, starting empty", "error", err)
		reg = d.registry.DefaultRegistry()
	}
	d.mu.Lock()
	d.reg = reg
	d.mu.Unlock()

	for _, persisted := range reg.Open() {
		if d.manager.Count() >= d.opts.MaxSessions {
			d.logger.Warn("session cap reached during recovery", "skipped", persisted.ID)
			break
		}
		res := d.manager.OpenSession(ctx, action.Input{
			SessionID:  persisted.ID,
			RunID:      persisted.RunID,
			Mode:       string(persisted.Mode),
			WSEndpoint: persisted.WSEndpoint,
			ProfileDir: persisted.ProfileDir,
			Headless:   d.opts.Headless,
		})
		if !res.OK {
			d.logger.Warn("session recovery failed", "session", persisted.ID, "code", res.Error.Code)
			d.markClosed(persisted.ID, res.Error.Message)
			continue
		}

		if persisted.Mode == session.ModeAttach {
			probe := d.manager.Snapshot(ctx, action.Input{SessionID: persisted.ID})
			if !probe.OK {
				d.logger.Warn("recovery probe failed, closing session",
					"session", persisted.ID, "code", probe.Error.Code)
				d.manager.CloseSession(ctx, persisted.ID)
				d.markClosed(persisted.ID, probe.Error.Message)
				continue
			}
		}

		now := time.Now().UTC()
		d.mu.Lock()
		d.recovered[persisted.ID] = now
		if entry := d.reg.Find(persisted.ID); entry != nil {
			entry.RecoveredAt = now
		}
		d.mu.Unlock()
		d.logger.Info("session recovered", "session", persisted.ID, "mode", persisted.Mode)
	}
	d.persistRegistry()
}

// markClosed records a terminal state for a session in the registry.
func (d *Daemon) markClosed(sessionID, lastError string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reg == nil {
		return
	}
	if entry := d.reg.Find(sessionID); entry != nil {
		entry.Status = session.StatusClosed
		entry.Runtime = session.RuntimeUnavailable
		entry.LastError = lastError
		entry.UpdatedAt = time.Now().UTC()
	}
}

// Stop clears timers, optionally closes every session, persists the
// registry, refreshes the corpus, and transitions to stopped.
func (d *Daemon) Stop(ctx context.Context, closeSessions bool) error {
	d.mu.Lock()
	if d.state == DaemonStopped {
		d.mu.Unlock()
		return nil
	}
	wasKilled := d.state == DaemonKilled
	if d.timerDone != nil {
		close(d.timerDone)
		d.timerDone = nil
	}
	d.mu.Unlock()
	d.timerWG.Wait()

	if closeSessions {
		for _, s := range d.manager.Sessions() {
			res := d.manager.CloseSession(ctx, s.ID)
			if !res.OK {
				d.logger.Warn("close on stop failed", "session", s.ID, "code", res.Error.Code)
			}
		}
	}
	d.persistRegistry()

	if d.opts.RunCorpusEnabled {
		if _, err := d.RefreshCorpus(ctx, "stop"); err != nil {
			d.logger.Warn("run-corpus refresh failed on stop", "error", err)
		}
	}
	d.writeCanary("stop")

	d.mu.Lock()
	if !wasKilled {
		d.state = DaemonStopped
	}
	d.mu.Unlock()
	d.metrics.OpenSessions.Set(float64(d.manager.Count()))
	d.logger.Info("daemon stopped", "closed_sessions", closeSessions)
	return nil
}

// Pause rejects new work with DAEMON_PAUSED until Resume. Close is
// still permitted.
func (d *Daemon) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == DaemonRunning {
		d.state = DaemonPaused
	}
}

// Resume lifts a pause.
func (d *Daemon) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == DaemonPaused {
		d.state = DaemonRunning
	}
}

// Kill aborts all in-flight operations, closes every session, and
// leaves the daemon unusable.
func (d *Daemon) Kill(ctx context.Context) error {
	d.mu.Lock()
	if d.state == DaemonKilled {
		d.mu.Unlock()
		return nil
	}
	d.state = DaemonKilled
	d.mu.Unlock()

	d.abort()
	return d.Stop(ctx, true)
}

// Close releases long-lived handles (the corpus index). The daemon must
// be stopped first.
func (d *Daemon) Close() error {
	if d.corpusIdx != nil {
		return d.corpusIdx.Close()
	}
	return nil
}

// Prune applies the retention policies once, outside the periodic
// timer. Safe on a daemon that was never started.
func (d *Daemon) Prune() error {
	d.prune()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastPruneErr != "" {
		return errors.New(d.lastPruneErr)
	}
	return nil
}

// State returns the current lifecycle state.
func (d *Daemon) State() DaemonState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// HealthSnapshot returns the structured daemon health document.
func (d *Daemon) HealthSnapshot() Health {
	d.mu.Lock()
	pending := make([]string, 0, len(d.pendingOpens))
	for id := range d.pendingOpens {
		pending = append(pending, id)
	}
	recovered := make([]string, 0, len(d.recovered))
	for id := range d.recovered {
		recovered = append(recovered, id)
	}
	h := Health{
		State:               d.state,
		PendingOpens:        pending,
		RecoveredSessionIDs: recovered,
		LastPruneAt:         d.lastPrune,
		LastPruneError:      d.lastPruneErr,
		LastCorpusRefreshAt: d.lastCorpus,
		LastCorpusError:     d.lastCorpusErr,
		Hint:                d.hint,
	}
	d.mu.Unlock()

	sort.Strings(h.PendingOpens)
	sort.Strings(h.RecoveredSessionIDs)
	h.Sessions = d.manager.Sessions()
	d.mu.Lock()
	for i := range h.Sessions {
		if at, ok := d.recovered[h.Sessions[i].ID]; ok {
			h.Sessions[i].RecoveredAt = at
		}
	}
	d.mu.Unlock()
	return h
}

// gateOp rejects operations in non-running states. closing exempts
// closeSession from the pause gate.
func (d *Daemon) gateOp(closing bool) *action.Error {
	d.mu.Lock()
	st := d.state
	d.mu.Unlock()
	switch st {
	case DaemonStopped:
		return d.manager.actionError(action.CodeDaemonStopped, "daemon is stopped")
	case DaemonKilled:
		return d.manager.actionError(action.CodeDaemonStopped, "daemon has been killed")
	case DaemonPaused:
		if !closing {
			return d.manager.actionError(action.CodeDaemonPaused, "daemon is paused")
		}
	}
	return nil
}

// opCtx merges the caller's context with the daemon's abort handle so
// kill() cancels every in-flight driver call.
func (d *Daemon) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(d.abortCtx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// OpenSession opens a session through the manager, enforcing the
// session cap and the pending-open set.
func (d *Daemon) OpenSession(ctx context.Context, input action.Input) *action.Result {
	if gerr := d.gateOp(false); gerr != nil {
		return failure(d.manager.nextAction(input.SessionID, action.TypeOpenSession, input), gerr).Clone()
	}

	pendingKey := input.SessionID
	if pendingKey == "" {
		id, err := session.NewID()
		if err != nil {
			act := d.manager.nextAction("", action.TypeOpenSession, input)
			return failure(act, d.manager.actionError(action.CodeOpenSessionFailed, "generate session id: %v", err)).Clone()
		}
		pendingKey = id
		input.SessionID = id
	}

	d.mu.Lock()
	if _, opening := d.pendingOpens[pendingKey]; opening {
		d.mu.Unlock()
		act := d.manager.nextAction(pendingKey, action.TypeOpenSession, input)
		return failure(act, d.manager.actionError(action.CodeSessionOpening, "session %s is already opening", pendingKey)).Clone()
	}
	if d.manager.Count()+len(d.pendingOpens) >= d.opts.MaxSessions {
		d.mu.Unlock()
		act := d.manager.nextAction(pendingKey, action.TypeOpenSession, input)
		return failure(act, d.manager.actionError(action.CodeMaxSessions, "session cap %d reached", d.opts.MaxSessions)).Clone()
	}
	d.pendingOpens[pendingKey] = struct{}{}
	d.mu.Unlock()

	opCtx, cancel := d.opCtx(ctx)
	res := d.manager.OpenSession(opCtx, input)
	cancel()

	d.mu.Lock()
	delete(d.pendingOpens, pendingKey)
	d.mu.Unlock()

	d.afterOp(action.TypeOpenSession, res)
	return res.Clone()
}

// CloseSession closes a session. Permitted while paused.
func (d *Daemon) CloseSession(ctx context.Context, sessionID string) *action.Result {
	if gerr := d.gateOp(true); gerr != nil {
		input := action.Input{SessionID: sessionID}
		return failure(d.manager.nextAction(sessionID, action.TypeCloseSession, input), gerr).Clone()
	}
	opCtx, cancel := d.opCtx(ctx)
	res := d.manager.CloseSession(opCtx, sessionID)
	cancel()
	d.afterOp(action.TypeCloseSession, res)
	return res.Clone()
}

// Navigate drives a session to a URL.
func (d *Daemon) Navigate(ctx context.Context, input action.Input) *action.Result {
	return d.runOp(ctx, action.TypeNavigate, input, d.manager.Navigate)
}

// Click clicks an element in a session.
func (d *Daemon) Click(ctx context.Context, input action.Input) *action.Result {
	return d.runOp(ctx, action.TypeClick, input, d.manager.Click)
}

// Type fills text into an element in a session.
func (d *Daemon) Type(ctx context.Context, input action.Input) *action.Result {
	return d.runOp(ctx, action.TypeType, input, d.manager.Type)
}

// Snapshot captures the session page HTML.
func (d *Daemon) Snapshot(ctx context.Context, input action.Input) *action.Result {
	return d.runOp(ctx, action.TypeSnapshot, input, d.manager.Snapshot)
}

// Screenshot captures the session page as an image.
func (d *Daemon) Screenshot(ctx context.Context, input action.Input) *action.Result {
	return d.runOp(ctx, action.TypeScreenshot, input, d.manager.Screenshot)
}

func (d *Daemon) runOp(ctx context.Context, typ action.Type, input action.Input, op func(context.Context, action.Input) *action.Result) *action.Result {
	if gerr := d.gateOp(false); gerr != nil {
		return failure(d.manager.nextAction(input.SessionID, typ, input), gerr).Clone()
	}
	opCtx, cancel := d.opCtx(ctx)
	res := op(opCtx, input)
	cancel()
	d.afterOp(typ, res)
	return res.Clone()
}

// afterOp records metrics and persists the registry after a manager call.
func (d *Daemon) afterOp(typ action.Type, res *action.Result) {
	outcome := "ok"
	if !res.OK {
		outcome = "error"
	}
	d.metrics.ActionsTotal.WithLabelValues(typ.String(), outcome).Inc()
	d.metrics.OpenSessions.Set(float64(d.manager.Count()))
	d.persistRegistry()
}

// persistRegistry folds the manager's current sessions into the
// registry and saves it. Closed sessions keep their last snapshot.
func (d *Daemon) persistRegistry() {
	if !d.opts.PersistSessions {
		return
	}
	d.mu.Lock()
	if d.reg == nil {
		d.reg = d.registry.DefaultRegistry()
	}
	reg := d.reg
	live := make(map[string]bool)
	for _, s := range d.manager.Sessions() {
		if at, ok := d.recovered[s.ID]; ok {
			s.RecoveredAt = at
		}
		reg.Upsert(s)
		live[s.ID] = true
	}
	// Sessions that vanished from the manager were closed.
	for i := range reg.Sessions {
		if !live[reg.Sessions[i].ID] && reg.Sessions[i].Status == session.StatusOpen {
			reg.Sessions[i].Status = session.StatusClosed
			reg.Sessions[i].Runtime = session.RuntimeUnavailable
			reg.Sessions[i].UpdatedAt = time.Now().UTC()
		}
	}
	d.mu.Unlock()

	if err := d.registry.Save(reg); err != nil {
		d.logger.Error("session registry save failed", "error", err)
	}
}

// prune applies the retention policies to profiles, session artifact
// directories, and the approval log.
func (d *Daemon) prune() {
	active := make(map[string]bool)
	for _, s := range d.manager.Sessions() {
		active[s.ID] = true
	}
	d.mu.Lock()
	for id := range d.pendingOpens {
		active[id] = true
	}
	d.mu.Unlock()

	var firstErr error
	if d.opts.PersistProfile {
		removed, err := d.pruneChildren(filepath.Join(d.store.Root(), "profiles"), active,
			d.opts.ProfileMaxAge, d.opts.ProfileMaxCount)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if removed > 0 {
			d.metrics.PruneRemovalsTotal.WithLabelValues("profiles").Add(float64(removed))
		}
	}
	if d.opts.PruneArtifacts {
		removed, err := d.pruneSessionDirs(active)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if removed > 0 {
			d.metrics.PruneRemovalsTotal.WithLabelValues("artifacts").Add(float64(removed))
		}
	}
	if d.opts.ApprovalMaxAge > 0 || d.opts.ApprovalMaxEntries > 0 {
		removed, err := d.approvals.Prune(d.opts.ApprovalMaxAge, d.opts.ApprovalMaxEntries)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if removed > 0 {
			d.metrics.PruneRemovalsTotal.WithLabelValues("approval-log").Add(float64(removed))
		}
	}

	d.mu.Lock()
	d.lastPrune = time.Now().UTC()
	d.lastPruneErr = ""
	if firstErr != nil {
		d.lastPruneErr = firstErr.Error()
	}
	d.mu.Unlock()
}

// pruneChildren removes subdirectories of dir by age then count,
// oldest first, never touching excluded names.
func (d *Daemon) pruneChildren(dir string, exclude map[string]bool, maxAge time.Duration, maxCount int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}

	type child struct {
		name string
		mod  time.Time
	}
	var children []child
	for _, e := range entries {
		if !e.IsDir() || exclude[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		children = append(children, child{name: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].mod.Before(children[j].mod) })

	removed := 0
	remove := func(name string) {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			d.logger.Warn("prune failed", "dir", dir, "name", name, "error", err)
			return
		}
		removed++
	}

	kept := children[:0:0]
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge)
		for _, c := range children {
			if c.mod.Before(cutoff) {
				remove(c.name)
			} else {
				kept = append(kept, c)
			}
		}
	} else {
		kept = children
	}
	if maxCount > 0 && len(kept) > maxCount {
		for _, c := range kept[:len(kept)-maxCount] {
			remove(c.name)
		}
	}
	return removed, nil
}

// pruneSessionDirs applies retention to session artifact directories,
// skipping active sessions and reserved subdirectories.
func (d *Daemon) pruneSessionDirs(active map[string]bool) (int, error) {
	exclude := make(map[string]bool, len(active)+len(artifact.ReservedDirs))
	for id := range active {
		exclude[id] = true
	}
	for name := range artifact.ReservedDirs {
		exclude[name] = true
	}
	return d.pruneChildren(d.store.Root(), exclude, d.opts.ArtifactMaxAge, d.opts.ArtifactMaxCount)
}

func (d *Daemon) writeCanary(reason string) {
	d.mu.Lock()
	recovered := make([]string, 0, len(d.recovered))
	for id := range d.recovered {
		recovered = append(recovered, id)
	}
	sort.Strings(recovered)
	ev := CanaryEvidence{
		GeneratedAt:       time.Now().UTC(),
		Reason:            reason,
		State:             d.state,
		PendingOpens:      len(d.pendingOpens),
		RecoveredSessions: recovered,
		CorpusAssessed:    d.lastAssessed,
		HintEscalate:      d.hint.EscalateRisk,
		HintRationale:     d.hint.Rationale,
	}
	d.mu.Unlock()
	ev.OpenSessions = d.manager.Count()

	if _, err := d.canarySnp.Write(ev, ev.GeneratedAt); err != nil {
		d.logger.Warn("canary evidence write failed", "error", err)
		return
	}
	if _, err := d.canarySnp.Prune(d.opts.SnapshotHistoryKeep); err != nil {
		d.logger.Warn("canary evidence prune failed", "error", err)
	}
}
