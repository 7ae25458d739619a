package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/n8nkit/n8nsync/internal/n8n"
	"github.com/n8nkit/n8nsync/internal/state"
	"github.com/n8nkit/n8nsync/internal/workflow"
)

const defaultDebounce = 500 * time.Millisecond

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// Dir is the sync directory holding <sanitizedName>.json files.
	Dir    string
	Client n8n.Client
	States *state.Store
	// PollInterval gates remote polling; 0 disables it (one-shot mode).
	PollInterval time.Duration
	// Debounce is the stability window for filesystem events.
	Debounce  time.Duration
	Logger    Logger
	Listeners []Listener
}

type guardState struct {
	paused     bool
	inProgress bool
}

// Watcher owns the in-memory hash maps and id/filename maps, refreshes them
// from filesystem events and remote polling, and derives per-workflow sync
// status. All map access goes through one mutex.
type Watcher struct {
	dir          string
	client       n8n.Client
	states       *state.Store
	pollInterval time.Duration
	debounce     time.Duration
	logger       Logger

	mu           sync.Mutex
	localHashes  map[string]string // filename -> hash
	fileToID     map[string]string // filename -> id ("" until assigned)
	idToFile     map[string]string // id -> claimed filename
	remoteHashes map[string]string // id -> hash
	remoteSeen   map[string]string // id -> updatedAt at last content fetch
	guards       map[string]guardState
	lastStatus   map[string]SyncStatus
	listeners    []Listener
	debouncers   map[string]*time.Timer

	runMu  sync.Mutex
	cancel context.CancelFunc
	fsw    *fsnotify.Watcher
	wg     sync.WaitGroup
}

func New(opts Options) (*Watcher, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("sync directory is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if opts.States == nil {
		return nil, fmt.Errorf("state store is required")
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	dir := filepath.Clean(opts.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Watcher{
		dir:          dir,
		client:       opts.Client,
		states:       opts.States,
		pollInterval: opts.PollInterval,
		debounce:     debounce,
		logger:       opts.Logger,
		localHashes:  map[string]string{},
		fileToID:     map[string]string{},
		idToFile:     map[string]string{},
		remoteHashes: map[string]string{},
		remoteSeen:   map[string]string{},
		guards:       map[string]guardState{},
		lastStatus:   map[string]SyncStatus{},
		listeners:    append([]Listener(nil), opts.Listeners...),
		debouncers:   map[string]*time.Timer{},
	}, nil
}

func (w *Watcher) Dir() string {
	return w.dir
}

func (w *Watcher) Subscribe(l Listener) {
	if l == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, l)
}

// Start begins filesystem observation and, when a poll interval is set,
// remote polling. The initial refresh runs synchronously so callers observe
// a populated status view once Start returns.
func (w *Watcher) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel != nil {
		return fmt.Errorf("watcher already started")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create filesystem watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	if err := w.RefreshAll(runCtx); err != nil {
		w.logf("initial refresh: %v", err)
	}
	w.wg.Add(1)
	go w.eventLoop(runCtx, fsw)
	if w.pollInterval > 0 {
		w.wg.Add(1)
		go w.pollLoop(runCtx)
	}
	return nil
}

// Stop halts observation and blocks until the loops exit.
func (w *Watcher) Stop() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.cancel = nil
	_ = w.fsw.Close()
	w.fsw = nil
	w.wg.Wait()
	w.mu.Lock()
	for key, timer := range w.debouncers {
		timer.Stop()
		delete(w.debouncers, key)
	}
	w.mu.Unlock()
}

// RefreshAll rescans the filesystem and the remote listing, then broadcasts
// any status changes.
func (w *Watcher) RefreshAll(ctx context.Context) error {
	if err := w.RefreshLocal(); err != nil {
		return err
	}
	if err := w.RefreshRemote(ctx); err != nil {
		return err
	}
	w.recomputeAndBroadcast(ctx)
	return nil
}

// RefreshLocal rebuilds the local hash map from the sync directory. Hidden
// files and the archive subfolder are excluded; files that fail validation
// are skipped for this cycle and logged.
func (w *Watcher) RefreshLocal() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	local := map[string]string{}
	ids := map[string]string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		wf, err := workflow.ReadLocal(filepath.Join(w.dir, name))
		if err != nil {
			w.logf("skipping %s: %v", name, err)
			continue
		}
		hash, err := workflow.Hash(*wf)
		if err != nil {
			w.logf("skipping %s: %v", name, err)
			continue
		}
		local[name] = hash
		if wf.ID != "" {
			ids[name] = wf.ID
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.localHashes = local
	w.fileToID = map[string]string{}
	for name := range local {
		w.fileToID[name] = ids[name]
	}
	for name, id := range ids {
		w.idToFile[id] = name
	}
	return nil
}

// RefreshRemote refreshes the remote hash map from a lightweight listing.
// Content is re-fetched only for workflows whose updatedAt moved. Active
// workflows are processed first so they win filename collisions. Per-workflow
// fetch failures are isolated; only the listing itself is fatal.
func (w *Watcher) RefreshRemote(ctx context.Context) error {
	summaries, err := w.client.List(ctx)
	if err != nil {
		return err
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].Active != summaries[j].Active {
			return summaries[i].Active
		}
		return summaries[i].Name < summaries[j].Name
	})
	seen := map[string]bool{}
	for _, summary := range summaries {
		seen[summary.ID] = true
		w.mu.Lock()
		guarded := w.guardedLocked(summary.ID)
		cached := w.remoteSeen[summary.ID]
		_, haveHash := w.remoteHashes[summary.ID]
		w.mu.Unlock()
		if guarded {
			continue
		}
		if haveHash && cached == summary.UpdatedAt {
			w.claimFilename(summary.ID, summary.Name)
			continue
		}
		wf, err := w.client.Get(ctx, summary.ID)
		if err != nil {
			w.logf("fetch workflow %s: %v", summary.ID, err)
			w.notifyError(err)
			continue
		}
		if wf == nil {
			// Deleted between list and get.
			continue
		}
		hash, err := workflow.Hash(*wf)
		if err != nil {
			w.logf("hash workflow %s: %v", summary.ID, err)
			continue
		}
		w.mu.Lock()
		w.remoteHashes[summary.ID] = hash
		w.remoteSeen[summary.ID] = summary.UpdatedAt
		w.mu.Unlock()
		w.claimFilename(summary.ID, summary.Name)
	}
	w.mu.Lock()
	for id := range w.remoteHashes {
		if !seen[id] && !w.guardedLocked(id) {
			delete(w.remoteHashes, id)
			delete(w.remoteSeen, id)
		}
	}
	w.mu.Unlock()
	return nil
}

// claimFilename assigns the derived filename to an id unless another
// workflow already claimed it; the first claim wins.
func (w *Watcher) claimFilename(id, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.idToFile[id] != "" {
		return
	}
	candidate := workflow.SafeFilename(name)
	for otherID, claimed := range w.idToFile {
		if claimed == candidate && otherID != id {
			return
		}
	}
	if owner, ok := w.fileToID[candidate]; ok && owner != "" && owner != id {
		return
	}
	w.idToFile[id] = candidate
}

// Pause suppresses observation for a workflow id.
func (w *Watcher) Pause(key string) {
	w.setGuard(key, func(g *guardState) { g.paused = true })
}

func (w *Watcher) Resume(key string) {
	w.setGuard(key, func(g *guardState) { g.paused = false })
}

// BeginSync marks a workflow as being mutated by the sync engine so its own
// writes do not re-trigger observation.
func (w *Watcher) BeginSync(key string) {
	w.setGuard(key, func(g *guardState) { g.inProgress = true })
}

func (w *Watcher) EndSync(key string) {
	w.setGuard(key, func(g *guardState) { g.inProgress = false })
}

// Acquire applies both guards to the id and filename and returns an
// idempotent release. Callers must release even on failure.
func (w *Watcher) Acquire(id, filename string) func() {
	keys := make([]string, 0, 2)
	if id != "" {
		keys = append(keys, id)
	}
	if filename != "" && filename != id {
		keys = append(keys, filename)
	}
	w.mu.Lock()
	for _, key := range keys {
		w.guards[key] = guardState{paused: true, inProgress: true}
	}
	w.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			for _, key := range keys {
				delete(w.guards, key)
			}
			w.mu.Unlock()
		})
	}
}

func (w *Watcher) setGuard(key string, mutate func(*guardState)) {
	if key == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	g := w.guards[key]
	mutate(&g)
	if !g.paused && !g.inProgress {
		delete(w.guards, key)
		return
	}
	w.guards[key] = g
}

func (w *Watcher) guardedLocked(keys ...string) bool {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if g, ok := w.guards[key]; ok && (g.paused || g.inProgress) {
			return true
		}
	}
	return false
}

// FinalizeSync commits the result of a successful mutating operation:
// both hashes are recomputed (equal by construction), the new base is
// persisted, and the resulting status is broadcast: IN_SYNC unless the
// remote moved again in the meantime.
func (w *Watcher) FinalizeSync(ctx context.Context, id string) error {
	w.mu.Lock()
	filename := w.idToFile[id]
	w.mu.Unlock()
	if filename == "" {
		return fmt.Errorf("no local filename mapped for workflow %s", id)
	}
	wf, err := workflow.ReadLocal(filepath.Join(w.dir, filename))
	if err != nil {
		return fmt.Errorf("finalize %s: %w", id, err)
	}
	localHash, err := workflow.Hash(*wf)
	if err != nil {
		return err
	}
	remote, err := w.client.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", id, err)
	}
	if remote == nil {
		return fmt.Errorf("finalize %s: workflow missing remotely", id)
	}
	remoteHash, err := workflow.Hash(*remote)
	if err != nil {
		return err
	}
	status := InSync
	if localHash != remoteHash {
		// The remote moved between the engine's write and this fetch;
		// report the drift instead of a false IN_SYNC.
		w.logf("finalize %s: local and remote hashes diverged immediately after sync", id)
		status = DeriveStatus(localHash, remoteHash, localHash)
	}
	w.mu.Lock()
	w.localHashes[filename] = localHash
	w.remoteHashes[id] = remoteHash
	w.remoteSeen[id] = remote.UpdatedAt
	w.fileToID[filename] = id
	w.idToFile[id] = filename
	w.lastStatus[filename] = status
	w.mu.Unlock()
	if err := w.states.SetBase(id, localHash, time.Now()); err != nil {
		return err
	}
	w.notifyStatus(StatusSnapshot{
		Filename:   filename,
		WorkflowID: id,
		LocalHash:  localHash,
		RemoteHash: remoteHash,
		Status:     status,
	})
	return nil
}

// BindIdentity records the id-to-filename mapping for a workflow that just
// received its remote id, so a following FinalizeSync can resolve the file.
func (w *Watcher) BindIdentity(id, filename string) {
	if id == "" || filename == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.idToFile[id] = filename
	w.fileToID[filename] = id
}

// MigrateIdentity rebinds every in-memory map and the persisted base entry
// from oldID to newID. Used by the create fallback when an update hits a
// record that was deleted out-of-band.
func (w *Watcher) MigrateIdentity(oldID, newID string) error {
	if oldID == "" || newID == "" || oldID == newID {
		return nil
	}
	w.mu.Lock()
	if hash, ok := w.remoteHashes[oldID]; ok {
		w.remoteHashes[newID] = hash
		delete(w.remoteHashes, oldID)
	}
	if seen, ok := w.remoteSeen[oldID]; ok {
		w.remoteSeen[newID] = seen
		delete(w.remoteSeen, oldID)
	}
	if filename, ok := w.idToFile[oldID]; ok {
		w.idToFile[newID] = filename
		delete(w.idToFile, oldID)
		if w.fileToID[filename] == oldID {
			w.fileToID[filename] = newID
		}
	}
	if g, ok := w.guards[oldID]; ok {
		w.guards[newID] = g
		delete(w.guards, oldID)
	}
	delete(w.lastStatus, oldID)
	w.mu.Unlock()
	return w.states.Migrate(oldID, newID)
}

// RemoveState drops every trace of a workflow id once its deletion has been
// explicitly confirmed on both sides.
func (w *Watcher) RemoveState(id string) error {
	w.mu.Lock()
	delete(w.remoteHashes, id)
	delete(w.remoteSeen, id)
	if filename, ok := w.idToFile[id]; ok {
		delete(w.idToFile, id)
		if w.fileToID[filename] == id {
			delete(w.fileToID, filename)
		}
		delete(w.lastStatus, filename)
	}
	delete(w.lastStatus, id)
	w.mu.Unlock()
	return w.states.Remove(id)
}

// Recheck re-reads one local file and recomputes statuses. The sync engine
// calls it after mutations that do not end in a finalize (archives,
// restores), since its own change events were dropped by the guard.
func (w *Watcher) Recheck(ctx context.Context, filename string) {
	w.processLocalChange(ctx, filename, true)
}

func (w *Watcher) FilenameForID(id string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.idToFile[id]
}

func (w *Watcher) IDForFilename(filename string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.idOfLocked(filename)
}

func (w *Watcher) idOfLocked(filename string) string {
	if id := w.fileToID[filename]; id != "" {
		return id
	}
	for id, claimed := range w.idToFile {
		if claimed == filename {
			return id
		}
	}
	return ""
}

// Statuses returns the current snapshot for every known workflow, sorted by
// filename. It is a pure view: no events fire and no archive side effects
// run.
func (w *Watcher) Statuses() []StatusSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotsLocked()
}

func (w *Watcher) SnapshotByFilename(filename string) (StatusSnapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, snap := range w.snapshotsLocked() {
		if snap.Filename == filename {
			return snap, true
		}
	}
	return StatusSnapshot{}, false
}

func (w *Watcher) SnapshotByID(id string) (StatusSnapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, snap := range w.snapshotsLocked() {
		if snap.WorkflowID == id {
			return snap, true
		}
	}
	return StatusSnapshot{}, false
}

type pairKey struct {
	filename string
	id       string
}

func (w *Watcher) snapshotsLocked() []StatusSnapshot {
	pairs := map[pairKey]bool{}
	ordered := make([]pairKey, 0, len(w.localHashes)+len(w.remoteHashes))
	add := func(filename, id string) {
		key := pairKey{filename: filename, id: id}
		if pairs[key] {
			return
		}
		pairs[key] = true
		ordered = append(ordered, key)
	}
	for filename := range w.localHashes {
		add(filename, w.idOfLocked(filename))
	}
	for id := range w.remoteHashes {
		add(w.idToFile[id], id)
	}
	for _, id := range w.states.IDs() {
		add(w.idToFile[id], id)
	}
	snapshots := make([]StatusSnapshot, 0, len(ordered))
	for _, pair := range ordered {
		snapshots = append(snapshots, w.deriveLocked(pair))
	}
	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].Filename != snapshots[j].Filename {
			return snapshots[i].Filename < snapshots[j].Filename
		}
		return snapshots[i].WorkflowID < snapshots[j].WorkflowID
	})
	return snapshots
}

func (w *Watcher) deriveLocked(pair pairKey) StatusSnapshot {
	local := ""
	if pair.filename != "" {
		local = w.localHashes[pair.filename]
	}
	remote := ""
	base := ""
	if pair.id != "" {
		remote = w.remoteHashes[pair.id]
		base, _ = w.states.BaseHash(pair.id)
	}
	return StatusSnapshot{
		Filename:   pair.filename,
		WorkflowID: pair.id,
		LocalHash:  local,
		RemoteHash: remote,
		Status:     DeriveStatus(local, remote, base),
	}
}

// recomputeAndBroadcast derives statuses, snapshots remote content to the
// archive for workflows that just transitioned into DELETED_LOCALLY (the
// deletion safety net runs before anything else can act), and notifies
// listeners about changes.
func (w *Watcher) recomputeAndBroadcast(ctx context.Context) {
	w.mu.Lock()
	snapshots := w.snapshotsLocked()
	current := map[string]bool{}
	var changed []StatusSnapshot
	var toArchive []StatusSnapshot
	for _, snap := range snapshots {
		key := snap.Filename
		if key == "" {
			key = snap.WorkflowID
		}
		current[key] = true
		prev, known := w.lastStatus[key]
		if known && prev == snap.Status {
			continue
		}
		if snap.Status == DeletedLocally && prev != DeletedLocally {
			toArchive = append(toArchive, snap)
		}
		w.lastStatus[key] = snap.Status
		changed = append(changed, snap)
	}
	for key := range w.lastStatus {
		if !current[key] {
			delete(w.lastStatus, key)
		}
	}
	w.mu.Unlock()

	for _, snap := range toArchive {
		w.archiveRemoteSnapshot(ctx, snap)
	}
	for _, snap := range changed {
		w.notifyStatus(snap)
	}
}

// archiveRemoteSnapshot writes the current remote content of a workflow into
// the archive folder. It is the safety net for local deletions and runs
// independent of any later confirmation.
func (w *Watcher) archiveRemoteSnapshot(ctx context.Context, snap StatusSnapshot) {
	if snap.WorkflowID == "" {
		return
	}
	remote, err := w.client.Get(ctx, snap.WorkflowID)
	if err != nil {
		w.notifyError(fmt.Errorf("archive snapshot of %s: %w", snap.WorkflowID, err))
		return
	}
	if remote == nil {
		return
	}
	filename := snap.Filename
	if filename == "" {
		filename = workflow.SafeFilename(remote.Name)
	}
	doc := workflow.NormalizeForStorage(*remote)
	doc["id"] = snap.WorkflowID
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		w.notifyError(err)
		return
	}
	if _, err := workflow.WriteArchive(w.dir, filename, append(data, '\n'), time.Now()); err != nil {
		w.notifyError(fmt.Errorf("archive snapshot of %s: %w", snap.WorkflowID, err))
	}
}

func (w *Watcher) eventLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ctx, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.notifyError(err)
		}
	}
}

func (w *Watcher) handleFSEvent(ctx context.Context, event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	w.mu.Lock()
	if timer, ok := w.debouncers[name]; ok {
		timer.Reset(w.debounce)
		w.mu.Unlock()
		return
	}
	w.debouncers[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debouncers, name)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.processLocalChange(ctx, name, false)
	})
	w.mu.Unlock()
}

// processLocalChange re-reads one file and recomputes. Events for guarded
// workflows are dropped unless forced by an explicit Recheck.
func (w *Watcher) processLocalChange(ctx context.Context, filename string, force bool) {
	w.mu.Lock()
	id := w.idOfLocked(filename)
	guarded := w.guardedLocked(id, filename)
	w.mu.Unlock()
	if guarded && !force {
		return
	}
	wf, err := workflow.ReadLocal(filepath.Join(w.dir, filename))
	if err != nil {
		if workflow.IsNotExist(err) {
			w.mu.Lock()
			delete(w.localHashes, filename)
			w.mu.Unlock()
			w.recomputeAndBroadcast(ctx)
			return
		}
		w.logf("skipping %s: %v", filename, err)
		return
	}
	hash, err := workflow.Hash(*wf)
	if err != nil {
		w.logf("skipping %s: %v", filename, err)
		return
	}
	w.mu.Lock()
	w.localHashes[filename] = hash
	if wf.ID != "" {
		w.fileToID[filename] = wf.ID
		w.idToFile[wf.ID] = filename
	} else if _, ok := w.fileToID[filename]; !ok {
		w.fileToID[filename] = ""
	}
	w.mu.Unlock()
	w.recomputeAndBroadcast(ctx)
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RefreshRemote(ctx); err != nil {
				// Transient remote failures are logged and retried on
				// the next cycle; state is preserved.
				w.logf("remote poll: %v", err)
				w.notifyError(err)
				continue
			}
			w.recomputeAndBroadcast(ctx)
		}
	}
}

func (w *Watcher) notifyStatus(snap StatusSnapshot) {
	for _, l := range w.listenersCopy() {
		l.StatusChanged(snap)
	}
}

func (w *Watcher) notifyError(err error) {
	if err == nil {
		return
	}
	for _, l := range w.listenersCopy() {
		l.Error(err)
	}
}

func (w *Watcher) listenersCopy() []Listener {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Listener(nil), w.listeners...)
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
