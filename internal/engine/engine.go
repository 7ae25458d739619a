// Package engine performs the mutating half of synchronization. Every
// operation resolves the current sync status, applies the matching strategy,
// and commits the result through the watcher so the status view and the
// persisted base stay coherent. Nothing here resolves a conflict implicitly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/n8nkit/n8nsync/internal/n8n"
	"github.com/n8nkit/n8nsync/internal/watcher"
	"github.com/n8nkit/n8nsync/internal/workflow"
)

// ErrConflict is returned whenever a strategy would have to pick a winner.
// Callers resolve conflicts explicitly with ForcePull or ForcePush.
var ErrConflict = errors.New("sync conflict requires explicit resolution")

type Logger interface {
	Printf(format string, args ...any)
}

type Engine struct {
	client  n8n.Client
	watcher *watcher.Watcher
	logger  Logger
}

func New(client n8n.Client, w *watcher.Watcher, logger Logger) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if w == nil {
		return nil, fmt.Errorf("watcher is required")
	}
	return &Engine{client: client, watcher: w, logger: logger}, nil
}

// Pull reconciles one workflow in the remote-wins direction. Remote content
// and remote deletions are applied locally; local-side divergence is left
// untouched and conflicts are refused.
func (e *Engine) Pull(ctx context.Context, id string) error {
	snap, ok := e.watcher.SnapshotByID(id)
	if !ok {
		return fmt.Errorf("unknown workflow %s", id)
	}
	release := e.watcher.Acquire(id, snap.Filename)
	defer release()

	switch snap.Status {
	case watcher.ExistOnlyRemotely, watcher.ModifiedRemotely:
		return e.pullContent(ctx, id, snap.Filename)
	case watcher.DeletedRemotely:
		return e.acceptRemoteDeletion(ctx, id, snap.Filename)
	case watcher.Conflict:
		return fmt.Errorf("pull %s: %w", id, ErrConflict)
	default:
		// IN_SYNC needs nothing; local-side divergence belongs to push.
		return nil
	}
}

// Push reconciles one workflow in the local-wins direction. New and locally
// modified files are sent to the remote; remote-side divergence is left
// untouched and conflicts are refused. Local deletions are never pushed
// implicitly, DeleteRemote is the only path that removes remote records.
func (e *Engine) Push(ctx context.Context, filename string) error {
	snap, ok := e.watcher.SnapshotByFilename(filename)
	if !ok {
		return fmt.Errorf("unknown workflow file %s", filename)
	}
	release := e.watcher.Acquire(snap.WorkflowID, filename)
	defer release()

	switch snap.Status {
	case watcher.ExistOnlyLocally, watcher.ModifiedLocally:
		return e.pushContent(ctx, snap.WorkflowID, filename)
	case watcher.Conflict:
		return fmt.Errorf("push %s: %w", filename, ErrConflict)
	default:
		return nil
	}
}

// ForcePull overwrites the local file with the current remote content,
// regardless of status. This is one of the two explicit conflict resolutions.
func (e *Engine) ForcePull(ctx context.Context, id string) error {
	filename := e.watcher.FilenameForID(id)
	release := e.watcher.Acquire(id, filename)
	defer release()
	return e.pullContent(ctx, id, filename)
}

// ForcePush overwrites the remote record with the local file content,
// regardless of status. This is the other explicit conflict resolution.
func (e *Engine) ForcePush(ctx context.Context, filename string) error {
	id := e.watcher.IDForFilename(filename)
	release := e.watcher.Acquire(id, filename)
	defer release()
	return e.pushContent(ctx, id, filename)
}

// DeleteRemote propagates a local deletion to the remote service. It refuses
// to run unless an archive snapshot of the workflow exists, so a remote
// delete can always be undone from the archive. The base entry survives this
// call; dropping it is a second explicit step, ConfirmDeleted.
func (e *Engine) DeleteRemote(ctx context.Context, id string) error {
	filename := e.watcher.FilenameForID(id)
	if filename == "" {
		return fmt.Errorf("unknown workflow %s", id)
	}
	snapshot, err := workflow.LatestArchive(e.watcher.Dir(), filename)
	if err != nil {
		return err
	}
	if snapshot == "" {
		return fmt.Errorf("refusing to delete %s remotely: no archive snapshot for %s", id, filename)
	}
	release := e.watcher.Acquire(id, filename)
	defer release()
	if err := e.client.Delete(ctx, id); err != nil && !errors.Is(err, n8n.ErrNotFound) {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	return nil
}

// ConfirmDeleted acknowledges a deletion that is already complete on both
// sides and drops the remaining base entry.
func (e *Engine) ConfirmDeleted(id string) error {
	return e.watcher.RemoveState(id)
}

// RestoreFromArchive resurrects the most recent archive snapshot of a file
// back into the sync directory.
func (e *Engine) RestoreFromArchive(ctx context.Context, filename string) error {
	if _, err := workflow.RestoreArchive(e.watcher.Dir(), filename); err != nil {
		return err
	}
	e.watcher.Recheck(ctx, filename)
	return nil
}

// PullAll pulls every known workflow. Failures are isolated per workflow and
// collected; one conflict does not stop the sweep.
func (e *Engine) PullAll(ctx context.Context) error {
	var errs []error
	for _, snap := range e.watcher.Statuses() {
		if snap.WorkflowID == "" {
			continue
		}
		if err := e.Pull(ctx, snap.WorkflowID); err != nil {
			e.logf("pull %s: %v", snap.WorkflowID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PushAll pushes every known workflow file, with the same per-workflow
// failure isolation as PullAll.
func (e *Engine) PushAll(ctx context.Context) error {
	var errs []error
	for _, snap := range e.watcher.Statuses() {
		if snap.Filename == "" || snap.LocalHash == "" {
			continue
		}
		if err := e.Push(ctx, snap.Filename); err != nil {
			e.logf("push %s: %v", snap.Filename, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) pullContent(ctx context.Context, id, filename string) error {
	remote, err := e.client.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch workflow %s: %w", id, err)
	}
	if remote == nil {
		return fmt.Errorf("workflow %s does not exist remotely", id)
	}
	if filename == "" {
		filename = workflow.SafeFilename(remote.Name)
	}
	remote.ID = id
	if err := workflow.WriteLocal(filepath.Join(e.watcher.Dir(), filename), *remote); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	e.watcher.BindIdentity(id, filename)
	return e.watcher.FinalizeSync(ctx, id)
}

func (e *Engine) pushContent(ctx context.Context, id, filename string) error {
	local, err := workflow.ReadLocal(filepath.Join(e.watcher.Dir(), filename))
	if err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}
	oldID := local.ID
	if oldID == "" {
		oldID = id
	}
	updated, err := e.updateOrRecreate(ctx, oldID, *local)
	if err != nil {
		return err
	}
	if oldID != "" && oldID != updated.ID {
		if err := e.watcher.MigrateIdentity(oldID, updated.ID); err != nil {
			return err
		}
	}
	e.watcher.BindIdentity(updated.ID, filename)
	// The local file converges on the remote's post-write view so the next
	// hash comparison sees both sides identical.
	if err := workflow.WriteLocal(filepath.Join(e.watcher.Dir(), filename), *updated); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return e.watcher.FinalizeSync(ctx, updated.ID)
}

// updateOrRecreate updates a remote record, falling back to create when the
// record was deleted out-of-band. The caller migrates identity when the
// returned id differs from the requested one.
func (e *Engine) updateOrRecreate(ctx context.Context, id string, local workflow.Workflow) (*workflow.Workflow, error) {
	payload := workflow.NormalizeForPush(local)
	if id != "" {
		updated, err := e.client.Update(ctx, id, payload)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, n8n.ErrNotFound) {
			return nil, fmt.Errorf("update workflow %s: %w", id, err)
		}
		e.logf("workflow %s vanished remotely, recreating", id)
	}
	created, err := e.client.Create(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("create workflow %q: %w", local.Name, err)
	}
	return created, nil
}

// acceptRemoteDeletion archives the local file of a remotely deleted
// workflow. The base entry survives until ConfirmDeleted acknowledges the
// deletion on both sides, mirroring the local-deletion path.
func (e *Engine) acceptRemoteDeletion(ctx context.Context, id, filename string) error {
	if filename == "" {
		return nil
	}
	if _, err := workflow.MoveToArchive(e.watcher.Dir(), filename, time.Now()); err != nil {
		return fmt.Errorf("archive %s: %w", filename, err)
	}
	e.watcher.Recheck(ctx, filename)
	return nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
