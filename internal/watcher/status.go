// Package watcher owns the observed view of the sync directory and the
// remote service: local and remote content hashes, id-to-filename maps, and
// the per-workflow sync status derived from a three-way comparison against
// the persisted base. It is the only component allowed to mutate those maps;
// the sync engine commits results back exclusively through FinalizeSync,
// MigrateIdentity and RemoveState.
package watcher

// SyncStatus classifies a workflow by comparing the local hash, the remote
// hash, and the last-synced base hash.
type SyncStatus string

const (
	ExistOnlyLocally  SyncStatus = "EXIST_ONLY_LOCALLY"
	ExistOnlyRemotely SyncStatus = "EXIST_ONLY_REMOTELY"
	InSync            SyncStatus = "IN_SYNC"
	ModifiedLocally   SyncStatus = "MODIFIED_LOCALLY"
	ModifiedRemotely  SyncStatus = "MODIFIED_REMOTELY"
	DeletedLocally    SyncStatus = "DELETED_LOCALLY"
	DeletedRemotely   SyncStatus = "DELETED_REMOTELY"
	Conflict          SyncStatus = "CONFLICT"
)

func (s SyncStatus) String() string {
	return string(s)
}

// StatusSnapshot is the computed, never-persisted status of one workflow.
type StatusSnapshot struct {
	Filename   string     `json:"filename,omitempty"`
	WorkflowID string     `json:"workflowId,omitempty"`
	LocalHash  string     `json:"localHash,omitempty"`
	RemoteHash string     `json:"remoteHash,omitempty"`
	Status     SyncStatus `json:"status"`
}

// DeriveStatus computes the sync status from the local, remote, and base
// hashes, where "" means absent. Deletion checks run before modification
// checks: a missing side whose counterpart still matches the base is
// unambiguous deletion evidence, not a mutation. Every hash combination maps
// to exactly one status; anything unreached falls back to CONFLICT.
func DeriveStatus(local, remote, base string) SyncStatus {
	switch {
	case local != "" && base == "" && remote == "":
		return ExistOnlyLocally
	case remote != "" && base == "" && local == "":
		return ExistOnlyRemotely
	case local != "" && remote != "" && local == remote:
		return InSync
	}
	if base != "" {
		if local == "" && remote == base {
			return DeletedLocally
		}
		if remote == "" && local == base {
			return DeletedRemotely
		}
		// Past the deletion rules an absent local still counts as modified
		// (a local deletion racing a remote change is never resolved
		// implicitly), but an absent remote does not: local edits over a
		// record deleted out-of-band stay MODIFIED_LOCALLY so an ordinary
		// push can recreate it. Both sides absent falls through.
		if local != "" || remote != "" {
			localModified := local != base
			remoteModified := remote != "" && remote != base
			switch {
			case localModified && remoteModified:
				return Conflict
			case localModified:
				return ModifiedLocally
			case remoteModified:
				return ModifiedRemotely
			}
		}
	}
	return Conflict
}

// Listener receives status changes and observation errors. Listeners are
// registered explicitly at construction or via Subscribe; there is no
// process-wide event bus.
type Listener interface {
	StatusChanged(StatusSnapshot)
	Error(err error)
}
