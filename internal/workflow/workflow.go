// Package workflow defines the workflow data model, the normalization rules
// applied before any comparison or transfer, and the canonical content hash
// that local files, remote fetches, and the persisted sync base all agree on.
package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Workflow is the shared representation of an n8n workflow. Node and
// connection payloads are kept as decoded JSON because their shape is owned
// by the remote service; only order matters to us.
type Workflow struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Active      bool           `json:"active"`
	Nodes       []any          `json:"nodes"`
	Connections map[string]any `json:"connections"`
	Settings    map[string]any `json:"settings,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	UpdatedAt   string         `json:"updatedAt,omitempty"`
}

// volatileSettingKeys are instance- or environment-specific settings that
// must never participate in content comparison or be pushed back verbatim.
var volatileSettingKeys = []string{
	"executionUrl",
	"availableInMCP",
	"callerPolicy",
	"saveDataErrorExecution",
	"saveDataSuccessExecution",
	"saveManualExecutions",
	"saveExecutionProgress",
	"executionOrder",
}

// NormalizeForStorage reduces a workflow to the fields that define its
// synced content: name, nodes, connections, non-volatile settings, tags and
// the active flag. The result is what gets hashed and written to disk.
func NormalizeForStorage(w Workflow) map[string]any {
	doc := normalizeCommon(w)
	doc["tags"] = sortedTags(w.Tags)
	doc["active"] = w.Active
	return doc
}

// NormalizeForPush is the payload sent on create/update. It deliberately
// omits active and tags: both are mutated through separate remote semantics
// and a blind content push must not overwrite them.
func NormalizeForPush(w Workflow) map[string]any {
	return normalizeCommon(w)
}

func normalizeCommon(w Workflow) map[string]any {
	nodes := w.Nodes
	if nodes == nil {
		nodes = []any{}
	}
	connections := w.Connections
	if connections == nil {
		connections = map[string]any{}
	}
	settings := map[string]any{}
	for key, value := range w.Settings {
		settings[key] = value
	}
	for _, key := range volatileSettingKeys {
		delete(settings, key)
	}
	return map[string]any{
		"name":        w.Name,
		"nodes":       nodes,
		"connections": connections,
		"settings":    settings,
	}
}

func sortedTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	out = append(out, tags...)
	sort.Strings(out)
	return out
}

// CanonicalHash returns the deterministic content fingerprint of a
// normalized document. encoding/json sorts map keys, so logically identical
// content hashes identically regardless of incidental field order; array
// order is preserved because node and connection order is semantic.
func CanonicalHash(doc map[string]any) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Hash is shorthand for CanonicalHash(NormalizeForStorage(w)).
func Hash(w Workflow) (string, error) {
	return CanonicalHash(NormalizeForStorage(w))
}

// SafeFilename derives the deterministic local filename for a workflow name:
// path separators and colons become underscores, internal whitespace is
// collapsed, the result is trimmed and suffixed with .json.
func SafeFilename(name string) string {
	replaced := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, name)
	collapsed := strings.Join(strings.Fields(replaced), " ")
	if collapsed == "" {
		// An empty stem would produce a hidden ".json" file, which the
		// watcher excludes from observation.
		collapsed = "untitled"
	}
	return collapsed + ".json"
}
