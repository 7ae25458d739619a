package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ReadLocal loads and validates a workflow file. The returned workflow is in
// storage-normalized shape plus whatever id the file carries.
func ReadLocal(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(data); err != nil {
		return nil, fmt.Errorf("invalid workflow file %s: %w", filepath.Base(path), err)
	}
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workflow file %s: %w", filepath.Base(path), err)
	}
	return &w, nil
}

// WriteLocal persists the storage-normalized form of a workflow, plus its id,
// atomically. The file content is exactly what the hasher sees, so a
// write-then-read round trip cannot change the hash.
func WriteLocal(path string, w Workflow) error {
	doc := NormalizeForStorage(w)
	if w.ID != "" {
		doc["id"] = w.ID
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'), 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// IsNotExist reports whether err means the workflow file is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
