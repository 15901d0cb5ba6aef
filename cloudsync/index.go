package cloudsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Index records which document ids were present on each side at the end of
// the previous sync. It lives at <dataset>/.ndi/sync/index.json and is the
// basis for diffing on the next run.
type Index struct {
	LocalDocIDsLastSync  []string `json:"local_doc_ids_last_sync"`
	RemoteDocIDsLastSync []string `json:"remote_doc_ids_last_sync"`
	LastSyncTimestamp    string   `json:"last_sync_timestamp"`
}

// IndexPath returns the canonical index location under a dataset root.
func IndexPath(datasetRoot string) string {
	return filepath.Join(datasetRoot, ".ndi", "sync", "index.json")
}

// LoadIndex reads the index at path; a missing file yields an empty index,
// since a first sync has nothing to diff against.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{}, nil
		}
		return nil, fmt.Errorf("failed to read sync index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse sync index: %w", err)
	}
	return &idx, nil
}

// Save writes the index atomically: full contents to a temporary sibling,
// fsync, rename.
func (idx *Index) Save(path string) error {
	idx.LastSyncTimestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create sync index directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create sync index: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write sync index: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync sync index: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move sync index into place: %w", err)
	}
	return nil
}

// idSet turns a slice into a membership set.
func idSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// subtract returns the members of a not in b, preserving a's order.
func subtract(a []string, b map[string]bool) []string {
	var out []string
	for _, id := range a {
		if !b[id] {
			out = append(out, id)
		}
	}
	return out
}

// union merges a and b, preserving first-seen order.
func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, id := range append(append([]string{}, a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
