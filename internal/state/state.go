// Package state persists the index-state file consumed by the external
// watcher and viewer: per-file content hashes, index timestamps, and
// the chunk ids each file produced.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	ragerr "github.com/coderag-io/coderag/internal/errors"
)

// FileState records one indexed file.
type FileState struct {
	FilePath      string   `json:"file_path"`
	ContentHash   string   `json:"content_hash"`
	LastIndexedAt string   `json:"last_indexed_at"` // RFC 3339
	ChunkIDs      []string `json:"chunk_ids"`
}

// IndexState maps file paths to their indexed state.
type IndexState map[string]*FileState

// Load reads the index-state file. A missing file yields an empty state.
func Load(path string) (IndexState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return IndexState{}, nil
		}
		return nil, ragerr.IndexError(ragerr.ErrCodeStateFile, fmt.Sprintf("read %s", path), err)
	}

	var st IndexState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, ragerr.IndexError(ragerr.ErrCodeStateFile, fmt.Sprintf("malformed state file %s", path), err)
	}
	return st, nil
}

// Save writes the state atomically.
func Save(path string, st IndexState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return ragerr.IndexError(ragerr.ErrCodeStateFile, "encode state", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ragerr.IndexError(ragerr.ErrCodeStateFile, fmt.Sprintf("write %s", tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return ragerr.IndexError(ragerr.ErrCodeStateFile, fmt.Sprintf("rename to %s", path), err)
	}
	return nil
}

// Record updates the state entry for filePath.
func (s IndexState) Record(filePath, contentHash string, chunkIDs []string, at time.Time) {
	s[filePath] = &FileState{
		FilePath:      filePath,
		ContentHash:   contentHash,
		LastIndexedAt: at.UTC().Format(time.RFC3339),
		ChunkIDs:      chunkIDs,
	}
}

// Forget removes the entry for filePath and returns the chunk ids it
// owned, for removal from the indices.
func (s IndexState) Forget(filePath string) []string {
	entry, ok := s[filePath]
	if !ok {
		return nil
	}
	delete(s, filePath)
	return entry.ChunkIDs
}
