package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const metaFileName = "meta.json"

// Meta is the node state that must survive restarts for election safety:
// granting a vote or advancing the term is only valid once it is on disk.
type Meta struct {
	NodeID      uint32 `json:"node_id"`
	CurrentTerm uint64 `json:"current_term"`
	VotedFor    uint32 `json:"voted_for"` // 0 = none this term
}

// MetaStore persists Meta as meta.json in the data directory, written
// atomically (temp file, fsync, rename, directory fsync).
type MetaStore struct {
	path string
}

// NewMetaStore returns a store rooted at dir.
func NewMetaStore(dir string) *MetaStore {
	return &MetaStore{path: filepath.Join(dir, metaFileName)}
}

// Load reads the persisted meta. A missing file yields a zero Meta.
func (s *MetaStore) Load() (Meta, error) {
	var m Meta
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, nil
		}
		return m, fmt.Errorf("cluster: read meta: %w", err)
	}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("cluster: decode meta: %w", err)
	}
	return m, nil
}

// Save durably writes meta. It must return before any vote response or
// term-dependent action that relies on the new values.
func (s *MetaStore) Save(m Meta) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("cluster: encode meta: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, metaFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("cluster: write meta: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("cluster: write meta: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("cluster: sync meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cluster: close meta: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("cluster: rename meta: %w", err)
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("cluster: open meta dir: %w", err)
	}
	defer func() { _ = dirFile.Close() }()
	if err := dirFile.Sync(); err != nil {
		return fmt.Errorf("cluster: sync meta dir: %w", err)
	}
	return nil
}
