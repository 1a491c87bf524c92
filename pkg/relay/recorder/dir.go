package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirStore writes artifacts to <root>/<session_id>/<name>.json.
type DirStore struct {
	root string
}

func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

func (s *DirStore) Save(_ context.Context, sessionID, name string, payload []byte) error {
	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	path := filepath.Join(dir, name+".json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

func (s *DirStore) Close() error {
	return nil
}
