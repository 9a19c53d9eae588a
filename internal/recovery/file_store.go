package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultFileName is the child ledger file name inside the state directory.
const DefaultFileName = "children.json"

// FileStore persists the child ledger as a JSON file. Writes go through
// a temp file and rename so a crash mid-write cannot leave a torn ledger.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore constructs a store at path.
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	return &FileStore{path: path}, nil
}

// DefaultPath returns the ledger location inside dir.
func DefaultPath(dir string) string {
	return filepath.Join(dir, DefaultFileName)
}

// Load reads the ledger. A missing file is an empty ledger.
func (s *FileStore) Load(_ context.Context) ([]Child, error) {
	if s == nil {
		return nil, errors.New("file store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read child ledger: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var children []Child
	if err := json.Unmarshal(raw, &children); err != nil {
		return nil, fmt.Errorf("parse child ledger %s: %w", s.path, err)
	}
	return children, nil
}

// Save replaces the ledger contents.
func (s *FileStore) Save(_ context.Context, children []Child) error {
	if s == nil {
		return errors.New("file store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if children == nil {
		children = []Child{}
	}
	payload, err := json.MarshalIndent(children, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal child ledger: %w", err)
	}
	payload = append(payload, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, DefaultFileName+".*")
	if err != nil {
		return fmt.Errorf("create ledger temp file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write child ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close ledger temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace child ledger: %w", err)
	}
	return nil
}

// Path returns the ledger file location.
func (s *FileStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}
