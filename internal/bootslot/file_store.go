package bootslot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// FileStore persists the config record as a small JSON file. This stands
// in for the reserved flash region a real bootloader reads: the record is
// tiny, rewritten rarely, and has no schema evolution concerns that would
// call for the config-file machinery internal/config uses for operator
// input, so plain encoding/json is the right tool here rather than
// gopkg.in/yaml.v2.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads and parses the record, or ErrNoRecord if path doesn't exist.
func (s *FileStore) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("bootslot: reading %s: %w", s.path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("bootslot: parsing %s: %w", s.path, err)
	}
	return &rec, nil
}

// Save writes rec to path.
func (s *FileStore) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("bootslot: encoding record: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("bootslot: writing %s: %w", s.path, err)
	}
	return nil
}
