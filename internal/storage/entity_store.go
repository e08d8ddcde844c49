package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrEntityNotFound is returned when no row matches the requested id.
var ErrEntityNotFound = errors.New("entity not found")

// EntityStore is a file-mirrored CRUD collection for the schemaless
// operator entities (wallet summaries, central wallet states, scan
// settings, historical performance, market alerts, scanner stats). Rows are
// JSON objects keyed by "id".
type EntityStore struct {
	fs   *FileStore
	file string

	mu   sync.RWMutex
	rows []map[string]interface{}
}

func NewEntityStore(fs *FileStore, file string) (*EntityStore, error) {
	store := &EntityStore{fs: fs, file: file}
	if err := fs.Read(file, &store.rows); err != nil {
		return nil, err
	}
	if store.rows == nil {
		store.rows = []map[string]interface{}{}
	}
	return store, nil
}

// List returns a copy of all rows.
func (s *EntityStore) List() []map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]map[string]interface{}, len(s.rows))
	copy(out, s.rows)
	return out
}

// Filter returns rows whose fields equal every filter value.
func (s *EntityStore) Filter(filters map[string]interface{}) []map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []map[string]interface{}
	for _, row := range s.rows {
		match := true
		for k, want := range filters {
			if row[k] != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out
}

// Create inserts a row, assigning an id when absent, and rewrites the file.
func (s *EntityStore) Create(row map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := row["id"].(string); !ok {
		row["id"] = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, ok := row["created_date"]; !ok {
		row["created_date"] = now
	}
	row["updated_date"] = now

	s.rows = append(s.rows, row)
	if err := s.fs.Write(s.file, s.rows); err != nil {
		return nil, err
	}
	return row, nil
}

// Update merges patch fields into the row with the given id.
func (s *EntityStore) Update(id string, patch map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.rows {
		if row["id"] == id {
			for k, v := range patch {
				if k == "id" || k == "created_date" {
					continue
				}
				row[k] = v
			}
			row["updated_date"] = time.Now().UTC().Format(time.RFC3339)
			if err := s.fs.Write(s.file, s.rows); err != nil {
				return nil, err
			}
			return row, nil
		}
	}
	return nil, ErrEntityNotFound
}

// Delete removes the row with the given id.
func (s *EntityStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, row := range s.rows {
		if row["id"] == id {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return s.fs.Write(s.file, s.rows)
		}
	}
	return ErrEntityNotFound
}
