package progress

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/featbit/vibeguild-sub001/internal/fsutil"
)

// ErrNotFound is returned when no progress record exists yet
var ErrNotFound = errors.New("progress record not found")

// Store reads and writes one task's progress document. Every call goes to
// disk; nothing is cached because the worker writes the same file.
type Store struct {
	path string
}

// NewStore returns a store for the document at path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the document location
func (s *Store) Path() string {
	return s.path
}

// Load reads the record from disk
func (s *Store) Load() (*Record, error) {
	var rec Record
	if err := fsutil.ReadJSON(s.path, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load progress record: %w", err)
	}
	return &rec, nil
}

// Exists reports whether a record is present
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Save writes the record atomically
func (s *Store) Save(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("cannot save nil progress record")
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := fsutil.AtomicWriteJSON(s.path, rec); err != nil {
		return fmt.Errorf("failed to save progress record: %w", err)
	}
	return nil
}

// Update loads the record (or seeds one with seed when absent), applies fn
// and saves the result. Passing a nil seed makes a missing record an error.
func (s *Store) Update(seed func() *Record, fn func(*Record) error) (*Record, error) {
	rec, err := s.Load()
	if errors.Is(err, ErrNotFound) && seed != nil {
		rec, err = seed(), nil
	}
	if err != nil {
		return nil, err
	}

	if err := fn(rec); err != nil {
		return nil, err
	}

	if err := s.Save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}
