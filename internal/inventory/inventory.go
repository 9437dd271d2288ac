// Package inventory is the durable map of installed package name to its
// installed version, install path, and symlink set.
package inventory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Entry is one installed package's record.
type Entry struct {
	Version  string   `json:"version"`
	Path     string   `json:"path"`
	Symlinks []string `json:"symlinks"`
}

// Store is the JSON-backed inventory document. Loaded once on startup;
// an unparseable file is treated as empty (logged, not fatal). Every
// save acquires an exclusive advisory file lock for the duration of the
// write, so no two processes honoring the same convention interleave
// writes.
type Store struct {
	log  *slog.Logger
	path string
	mu   sync.Mutex
	data map[string]Entry
}

// Load reads the inventory document at path, or starts empty if it does
// not exist or fails to parse.
func Load(log *slog.Logger, path string) *Store {
	s := &Store{log: log, path: path, data: make(map[string]Entry)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read inventory file", slog.String("path", path), slog.Any("error", err))
		}
		return s
	}

	var data map[string]Entry
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Warn("inventory file is corrupt, resetting to empty", slog.String("path", path), slog.Any("error", err))
		return s
	}

	s.data = data
	return s
}

// Get returns the entry for name and whether it is present.
func (s *Store) Get(name string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[name]
	return e, ok
}

// Has reports whether name is present in the inventory.
func (s *Store) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// Names returns every installed package name.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.data))
	for name := range s.data {
		names = append(names, name)
	}
	return names
}

// Snapshot returns a copy of the full inventory map.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Entry, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Put records entry for name and persists the document under the file
// lock. Saves happen after every successful single-package install, not
// batched, so a partial run leaves a consistent inventory reflecting
// exactly what completed.
func (s *Store) Put(name string, entry Entry) error {
	s.mu.Lock()
	s.data[name] = entry
	s.mu.Unlock()
	return s.save()
}

// Remove deletes the entry for name, if present, and persists.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	delete(s.data, name)
	s.mu.Unlock()
	return s.save()
}

func (s *Store) save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.data, "", "    ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("inventory: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("inventory: create base directory: %w", err)
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("inventory: acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("inventory: write %s: %w", s.path, err)
	}
	return nil
}
