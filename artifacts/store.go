package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when no artifact exists for a contract name.
var ErrNotFound = errors.New("artifact not found")

// Store persists artifacts as one JSON file per contract under the
// project's build directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at <buildDir>/artifacts.
func NewStore(buildDir string) *Store {
	return &Store{dir: filepath.Join(buildDir, "artifacts")}
}

// Dir returns the directory artifacts are written to.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes an artifact, replacing any previous version.
func (s *Store) Save(a *Artifact) error {
	if a.ContractName == "" {
		return errors.New("artifact has no contract name")
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", a.ContractName, err)
	}
	if err := os.WriteFile(s.path(a.ContractName), data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", a.ContractName, err)
	}
	return nil
}

// Load reads the artifact for a contract name.
func (s *Store) Load(name string) (*Artifact, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", name, err)
	}
	return &a, nil
}

// Delete removes the artifact for a contract name. Deleting a missing
// artifact is not an error.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact %s: %w", name, err)
	}
	return nil
}

// List returns the names of all stored artifacts, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}
