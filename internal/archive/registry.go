package archive

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// Registry is the directory of published, validated modules.
type Registry struct {
	dir string
}

// NewRegistry opens the registry at dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Dir returns the registry directory.
func (r *Registry) Dir() string { return r.dir }

// Publish creates dir/name with src. It reports whether a new entry was
// written: identical content already in place is a no-op, different content
// fails with ErrRegistryWriteConflict.
func (r *Registry) Publish(name, src string) (bool, error) {
	if _, err := ParseArtifactName(name); err != nil {
		return false, err
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create registry directory: %w", err)
	}
	path := filepath.Join(r.dir, name)

	err := WriteFileOnce(path, []byte(src))
	if err == nil {
		logging.Registry("published %s", name)
		return true, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return false, err
	}

	existing, rerr := os.ReadFile(path)
	if rerr != nil {
		return false, fmt.Errorf("failed to read registry entry %s: %w", name, rerr)
	}
	if bytes.Equal(existing, []byte(src)) {
		logging.Get(logging.CategoryRegistry).Debug("%s already published with identical content", name)
		return false, nil
	}
	logging.RegistryWarn("refusing to overwrite %s", name)
	return false, fmt.Errorf("%w: %s exists with different content", types.ErrRegistryWriteConflict, name)
}

// Read returns the published source for name.
func (r *Registry) Read(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// List returns the parsed names of every published module, sorted.
func (r *Registry) List() ([]ArtifactName, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	var out []ArtifactName
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		a, err := ParseArtifactName(e.Name())
		if err != nil {
			logging.RegistryWarn("ignoring %s: %v", e.Name(), err)
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
