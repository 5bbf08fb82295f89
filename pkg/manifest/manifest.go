// Package manifest persists the preprocessing manifest that binds every case
// to its tensor and inverse transform.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"segbench/internal/models"
	"segbench/pkg/artifact"
)

// Save validates m and publishes it atomically
func Save(path string, m *models.Manifest) error {
	if err := Validate(m); err != nil {
		return err
	}
	return artifact.WriteJSONAtomic(path, m)
}

// Load reads and validates a manifest. A missing file wraps
// models.ErrMissingArtifact.
func Load(path string) (*models.Manifest, error) {
	var m models.Manifest
	if err := artifact.ReadJSON(path, &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("manifest %s: %w", path, models.ErrMissingArtifact)
		}
		return nil, err
	}
	if err := Validate(&m); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the schema version and that entries are unique, sorted by
// case id, agree with the manifest shape and carry a crop box inside the
// original volume
func Validate(m *models.Manifest) error {
	if m.Version != models.ManifestVersion {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	for i, e := range m.Entries {
		if e.CaseID == "" {
			return fmt.Errorf("entry %d has no case id", i)
		}
		if i > 0 && m.Entries[i-1].CaseID >= e.CaseID {
			return fmt.Errorf("entries not in canonical order at %q", e.CaseID)
		}
		if e.Shape != m.Shape {
			return fmt.Errorf("case %s: shape %v differs from manifest shape %v", e.CaseID, e.Shape, m.Shape)
		}
		if e.TensorPath == "" {
			return fmt.Errorf("case %s: no tensor path", e.CaseID)
		}
		if inv := e.Inverse; !inv.Crop.Within(inv.OriginalShape) {
			return fmt.Errorf("case %s: crop box %v outside original shape %v", e.CaseID, inv.Crop, inv.OriginalShape)
		}
	}
	return nil
}

// Resolve returns p joined onto dir unless it is already absolute. Manifest
// paths are stored relative to the manifest directory.
func Resolve(dir, p string) string {
	if p == "" {
		return ""
	}
	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Rel returns path relative to dir in slash form, or path unchanged when no
// relative form exists
func Rel(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
