package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Stage names a pipeline state. Order matters: each stage follows the
// one before it.
type Stage string

const (
	Raw               Stage = "RAW"
	Restructured      Stage = "RESTRUCTURED"
	Preprocessed      Stage = "PREPROCESSED"
	Inferred          Stage = "INFERRED"
	InferredPersisted Stage = "INFERRED+PERSISTED"
	Postprocessed     Stage = "POSTPROCESSED"
	Scored            Stage = "SCORED"
)

// MarkerFile is the per-directory stage completion flag
const MarkerFile = ".stage.json"

// ErrNoMarker is returned when a stage directory carries no marker
var ErrNoMarker = errors.New("stage marker not found")

// Marker records that a stage finished publishing its artifact set
type Marker struct {
	Stage       Stage     `json:"stage"`
	Fingerprint string    `json:"fingerprint"`
	Backend     string    `json:"backend,omitempty"`
	Mode        string    `json:"mode,omitempty"`
	Cases       int       `json:"cases"`
	Failed      int       `json:"failed"`
	CompletedAt time.Time `json:"completed_at"`
}

// MarkerPath returns the marker location inside a stage directory
func MarkerPath(dir string) string {
	return filepath.Join(dir, MarkerFile)
}

// WriteMarker atomically flags dir as complete
func WriteMarker(dir string, m Marker) error {
	if m.CompletedAt.IsZero() {
		m.CompletedAt = time.Now().UTC()
	}
	return WriteJSONAtomic(MarkerPath(dir), m)
}

// ReadMarker loads the marker of dir, returning ErrNoMarker when absent
func ReadMarker(dir string) (*Marker, error) {
	var m Marker
	if err := ReadJSON(MarkerPath(dir), &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoMarker
		}
		return nil, fmt.Errorf("read stage marker: %w", err)
	}
	return &m, nil
}

// ClearMarker invalidates dir before a stage rewrites it
func ClearMarker(dir string) error {
	err := os.Remove(MarkerPath(dir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear stage marker: %w", err)
	}
	return nil
}

// Complete reports whether dir holds a marker for stage whose fingerprint
// matches. An empty fingerprint matches any marker of that stage.
func Complete(dir string, stage Stage, fingerprint string) bool {
	m, err := ReadMarker(dir)
	if err != nil {
		return false
	}
	if m.Stage != stage {
		return false
	}
	return fingerprint == "" || m.Fingerprint == fingerprint
}

// Fingerprint derives a stable identifier from the given parts
func Fingerprint(parts ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
