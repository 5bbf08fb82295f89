package models

// ManifestVersion is the current manifest schema version
const ManifestVersion = 1

// BBox is a half-open voxel box [Min, Max) in (D, H, W) order
type BBox struct {
	Min [3]int `json:"min"`
	Max [3]int `json:"max"`
}

// Extent returns the box size per axis
func (b BBox) Extent() [3]int {
	return [3]int{b.Max[0] - b.Min[0], b.Max[1] - b.Min[1], b.Max[2] - b.Min[2]}
}

// Empty reports whether the box has no voxels
func (b BBox) Empty() bool {
	e := b.Extent()
	return e[0] <= 0 || e[1] <= 0 || e[2] <= 0
}

// Within reports whether the box is non-empty and lies inside a volume of
// the given extent
func (b BBox) Within(shape [3]int) bool {
	if b.Empty() {
		return false
	}
	for i := range 3 {
		if b.Min[i] < 0 || b.Max[i] > shape[i] {
			return false
		}
	}
	return true
}

// InverseTransform records everything needed to map a tensor back onto the
// original case voxel grid
type InverseTransform struct {
	// OriginalShape is the case volume extent (D, H, W)
	OriginalShape [3]int `json:"original_shape"`

	// Crop is the region of the original volume that was kept
	Crop BBox `json:"crop"`

	// Scale is crop extent divided by tensor extent, per axis
	Scale [3]float64 `json:"scale"`

	// Spacing is the original voxel size in mm (x, y, z)
	Spacing Spacing `json:"spacing"`
}

// ManifestEntry binds one case to its preprocessed tensor
type ManifestEntry struct {
	CaseID       string           `json:"case_id"`
	TensorPath   string           `json:"tensor_path"`
	TensorSHA256 string           `json:"tensor_sha256"`
	Shape        [4]int           `json:"shape"`
	Channels     []string         `json:"channels"`
	Inverse      InverseTransform `json:"inverse"`
	LabelPath    string           `json:"label_path,omitempty"`
}

// Manifest is the persisted mapping from case id to preprocessing metadata.
// Entries are kept in traversal order.
type Manifest struct {
	Version  int             `json:"version"`
	Shape    [4]int          `json:"shape"`
	Channels []string        `json:"channels"`
	Entries  []ManifestEntry `json:"entries"`
}

// Lookup returns the entry for a case id
func (m *Manifest) Lookup(caseID string) (ManifestEntry, bool) {
	for _, e := range m.Entries {
		if e.CaseID == caseID {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// CaseIDs returns the case ids in traversal order
func (m *Manifest) CaseIDs() []string {
	ids := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		ids[i] = e.CaseID
	}
	return ids
}
