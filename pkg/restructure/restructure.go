// Package restructure converts a raw BraTS-style dataset into the canonical
// layout every later stage reads: one volume per case and modality under
// imagesTr/ and contiguous labels under labelsTr/.
package restructure

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"segbench/internal/logging"
	"segbench/internal/models"
	"segbench/pkg/artifact"
	"segbench/pkg/config"
	"segbench/pkg/manifest"
	"segbench/pkg/nifti"
)

// LabelMap converts BraTS labels (1 necrosis, 2 edema, 4 enhancing) into the
// contiguous labels used for scoring
var LabelMap = map[uint8]uint8{0: 0, 1: 2, 2: 1, 4: 3}

// DatasetFile is the dataset description written next to imagesTr/
const DatasetFile = "dataset.json"

// Dataset is the persisted list of canonical cases. Paths are relative to
// the restructured directory.
type Dataset struct {
	Name       string            `json:"name"`
	Modalities map[string]string `json:"modality"`
	Labels     map[string]string `json:"labels"`
	NumCases   int               `json:"numTraining"`
	Cases      []models.Case     `json:"training"`
}

// Skip records a raw case that was not restructured
type Skip struct {
	CaseID string `json:"case_id"`
	Reason string `json:"reason"`
}

// Result is the outcome of a restructuring run
type Result struct {
	Cases   []models.Case
	Skipped []Skip
}

// Restructurer discovers raw cases and rewrites them in canonical form
type Restructurer struct {
	cfg *config.Config
	log *slog.Logger
}

// New returns a Restructurer reading cfg.Paths.RawDir
func New(cfg *config.Config) *Restructurer {
	return &Restructurer{cfg: cfg, log: logging.New("restructure")}
}

// Fingerprint identifies the inputs of a restructuring run
func (r *Restructurer) Fingerprint() string {
	raw, err := filepath.Abs(r.cfg.Paths.RawDir)
	if err != nil {
		raw = r.cfg.Paths.RawDir
	}
	return artifact.Fingerprint(raw, strings.Join(r.cfg.Dataset.Modalities, ","), r.cfg.Dataset.LabelSuffix)
}

// Discover walks rawDir and returns every case folder sorted by id. A folder
// is a case when it holds files named <anything>_<suffix>.nii[.gz] whose
// suffix is a configured modality or the label suffix. Case folders may be
// nested, e.g. HGG/ and LGG/.
func (r *Restructurer) Discover(rawDir string) ([]models.Case, error) {
	info, err := os.Stat(rawDir)
	if err != nil || !info.IsDir() {
		return nil, &models.ConfigurationError{Field: "paths.rawDir", Details: fmt.Sprintf("%s is not a directory", rawDir), Err: err}
	}

	wanted := make(map[string]bool)
	for _, m := range r.cfg.Dataset.Modalities {
		wanted[m] = true
	}

	byDir := make(map[string]*models.Case)
	err = filepath.WalkDir(rawDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		suffix, ok := volumeSuffix(d.Name())
		if !ok {
			return nil
		}
		if suffix != r.cfg.Dataset.LabelSuffix && !wanted[suffix] {
			return nil
		}

		dir := filepath.Dir(path)
		c, ok := byDir[dir]
		if !ok {
			c = &models.Case{ID: filepath.Base(dir), Modalities: make(map[string]string)}
			byDir[dir] = c
		}
		if suffix == r.cfg.Dataset.LabelSuffix {
			c.Label = path
		} else {
			c.Modalities[suffix] = path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", rawDir, err)
	}

	seen := make(map[string]string)
	cases := make([]models.Case, 0, len(byDir))
	for dir, c := range byDir {
		if prev, dup := seen[c.ID]; dup {
			return nil, &models.ConfigurationError{
				Field:   "paths.rawDir",
				Details: fmt.Sprintf("duplicate case id %q in %s and %s", c.ID, prev, dir),
			}
		}
		seen[c.ID] = dir
		cases = append(cases, *c)
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].ID < cases[j].ID })
	return cases, nil
}

// volumeSuffix returns the token after the last underscore of a NIfTI file
// name, e.g. "flair" for BraTS_001_flair.nii.gz
func volumeSuffix(name string) (string, bool) {
	var stem string
	switch {
	case strings.HasSuffix(name, ".nii.gz"):
		stem = strings.TrimSuffix(name, ".nii.gz")
	case strings.HasSuffix(name, ".nii"):
		stem = strings.TrimSuffix(name, ".nii")
	default:
		return "", false
	}
	i := strings.LastIndexByte(stem, '_')
	if i < 0 || i == len(stem)-1 {
		return "", false
	}
	return strings.ToLower(stem[i+1:]), true
}

// Run restructures every discovered case into cfg.RestructuredDir()
func (r *Restructurer) Run(ctx context.Context) (*Result, error) {
	outDir := r.cfg.RestructuredDir()
	if err := artifact.ClearMarker(outDir); err != nil {
		return nil, err
	}

	cases, err := r.Discover(r.cfg.Paths.RawDir)
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, &models.ConfigurationError{Field: "paths.rawDir", Details: "no cases found in " + r.cfg.Paths.RawDir}
	}
	r.log.Info("discovered cases", "count", len(cases), "raw_dir", r.cfg.Paths.RawDir)

	type outcome struct {
		c    models.Case
		skip string
	}
	outcomes := make([]outcome, len(cases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.cfg.Preprocessing.Workers, 1))
	for i, c := range cases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := r.restructureCase(outDir, c)
			if err != nil {
				var skipErr *skipError
				if errors.As(err, &skipErr) {
					outcomes[i] = outcome{c: c, skip: skipErr.reason}
					return nil
				}
				return fmt.Errorf("case %s: %w", c.ID, err)
			}
			outcomes[i] = outcome{c: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{}
	for _, o := range outcomes {
		if o.skip != "" {
			r.log.Warn("case skipped", "case", o.c.ID, "reason", o.skip)
			res.Skipped = append(res.Skipped, Skip{CaseID: o.c.ID, Reason: o.skip})
			continue
		}
		res.Cases = append(res.Cases, o.c)
	}
	if len(res.Cases) == 0 {
		return nil, &models.ConfigurationError{Field: "paths.rawDir", Details: "no case carries every configured modality"}
	}

	if err := artifact.WriteJSONAtomic(filepath.Join(outDir, DatasetFile), r.dataset(outDir, res.Cases)); err != nil {
		return nil, err
	}
	err = artifact.WriteMarker(outDir, artifact.Marker{
		Stage:       artifact.Restructured,
		Fingerprint: r.Fingerprint(),
		Cases:       len(res.Cases),
		Failed:      len(res.Skipped),
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("restructured dataset", "cases", len(res.Cases), "skipped", len(res.Skipped), "dir", outDir)
	return res, nil
}

type skipError struct {
	reason string
}

func (e *skipError) Error() string { return e.reason }

func (r *Restructurer) restructureCase(outDir string, c models.Case) (models.Case, error) {
	var missing []string
	for _, m := range r.cfg.Dataset.Modalities {
		if _, ok := c.Modalities[m]; !ok {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return c, &skipError{reason: "missing modalities " + strings.Join(missing, ",")}
	}

	out := models.Case{ID: c.ID, Modalities: make(map[string]string)}
	var grid [3]int
	for i, m := range r.cfg.Dataset.Modalities {
		vol, err := nifti.Read(c.Modalities[m])
		if err != nil {
			return c, &skipError{reason: fmt.Sprintf("unreadable %s volume: %v", m, err)}
		}
		if i == 0 {
			grid = vol.Shape()
		} else if vol.Shape() != grid {
			return c, &skipError{reason: fmt.Sprintf("%s grid %v differs from %v", m, vol.Shape(), grid)}
		}

		path := filepath.Join(outDir, "imagesTr", fmt.Sprintf("%s_%04d.nii.gz", c.ID, i))
		if err := nifti.Write(path, vol); err != nil {
			return c, err
		}
		out.Modalities[m] = path
	}

	if c.Label != "" {
		lv, err := nifti.ReadLabels(c.Label)
		if err != nil {
			return c, &skipError{reason: fmt.Sprintf("unreadable label volume: %v", err)}
		}
		if lv.Shape() != grid {
			return c, &skipError{reason: fmt.Sprintf("label grid %v differs from %v", lv.Shape(), grid)}
		}
		if err := MapLabels(lv); err != nil {
			return c, &skipError{reason: err.Error()}
		}
		path := filepath.Join(outDir, "labelsTr", c.ID+".nii.gz")
		if err := nifti.WriteLabels(path, lv); err != nil {
			return c, err
		}
		out.Label = path
	}
	return out, nil
}

// MapLabels rewrites BraTS labels in place using LabelMap
func MapLabels(lv *models.LabelVolume) error {
	for i, v := range lv.Data {
		mapped, ok := LabelMap[v]
		if !ok {
			return fmt.Errorf("unexpected label %d at voxel %d", v, i)
		}
		lv.Data[i] = mapped
	}
	return nil
}

func (r *Restructurer) dataset(outDir string, cases []models.Case) *Dataset {
	ds := &Dataset{
		Name:       "BraTS",
		Modalities: make(map[string]string),
		Labels: map[string]string{
			"0": "background",
			"1": "edema",
			"2": "non-enhancing tumor",
			"3": "enhancing tumor",
		},
		NumCases: len(cases),
	}
	for i, m := range r.cfg.Dataset.Modalities {
		ds.Modalities[fmt.Sprintf("%d", i)] = m
	}
	for _, c := range cases {
		rel := models.Case{ID: c.ID, Modalities: make(map[string]string)}
		for m, p := range c.Modalities {
			rel.Modalities[m] = manifest.Rel(outDir, p)
		}
		if c.Label != "" {
			rel.Label = manifest.Rel(outDir, c.Label)
		}
		ds.Cases = append(ds.Cases, rel)
	}
	return ds
}

// LoadDataset reads dataset.json from a restructured directory and resolves
// case paths against it
func LoadDataset(dir string) (*Dataset, error) {
	var ds Dataset
	if err := artifact.ReadJSON(filepath.Join(dir, DatasetFile), &ds); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("dataset %s: %w", dir, models.ErrMissingArtifact)
		}
		return nil, err
	}
	for i := range ds.Cases {
		c := &ds.Cases[i]
		for m, p := range c.Modalities {
			c.Modalities[m] = manifest.Resolve(dir, p)
		}
		if c.Label != "" {
			c.Label = manifest.Resolve(dir, c.Label)
		}
	}
	return &ds, nil
}
