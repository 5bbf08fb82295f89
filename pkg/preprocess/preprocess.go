// Package preprocess converts canonical cases into fixed-shape tensors and
// writes the manifest the rest of the pipeline is keyed on.
package preprocess

import (
	"context"
	"fmt"
	"log/slog"
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
	"segbench/pkg/restructure"
	"segbench/pkg/safetensors"
)

// InputTensor is the tensor name every preprocessed file carries
const InputTensor = "input"

// Preprocessor applies a Transform to every restructured case
type Preprocessor struct {
	cfg       *config.Config
	transform Transform
	log       *slog.Logger
}

// New returns a Preprocessor. A nil transform selects CropNormalizeResize at
// the configured shape.
func New(cfg *config.Config, t Transform) *Preprocessor {
	if t == nil {
		t = CropNormalizeResize{Shape: cfg.Preprocessing.Shape}
	}
	return &Preprocessor{cfg: cfg, transform: t, log: logging.New("preprocess")}
}

// Fingerprint ties the preprocessed set to its upstream marker and transform
func (p *Preprocessor) Fingerprint() string {
	upstream := ""
	if m, err := artifact.ReadMarker(p.cfg.RestructuredDir()); err == nil {
		upstream = m.Fingerprint
	}
	return artifact.Fingerprint(upstream, p.transform.Name(), strings.Join(p.cfg.Dataset.Modalities, ","))
}

// Run preprocesses every case listed in the restructured dataset and
// publishes tensors, manifest and stage marker
func (p *Preprocessor) Run(ctx context.Context) (*models.Manifest, error) {
	inDir := p.cfg.RestructuredDir()
	outDir := p.cfg.PreprocessedDir()

	ds, err := restructure.LoadDataset(inDir)
	if err != nil {
		return nil, &models.ConfigurationError{Field: "restructured", Details: "dataset not available", Err: err}
	}
	cases := ds.Cases
	sort.Slice(cases, func(i, j int) bool { return cases[i].ID < cases[j].ID })

	if err := artifact.ClearMarker(outDir); err != nil {
		return nil, err
	}

	shape := p.cfg.Preprocessing.Shape
	channels := p.cfg.Dataset.Modalities
	entries := make([]models.ManifestEntry, len(cases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Preprocessing.Workers, 1))
	for i, c := range cases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entry, err := p.processCase(outDir, c)
			if err != nil {
				return fmt.Errorf("case %s: %w", c.ID, err)
			}
			entries[i] = entry
			p.log.Debug("case preprocessed", "case", c.ID, "crop", entry.Inverse.Crop)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := &models.Manifest{
		Version:  models.ManifestVersion,
		Shape:    [4]int{len(channels), shape[0], shape[1], shape[2]},
		Channels: channels,
		Entries:  entries,
	}
	if err := manifest.Save(p.cfg.ManifestPath(), m); err != nil {
		return nil, err
	}
	err = artifact.WriteMarker(outDir, artifact.Marker{
		Stage:       artifact.Preprocessed,
		Fingerprint: p.Fingerprint(),
		Cases:       len(entries),
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("preprocessed dataset", "cases", len(entries), "shape", m.Shape, "transform", p.transform.Name())
	return m, nil
}

func (p *Preprocessor) processCase(outDir string, c models.Case) (models.ManifestEntry, error) {
	vols := make([]*models.Volume, len(p.cfg.Dataset.Modalities))
	for i, m := range p.cfg.Dataset.Modalities {
		path, ok := c.Modalities[m]
		if !ok {
			return models.ManifestEntry{}, fmt.Errorf("modality %s: %w", m, models.ErrMissingArtifact)
		}
		vol, err := nifti.Read(path)
		if err != nil {
			return models.ManifestEntry{}, err
		}
		vols[i] = vol
	}

	tensor, inv, err := p.transform.Apply(vols)
	if err != nil {
		return models.ManifestEntry{}, err
	}

	path := filepath.Join(outDir, "tensors", c.ID+".safetensors")
	meta := map[string]string{"case_id": c.ID, "channels": strings.Join(p.cfg.Dataset.Modalities, ",")}
	if err := safetensors.Write(path, map[string]*models.Tensor{InputTensor: tensor}, meta); err != nil {
		return models.ManifestEntry{}, err
	}
	sum, err := artifact.FileSHA256(path)
	if err != nil {
		return models.ManifestEntry{}, err
	}

	entry := models.ManifestEntry{
		CaseID:       c.ID,
		TensorPath:   manifest.Rel(outDir, path),
		TensorSHA256: sum,
		Shape:        [4]int{tensor.Shape[0], tensor.Shape[1], tensor.Shape[2], tensor.Shape[3]},
		Channels:     p.cfg.Dataset.Modalities,
		Inverse:      inv,
	}
	if c.Label != "" {
		entry.LabelPath = manifest.Rel(outDir, c.Label)
	}
	return entry, nil
}
