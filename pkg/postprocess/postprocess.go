// Package postprocess maps raw inference results back onto each case's
// original voxel grid and writes label volumes.
package postprocess

import (
	"context"
	"errors"
	"fmt"
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
	"segbench/pkg/interpolation"
	"segbench/pkg/manifest"
	"segbench/pkg/nifti"
	"segbench/pkg/runner"
	"segbench/pkg/safetensors"
)

// ReportFile lists the cases the postprocessor could not convert
const ReportFile = "postprocess_report.json"

// Result summarises a postprocessing run
type Result struct {
	Written  []string             `json:"written"`
	Failed   []models.CaseFailure `json:"failed"`
	Excluded []models.Exclusion   `json:"excluded"`
}

// Postprocessor converts inference results into label volumes
type Postprocessor struct {
	cfg  *config.Config
	rule DecisionRule
	log  *slog.Logger
}

// New returns a Postprocessor. A nil rule selects the configured one.
func New(cfg *config.Config, rule DecisionRule) (*Postprocessor, error) {
	if rule == nil {
		var err error
		rule, err = NewRule(cfg.Postprocessing.Rule, cfg.Postprocessing.Threshold)
		if err != nil {
			return nil, &models.ConfigurationError{Field: "postprocessing.rule", Err: err}
		}
	}
	return &Postprocessor{cfg: cfg, rule: rule, log: logging.New("postprocess")}, nil
}

// Fingerprint ties predictions to the inference marker and decision rule
func (p *Postprocessor) Fingerprint() string {
	upstream := ""
	if m, err := artifact.ReadMarker(p.cfg.InferenceDir()); err == nil {
		upstream = m.Fingerprint
	}
	return artifact.Fingerprint(upstream, p.rule.Name(), fmt.Sprint(p.cfg.Postprocessing.Threshold))
}

// Apply converts one raw output into a label volume on the original grid.
// It performs no I/O and does not modify its arguments.
func (p *Postprocessor) Apply(entry models.ManifestEntry, output *models.Tensor) (*models.LabelVolume, error) {
	if err := output.Validate(); err != nil {
		return nil, err
	}
	if len(output.Shape) != 4 {
		return nil, &models.ShapeMismatchError{CaseID: entry.CaseID, Expected: entry.Shape[:], Actual: output.Shape}
	}
	spatial := [3]int{output.Shape[1], output.Shape[2], output.Shape[3]}
	if spatial != [3]int{entry.Shape[1], entry.Shape[2], entry.Shape[3]} {
		return nil, &models.ShapeMismatchError{
			CaseID:   entry.CaseID,
			Expected: []int{output.Shape[0], entry.Shape[1], entry.Shape[2], entry.Shape[3]},
			Actual:   output.Shape,
		}
	}

	inv := entry.Inverse
	crop := inv.Crop.Extent()
	if !inv.Crop.Within(inv.OriginalShape) {
		return nil, fmt.Errorf("case %s: crop box %v outside original shape %v", entry.CaseID, inv.Crop, inv.OriginalShape)
	}

	channels := make([][]float32, output.Shape[0])
	for c := range channels {
		resized, err := interpolation.Resize(output.Channel(c), spatial, crop)
		if err != nil {
			return nil, fmt.Errorf("case %s channel %d: %w", entry.CaseID, c, err)
		}
		channels[c] = resized
	}

	orig := inv.OriginalShape
	lv := models.NewLabelVolume(orig[2], orig[1], orig[0], inv.Spacing)
	i := 0
	for z := 0; z < crop[0]; z++ {
		for y := 0; y < crop[1]; y++ {
			dst := (z+inv.Crop.Min[0])*orig[1]*orig[2] + (y+inv.Crop.Min[1])*orig[2] + inv.Crop.Min[2]
			for x := 0; x < crop[2]; x++ {
				lv.Data[dst+x] = p.rule.Label(channels, i)
				i++
			}
		}
	}
	return lv, nil
}

// PredictionPath is where the label volume of caseID is written
func PredictionPath(dir, caseID string) string {
	return filepath.Join(dir, caseID+".nii.gz")
}

// Run converts every persisted result of the active backend
func (p *Postprocessor) Run(ctx context.Context) (*Result, error) {
	m, err := manifest.Load(p.cfg.ManifestPath())
	if err != nil {
		return nil, &models.ConfigurationError{Field: "manifest", Details: "cannot load", Err: err}
	}
	inDir := p.cfg.InferenceDir()
	ids, err := resultIDs(inDir)
	if err != nil {
		return nil, &models.ConfigurationError{Field: "inference", Details: "cannot list results", Err: err}
	}

	outDir := p.cfg.PredictionsDir()
	if err := artifact.ClearMarker(outDir); err != nil {
		return nil, err
	}
	if err := removeStale(outDir); err != nil {
		return nil, err
	}

	type outcome struct {
		written  bool
		failure  *models.CaseFailure
		excluded *models.Exclusion
	}
	outcomes := make([]outcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Postprocessing.Workers, 1))
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entry, ok := m.Lookup(id)
			if !ok {
				err := &models.ManifestMismatchError{CaseID: id}
				p.log.Warn("result excluded", "case", id, "error", err)
				outcomes[i].excluded = &models.Exclusion{CaseID: id, Reason: models.ReasonManifestMismatch}
				return nil
			}
			if err := p.processCase(inDir, outDir, entry); err != nil {
				p.log.Warn("case failed", "case", id, "error", err)
				outcomes[i].failure = &models.CaseFailure{CaseID: id, Stage: "postprocess", Error: err.Error()}
				return nil
			}
			outcomes[i].written = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Written: []string{}, Failed: []models.CaseFailure{}, Excluded: []models.Exclusion{}}
	for i, o := range outcomes {
		switch {
		case o.written:
			res.Written = append(res.Written, ids[i])
		case o.failure != nil:
			res.Failed = append(res.Failed, *o.failure)
		case o.excluded != nil:
			res.Excluded = append(res.Excluded, *o.excluded)
		}
	}

	if err := artifact.WriteJSONAtomic(filepath.Join(outDir, ReportFile), res); err != nil {
		return nil, err
	}
	err = artifact.WriteMarker(outDir, artifact.Marker{
		Stage:       artifact.Postprocessed,
		Fingerprint: p.Fingerprint(),
		Backend:     p.cfg.Backend.String(),
		Cases:       len(res.Written),
		Failed:      len(res.Failed) + len(res.Excluded),
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("postprocessing finished", "written", len(res.Written), "failed", len(res.Failed), "excluded", len(res.Excluded), "rule", p.rule.Name())
	return res, nil
}

func (p *Postprocessor) processCase(inDir, outDir string, entry models.ManifestEntry) error {
	output, _, err := safetensors.ReadTensor(runner.ResultPath(inDir, entry.CaseID), runner.OutputTensor)
	if err != nil {
		return err
	}
	lv, err := p.Apply(entry, output)
	if err != nil {
		return err
	}
	return nifti.WriteLabels(PredictionPath(outDir, entry.CaseID), lv)
}

// resultIDs lists the case ids of persisted results in sorted order
func resultIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".safetensors") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".safetensors"))
	}
	sort.Strings(ids)
	return ids, nil
}

// removeStale deletes predictions left by an earlier run
func removeStale(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".nii.gz") {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("remove stale prediction: %w", err)
			}
		}
	}
	return nil
}
