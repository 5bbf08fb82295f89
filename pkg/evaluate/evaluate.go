// Package evaluate scores postprocessed predictions against ground truth and
// publishes the score report.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"segbench/internal/logging"
	"segbench/internal/models"
	"segbench/pkg/artifact"
	"segbench/pkg/config"
	"segbench/pkg/manifest"
	"segbench/pkg/nifti"
	"segbench/pkg/postprocess"
	"segbench/pkg/runner"
)

// Files written to the scores directory
const (
	ReportFile   = "score_report.json"
	AccuracyFile = "accuracy.txt"
)

// Evaluator computes per-case and aggregate scores
type Evaluator struct {
	cfg    *config.Config
	metric Metric
	log    *slog.Logger
}

// New returns an Evaluator. A nil metric selects Dice.
func New(cfg *config.Config, metric Metric) *Evaluator {
	if metric == nil {
		metric = Dice{}
	}
	return &Evaluator{cfg: cfg, metric: metric, log: logging.New("evaluate")}
}

// Fingerprint ties the score report to the predictions and metric
func (e *Evaluator) Fingerprint() string {
	upstream := ""
	if m, err := artifact.ReadMarker(e.cfg.PredictionsDir()); err == nil {
		upstream = m.Fingerprint
	}
	parts := []string{upstream, e.metric.Name()}
	for _, r := range e.cfg.Evaluation.Regions {
		parts = append(parts, fmt.Sprintf("%s%v", r.Name, r.Labels))
	}
	return artifact.Fingerprint(parts...)
}

// Run loads the manifest and the upstream failure lists, scores the active
// backend's predictions and publishes score_report.json and accuracy.txt
func (e *Evaluator) Run(ctx context.Context) (*models.ScoreReport, error) {
	m, err := manifest.Load(e.cfg.ManifestPath())
	if err != nil {
		return nil, &models.ConfigurationError{Field: "manifest", Details: "cannot load", Err: err}
	}
	failed, err := e.upstreamFailures()
	if err != nil {
		return nil, err
	}

	outDir := e.cfg.ScoresDir()
	if err := artifact.ClearMarker(outDir); err != nil {
		return nil, err
	}

	report, err := e.Evaluate(ctx, m, e.cfg.PredictionsDir(), failed)
	if err != nil {
		return nil, err
	}

	if err := artifact.WriteJSONAtomic(filepath.Join(outDir, ReportFile), report); err != nil {
		return nil, err
	}
	err = artifact.WriteFileAtomic(filepath.Join(outDir, AccuracyFile), func(w io.Writer) error {
		_, err := io.WriteString(w, AccuracyLine(report)+"\n")
		return err
	})
	if err != nil {
		return nil, err
	}
	err = artifact.WriteMarker(outDir, artifact.Marker{
		Stage:       artifact.Scored,
		Fingerprint: e.Fingerprint(),
		Backend:     report.Backend,
		Cases:       report.Counts.Succeeded,
		Failed:      report.Counts.Failed + report.Counts.Excluded,
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("evaluation finished",
		"backend", report.Backend,
		"aggregate", report.Aggregate,
		"scored", report.Counts.Succeeded,
		"failed", report.Counts.Failed,
		"excluded", report.Counts.Excluded,
		"target_met", report.Target.Met)
	return report, nil
}

// upstreamFailures collects cases that failed in inference or
// postprocessing, in that order
func (e *Evaluator) upstreamFailures() ([]models.CaseFailure, error) {
	var failed []models.CaseFailure

	var run models.RunReport
	err := artifact.ReadJSON(filepath.Join(e.cfg.InferenceDir(), runner.ReportFile), &run)
	switch {
	case err == nil:
		failed = append(failed, run.FailedCases()...)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read run report: %w", err)
	}

	var post postprocess.Result
	err = artifact.ReadJSON(filepath.Join(e.cfg.PredictionsDir(), postprocess.ReportFile), &post)
	switch {
	case err == nil:
		failed = append(failed, post.Failed...)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read postprocess report: %w", err)
	}
	return failed, nil
}

// Evaluate scores the union of manifest cases and prediction files found in
// predDir. Cases in failed are reported as failures; cases that cannot be
// scored are excluded with a reason. The report is deterministic.
func (e *Evaluator) Evaluate(ctx context.Context, m *models.Manifest, predDir string, failed []models.CaseFailure) (*models.ScoreReport, error) {
	regions := e.cfg.Evaluation.Regions
	report := &models.ScoreReport{
		Backend:     e.cfg.Backend.String(),
		Metric:      e.metric.Name(),
		Cases:       []models.CaseScore{},
		RegionMeans: make(map[string]float64),
		Failed:      []models.CaseFailure{},
		Excluded:    []models.Exclusion{},
	}
	for _, r := range regions {
		report.Regions = append(report.Regions, r.Name)
	}

	failedByID := make(map[string]models.CaseFailure)
	for _, f := range failed {
		if _, dup := failedByID[f.CaseID]; !dup {
			failedByID[f.CaseID] = f
		}
	}

	ids, err := universe(m, predDir)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		score   *models.CaseScore
		failure *models.CaseFailure
		reason  string
	}
	outcomes := make([]outcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.cfg.Evaluation.Workers, 1))
	for i, id := range ids {
		if f, ok := failedByID[id]; ok {
			outcomes[i].failure = &f
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			score, err := e.scoreCase(m, predDir, id)
			if err != nil {
				var ex *models.ScoringExclusionError
				if !errors.As(err, &ex) {
					return err
				}
				e.log.Warn("case excluded", "case", id, "error", err)
				outcomes[i].reason = ex.Reason
				return nil
			}
			outcomes[i].score = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var means []float64
	perRegion := make(map[string][]float64)
	for i, o := range outcomes {
		switch {
		case o.failure != nil:
			report.Failed = append(report.Failed, *o.failure)
		case o.reason != "":
			report.Excluded = append(report.Excluded, models.Exclusion{CaseID: ids[i], Reason: o.reason})
		case o.score != nil:
			report.Cases = append(report.Cases, *o.score)
			means = append(means, o.score.Mean)
			for name, v := range o.score.Regions {
				perRegion[name] = append(perRegion[name], v)
			}
		}
	}

	if len(means) > 0 {
		report.Aggregate = stat.Mean(means, nil)
		for _, r := range regions {
			report.RegionMeans[r.Name] = stat.Mean(perRegion[r.Name], nil)
		}
	}
	report.Counts = models.Counts{
		Succeeded: len(report.Cases),
		Failed:    len(report.Failed),
		Excluded:  len(report.Excluded),
	}

	ev := e.cfg.Evaluation
	report.Target = models.Target{
		Reference: ev.Reference,
		Fraction:  ev.TargetFraction,
		Threshold: ev.Reference * ev.TargetFraction,
	}
	report.Target.Met = len(means) > 0 && report.Aggregate >= report.Target.Threshold
	return report, nil
}

func (e *Evaluator) scoreCase(m *models.Manifest, predDir, id string) (*models.CaseScore, error) {
	entry, ok := m.Lookup(id)
	if !ok {
		return nil, &models.ScoringExclusionError{CaseID: id, Reason: models.ReasonManifestMismatch}
	}

	predPath := postprocess.PredictionPath(predDir, id)
	if _, err := os.Stat(predPath); err != nil {
		return nil, &models.ScoringExclusionError{CaseID: id, Reason: models.ReasonMissingPrediction}
	}
	if entry.LabelPath == "" {
		return nil, &models.ScoringExclusionError{CaseID: id, Reason: models.ReasonMissingGroundTruth}
	}
	truthPath := manifest.Resolve(e.cfg.PreprocessedDir(), entry.LabelPath)
	if _, err := os.Stat(truthPath); err != nil {
		return nil, &models.ScoringExclusionError{CaseID: id, Reason: models.ReasonMissingGroundTruth, Err: err}
	}

	pred, err := nifti.ReadLabels(predPath)
	if err != nil {
		return nil, &models.ScoringExclusionError{CaseID: id, Reason: models.ReasonBadPrediction, Err: err}
	}
	truth, err := nifti.ReadLabels(truthPath)
	if err != nil {
		return nil, &models.ScoringExclusionError{CaseID: id, Reason: models.ReasonBadGroundTruth, Err: err}
	}
	if !pred.SameGrid(truth) {
		return nil, &models.ScoringExclusionError{
			CaseID: id,
			Reason: models.ReasonShapeMismatch,
			Err:    fmt.Errorf("prediction %v, ground truth %v", pred.Shape(), truth.Shape()),
		}
	}

	regions, err := e.metric.Score(pred, truth, e.cfg.Evaluation.Regions)
	if err != nil {
		return nil, &models.ScoringExclusionError{CaseID: id, Reason: models.ReasonShapeMismatch, Err: err}
	}
	vals := make([]float64, 0, len(regions))
	for _, r := range e.cfg.Evaluation.Regions {
		vals = append(vals, regions[r.Name])
	}
	return &models.CaseScore{CaseID: id, Regions: regions, Mean: stat.Mean(vals, nil)}, nil
}

// universe returns manifest case ids together with ids of prediction files,
// sorted
func universe(m *models.Manifest, predDir string) ([]string, error) {
	set := make(map[string]bool)
	for _, id := range m.CaseIDs() {
		set[id] = true
	}
	entries, err := os.ReadDir(predDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, de := range entries {
		name := de.Name()
		if !de.IsDir() && strings.HasSuffix(name, ".nii.gz") && !strings.HasPrefix(name, ".") {
			set[strings.TrimSuffix(name, ".nii.gz")] = true
		}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AccuracyLine renders the one-line key=value summary written to
// accuracy.txt
func AccuracyLine(r *models.ScoreReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mean=%.5f", r.Aggregate)
	for _, name := range r.Regions {
		fmt.Fprintf(&b, " %s=%.5f", name, r.RegionMeans[name])
	}
	fmt.Fprintf(&b, " scored=%d failed=%d excluded=%d", r.Counts.Succeeded, r.Counts.Failed, r.Counts.Excluded)
	return b.String()
}
