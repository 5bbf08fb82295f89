// Package pipeline orders the benchmark stages, tracks their completion
// through stage markers and resumes a partially finished run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"segbench/internal/logging"
	"segbench/internal/models"
	"segbench/pkg/artifact"
	"segbench/pkg/backend"
	"segbench/pkg/config"
	"segbench/pkg/evaluate"
	"segbench/pkg/ledger"
	"segbench/pkg/postprocess"
	"segbench/pkg/preprocess"
	"segbench/pkg/restructure"
	"segbench/pkg/runner"
)

// Pipeline runs the benchmark described by a configuration.
//
// The stages are:
// 1. Restructure the raw dataset into canonical form
// 2. Preprocess every case into a fixed-shape tensor and write the manifest
// 3. Run the selected backend over the manifest
// 4. Map accuracy-mode results back to label volumes
// 5. Score the label volumes against ground truth
//
// Each stage owns one directory under the work dir and flags completion with
// a marker; a stage requires its upstream marker before it starts.
type Pipeline struct {
	// cfg is the run configuration, read-only
	cfg *config.Config

	// ledger receives one entry per stage run
	ledger ledger.Recorder

	// runID groups the ledger entries of one Pipeline
	runID string

	log *slog.Logger
}

// Summary is what Process produced
type Summary struct {
	RunID string

	// Final is the state reached
	Final artifact.Stage

	// Skipped lists stages whose markers were already current
	Skipped []artifact.Stage

	Restructure *restructure.Result
	Run         *models.RunReport
	Postprocess *postprocess.Result
	Score       *models.ScoreReport
}

// Partial reports whether any case was skipped, failed or excluded
func (s *Summary) Partial() bool {
	if s.Restructure != nil && len(s.Restructure.Skipped) > 0 {
		return true
	}
	if s.Run != nil && s.Run.Counts.Partial() {
		return true
	}
	if s.Postprocess != nil && len(s.Postprocess.Failed)+len(s.Postprocess.Excluded) > 0 {
		return true
	}
	return s.Score != nil && s.Score.Counts.Partial()
}

// New returns a Pipeline. A nil recorder disables the ledger.
func New(cfg *config.Config, rec ledger.Recorder) *Pipeline {
	if rec == nil {
		rec = ledger.Nop()
	}
	return &Pipeline{cfg: cfg, ledger: rec, runID: uuid.NewString(), log: logging.New("pipeline")}
}

// RunID identifies this pipeline's ledger entries
func (p *Pipeline) RunID() string { return p.runID }

// StageStatus is the marker state of one stage directory
type StageStatus struct {
	Stage  artifact.Stage
	Dir    string
	Marker *artifact.Marker
}

// Status reads the marker of every stage directory for the active backend
func (p *Pipeline) Status() []StageStatus {
	dirs := []struct {
		stage artifact.Stage
		dir   string
	}{
		{artifact.Restructured, p.cfg.RestructuredDir()},
		{artifact.Preprocessed, p.cfg.PreprocessedDir()},
		{p.inferStage(), p.cfg.InferenceDir()},
		{artifact.Postprocessed, p.cfg.PredictionsDir()},
		{artifact.Scored, p.cfg.ScoresDir()},
	}
	out := make([]StageStatus, len(dirs))
	for i, d := range dirs {
		out[i] = StageStatus{Stage: d.stage, Dir: d.dir}
		if m, err := artifact.ReadMarker(d.dir); err == nil {
			out[i].Marker = m
		}
	}
	return out
}

// State derives the pipeline state from the stage markers. A marker only
// counts when every upstream stage is complete too and it carries the
// fingerprint its stage would record if run now.
func (p *Pipeline) State() (artifact.Stage, error) {
	state := artifact.Raw
	for _, s := range p.Status() {
		if s.Marker == nil {
			break
		}
		inferMarker := s.Marker.Stage == artifact.Inferred || s.Marker.Stage == artifact.InferredPersisted
		inferDir := s.Stage == artifact.Inferred || s.Stage == artifact.InferredPersisted
		if inferMarker != inferDir || (!inferMarker && s.Marker.Stage != s.Stage) {
			return state, fmt.Errorf("%s holds a %s marker, expected %s", s.Dir, s.Marker.Stage, s.Stage)
		}
		fp, err := p.fingerprint(s.Stage)
		if err != nil {
			return state, err
		}
		if s.Marker.Fingerprint != fp {
			break
		}
		state = s.Marker.Stage
		if state == artifact.Inferred {
			// nothing downstream can follow a performance run
			return state, nil
		}
	}
	return state, nil
}

// fingerprint is what stage would record in its marker if it ran now
func (p *Pipeline) fingerprint(stage artifact.Stage) (string, error) {
	switch stage {
	case artifact.Restructured:
		return restructure.New(p.cfg).Fingerprint(), nil
	case artifact.Preprocessed:
		return preprocess.New(p.cfg, nil).Fingerprint(), nil
	case artifact.Inferred, artifact.InferredPersisted:
		return runner.New(p.cfg, nil).Fingerprint(), nil
	case artifact.Postprocessed:
		pp, err := postprocess.New(p.cfg, nil)
		if err != nil {
			return "", err
		}
		return pp.Fingerprint(), nil
	case artifact.Scored:
		return evaluate.New(p.cfg, nil).Fingerprint(), nil
	}
	return "", fmt.Errorf("unknown stage %s", stage)
}

func (p *Pipeline) inferStage() artifact.Stage {
	if p.cfg.Mode == config.AccuracyMode {
		return artifact.InferredPersisted
	}
	return artifact.Inferred
}

// requireStage fails with a ConfigurationError unless dir carries one of stages
func requireStage(dir string, stages ...artifact.Stage) error {
	for _, s := range stages {
		if artifact.Complete(dir, s, "") {
			return nil
		}
	}
	return &models.ConfigurationError{
		Field:   "pipeline",
		Details: fmt.Sprintf("upstream stage %s has not completed in %s", stages[0], dir),
		Err:     models.ErrMissingArtifact,
	}
}

// record writes a ledger entry for a finished stage
func (p *Pipeline) record(ctx context.Context, stage artifact.Stage, fp string, start time.Time, cases, failed int, err error) {
	e := ledger.Entry{
		RunID:       p.runID,
		Stage:       string(stage),
		Backend:     p.cfg.Backend.String(),
		Mode:        p.cfg.Mode.String(),
		Fingerprint: fp,
		Cases:       cases,
		Failed:      failed,
		Status:      ledger.StatusOK,
		StartedAt:   start,
		Duration:    time.Since(start),
	}
	switch {
	case err != nil:
		e.Status = ledger.StatusError
		e.Error = err.Error()
	case failed > 0:
		e.Status = ledger.StatusPartial
	}
	if rerr := p.ledger.Record(context.WithoutCancel(ctx), e); rerr != nil {
		p.log.Warn("ledger write failed", "stage", stage, "error", rerr)
	}
}

// Restructure rewrites the raw dataset in canonical form
func (p *Pipeline) Restructure(ctx context.Context) (*restructure.Result, error) {
	start := time.Now()
	r := restructure.New(p.cfg)
	res, err := r.Run(ctx)
	if err != nil {
		p.record(ctx, artifact.Restructured, r.Fingerprint(), start, 0, 0, err)
		return nil, err
	}
	p.record(ctx, artifact.Restructured, r.Fingerprint(), start, len(res.Cases), len(res.Skipped), nil)
	return res, nil
}

// Preprocess builds tensors and the manifest from the restructured dataset
func (p *Pipeline) Preprocess(ctx context.Context) (*models.Manifest, error) {
	if err := requireStage(p.cfg.RestructuredDir(), artifact.Restructured); err != nil {
		return nil, err
	}
	start := time.Now()
	pre := preprocess.New(p.cfg, nil)
	m, err := pre.Run(ctx)
	if err != nil {
		p.record(ctx, artifact.Preprocessed, pre.Fingerprint(), start, 0, 0, err)
		return nil, err
	}
	p.record(ctx, artifact.Preprocessed, pre.Fingerprint(), start, len(m.Entries), 0, nil)
	return m, nil
}

func (p *Pipeline) newRunner() (*runner.Runner, error) {
	threads := max(runtime.NumCPU()/max(p.cfg.Runner.Workers, 1), 1)
	be, err := backend.New(p.cfg.Backend, backend.Options{Threads: threads})
	if err != nil {
		return nil, err
	}
	return runner.New(p.cfg, be), nil
}

// Infer runs the configured backend over the manifest
func (p *Pipeline) Infer(ctx context.Context) (*models.RunReport, error) {
	if err := requireStage(p.cfg.PreprocessedDir(), artifact.Preprocessed); err != nil {
		return nil, err
	}
	r, err := p.newRunner()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	report, err := r.Run(ctx)
	if err != nil {
		p.record(ctx, p.inferStage(), r.Fingerprint(), start, 0, 0, err)
		return nil, err
	}
	p.record(ctx, p.inferStage(), r.Fingerprint(), start, report.Counts.Succeeded, report.Counts.Failed, nil)
	return report, nil
}

// Postprocess converts persisted results into label volumes
func (p *Pipeline) Postprocess(ctx context.Context) (*postprocess.Result, error) {
	if artifact.Complete(p.cfg.InferenceDir(), artifact.Inferred, "") {
		return nil, &models.ConfigurationError{
			Field:   "mode",
			Details: "the last inference run was in performance mode and persisted no results",
		}
	}
	if err := requireStage(p.cfg.InferenceDir(), artifact.InferredPersisted); err != nil {
		return nil, err
	}
	pp, err := postprocess.New(p.cfg, nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := pp.Run(ctx)
	if err != nil {
		p.record(ctx, artifact.Postprocessed, pp.Fingerprint(), start, 0, 0, err)
		return nil, err
	}
	p.record(ctx, artifact.Postprocessed, pp.Fingerprint(), start, len(res.Written), len(res.Failed)+len(res.Excluded), nil)
	return res, nil
}

// Evaluate scores the predictions and writes the score report
func (p *Pipeline) Evaluate(ctx context.Context) (*models.ScoreReport, error) {
	if err := requireStage(p.cfg.PredictionsDir(), artifact.Postprocessed); err != nil {
		return nil, err
	}
	start := time.Now()
	ev := evaluate.New(p.cfg, nil)
	report, err := ev.Run(ctx)
	if err != nil {
		p.record(ctx, artifact.Scored, ev.Fingerprint(), start, 0, 0, err)
		return nil, err
	}
	p.record(ctx, artifact.Scored, ev.Fingerprint(), start, report.Counts.Succeeded, report.Counts.Failed+report.Counts.Excluded, nil)
	return report, nil
}

// Process runs every stage in order. With pipeline.resume set, a stage whose
// marker fingerprint matches its current inputs is skipped. Performance runs
// stop after inference.
func (p *Pipeline) Process(ctx context.Context) (*Summary, error) {
	sum := &Summary{RunID: p.runID, Final: artifact.Raw}
	log := p.log.With("run_id", p.runID, "backend", p.cfg.Backend.String(), "mode", p.cfg.Mode.String())
	resume := p.cfg.Pipeline.Resume

	// Step 1: Restructure the raw dataset
	if resume && artifact.Complete(p.cfg.RestructuredDir(), artifact.Restructured, restructure.New(p.cfg).Fingerprint()) {
		log.Info("stage up to date", "stage", artifact.Restructured)
		sum.Skipped = append(sum.Skipped, artifact.Restructured)
	} else {
		log.Info("Step 1: restructuring raw dataset", "raw_dir", p.cfg.Paths.RawDir)
		res, err := p.Restructure(ctx)
		if err != nil {
			return sum, fmt.Errorf("restructure: %w", err)
		}
		sum.Restructure = res
	}
	sum.Final = artifact.Restructured

	// Step 2: Preprocess into tensors and write the manifest
	if resume && artifact.Complete(p.cfg.PreprocessedDir(), artifact.Preprocessed, preprocess.New(p.cfg, nil).Fingerprint()) {
		log.Info("stage up to date", "stage", artifact.Preprocessed)
		sum.Skipped = append(sum.Skipped, artifact.Preprocessed)
	} else {
		log.Info("Step 2: preprocessing cases", "shape", p.cfg.Preprocessing.Shape)
		if _, err := p.Preprocess(ctx); err != nil {
			return sum, fmt.Errorf("preprocess: %w", err)
		}
	}
	sum.Final = artifact.Preprocessed

	// Step 3: Run inference with the selected backend
	r, err := p.newRunner()
	if err != nil {
		return sum, err
	}
	if resume && artifact.Complete(p.cfg.InferenceDir(), p.inferStage(), r.Fingerprint()) {
		log.Info("stage up to date", "stage", p.inferStage())
		sum.Skipped = append(sum.Skipped, p.inferStage())
		var report models.RunReport
		if err := artifact.ReadJSON(filepath.Join(p.cfg.InferenceDir(), runner.ReportFile), &report); err != nil {
			return sum, fmt.Errorf("infer: %w", err)
		}
		sum.Run = &report
	} else {
		log.Info("Step 3: running inference", "workers", p.cfg.Runner.Workers)
		report, err := p.Infer(ctx)
		if err != nil {
			return sum, fmt.Errorf("infer: %w", err)
		}
		sum.Run = report
	}
	sum.Final = p.inferStage()
	if p.cfg.Mode == config.PerformanceMode {
		log.Info("performance run complete", "throughput", sum.Run.Throughput, "p90", sum.Run.Latency.P90)
		return sum, nil
	}

	// Step 4: Map results back onto the original grids
	pp, err := postprocess.New(p.cfg, nil)
	if err != nil {
		return sum, err
	}
	if resume && artifact.Complete(p.cfg.PredictionsDir(), artifact.Postprocessed, pp.Fingerprint()) {
		log.Info("stage up to date", "stage", artifact.Postprocessed)
		sum.Skipped = append(sum.Skipped, artifact.Postprocessed)
		var res postprocess.Result
		if err := artifact.ReadJSON(filepath.Join(p.cfg.PredictionsDir(), postprocess.ReportFile), &res); err != nil {
			return sum, fmt.Errorf("postprocess: %w", err)
		}
		sum.Postprocess = &res
	} else {
		log.Info("Step 4: postprocessing predictions", "rule", p.cfg.Postprocessing.Rule)
		res, err := p.Postprocess(ctx)
		if err != nil {
			return sum, fmt.Errorf("postprocess: %w", err)
		}
		sum.Postprocess = res
	}
	sum.Final = artifact.Postprocessed

	// Step 5: Score against ground truth
	if resume && artifact.Complete(p.cfg.ScoresDir(), artifact.Scored, evaluate.New(p.cfg, nil).Fingerprint()) {
		log.Info("stage up to date", "stage", artifact.Scored)
		sum.Skipped = append(sum.Skipped, artifact.Scored)
		var report models.ScoreReport
		if err := artifact.ReadJSON(filepath.Join(p.cfg.ScoresDir(), evaluate.ReportFile), &report); err != nil {
			return sum, fmt.Errorf("evaluate: %w", err)
		}
		sum.Score = &report
	} else {
		log.Info("Step 5: scoring predictions", "regions", len(p.cfg.Evaluation.Regions))
		report, err := p.Evaluate(ctx)
		if err != nil {
			return sum, fmt.Errorf("evaluate: %w", err)
		}
		sum.Score = report
	}
	sum.Final = artifact.Scored

	log.Info("pipeline complete",
		"aggregate", sum.Score.Aggregate,
		"scored", sum.Score.Counts.Succeeded,
		"failed", sum.Score.Counts.Failed,
		"excluded", sum.Score.Counts.Excluded)
	return sum, nil
}

// ErrPartial marks a run that finished with failed or excluded cases
var ErrPartial = errors.New("run finished with failed or excluded cases")
