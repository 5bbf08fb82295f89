// Package runner drives a backend over every manifest entry with a fixed
// worker pool and records per-case outcomes and latency statistics.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"segbench/internal/logging"
	"segbench/internal/models"
	"segbench/pkg/artifact"
	"segbench/pkg/backend"
	"segbench/pkg/config"
	"segbench/pkg/manifest"
	"segbench/pkg/preprocess"
	"segbench/pkg/safetensors"
)

// OutputTensor is the tensor name of a persisted inference result
const OutputTensor = "output"

// ReportFile is the run report inside the inference directory
const ReportFile = "run_report.json"

// Metadata keys stamped on every persisted result
const (
	MetaCaseID      = "case_id"
	MetaBackend     = "backend"
	MetaModelSHA256 = "model_sha256"
	MetaInputSHA256 = "input_sha256"
)

// Runner executes one backend over the manifest
type Runner struct {
	cfg     *config.Config
	backend backend.Backend
	log     *slog.Logger
}

// New returns a Runner for cfg.Backend using be
func New(cfg *config.Config, be backend.Backend) *Runner {
	return &Runner{cfg: cfg, backend: be, log: logging.New("runner")}
}

// Fingerprint ties an inference run to the manifest, backend, mode and model.
// The model part covers the descriptor and its weights.
func (r *Runner) Fingerprint() string {
	upstream := ""
	if m, err := artifact.ReadMarker(r.cfg.PreprocessedDir()); err == nil {
		upstream = m.Fingerprint
	}
	model, _ := backend.ModelSHA256(r.cfg.ModelPath(r.cfg.Backend))
	return artifact.Fingerprint(upstream, r.cfg.Backend.String(), r.cfg.Mode.String(), model)
}

// ResultPath is where the result of caseID is persisted in accuracy mode
func ResultPath(dir, caseID string) string {
	return filepath.Join(dir, caseID+".safetensors")
}

// Run executes every manifest entry. Startup-class failures (missing tensors,
// model load errors) are returned as errors; per-case failures are recorded
// in the report and never abort the batch.
func (r *Runner) Run(ctx context.Context) (*models.RunReport, error) {
	m, err := manifest.Load(r.cfg.ManifestPath())
	if err != nil {
		return nil, &models.ConfigurationError{Field: "manifest", Details: "cannot load", Err: err}
	}
	if err := r.preflight(m); err != nil {
		return nil, err
	}

	outDir := r.cfg.InferenceDir()
	if err := artifact.ClearMarker(outDir); err != nil {
		return nil, err
	}

	n := len(m.Entries)
	workers := min(r.cfg.Runner.Workers, n)
	workers = max(workers, 1)

	report := &models.RunReport{
		RunID:     uuid.NewString(),
		Backend:   r.cfg.Backend.String(),
		Mode:      r.cfg.Mode.String(),
		Model:     r.cfg.ModelPath(r.cfg.Backend),
		Workers:   workers,
		StartedAt: time.Now().UTC(),
		Outcomes:  make([]models.CaseOutcome, n),
	}
	log := r.log.With("run_id", report.RunID, "backend", report.Backend, "mode", report.Mode)
	log.Info("inference started", "cases", n, "workers", workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			h, err := r.backend.Load(gctx, report.Model)
			if err != nil {
				return err
			}
			defer h.Close()

			// static sharding: entry i belongs to worker i % workers
			for i := w; i < n; i += workers {
				if err := gctx.Err(); err != nil {
					return err
				}
				outcome, err := r.runCase(gctx, h, m.Entries[i], outDir)
				if err != nil {
					return err
				}
				report.Outcomes[i] = outcome
				if outcome.Status == models.StatusFailed {
					log.Warn("case failed", "case", outcome.CaseID, "error", outcome.Error)
				} else {
					log.Debug("case done", "case", outcome.CaseID, "status", outcome.Status, "latency", outcome.Latency)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("inference aborted", "error", err)
		return nil, err
	}
	report.Span = time.Since(report.StartedAt)

	summarize(report)
	if err := artifact.WriteJSONAtomic(filepath.Join(outDir, ReportFile), report); err != nil {
		return nil, err
	}

	stage := artifact.Inferred
	if r.cfg.Mode == config.AccuracyMode {
		stage = artifact.InferredPersisted
	}
	err = artifact.WriteMarker(outDir, artifact.Marker{
		Stage:       stage,
		Fingerprint: r.Fingerprint(),
		Backend:     report.Backend,
		Mode:        report.Mode,
		Cases:       report.Counts.Succeeded,
		Failed:      report.Counts.Failed,
	})
	if err != nil {
		return nil, err
	}

	log.Info("inference finished",
		"succeeded", report.Counts.Succeeded,
		"failed", report.Counts.Failed,
		"span", report.Span,
		"throughput", report.Throughput,
		"p90", report.Latency.P90)
	return report, nil
}

// preflight fails the run before any load or write when a manifest entry has
// no tensor on disk
func (r *Runner) preflight(m *models.Manifest) error {
	var missing []string
	for _, e := range m.Entries {
		path := manifest.Resolve(r.cfg.PreprocessedDir(), e.TensorPath)
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, e.CaseID)
		}
	}
	if len(missing) > 0 {
		return &models.ConfigurationError{
			Field:   "manifest",
			Details: "no tensor for cases " + strings.Join(missing, ", "),
			Err:     models.ErrMissingArtifact,
		}
	}
	return nil
}

// runCase returns a per-case outcome. The error return is reserved for
// cancellation, which stops the worker.
func (r *Runner) runCase(ctx context.Context, h backend.ModelHandle, e models.ManifestEntry, outDir string) (models.CaseOutcome, error) {
	outcome := models.CaseOutcome{CaseID: e.CaseID, Status: models.StatusFailed}
	fail := func(err error) (models.CaseOutcome, error) {
		outcome.Error = err.Error()
		return outcome, nil
	}

	inPath := manifest.Resolve(r.cfg.PreprocessedDir(), e.TensorPath)
	inSum, err := artifact.FileSHA256(inPath)
	if err != nil {
		return fail(err)
	}
	if inSum != e.TensorSHA256 {
		return fail(fmt.Errorf("tensor checksum mismatch: manifest %s, file %s", short(e.TensorSHA256), short(inSum)))
	}

	spec := h.Spec()
	outPath := ResultPath(outDir, e.CaseID)
	meta := map[string]string{
		MetaCaseID:      e.CaseID,
		MetaBackend:     r.cfg.Backend.String(),
		MetaModelSHA256: spec.SHA256,
		MetaInputSHA256: inSum,
	}
	if r.cfg.Mode == config.AccuracyMode && r.cfg.Runner.SkipCompleted {
		if sum, ok := reusable(outPath, meta); ok {
			return models.CaseOutcome{CaseID: e.CaseID, Status: models.StatusSkipped, OutputSHA256: sum}, nil
		}
	}

	input, _, err := safetensors.ReadTensor(inPath, preprocess.InputTensor)
	if err != nil {
		return fail(err)
	}

	output, latency, err := r.backend.Infer(ctx, h, input)
	if err != nil {
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
		var sm *models.ShapeMismatchError
		var ie *models.InferenceError
		switch {
		case errors.As(err, &sm):
			sm.CaseID = e.CaseID
		case errors.As(err, &ie):
			ie.CaseID = e.CaseID
		default:
			err = &models.InferenceError{CaseID: e.CaseID, Err: err}
		}
		return fail(err)
	}

	var buf bytes.Buffer
	if err := safetensors.Encode(&buf, map[string]*models.Tensor{OutputTensor: output}, meta); err != nil {
		return fail(err)
	}
	if r.cfg.Mode == config.AccuracyMode {
		err := artifact.WriteFileAtomic(outPath, func(w io.Writer) error {
			_, err := w.Write(buf.Bytes())
			return err
		})
		if err != nil {
			return fail(err)
		}
	}

	return models.CaseOutcome{
		CaseID:       e.CaseID,
		Status:       models.StatusOK,
		Latency:      latency,
		OutputSHA256: artifact.SHA256(buf.Bytes()),
	}, nil
}

// reusable reports whether a published result was produced from the same
// backend, model and input
func reusable(path string, want map[string]string) (string, bool) {
	meta, err := safetensors.ReadMetadata(path)
	if err != nil {
		return "", false
	}
	for _, k := range []string{MetaCaseID, MetaBackend, MetaModelSHA256, MetaInputSHA256} {
		if meta[k] != want[k] {
			return "", false
		}
	}
	sum, err := artifact.FileSHA256(path)
	if err != nil {
		return "", false
	}
	return sum, true
}

// summarize fills counts, throughput and latency statistics from the outcomes
func summarize(report *models.RunReport) {
	var lat []float64
	for _, o := range report.Outcomes {
		switch o.Status {
		case models.StatusOK:
			report.Counts.Succeeded++
			lat = append(lat, float64(o.Latency))
		case models.StatusSkipped:
			report.Counts.Succeeded++
		case models.StatusFailed:
			report.Counts.Failed++
		}
	}
	if len(lat) == 0 {
		return
	}
	if secs := report.Span.Seconds(); secs > 0 {
		report.Throughput = float64(len(lat)) / secs
	}

	sort.Float64s(lat)
	q := func(p float64) time.Duration {
		return time.Duration(stat.Quantile(p, stat.Empirical, lat, nil))
	}
	report.Latency = models.LatencyStats{
		Mean: time.Duration(stat.Mean(lat, nil)),
		P50:  q(0.5),
		P90:  q(0.9),
		P99:  q(0.99),
		Min:  time.Duration(floats.Min(lat)),
		Max:  time.Duration(floats.Max(lat)),
	}
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
