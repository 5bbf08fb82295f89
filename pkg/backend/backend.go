// Package backend defines the inference engine contract and its two
// implementations: a float64 reference engine built on gonum and a compiled
// float32 graph engine tuned for throughput.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"segbench/internal/logging"
	"segbench/internal/models"
	"segbench/pkg/config"
)

// Spec is the fixed tensor contract of a loaded model
type Spec struct {
	Name   string
	Input  []int
	Output []int
	SHA256 string
}

// ModelHandle is a loaded model. It owns the backend's execution resources
// until Close is called and must not be shared between goroutines.
type ModelHandle interface {
	Spec() Spec
	Close() error
}

// Backend is the contract every inference engine satisfies
type Backend interface {
	// Load reads a model descriptor. Failures are *models.ModelLoadError.
	Load(ctx context.Context, modelRef string) (ModelHandle, error)

	// Infer runs one input through the model and reports the compute latency.
	// A wrong input shape is *models.ShapeMismatchError; anything else
	// is *models.InferenceError.
	Infer(ctx context.Context, h ModelHandle, input *models.Tensor) (*models.Tensor, time.Duration, error)
}

// Options tune backend construction
type Options struct {
	// Threads bounds intra-op parallelism of the optimized backend
	Threads int

	Logger *slog.Logger
}

// New constructs the backend selected by kind
func New(kind config.BackendKind, opts Options) (Backend, error) {
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("backend." + kind.String())
	}

	switch kind {
	case config.ReferenceBackend:
		return &referenceBackend{log: opts.Logger}, nil
	case config.OptimizedBackend:
		return &optimizedBackend{log: opts.Logger, threads: opts.Threads}, nil
	}
	return nil, &models.ConfigurationError{Field: "backend", Details: fmt.Sprintf("no implementation for %s", kind)}
}

func checkInput(spec Spec, input *models.Tensor) error {
	if input == nil {
		return fmt.Errorf("nil input tensor")
	}
	if !models.ShapeEqual(spec.Input, input.Shape) {
		return &models.ShapeMismatchError{Expected: spec.Input, Actual: input.Shape}
	}
	return input.Validate()
}
