package models

import (
	"errors"
	"fmt"
)

// ErrMissingArtifact marks a stage input that is not on disk
var ErrMissingArtifact = errors.New("missing artifact")

// ConfigurationError reports invalid paths, names or missing upstream state.
// It is fatal at startup.
type ConfigurationError struct {
	Field   string
	Details string
	Err     error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ModelLoadError reports a missing or corrupt model artifact. It aborts the run.
type ModelLoadError struct {
	Model string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// ShapeMismatchError reports an input tensor that disagrees with the model.
// It fails only the affected case.
type ShapeMismatchError struct {
	CaseID   string
	Expected []int
	Actual   []int
}

func (e *ShapeMismatchError) Error() string {
	if e.CaseID == "" {
		return fmt.Sprintf("shape mismatch: expected %v, got %v", e.Expected, e.Actual)
	}
	return fmt.Sprintf("case %s: shape mismatch: expected %v, got %v", e.CaseID, e.Expected, e.Actual)
}

// InferenceError wraps any other backend failure for one case
type InferenceError struct {
	CaseID string
	Err    error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("case %s: inference failed: %v", e.CaseID, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// ManifestMismatchError reports an inference result without a manifest entry
type ManifestMismatchError struct {
	CaseID string
}

func (e *ManifestMismatchError) Error() string {
	return fmt.Sprintf("case %s: no manifest entry for inference result", e.CaseID)
}

// Exclusion reasons used by the evaluator
const (
	ReasonMissingGroundTruth = "missing ground truth"
	ReasonMissingPrediction  = "missing prediction"
	ReasonShapeMismatch      = "shape mismatch"
	ReasonManifestMismatch   = "no manifest entry"
	ReasonBadPrediction      = "unreadable prediction"
	ReasonBadGroundTruth     = "unreadable ground truth"
)

// ScoringExclusionError reports a case that cannot be scored
type ScoringExclusionError struct {
	CaseID string
	Reason string
	Err    error
}

func (e *ScoringExclusionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("case %s excluded: %s: %v", e.CaseID, e.Reason, e.Err)
	}
	return fmt.Sprintf("case %s excluded: %s", e.CaseID, e.Reason)
}

func (e *ScoringExclusionError) Unwrap() error { return e.Err }

// IsFatal reports whether err belongs to the startup class that aborts a run
func IsFatal(err error) bool {
	var cfgErr *ConfigurationError
	var loadErr *ModelLoadError
	return errors.As(err, &cfgErr) || errors.As(err, &loadErr)
}
