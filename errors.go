package custseg

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingColumn is returned when a required input column is absent or has no values.
	ErrMissingColumn = errors.New("missing column")
	// ErrEmptyDataset is returned when the input has no records.
	ErrEmptyDataset = errors.New("empty dataset")
	// ErrInvalidValue is returned when a numeric cell cannot be parsed.
	ErrInvalidValue = errors.New("invalid value")
	// ErrDegenerateFeature is returned by a strict Scaler for zero-variance features.
	ErrDegenerateFeature = errors.New("degenerate feature")
	// ErrInvalidClusterCount is returned when k is outside [MinClusters, MaxClusters].
	ErrInvalidClusterCount = errors.New("invalid cluster count")
	// ErrInsufficientData is returned when there are fewer records than clusters.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrPrecursorMissing is returned when a pipeline stage is invoked out of order.
	ErrPrecursorMissing = errors.New("precursor missing")
	// ErrConfiguration is returned when no text generation backend is configured.
	ErrConfiguration = errors.New("configuration error")
	// ErrGenerationFailure marks a failed per-cluster insight generation.
	ErrGenerationFailure = errors.New("generation failure")
)

// Stage names a pipeline step in errors.
type Stage string

const (
	StageLoad      Stage = "load"
	StageFeaturize Stage = "featurize"
	StageScale     Stage = "scale"
	StageCluster   Stage = "cluster"
	StageSummarize Stage = "summarize"
)

// StageError reports which pipeline stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// GenerationError is the per-cluster failure recorded on an Insight.
type GenerationError struct {
	ClusterID int
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("cluster %d: %v: %v", e.ClusterID, ErrGenerationFailure, e.Err)
}

func (e *GenerationError) Unwrap() []error { return []error{ErrGenerationFailure, e.Err} }
