package custseg

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// degenerateTolerance absorbs rounding in the std of a constant column.
const degenerateTolerance = 1e-12

// FeatureScale is the fitted standardization of a single feature.
type FeatureScale struct {
	Name string  `json:"name"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// ScalingParameters are the per-feature statistics a Scaler was fit with.
type ScalingParameters struct {
	Features []FeatureScale `json:"features"`
	// Degenerate lists zero-variance features whose Std was replaced by 1.
	Degenerate []string `json:"degenerate,omitempty"`
}

// ScalerOptions controls zero-variance handling.
type ScalerOptions struct {
	// Strict makes Fit fail with ErrDegenerateFeature instead of substituting Std=1.
	Strict bool
}

// Scaler standardizes the clustering features to zero mean and unit variance.
type Scaler struct {
	opts   ScalerOptions
	params *ScalingParameters
}

// NewScaler returns an unfitted Scaler.
func NewScaler(opts ScalerOptions) *Scaler {
	return &Scaler{opts: opts}
}

// NewScalerFromParams returns a Scaler that applies previously fit parameters.
// This is the only supported way to standardize data with statistics from another dataset.
func NewScalerFromParams(p ScalingParameters) *Scaler {
	cp := ScalingParameters{
		Features:   append([]FeatureScale(nil), p.Features...),
		Degenerate: append([]string(nil), p.Degenerate...),
	}
	return &Scaler{params: &cp}
}

// Fitted reports whether Fit has succeeded.
func (s *Scaler) Fitted() bool { return s.params != nil }

// Params returns a copy of the fitted parameters.
func (s *Scaler) Params() (ScalingParameters, error) {
	if s.params == nil {
		return ScalingParameters{}, fmt.Errorf("%w: scaler is not fit", ErrPrecursorMissing)
	}
	return ScalingParameters{
		Features:   append([]FeatureScale(nil), s.params.Features...),
		Degenerate: append([]string(nil), s.params.Degenerate...),
	}, nil
}

// Fit computes population mean and standard deviation of every clustering feature.
// Refitting replaces the previous parameters.
func (s *Scaler) Fit(fs *FeatureSet) error {
	if fs == nil || fs.Len() == 0 {
		return ErrEmptyDataset
	}
	p := &ScalingParameters{}
	for _, name := range ClusteringFeatures {
		col := fs.Column(name)
		if col == nil {
			return fmt.Errorf("%w: feature %s", ErrMissingColumn, name)
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std <= degenerateTolerance*math.Max(1, math.Abs(mean)) {
			if s.opts.Strict {
				return fmt.Errorf("%w: %s has zero variance", ErrDegenerateFeature, name)
			}
			log.Printf("⚠️  Feature %s has zero variance, scaling with std=1", name)
			std = 1
			p.Degenerate = append(p.Degenerate, name)
		}
		p.Features = append(p.Features, FeatureScale{Name: name, Mean: mean, Std: std})
	}
	s.params = p
	return nil
}

// Transform returns the standardized clustering features, one row per record.
func (s *Scaler) Transform(fs *FeatureSet) (*mat.Dense, error) {
	if s.params == nil {
		return nil, fmt.Errorf("%w: scaler is not fit", ErrPrecursorMissing)
	}
	if fs == nil || fs.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	out := mat.NewDense(fs.Len(), len(s.params.Features), nil)
	for j, f := range s.params.Features {
		idx := fs.Index(f.Name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: feature %s", ErrMissingColumn, f.Name)
		}
		for i, row := range fs.Values {
			out.Set(i, j, (row[idx]-f.Mean)/f.Std)
		}
	}
	return out, nil
}

// InverseTransform maps standardized rows back to original feature units.
func (s *Scaler) InverseTransform(z mat.Matrix) (*mat.Dense, error) {
	if s.params == nil {
		return nil, fmt.Errorf("%w: scaler is not fit", ErrPrecursorMissing)
	}
	r, c := z.Dims()
	if c != len(s.params.Features) {
		return nil, fmt.Errorf("inverse transform: got %d columns, want %d", c, len(s.params.Features))
	}
	out := mat.NewDense(r, c, nil)
	for j, f := range s.params.Features {
		for i := 0; i < r; i++ {
			out.Set(i, j, z.At(i, j)*f.Std+f.Mean)
		}
	}
	return out, nil
}
