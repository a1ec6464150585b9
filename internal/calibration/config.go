package calibration

import (
	"fmt"

	"github.com/sensorkit/magcal/internal/fitter"
)

// Mode selects the measurement model used for calibration.
type Mode string

const (
	// ModeFrame fits full 3-vector residuals against reference field
	// vectors rotated into the body frame. Needs position and attitude
	// on every measurement.
	ModeFrame Mode = "frame"

	// ModeNorm fits scalar residuals of the corrected field magnitude
	// against a known field norm. Needs no attitude.
	ModeNorm Mode = "norm"
)

// Method selects the estimation strategy.
type Method string

const (
	// MethodLeastSquares is a single Levenberg-Marquardt fit over all
	// measurements with no outlier rejection.
	MethodLeastSquares Method = "lsq"

	// MethodLMedS minimizes the median of squared residuals over random
	// minimal subsets, then refits on the detected inliers.
	MethodLMedS Method = "lmeds"

	// MethodRANSAC maximizes the inlier count under a fixed residual
	// threshold over random minimal subsets, then refits on the inliers.
	MethodRANSAC Method = "ransac"
)

// Config holds the tuning for a calibration run. Zero values take the
// defaults noted per field; Validate reports anything inconsistent.
type Config struct {
	// Mode selects frame-based or norm-based calibration.
	// Defaults to ModeNorm.
	Mode Mode

	// Method selects the estimation strategy. Defaults to MethodLMedS.
	Method Method

	// CommonAxis restricts the soft-iron matrix to be symmetric,
	// reducing the distortion parameters from nine to six.
	CommonAxis bool

	// EstimateBias adds the three hard-iron bias components to the
	// estimated parameters. When false, KnownBias is subtracted instead.
	EstimateBias bool

	// KnownBias is the hard-iron bias in tesla, used only when
	// EstimateBias is false.
	KnownBias [3]float64

	// GroundTruthNorm is the known field magnitude in tesla for
	// norm-based calibration. When zero, the norm is derived from the
	// reference-field provider at the first measurement's position.
	GroundTruthNorm float64

	// Confidence is the probability that at least one sampled subset is
	// outlier free, driving the robust iteration count. Defaults to 0.99.
	Confidence float64

	// MaxIterations caps the robust sampling loop. Defaults to 5000.
	MaxIterations int

	// StopThreshold ends LMedS sampling early once the best median
	// squared residual drops below it, in tesla squared.
	// Defaults to 1e-18, the square of one nanotesla.
	StopThreshold float64

	// InlierThreshold is the fixed absolute residual bound for RANSAC,
	// in tesla. Required when Method is MethodRANSAC.
	InlierThreshold float64

	// ProgressDelta is the minimum progress change between listener
	// notifications. Defaults to 0.05.
	ProgressDelta float64

	// Seed initializes the subset sampler so runs are reproducible.
	Seed int64

	// Fitter tunes the inner Levenberg-Marquardt solver. Zero fields
	// take the solver's defaults.
	Fitter fitter.Options
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeNorm
	}
	if c.Method == "" {
		c.Method = MethodLMedS
	}
	if c.Confidence == 0 {
		c.Confidence = 0.99
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 5000
	}
	if c.StopThreshold == 0 {
		c.StopThreshold = 1e-18
	}
	if c.ProgressDelta == 0 {
		c.ProgressDelta = 0.05
	}
	return c
}

// Validate checks the configuration after defaults are applied. It returns
// a *ConfigurationError describing the first inconsistency found.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeFrame, ModeNorm:
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unknown mode %q", c.Mode)}
	}
	switch c.Method {
	case MethodLeastSquares, MethodLMedS, MethodRANSAC:
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unknown method %q", c.Method)}
	}
	if c.Confidence <= 0 || c.Confidence >= 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("confidence %v outside (0, 1)", c.Confidence)}
	}
	if c.MaxIterations < 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("max iterations %d below 1", c.MaxIterations)}
	}
	if c.Method == MethodLMedS && c.StopThreshold <= 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("stop threshold %v not positive", c.StopThreshold)}
	}
	if c.Method == MethodRANSAC && c.InlierThreshold <= 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("inlier threshold %v not positive", c.InlierThreshold)}
	}
	if c.ProgressDelta <= 0 || c.ProgressDelta > 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("progress delta %v outside (0, 1]", c.ProgressDelta)}
	}
	if c.GroundTruthNorm < 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("ground-truth norm %v negative", c.GroundTruthNorm)}
	}
	return nil
}
