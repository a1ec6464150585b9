package calibration

import "fmt"

// The calibration error taxonomy. Readiness and configuration are checked
// before any computation begins; numerical failures inside a single robust
// candidate are swallowed by the sampling loop, so only whole-run failures
// surface here. Use errors.As to classify.

// ConfigurationError reports an invalid configuration value or an
// invocation while a run is already in progress.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("calibration configuration: %s: %v", e.Reason, e.Err)
	}
	return "calibration configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NotReadyError reports that the measurement set is below the model's
// minimum or that a required ground-truth reference is unset. Raised before
// any numerical work.
type NotReadyError struct {
	Reason string
}

func (e *NotReadyError) Error() string { return "calibration not ready: " + e.Reason }

// NumericalError wraps fitter non-convergence, a singular information
// matrix, or a reference-field lookup failure.
type NumericalError struct {
	Op  string
	Err error
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("calibration numerical failure in %s: %v", e.Op, e.Err)
}

func (e *NumericalError) Unwrap() error { return e.Err }

// RobustEstimationError reports that the sampling loop found no valid
// consensus subset or exhausted its iteration budget without reaching the
// configured confidence.
type RobustEstimationError struct {
	Err error
}

func (e *RobustEstimationError) Error() string {
	return fmt.Sprintf("robust estimation failed: %v", e.Err)
}

func (e *RobustEstimationError) Unwrap() error { return e.Err }
