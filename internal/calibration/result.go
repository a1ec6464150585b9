package calibration

import (
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/sensorkit/magcal/internal/magmodel"
	"github.com/sensorkit/magcal/internal/robust"
)

// Result is the outcome of a successful calibration run. Bias and
// Distortion are always reported in the full parameterization regardless of
// the fit's restrictions, as is the covariance.
type Result struct {
	// RunID identifies the calibration run that produced this result.
	RunID uuid.UUID

	// Method is the estimation strategy that produced the result.
	Method Method

	// Mode is the measurement model the result was fitted with.
	Mode Mode

	// Bias is the hard-iron offset in tesla, estimated or configured.
	Bias [3]float64

	// Distortion is the soft-iron matrix C, row major, so that a raw
	// measurement decomposes as m = b + t + C t.
	Distortion [9]float64

	// Covariance is the parameter covariance in the full ordering, bias
	// components first when estimated, then sx, sy, sz, mxy, mxz, myx,
	// myz, mzx, mzy. Common-axis fits are expanded to this ordering.
	Covariance *mat.Dense

	// ChiSq is the weighted sum of squared residuals of the final fit.
	ChiSq float64

	// MSE is the unweighted mean squared residual of the final fit.
	MSE float64

	// Iterations counts the inner solver iterations of the final fit.
	Iterations int

	// Inliers describes the consensus set for robust methods, nil for a
	// plain least-squares fit.
	Inliers *robust.Inliers

	// Started and Finished bound the run wall time.
	Started  time.Time
	Finished time.Time
}

// DistortionMatrix returns the soft-iron matrix C as a dense 3x3.
func (r *Result) DistortionMatrix() *mat.Dense {
	d := r.Distortion
	return mat.NewDense(3, 3, d[:])
}

// Correct applies the calibration to a raw body-frame measurement,
// returning the recovered true field t = (I + C)^-1 (m - b).
func (r *Result) Correct(raw [3]float64) ([3]float64, error) {
	var a mat.Dense
	a.Add(eye3, r.DistortionMatrix())
	rhs := mat.NewVecDense(3, []float64{
		raw[0] - r.Bias[0],
		raw[1] - r.Bias[1],
		raw[2] - r.Bias[2],
	})
	var t mat.VecDense
	if err := t.SolveVec(&a, rhs); err != nil {
		return [3]float64{}, &NumericalError{Op: "measurement correction", Err: err}
	}
	return [3]float64{t.AtVec(0), t.AtVec(1), t.AtVec(2)}, nil
}

var eye3 = mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})

// newResult assembles a Result from a final fit in the given
// parameterization.
func newResult(cfg Config, param magmodel.Parameterization, params []float64, cov *mat.Dense, chiSq, mse float64, iterations int) *Result {
	return &Result{
		RunID:      uuid.New(),
		Method:     cfg.Method,
		Mode:       cfg.Mode,
		Bias:       param.Bias(params, cfg.KnownBias),
		Distortion: param.Distortion(params),
		Covariance: cov,
		ChiSq:      chiSq,
		MSE:        mse,
		Iterations: iterations,
	}
}
