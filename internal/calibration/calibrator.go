// Package calibration ties the measurement model, the Levenberg-Marquardt
// fitter and the robust estimator together into a single calibration engine.
//
// A Calibrator accumulates raw body-frame measurements, resolves their
// ground truth through a reference-field provider, runs the configured
// estimation strategy and publishes the latest successful Result. One run
// executes at a time; a second Calibrate while one is in progress fails
// with a *ConfigurationError and leaves the running fit untouched.
package calibration

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensorkit/magcal/internal/fitter"
	"github.com/sensorkit/magcal/internal/geomag"
	"github.com/sensorkit/magcal/internal/magmodel"
	"github.com/sensorkit/magcal/internal/robust"
)

// Logf is used to log informational messages during calibration runs.
// Defaults to log.Printf; replace it to integrate with another logger.
var Logf = log.Printf

// Listener receives synchronous notifications about a calibration run.
// Nil fields are skipped. Callbacks run on the calibrating goroutine, so
// slow callbacks stretch the run.
type Listener struct {
	// RunStarted fires once readiness checks pass, before any fitting.
	RunStarted func()

	// RunEnded fires when the run finishes, successfully or not.
	RunEnded func(succeeded bool)

	// Iteration fires after each robust sampling iteration.
	Iteration func(iteration int)

	// Progress fires with the estimated completion fraction in [0, 1].
	Progress func(fraction float64)
}

// Calibrator is the calibration engine. Safe for concurrent use; the
// measurement set and the published result are guarded independently of the
// run itself.
type Calibrator struct {
	cfg      Config
	param    magmodel.Parameterization
	provider geomag.FieldProvider
	listener Listener

	running atomic.Bool

	mu           sync.RWMutex
	measurements []Measurement
	result       *Result
}

// New creates a Calibrator with the given configuration, reference-field
// provider and listener. The configuration is validated here, once; Provider
// may be nil for norm-based calibration with an explicit ground-truth norm.
func New(cfg Config, provider geomag.FieldProvider, listener Listener) (*Calibrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calibrator{
		cfg: cfg,
		param: magmodel.Parameterization{
			CommonAxis:   cfg.CommonAxis,
			EstimateBias: cfg.EstimateBias,
		},
		provider: provider,
		listener: listener,
	}, nil
}

// Config returns the effective configuration with defaults applied.
func (c *Calibrator) Config() Config { return c.cfg }

// MinMeasurements returns the smallest measurement count the configured
// model can be fitted from. It is also the robust minimal-subset size.
func (c *Calibrator) MinMeasurements() int {
	if c.cfg.Mode == ModeFrame {
		return magmodel.MinFrameMeasurements(c.param)
	}
	return magmodel.MinNormMeasurements(c.param)
}

// SetMeasurements replaces the measurement set. It fails while a run is in
// progress.
func (c *Calibrator) SetMeasurements(measurements []Measurement) error {
	if c.running.Load() {
		return &ConfigurationError{Reason: "cannot replace measurements during a run"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.measurements = append([]Measurement(nil), measurements...)
	return nil
}

// AddMeasurements appends to the measurement set. It fails while a run is
// in progress.
func (c *Calibrator) AddMeasurements(measurements ...Measurement) error {
	if c.running.Load() {
		return &ConfigurationError{Reason: "cannot add measurements during a run"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.measurements = append(c.measurements, measurements...)
	return nil
}

// NumMeasurements returns the current measurement count.
func (c *Calibrator) NumMeasurements() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.measurements)
}

// Ready reports whether enough measurements are present to start a run.
func (c *Calibrator) Ready() bool {
	return c.NumMeasurements() >= c.MinMeasurements()
}

// Running reports whether a calibration run is in progress.
func (c *Calibrator) Running() bool { return c.running.Load() }

// Result returns the latest successful calibration result, or nil when no
// run has succeeded yet. Failed runs never replace a previous result.
func (c *Calibrator) Result() *Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result
}

// Calibrate runs the configured estimation strategy over the current
// measurement set and blocks until it finishes. On success the result is
// published and returned; on failure the previously published result stays
// in place and the error classifies the failure.
func (c *Calibrator) Calibrate() (*Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, &ConfigurationError{Reason: "calibration already in progress"}
	}
	defer c.running.Store(false)

	start := time.Now()
	c.mu.RLock()
	measurements := append([]Measurement(nil), c.measurements...)
	c.mu.RUnlock()

	if min := c.MinMeasurements(); len(measurements) < min {
		return nil, &NotReadyError{Reason: fmt.Sprintf(
			"%d measurements, need at least %d", len(measurements), min)}
	}

	model, weights, err := preprocess(c.cfg, c.provider, measurements, start)
	if err != nil {
		return nil, err
	}

	Logf("calibration run starting: mode=%s method=%s measurements=%d params=%d",
		c.cfg.Mode, c.cfg.Method, len(measurements), c.param.NumParams())
	if c.listener.RunStarted != nil {
		c.listener.RunStarted()
	}

	result, err := c.run(model, weights)
	if c.listener.RunEnded != nil {
		c.listener.RunEnded(err == nil)
	}
	if err != nil {
		Logf("calibration run failed: %v", err)
		return nil, err
	}

	result.Started = start
	result.Finished = time.Now()
	Logf("calibration run finished: chisq=%g mse=%g elapsed=%s",
		result.ChiSq, result.MSE, result.Finished.Sub(start))

	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
	return result, nil
}

func (c *Calibrator) run(model fitModel, weights []float64) (*Result, error) {
	if c.cfg.Method == MethodLeastSquares {
		fit, err := fitter.Fit(model, weights, nil, make([]float64, model.NumParams()), c.cfg.Fitter)
		if err != nil {
			return nil, &NumericalError{Op: "least-squares fit", Err: err}
		}
		return c.finalize(fit, nil)
	}

	var scorer robust.Scorer
	switch c.cfg.Method {
	case MethodLMedS:
		scorer = robust.LMedS{StopThreshold: c.cfg.StopThreshold}
	case MethodRANSAC:
		scorer = robust.RANSAC{Threshold: c.cfg.InlierThreshold}
	}

	estimator := robust.New(scorer, robust.Config{
		Confidence:    c.cfg.Confidence,
		MaxIterations: c.cfg.MaxIterations,
		SubsetSize:    c.MinMeasurements(),
		ProgressDelta: c.cfg.ProgressDelta,
		Seed:          c.cfg.Seed,
	}, robust.Callbacks{
		OnIteration: c.listener.Iteration,
		OnProgress:  c.listener.Progress,
	})

	problem := &fitProblem{model: model, weights: weights, opts: c.cfg.Fitter}
	preliminary, inliers, err := estimator.Estimate(problem)
	if err != nil {
		return nil, classifyRobustErr(err)
	}

	fit, err := fitter.Fit(model, weights, inliers.Indices(), preliminary.Params, c.cfg.Fitter)
	if err != nil {
		return nil, &NumericalError{Op: "inlier refit", Err: err}
	}
	return c.finalize(fit, inliers)
}

// finalize expands the covariance to the full parameter ordering and wraps
// the fit into a published Result.
func (c *Calibrator) finalize(fit *fitter.Result, inliers *robust.Inliers) (*Result, error) {
	cov := fit.Covariance
	if c.cfg.CommonAxis && cov != nil {
		expanded, err := fitter.ExpandCommonAxisCovariance(cov, c.cfg.EstimateBias)
		if err != nil {
			return nil, &NumericalError{Op: "covariance propagation", Err: err}
		}
		cov = expanded
	}
	result := newResult(c.cfg, c.param, fit.Params, cov, fit.ChiSq, fit.MSE, fit.Iterations)
	result.Inliers = inliers
	return result, nil
}

func classifyRobustErr(err error) error {
	switch {
	case errors.Is(err, robust.ErrNotReady):
		return &NotReadyError{Reason: err.Error()}
	case errors.Is(err, robust.ErrLocked), errors.Is(err, robust.ErrBadConfig):
		return &ConfigurationError{Reason: "robust estimator", Err: err}
	default:
		return &RobustEstimationError{Err: err}
	}
}

// fitProblem adapts the measurement model and solver to the robust
// estimator's Problem interface. Candidate fits start from zero parameters,
// the undistorted sensor.
type fitProblem struct {
	model   fitModel
	weights []float64
	opts    fitter.Options
}

func (p *fitProblem) NumMeasurements() int { return p.model.NumSamples() }

func (p *fitProblem) NumParams() int { return p.model.NumParams() }

func (p *fitProblem) FitSubset(indices []int) ([]float64, error) {
	fit, err := fitter.Fit(p.model, p.weights, indices, make([]float64, p.model.NumParams()), p.opts)
	if err != nil {
		return nil, err
	}
	return fit.Params, nil
}

func (p *fitProblem) Residual(theta []float64, sample int) float64 {
	return p.model.residual(theta, sample)
}
