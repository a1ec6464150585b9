package calibration

import (
	"fmt"
	"math"
	"time"

	"github.com/sensorkit/magcal/internal/geomag"
	"github.com/sensorkit/magcal/internal/magmodel"
)

// fitModel is the measurement model handed to the solver, extended with a
// cheap scalar residual used by the robust scorer.
type fitModel interface {
	magmodel.Model
	residual(theta []float64, sample int) float64
}

type frameFitModel struct {
	*magmodel.FrameModel
}

func (m frameFitModel) residual(theta []float64, sample int) float64 {
	pred := m.Predict(theta, m.True[sample])
	dx := pred[0] - m.Measured[sample][0]
	dy := pred[1] - m.Measured[sample][1]
	dz := pred[2] - m.Measured[sample][2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

type normFitModel struct {
	*magmodel.NormModel
}

func (m normFitModel) residual(theta []float64, sample int) float64 {
	corrected, err := m.Correct(theta, m.Measured[sample])
	if err != nil {
		return math.NaN()
	}
	n := math.Sqrt(corrected[0]*corrected[0] + corrected[1]*corrected[1] + corrected[2]*corrected[2])
	return math.Abs(n - m.Norm)
}

// preprocess resolves ground truth for every measurement and assembles the
// measurement model and per-sample weights. Missing context surfaces as
// *NotReadyError and provider failures as *NumericalError, before any
// fitting starts.
func preprocess(cfg Config, provider geomag.FieldProvider, measurements []Measurement, start time.Time) (fitModel, []float64, error) {
	param := magmodel.Parameterization{
		CommonAxis:   cfg.CommonAxis,
		EstimateBias: cfg.EstimateBias,
	}

	weights := make([]float64, len(measurements))
	for i, m := range measurements {
		weights[i] = m.Weight()
	}

	switch cfg.Mode {
	case ModeFrame:
		model := &magmodel.FrameModel{
			Param:     param,
			True:      make([][3]float64, len(measurements)),
			Measured:  make([][3]float64, len(measurements)),
			KnownBias: cfg.KnownBias,
		}
		if provider == nil {
			return nil, nil, &NotReadyError{Reason: "frame calibration needs a reference-field provider"}
		}
		for i, m := range measurements {
			if m.Position == nil {
				return nil, nil, &NotReadyError{Reason: fmt.Sprintf("measurement %d has no position", i)}
			}
			if m.Attitude == nil {
				return nil, nil, &NotReadyError{Reason: fmt.Sprintf("measurement %d has no attitude", i)}
			}
			ned, err := provider.Field(*m.Position, sampleTime(m, start))
			if err != nil {
				return nil, nil, &NumericalError{Op: "reference field lookup", Err: err}
			}
			model.True[i] = m.Attitude.NEDToBody(ned)
			model.Measured[i] = m.Body
		}
		return frameFitModel{model}, weights, nil

	case ModeNorm:
		norm, err := groundTruthNorm(cfg, provider, measurements, start)
		if err != nil {
			return nil, nil, err
		}
		model := &magmodel.NormModel{
			Param:     param,
			Measured:  make([][3]float64, len(measurements)),
			Norm:      norm,
			KnownBias: cfg.KnownBias,
		}
		for i, m := range measurements {
			model.Measured[i] = m.Body
		}
		return normFitModel{model}, weights, nil
	}
	return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("unknown mode %q", cfg.Mode)}
}

// groundTruthNorm returns the configured field magnitude, falling back to a
// provider lookup at the first positioned measurement.
func groundTruthNorm(cfg Config, provider geomag.FieldProvider, measurements []Measurement, start time.Time) (float64, error) {
	if cfg.GroundTruthNorm > 0 {
		return cfg.GroundTruthNorm, nil
	}
	if provider == nil {
		return 0, &NotReadyError{Reason: "norm calibration needs a ground-truth norm or a reference-field provider"}
	}
	for i, m := range measurements {
		if m.Position == nil {
			continue
		}
		ned, err := provider.Field(*m.Position, sampleTime(m, start))
		if err != nil {
			return 0, &NumericalError{Op: "reference field lookup", Err: err}
		}
		n := math.Sqrt(ned[0]*ned[0] + ned[1]*ned[1] + ned[2]*ned[2])
		if n <= 0 {
			return 0, &NumericalError{Op: "reference field lookup",
				Err: fmt.Errorf("zero field norm at measurement %d", i)}
		}
		return n, nil
	}
	return 0, &NotReadyError{Reason: "no measurement carries a position for the field norm lookup"}
}

func sampleTime(m Measurement, start time.Time) time.Time {
	if m.Time.IsZero() {
		return start
	}
	return m.Time
}
