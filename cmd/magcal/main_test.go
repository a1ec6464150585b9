package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorkit/magcal/internal/calibration"
	"github.com/sensorkit/magcal/internal/geomag"
)

func TestComputeResidualsNormAbsolute(t *testing.T) {
	// An identity result leaves measurements unchanged, so the residual is
	// the distance of each measured norm from the reference norm — always
	// non-negative, matching what a robust run records.
	r := &calibration.Result{}
	cfg := calibration.Config{Mode: calibration.ModeNorm, GroundTruthNorm: 5e-5}
	ms := []calibration.Measurement{
		{Body: [3]float64{4e-5, 0, 0}},
		{Body: [3]float64{0, 6e-5, 0}},
	}

	residuals, err := computeResiduals(r, cfg, ms, nil)
	require.NoError(t, err)
	require.Len(t, residuals, 2)
	assert.InDelta(t, 1e-5, residuals[0], 1e-12)
	assert.InDelta(t, 1e-5, residuals[1], 1e-12)
}

func TestComputeResidualsFrameNeedsContext(t *testing.T) {
	r := &calibration.Result{}
	cfg := calibration.Config{Mode: calibration.ModeFrame}
	ms := []calibration.Measurement{{Body: [3]float64{1e-5, 0, 0}}}

	_, err := computeResiduals(r, cfg, ms, geomag.DipoleProvider{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position or attitude")
}
