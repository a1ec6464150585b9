package report

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorkit/magcal/internal/calibration"
	"github.com/sensorkit/magcal/internal/robust"
)

func TestWriteHTML(t *testing.T) {
	result := &calibration.Result{
		RunID:  uuid.New(),
		Method: calibration.MethodLMedS,
		Mode:   calibration.ModeNorm,
		ChiSq:  2.1e-15,
		MSE:    4.4e-17,
		Inliers: &robust.Inliers{
			Mask:  []bool{true, true, false, true},
			Count: 3,
		},
	}

	var buf bytes.Buffer
	err := WriteHTML(&buf, RunReport{
		Result:    result,
		Residuals: []float64{1e-9, -2e-9, 5e-6, 0.5e-9},
	})
	require.NoError(t, err)

	html := buf.String()
	assert.Contains(t, html, "inliers")
	assert.Contains(t, html, "outliers")
	assert.Contains(t, html, result.RunID.String())
	assert.Contains(t, html, "residual (nT)")
}

func TestWriteHTMLWithoutInliers(t *testing.T) {
	result := &calibration.Result{
		RunID:  uuid.New(),
		Method: calibration.MethodLeastSquares,
		Mode:   calibration.ModeFrame,
	}

	var buf bytes.Buffer
	err := WriteHTML(&buf, RunReport{
		Result:    result,
		Residuals: []float64{1e-9, 2e-9},
		Units:     "uT",
	})
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "outliers")
	assert.Contains(t, buf.String(), "residual (uT)")
}

func TestWriteHTMLErrors(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteHTML(&buf, RunReport{}))

	assert.Error(t, WriteHTML(&buf, RunReport{
		Result: &calibration.Result{RunID: uuid.New()},
		Units:  "furlongs",
	}))
}
