package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorkit/magcal/internal/calibration"
	"github.com/sensorkit/magcal/internal/units"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTuningConfig(t *testing.T) {
	path := writeConfig(t, "tuning.json", `{
		"mode": "frame",
		"method": "ransac",
		"common_axis": false,
		"known_bias": [1.5, -2.0, 0.5],
		"ground_truth_norm": 49.2,
		"latitude_deg": 52.3,
		"longitude_deg": 4.9,
		"altitude_m": 12,
		"confidence": 0.995,
		"max_iterations": 2000,
		"inlier_threshold": 1e-7,
		"seed": 42,
		"units": "uT"
	}`)

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	assert.Equal(t, calibration.ModeFrame, cfg.GetMode())
	assert.Equal(t, calibration.MethodRANSAC, cfg.GetMethod())
	assert.False(t, cfg.GetCommonAxis())
	assert.True(t, cfg.GetEstimateBias(), "omitted field takes the default")
	assert.Equal(t, 0.995, cfg.GetConfidence())
	assert.Equal(t, 2000, cfg.GetMaxIterations())
	assert.Equal(t, int64(42), cfg.GetSeed())
	assert.Equal(t, 52.3, cfg.GetLatitudeDeg())
	assert.Equal(t, 4.9, cfg.GetLongitudeDeg())
	assert.Equal(t, 12.0, cfg.GetAltitudeM())

	// Values carried in microtesla come back in tesla.
	assert.InDelta(t, 49.2e-6, cfg.GetGroundTruthNorm(), 1e-12)
	bias := cfg.GetKnownBias()
	assert.InDelta(t, 1.5e-6, bias[0], 1e-12)
	assert.InDelta(t, -2.0e-6, bias[1], 1e-12)
	assert.InDelta(t, 0.5e-6, bias[2], 1e-12)
}

func TestLoadTuningConfigPartial(t *testing.T) {
	path := writeConfig(t, "partial.json", `{"method": "lsq"}`)

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	assert.Equal(t, calibration.MethodLeastSquares, cfg.GetMethod())
	assert.Equal(t, calibration.ModeNorm, cfg.GetMode())
	assert.True(t, cfg.GetCommonAxis())
	assert.Equal(t, 0.99, cfg.GetConfidence())
	assert.Equal(t, 5000, cfg.GetMaxIterations())
	assert.Equal(t, 1e-18, cfg.GetStopThreshold())
	assert.Equal(t, 0.05, cfg.GetProgressDelta())
	assert.Equal(t, units.MicroTesla, cfg.GetUnits())
	assert.Zero(t, cfg.GetGroundTruthNorm())
	assert.Equal(t, [3]float64{}, cfg.GetKnownBias())
}

func TestLoadTuningConfigErrors(t *testing.T) {
	t.Run("wrong extension", func(t *testing.T) {
		_, err := LoadTuningConfig("tuning.yaml")
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTuningConfig(filepath.Join(t.TempDir(), "missing.json"))
		assert.Error(t, err)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		path := writeConfig(t, "bad.json", `{"mode": `)
		_, err := LoadTuningConfig(path)
		assert.Error(t, err)
	})
}

func TestTuningConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  TuningConfig
		ok   bool
	}{
		{"empty", TuningConfig{}, true},
		{"valid mode", TuningConfig{Mode: ptrString("norm")}, true},
		{"bad mode", TuningConfig{Mode: ptrString("spherical")}, false},
		{"bad method", TuningConfig{Method: ptrString("huber")}, false},
		{"confidence at bound", TuningConfig{Confidence: ptrFloat64(1)}, false},
		{"zero iterations", TuningConfig{MaxIterations: ptrInt(0)}, false},
		{"latitude out of range", TuningConfig{LatitudeDeg: ptrFloat64(91)}, false},
		{"longitude out of range", TuningConfig{LongitudeDeg: ptrFloat64(-181)}, false},
		{"bad units", TuningConfig{Units: ptrString("furlongs")}, false},
		{"valid units", TuningConfig{Units: ptrString(units.Gauss)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCalibrationConfigRoundTrip(t *testing.T) {
	cfg := TuningConfig{
		Mode:            ptrString("norm"),
		Method:          ptrString("lmeds"),
		CommonAxis:      ptrBool(true),
		EstimateBias:    ptrBool(false),
		GroundTruthNorm: ptrFloat64(48.0),
		StopThreshold:   ptrFloat64(4e-18),
	}
	require.NoError(t, cfg.Validate())

	cal := cfg.CalibrationConfig()
	assert.Equal(t, calibration.ModeNorm, cal.Mode)
	assert.Equal(t, calibration.MethodLMedS, cal.Method)
	assert.True(t, cal.CommonAxis)
	assert.False(t, cal.EstimateBias)
	assert.InDelta(t, 48e-6, cal.GroundTruthNorm, 1e-12)
	assert.Equal(t, 4e-18, cal.StopThreshold)
	assert.NoError(t, cal.Validate())
}
