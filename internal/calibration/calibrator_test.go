package calibration

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorkit/magcal/internal/geomag"
)

// applyModel synthesizes a raw measurement m = b + t + C·t from a true
// field vector, with C row major.
func applyModel(bias, t [3]float64, c [9]float64) [3]float64 {
	return [3]float64{
		bias[0] + t[0] + c[0]*t[0] + c[1]*t[1] + c[2]*t[2],
		bias[1] + t[1] + c[3]*t[0] + c[4]*t[1] + c[5]*t[2],
		bias[2] + t[2] + c[6]*t[0] + c[7]*t[1] + c[8]*t[2],
	}
}

func spreadAttitudes(n int) []geomag.Attitude {
	out := make([]geomag.Attitude, n)
	for i := range out {
		out[i] = geomag.Attitude{
			RollRad:  0.9*float64(i) + 0.2,
			PitchRad: 0.5*float64(i) - 0.4,
			YawRad:   1.3 * float64(i),
		}
	}
	return out
}

// frameMeasurements builds noiseless frame-mode measurements of a sensor
// with the given bias and distortion sitting in the provider's field.
func frameMeasurements(provider *geomag.StaticProvider, attitudes []geomag.Attitude, bias [3]float64, c [9]float64) []Measurement {
	pos := geomag.Position{LatitudeDeg: 52.2, LongitudeDeg: 4.4, AltitudeM: 10}
	out := make([]Measurement, len(attitudes))
	for i := range attitudes {
		att := attitudes[i]
		truth := att.NEDToBody(provider.NED)
		out[i] = Measurement{
			Body:     applyModel(bias, truth, c),
			Position: &pos,
			Attitude: &att,
		}
	}
	return out
}

// randomTruths draws well-spread true field vectors of the given magnitude.
func randomTruths(n int, norm float64, seed int64) [][3]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][3]float64, n)
	for i := range out {
		for {
			v := [3]float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
			l := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
			if l < 1e-3 {
				continue
			}
			out[i] = [3]float64{v[0] / l * norm, v[1] / l * norm, v[2] / l * norm}
			break
		}
	}
	return out
}

func normMeasurements(truths [][3]float64, bias [3]float64, c [9]float64) []Measurement {
	out := make([]Measurement, len(truths))
	for i, t := range truths {
		out[i] = Measurement{Body: applyModel(bias, t, c)}
	}
	return out
}

func TestCalibrateFrameRecoversBias(t *testing.T) {
	// Distortion-free sensor with a pure hard-iron offset, observed in
	// three distinct orientations. The system is exactly determined and
	// noiseless, so the bias comes back to within numerical precision.
	provider := &geomag.StaticProvider{NED: [3]float64{2.1e-5, 0.4e-5, 4.3e-5}}
	bias := [3]float64{1e-6, 2e-6, -1e-6}

	c, err := New(Config{
		Mode:         ModeFrame,
		Method:       MethodLeastSquares,
		CommonAxis:   true,
		EstimateBias: true,
	}, provider, Listener{})
	require.NoError(t, err)

	require.NoError(t, c.SetMeasurements(
		frameMeasurements(provider, spreadAttitudes(3), bias, [9]float64{})))
	require.True(t, c.Ready())

	res, err := c.Calibrate()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.InDelta(t, bias[i], res.Bias[i], 1e-9)
	}
	for i, v := range res.Distortion {
		assert.InDelta(t, 0, v, 1e-6, "distortion entry %d", i)
	}
	assert.NotEqual(t, uuid.Nil, res.RunID)
	assert.Equal(t, ModeFrame, res.Mode)
	assert.Equal(t, MethodLeastSquares, res.Method)
	assert.Nil(t, res.Inliers)
	assert.False(t, res.Finished.Before(res.Started))
	assert.Same(t, res, c.Result())
}

func TestCalibrateFrameGeneralDistortion(t *testing.T) {
	provider := &geomag.StaticProvider{NED: [3]float64{1.9e-5, -0.3e-5, 4.5e-5}}
	bias := [3]float64{2.5e-6, -1.1e-6, 0.7e-6}
	c := [9]float64{
		0.03, 0.006, -0.004,
		0.002, -0.025, 0.007,
		-0.003, 0.005, 0.015,
	}

	cal, err := New(Config{
		Mode:         ModeFrame,
		Method:       MethodLeastSquares,
		EstimateBias: true,
	}, provider, Listener{})
	require.NoError(t, err)

	require.NoError(t, cal.SetMeasurements(
		frameMeasurements(provider, spreadAttitudes(8), bias, c)))

	res, err := cal.Calibrate()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.InDelta(t, bias[i], res.Bias[i], 1e-9)
	}
	for i := range c {
		assert.InDelta(t, c[i], res.Distortion[i], 1e-6, "distortion entry %d", i)
	}

	// The covariance of a general fit with bias spans all 12 parameters.
	rows, cols := res.Covariance.Dims()
	assert.Equal(t, 12, rows)
	assert.Equal(t, 12, cols)

	t.Run("correct round trip", func(t *testing.T) {
		truth := [3]float64{1.2e-5, -2.4e-5, 3.1e-5}
		raw := applyModel(bias, truth, c)
		got, err := res.Correct(raw)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			assert.InDelta(t, truth[i], got[i], 1e-9)
		}
	})
}

func TestCalibrateNormLMedSRejectsOutliers(t *testing.T) {
	// Noiseless norm-mode data with six gross outliers. LMedS must score
	// them out of the consensus set and the inlier refit must recover the
	// clean parameters as if the outliers were never there.
	const fieldNorm = 5e-5
	bias := [3]float64{1e-6, 2e-6, -1e-6}
	c := [9]float64{
		0.02, 0.005, -0.004,
		0, -0.015, 0.003,
		0, 0, 0.01,
	}

	truths := randomTruths(40, fieldNorm, 11)
	measurements := normMeasurements(truths, bias, c)
	outliers := []int{3, 9, 17, 22, 30, 38}
	for _, i := range outliers {
		measurements[i].Body[0] += 2e-5
		measurements[i].Body[1] -= 1.5e-5
		measurements[i].Body[2] += 1e-5
	}

	var iterations, progressCalls int
	cal, err := New(Config{
		Mode:            ModeNorm,
		Method:          MethodLMedS,
		CommonAxis:      true,
		EstimateBias:    true,
		GroundTruthNorm: fieldNorm,
		Seed:            7,
	}, nil, Listener{
		Iteration: func(int) { iterations++ },
		Progress:  func(f float64) { progressCalls++; assert.GreaterOrEqual(t, f, 0.0); assert.LessOrEqual(t, f, 1.0) },
	})
	require.NoError(t, err)
	require.NoError(t, cal.SetMeasurements(measurements))

	res, err := cal.Calibrate()
	require.NoError(t, err)
	require.NotNil(t, res.Inliers)

	for _, i := range outliers {
		assert.False(t, res.Inliers.Mask[i], "outlier %d kept as inlier", i)
	}
	assert.GreaterOrEqual(t, res.Inliers.Count, cal.MinMeasurements())
	assert.Positive(t, iterations)
	assert.Positive(t, progressCalls)

	for i := 0; i < 3; i++ {
		assert.InDelta(t, bias[i], res.Bias[i], 1e-9)
	}
	for i := range c {
		assert.InDelta(t, c[i], res.Distortion[i], 1e-6, "distortion entry %d", i)
	}
}

func TestCalibrateNormRANSAC(t *testing.T) {
	const fieldNorm = 5e-5
	bias := [3]float64{-0.8e-6, 1.4e-6, 0.5e-6}
	c := [9]float64{
		0.018, 0.004, -0.006,
		0, -0.012, 0.002,
		0, 0, 0.008,
	}

	truths := randomTruths(40, fieldNorm, 19)
	measurements := normMeasurements(truths, bias, c)
	outliers := []int{1, 8, 15, 27, 33, 39}
	for _, i := range outliers {
		measurements[i].Body[2] += 3e-5
	}

	cal, err := New(Config{
		Mode:            ModeNorm,
		Method:          MethodRANSAC,
		CommonAxis:      true,
		EstimateBias:    true,
		GroundTruthNorm: fieldNorm,
		InlierThreshold: 1e-8,
		Seed:            3,
	}, nil, Listener{})
	require.NoError(t, err)
	require.NoError(t, cal.SetMeasurements(measurements))

	res, err := cal.Calibrate()
	require.NoError(t, err)
	require.NotNil(t, res.Inliers)

	// The fixed threshold splits the data exactly: every clean sample is
	// an inlier, every outlier is not.
	assert.Equal(t, 34, res.Inliers.Count)
	wantMask := make([]bool, 40)
	for i := range wantMask {
		wantMask[i] = true
	}
	for _, i := range outliers {
		wantMask[i] = false
	}
	assert.Empty(t, cmp.Diff(wantMask, res.Inliers.Mask))
	for i := 0; i < 3; i++ {
		assert.InDelta(t, bias[i], res.Bias[i], 1e-9)
	}
}

func TestCalibrateCommonAxisStructure(t *testing.T) {
	// Common-axis fits must report exact zeros for the lower-triangle
	// couplings, both in the distortion matrix and as zero rows and
	// columns in the expanded covariance.
	const fieldNorm = 4.8e-5
	bias := [3]float64{0.6e-6, -1.2e-6, 1.8e-6}
	c := [9]float64{
		0.025, 0.007, -0.003,
		0, -0.018, 0.005,
		0, 0, 0.012,
	}

	cal, err := New(Config{
		Mode:            ModeNorm,
		Method:          MethodLeastSquares,
		CommonAxis:      true,
		EstimateBias:    true,
		GroundTruthNorm: fieldNorm,
	}, nil, Listener{})
	require.NoError(t, err)
	require.NoError(t, cal.SetMeasurements(
		normMeasurements(randomTruths(15, fieldNorm, 5), bias, c)))

	res, err := cal.Calibrate()
	require.NoError(t, err)

	// Row-major indices of myx, mzx, mzy.
	for _, i := range []int{3, 6, 7} {
		assert.Zero(t, res.Distortion[i], "coupling at matrix index %d", i)
	}

	rows, cols := res.Covariance.Dims()
	require.Equal(t, 12, rows)
	require.Equal(t, 12, cols)
	// Full parameter indices of myx, mzx, mzy after the bias block.
	for _, i := range []int{8, 10, 11} {
		for j := 0; j < 12; j++ {
			assert.Zero(t, res.Covariance.At(i, j))
			assert.Zero(t, res.Covariance.At(j, i))
		}
	}

	for i := range c {
		assert.InDelta(t, c[i], res.Distortion[i], 1e-6)
	}
}

func TestCalibrateNotReady(t *testing.T) {
	provider := &geomag.StaticProvider{NED: [3]float64{2e-5, 0, 4e-5}}

	cal, err := New(Config{
		Mode:         ModeFrame,
		Method:       MethodLeastSquares,
		CommonAxis:   true,
		EstimateBias: true,
	}, provider, Listener{})
	require.NoError(t, err)
	require.Equal(t, 3, cal.MinMeasurements())

	require.NoError(t, cal.SetMeasurements(
		frameMeasurements(provider, spreadAttitudes(2), [3]float64{}, [9]float64{})))
	require.False(t, cal.Ready())

	res, err := cal.Calibrate()
	assert.Nil(t, res)
	var notReady *NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Nil(t, cal.Result())
	assert.False(t, cal.Running())
}

func TestCalibrateReentrancy(t *testing.T) {
	// A second Calibrate from within a listener callback must fail with a
	// configuration error and leave the outer run undisturbed. Mutating
	// the measurement set mid-run is rejected the same way.
	const fieldNorm = 5e-5
	measurements := normMeasurements(
		randomTruths(20, fieldNorm, 23),
		[3]float64{1e-6, 0, -1e-6},
		[9]float64{0.01, 0, 0, 0, -0.01, 0, 0, 0, 0.005})

	var cal *Calibrator
	var innerErr, setErr error
	cal, err := New(Config{
		Mode:            ModeNorm,
		Method:          MethodLMedS,
		CommonAxis:      true,
		EstimateBias:    true,
		GroundTruthNorm: fieldNorm,
		Seed:            1,
	}, nil, Listener{
		Iteration: func(int) {
			if innerErr == nil {
				_, innerErr = cal.Calibrate()
			}
			if setErr == nil {
				setErr = cal.SetMeasurements(nil)
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, cal.SetMeasurements(measurements))

	res, err := cal.Calibrate()
	require.NoError(t, err)
	require.NotNil(t, res)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, innerErr, &cfgErr)
	require.ErrorAs(t, setErr, &cfgErr)
	assert.Len(t, cal.Result().Inliers.Mask, 20)
}

func TestCalibrateListenerLifecycle(t *testing.T) {
	const fieldNorm = 5e-5
	var events []string
	cal, err := New(Config{
		Mode:            ModeNorm,
		Method:          MethodLeastSquares,
		CommonAxis:      true,
		EstimateBias:    true,
		GroundTruthNorm: fieldNorm,
	}, nil, Listener{
		RunStarted: func() { events = append(events, "started") },
		RunEnded:   func(ok bool) { events = append(events, fmt.Sprintf("ended ok=%t", ok)) },
	})
	require.NoError(t, err)
	require.NoError(t, cal.SetMeasurements(normMeasurements(
		randomTruths(12, fieldNorm, 9),
		[3]float64{0, 1e-6, 0},
		[9]float64{})))

	_, err = cal.Calibrate()
	require.NoError(t, err)
	assert.Equal(t, []string{"started", "ended ok=true"}, events)
}

func TestCalibratePreprocessFailures(t *testing.T) {
	pos := geomag.Position{LatitudeDeg: 45}
	att := geomag.Attitude{}

	t.Run("frame measurement without attitude", func(t *testing.T) {
		provider := &geomag.StaticProvider{NED: [3]float64{2e-5, 0, 4e-5}}
		cal, err := New(Config{
			Mode: ModeFrame, Method: MethodLeastSquares,
			CommonAxis: true, EstimateBias: true,
		}, provider, Listener{})
		require.NoError(t, err)

		ms := frameMeasurements(provider, spreadAttitudes(3), [3]float64{}, [9]float64{})
		ms[1].Attitude = nil
		require.NoError(t, cal.SetMeasurements(ms))

		_, err = cal.Calibrate()
		var notReady *NotReadyError
		assert.ErrorAs(t, err, &notReady)
	})

	t.Run("provider failure", func(t *testing.T) {
		cal, err := New(Config{
			Mode: ModeFrame, Method: MethodLeastSquares,
			CommonAxis: true, EstimateBias: true,
		}, failingProvider{}, Listener{})
		require.NoError(t, err)

		ms := make([]Measurement, 3)
		for i := range ms {
			ms[i] = Measurement{Position: &pos, Attitude: &att}
		}
		require.NoError(t, cal.SetMeasurements(ms))

		_, err = cal.Calibrate()
		var numErr *NumericalError
		require.ErrorAs(t, err, &numErr)
		assert.ErrorIs(t, err, errLookup)
	})

	t.Run("norm without ground truth", func(t *testing.T) {
		cal, err := New(Config{
			Mode: ModeNorm, Method: MethodLeastSquares,
			CommonAxis: true, EstimateBias: true,
		}, nil, Listener{})
		require.NoError(t, err)

		require.NoError(t, cal.SetMeasurements(normMeasurements(
			randomTruths(12, 5e-5, 2), [3]float64{}, [9]float64{})))

		_, err = cal.Calibrate()
		var notReady *NotReadyError
		assert.ErrorAs(t, err, &notReady)
	})

	t.Run("norm falls back to provider lookup", func(t *testing.T) {
		provider := &geomag.StaticProvider{NED: [3]float64{3e-5, 0, 4e-5}}
		cal, err := New(Config{
			Mode: ModeNorm, Method: MethodLeastSquares,
			CommonAxis: true, EstimateBias: true,
		}, provider, Listener{})
		require.NoError(t, err)

		ms := normMeasurements(randomTruths(12, provider.Norm(), 3),
			[3]float64{1e-6, -1e-6, 2e-6}, [9]float64{})
		ms[0].Position = &pos
		require.NoError(t, cal.SetMeasurements(ms))

		res, err := cal.Calibrate()
		require.NoError(t, err)
		assert.InDelta(t, 1e-6, res.Bias[0], 1e-9)
	})
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"unknown mode", Config{Mode: "spherical"}},
		{"unknown method", Config{Method: "huber"}},
		{"confidence too high", Config{Confidence: 1}},
		{"negative stop threshold", Config{Method: MethodLMedS, StopThreshold: -1}},
		{"ransac without threshold", Config{Method: MethodRANSAC}},
		{"progress delta too large", Config{ProgressDelta: 1.5}},
		{"negative ground-truth norm", Config{GroundTruthNorm: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg, nil, Listener{})
			var cfgErr *ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestMeasurementWeight(t *testing.T) {
	assert.Equal(t, 1.0, Measurement{}.Weight())
	assert.InDelta(t, 2e6, Measurement{Sigma: 5e-7}.Weight(), 1e-3)
	assert.Equal(t, 1.0, Measurement{Sigma: -1}.Weight())
}

func TestMeasurementTimeFallback(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, start, sampleTime(Measurement{}, start))
	at := start.Add(time.Minute)
	assert.Equal(t, at, sampleTime(Measurement{Time: at}, start))
}

var errLookup = errors.New("epoch outside model validity")

type failingProvider struct{}

func (failingProvider) Field(geomag.Position, time.Time) ([3]float64, error) {
	return [3]float64{}, errLookup
}
