package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sensorkit/magcal/internal/calibration"
	"github.com/sensorkit/magcal/internal/units"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the root configuration for a calibration run. All fields
// are optional; the Get* methods supply defaults for anything omitted, so
// partial configs are safe.
type TuningConfig struct {
	// Model params
	Mode         *string    `json:"mode,omitempty"`   // "frame" or "norm"
	Method       *string    `json:"method,omitempty"` // "lsq", "lmeds" or "ransac"
	CommonAxis   *bool      `json:"common_axis,omitempty"`
	EstimateBias *bool      `json:"estimate_bias,omitempty"`
	KnownBias    *[3]float64 `json:"known_bias,omitempty"` // in Units

	// Ground truth params
	GroundTruthNorm *float64 `json:"ground_truth_norm,omitempty"` // in Units
	LatitudeDeg     *float64 `json:"latitude_deg,omitempty"`
	LongitudeDeg    *float64 `json:"longitude_deg,omitempty"`
	AltitudeM       *float64 `json:"altitude_m,omitempty"`

	// Robust estimation params
	Confidence      *float64 `json:"confidence,omitempty"`
	MaxIterations   *int     `json:"max_iterations,omitempty"`
	StopThreshold   *float64 `json:"stop_threshold,omitempty"`   // tesla squared
	InlierThreshold *float64 `json:"inlier_threshold,omitempty"` // tesla
	ProgressDelta   *float64 `json:"progress_delta,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`

	// I/O params
	Units *string `json:"units,omitempty"` // flux density units for file I/O
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from a file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.Mode != nil {
		switch *c.Mode {
		case string(calibration.ModeFrame), string(calibration.ModeNorm):
		default:
			return fmt.Errorf("mode must be %q or %q, got %q",
				calibration.ModeFrame, calibration.ModeNorm, *c.Mode)
		}
	}

	if c.Method != nil {
		switch *c.Method {
		case string(calibration.MethodLeastSquares), string(calibration.MethodLMedS), string(calibration.MethodRANSAC):
		default:
			return fmt.Errorf("method must be %q, %q or %q, got %q",
				calibration.MethodLeastSquares, calibration.MethodLMedS, calibration.MethodRANSAC, *c.Method)
		}
	}

	if c.Confidence != nil {
		if *c.Confidence <= 0 || *c.Confidence >= 1 {
			return fmt.Errorf("confidence must be between 0 and 1 exclusive, got %f", *c.Confidence)
		}
	}

	if c.MaxIterations != nil {
		if *c.MaxIterations < 1 {
			return fmt.Errorf("max_iterations must be positive, got %d", *c.MaxIterations)
		}
	}

	if c.LatitudeDeg != nil {
		if *c.LatitudeDeg < -90 || *c.LatitudeDeg > 90 {
			return fmt.Errorf("latitude_deg must be between -90 and 90, got %f", *c.LatitudeDeg)
		}
	}

	if c.LongitudeDeg != nil {
		if *c.LongitudeDeg < -180 || *c.LongitudeDeg > 180 {
			return fmt.Errorf("longitude_deg must be between -180 and 180, got %f", *c.LongitudeDeg)
		}
	}

	if c.Units != nil {
		if !units.IsValid(*c.Units) {
			return fmt.Errorf("units must be one of %s, got %q", units.GetValidUnitsString(), *c.Units)
		}
	}

	return nil
}

// GetMode returns the mode value or the default.
func (c *TuningConfig) GetMode() calibration.Mode {
	if c.Mode == nil {
		return calibration.ModeNorm // default
	}
	return calibration.Mode(*c.Mode)
}

// GetMethod returns the method value or the default.
func (c *TuningConfig) GetMethod() calibration.Method {
	if c.Method == nil {
		return calibration.MethodLMedS // default
	}
	return calibration.Method(*c.Method)
}

// GetCommonAxis returns the common_axis value or the default.
func (c *TuningConfig) GetCommonAxis() bool {
	if c.CommonAxis == nil {
		return true // default: norm-based fits need the reduced model
	}
	return *c.CommonAxis
}

// GetEstimateBias returns the estimate_bias value or the default.
func (c *TuningConfig) GetEstimateBias() bool {
	if c.EstimateBias == nil {
		return true // default
	}
	return *c.EstimateBias
}

// GetKnownBias returns the known_bias value in tesla, or zero.
func (c *TuningConfig) GetKnownBias() [3]float64 {
	if c.KnownBias == nil {
		return [3]float64{}
	}
	u := c.GetUnits()
	return [3]float64{
		units.ToTesla((*c.KnownBias)[0], u),
		units.ToTesla((*c.KnownBias)[1], u),
		units.ToTesla((*c.KnownBias)[2], u),
	}
}

// GetGroundTruthNorm returns the ground_truth_norm value in tesla, or zero
// when the norm should come from the reference-field model instead.
func (c *TuningConfig) GetGroundTruthNorm() float64 {
	if c.GroundTruthNorm == nil {
		return 0
	}
	return units.ToTesla(*c.GroundTruthNorm, c.GetUnits())
}

// GetConfidence returns the confidence value or the default.
func (c *TuningConfig) GetConfidence() float64 {
	if c.Confidence == nil {
		return 0.99
	}
	return *c.Confidence
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *TuningConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 5000
	}
	return *c.MaxIterations
}

// GetStopThreshold returns the stop_threshold value or the default.
func (c *TuningConfig) GetStopThreshold() float64 {
	if c.StopThreshold == nil {
		return 1e-18 // one nanotesla, squared
	}
	return *c.StopThreshold
}

// GetInlierThreshold returns the inlier_threshold value or the default.
func (c *TuningConfig) GetInlierThreshold() float64 {
	if c.InlierThreshold == nil {
		return 0
	}
	return *c.InlierThreshold
}

// GetProgressDelta returns the progress_delta value or the default.
func (c *TuningConfig) GetProgressDelta() float64 {
	if c.ProgressDelta == nil {
		return 0.05
	}
	return *c.ProgressDelta
}

// GetSeed returns the seed value or the default.
func (c *TuningConfig) GetSeed() int64 {
	if c.Seed == nil {
		return 0
	}
	return *c.Seed
}

// GetUnits returns the units value or the default.
func (c *TuningConfig) GetUnits() string {
	if c.Units == nil {
		return units.MicroTesla
	}
	return *c.Units
}

// GetLatitudeDeg returns the latitude_deg value or the default.
func (c *TuningConfig) GetLatitudeDeg() float64 {
	if c.LatitudeDeg == nil {
		return 0
	}
	return *c.LatitudeDeg
}

// GetLongitudeDeg returns the longitude_deg value or the default.
func (c *TuningConfig) GetLongitudeDeg() float64 {
	if c.LongitudeDeg == nil {
		return 0
	}
	return *c.LongitudeDeg
}

// GetAltitudeM returns the altitude_m value or the default.
func (c *TuningConfig) GetAltitudeM() float64 {
	if c.AltitudeM == nil {
		return 0
	}
	return *c.AltitudeM
}

// CalibrationConfig assembles a calibration.Config from the tuning values.
func (c *TuningConfig) CalibrationConfig() calibration.Config {
	return calibration.Config{
		Mode:            c.GetMode(),
		Method:          c.GetMethod(),
		CommonAxis:      c.GetCommonAxis(),
		EstimateBias:    c.GetEstimateBias(),
		KnownBias:       c.GetKnownBias(),
		GroundTruthNorm: c.GetGroundTruthNorm(),
		Confidence:      c.GetConfidence(),
		MaxIterations:   c.GetMaxIterations(),
		StopThreshold:   c.GetStopThreshold(),
		InlierThreshold: c.GetInlierThreshold(),
		ProgressDelta:   c.GetProgressDelta(),
		Seed:            c.GetSeed(),
	}
}
