package calibration

import (
	"time"

	"github.com/sensorkit/magcal/internal/geomag"
)

// Measurement is a single raw magnetometer sample in the sensor body frame,
// in tesla, together with the context needed to derive its ground truth.
type Measurement struct {
	// Body is the measured flux density vector in the body frame, tesla.
	Body [3]float64

	// Sigma is the per-axis standard deviation of the measurement, tesla.
	// Zero means unknown; the sample then carries unit weight.
	Sigma float64

	// Position is where the sample was taken. Required for frame-based
	// calibration and for norm-based calibration without an explicit
	// ground-truth norm.
	Position *geomag.Position

	// Attitude is the body orientation at sample time. Required for
	// frame-based calibration.
	Attitude *geomag.Attitude

	// Time is when the sample was taken, used for the reference-field
	// lookup. The zero value falls back to the run start time.
	Time time.Time
}

// Weight returns the fit weight for the measurement, 1/Sigma, or 1 when
// Sigma is unset.
func (m Measurement) Weight() float64 {
	if m.Sigma > 0 {
		return 1 / m.Sigma
	}
	return 1
}
