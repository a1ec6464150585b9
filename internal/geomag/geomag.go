// Package geomag provides the Earth reference-field lookup used to derive
// the expected ("true") magnetic flux density at a measurement's location and
// time. The calibration engine only depends on the FieldProvider interface;
// the concrete models here are enough for self-contained runs and tests.
package geomag

import (
	"fmt"
	"math"
	"time"
)

// Position is a geodetic location.
type Position struct {
	LatitudeDeg  float64
	LongitudeDeg float64
	AltitudeM    float64
}

// FieldProvider returns the expected magnetic flux density vector, in tesla,
// expressed in the local NED (north, east, down) frame at the given location
// and time. A lookup may fail (e.g. a model not valid for the requested
// epoch); the caller propagates the failure and never retries.
type FieldProvider interface {
	Field(pos Position, t time.Time) ([3]float64, error)
}

// StaticProvider returns a fixed NED field regardless of position and time.
// Useful for bench calibration where the local field has been surveyed, and
// for tests.
type StaticProvider struct {
	NED [3]float64 // tesla
}

// Field implements FieldProvider.
func (s *StaticProvider) Field(Position, time.Time) ([3]float64, error) {
	return s.NED, nil
}

// Norm returns the magnitude of the static field.
func (s *StaticProvider) Norm() float64 {
	return math.Sqrt(s.NED[0]*s.NED[0] + s.NED[1]*s.NED[1] + s.NED[2]*s.NED[2])
}

// Tilted dipole model constants. The pole location is the 2020 IGRF
// geomagnetic (dipole) north pole; B0 is the mean equatorial surface field.
const (
	dipolePoleLatDeg = 80.65
	dipolePoleLonDeg = -72.68
	dipoleB0         = 3.12e-5   // tesla
	earthRadiusM     = 6371200.0 // mean geomagnetic reference radius
)

// DipoleProvider models the Earth field as a tilted centred dipole. It is a
// coarse approximation (no secular variation, no crustal anomalies) but gives
// position-dependent lookups without external coefficient tables.
type DipoleProvider struct{}

// Field implements FieldProvider.
func (DipoleProvider) Field(pos Position, _ time.Time) ([3]float64, error) {
	if pos.LatitudeDeg < -90 || pos.LatitudeDeg > 90 {
		return [3]float64{}, fmt.Errorf("latitude %.4f out of range [-90, 90]", pos.LatitudeDeg)
	}

	lat := pos.LatitudeDeg * math.Pi / 180
	lon := pos.LongitudeDeg * math.Pi / 180
	latP := dipolePoleLatDeg * math.Pi / 180
	lonP := dipolePoleLonDeg * math.Pi / 180

	// Geomagnetic colatitude: angular distance from the dipole pole.
	cosTheta := math.Sin(lat)*math.Sin(latP) + math.Cos(lat)*math.Cos(latP)*math.Cos(lon-lonP)
	if cosTheta > 1 {
		cosTheta = 1
	} else if cosTheta < -1 {
		cosTheta = -1
	}
	sinTheta := math.Sqrt(1 - cosTheta*cosTheta)

	r := earthRadiusM + pos.AltitudeM
	scale := dipoleB0 * math.Pow(earthRadiusM/r, 3)

	// Horizontal component points along the great circle toward the pole;
	// vertical component is down in the northern magnetic hemisphere.
	h := scale * sinTheta
	down := 2 * scale * cosTheta

	// Great-circle bearing from the location to the dipole pole.
	dLon := lonP - lon
	bearing := math.Atan2(
		math.Sin(dLon)*math.Cos(latP),
		math.Cos(lat)*math.Sin(latP)-math.Sin(lat)*math.Cos(latP)*math.Cos(dLon),
	)

	return [3]float64{h * math.Cos(bearing), h * math.Sin(bearing), down}, nil
}
