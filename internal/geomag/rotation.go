package geomag

import "math"

// Attitude is a body orientation as aerospace Euler angles (radians).
// Rotation order is yaw (Z), then pitch (Y), then roll (X) — the standard
// NED-to-body sequence.
type Attitude struct {
	RollRad  float64
	PitchRad float64
	YawRad   float64
}

// NEDToBody rotates a vector from the local NED frame into the body frame
// for the given attitude.
func (a Attitude) NEDToBody(ned [3]float64) [3]float64 {
	sr, cr := math.Sincos(a.RollRad)
	sp, cp := math.Sincos(a.PitchRad)
	sy, cy := math.Sincos(a.YawRad)

	// Rows of the NED→body direction cosine matrix.
	r00 := cp * cy
	r01 := cp * sy
	r02 := -sp
	r10 := sr*sp*cy - cr*sy
	r11 := sr*sp*sy + cr*cy
	r12 := sr * cp
	r20 := cr*sp*cy + sr*sy
	r21 := cr*sp*sy - sr*cy
	r22 := cr * cp

	return [3]float64{
		r00*ned[0] + r01*ned[1] + r02*ned[2],
		r10*ned[0] + r11*ned[1] + r12*ned[2],
		r20*ned[0] + r21*ned[1] + r22*ned[2],
	}
}

// BodyToNED applies the inverse rotation (the transpose, since the matrix is
// orthonormal).
func (a Attitude) BodyToNED(body [3]float64) [3]float64 {
	sr, cr := math.Sincos(a.RollRad)
	sp, cp := math.Sincos(a.PitchRad)
	sy, cy := math.Sincos(a.YawRad)

	r00 := cp * cy
	r01 := cp * sy
	r02 := -sp
	r10 := sr*sp*cy - cr*sy
	r11 := sr*sp*sy + cr*cy
	r12 := sr * cp
	r20 := cr*sp*cy + sr*sy
	r21 := cr*sp*sy - sr*cy
	r22 := cr * cp

	return [3]float64{
		r00*body[0] + r10*body[1] + r20*body[2],
		r01*body[0] + r11*body[1] + r21*body[2],
		r02*body[0] + r12*body[1] + r22*body[2],
	}
}
