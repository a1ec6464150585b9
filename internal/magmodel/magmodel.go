// Package magmodel defines the affine magnetometer measurement model shared
// by the least-squares fitter and the robust estimator.
//
// The model predicts a measured flux density from a true one as
//
//	m̂ = b + t + C·t
//
// where b is the hard-iron bias and C the soft-iron distortion matrix built
// from three scale factors (diagonal) and the cross-coupling terms
// (off-diagonal). The model is affine in its parameters once t is fixed, so
// all Jacobians here are closed form.
package magmodel

import (
	"fmt"
	"math"
)

// Parameterization selects which parameters the solver estimates.
type Parameterization struct {
	// CommonAxis fixes the lower-triangle couplings myx, mzx, mzy at zero,
	// reducing the distortion unknowns from 9 to 6.
	CommonAxis bool
	// EstimateBias adds the three hard-iron bias components to the unknowns.
	// When false the caller supplies a known bias alongside the model.
	EstimateBias bool
}

// Distortion parameter ordering within the parameter vector (after the
// optional bias block):
//
//	general:     sx, sy, sz, mxy, mxz, myx, myz, mzx, mzy
//	common-axis: sx, sy, sz, mxy, mxz, myz
//
// The general ordering is also the canonical "full" ordering used by the
// covariance propagator.
const (
	NumDistortionGeneral    = 9
	NumDistortionCommonAxis = 6
)

// NumDistortion returns the number of free distortion parameters.
func (p Parameterization) NumDistortion() int {
	if p.CommonAxis {
		return NumDistortionCommonAxis
	}
	return NumDistortionGeneral
}

// NumParams returns the total number of free parameters, including bias
// components when estimated. Bias occupies the first three slots.
func (p Parameterization) NumParams() int {
	n := p.NumDistortion()
	if p.EstimateBias {
		n += 3
	}
	return n
}

// DistortionOffset returns the index of the first distortion parameter.
func (p Parameterization) DistortionOffset() int {
	if p.EstimateBias {
		return 3
	}
	return 0
}

// Bias extracts the bias vector from a parameter vector, falling back to the
// supplied known bias when bias is not estimated.
func (p Parameterization) Bias(theta []float64, known [3]float64) [3]float64 {
	if !p.EstimateBias {
		return known
	}
	return [3]float64{theta[0], theta[1], theta[2]}
}

// Distortion builds the 3×3 distortion matrix C from a parameter vector,
// returned row-major. Structurally-zero couplings stay exactly zero for the
// common-axis parameterization.
func (p Parameterization) Distortion(theta []float64) [9]float64 {
	d := theta[p.DistortionOffset():]
	sx, sy, sz := d[0], d[1], d[2]
	if p.CommonAxis {
		mxy, mxz, myz := d[3], d[4], d[5]
		return [9]float64{
			sx, mxy, mxz,
			0, sy, myz,
			0, 0, sz,
		}
	}
	mxy, mxz, myx, myz, mzx, mzy := d[3], d[4], d[5], d[6], d[7], d[8]
	return [9]float64{
		sx, mxy, mxz,
		myx, sy, myz,
		mzx, mzy, sz,
	}
}

// GeneralDistortionVector expands a parameter vector's distortion block into
// the canonical 9-element general ordering, inserting zeros for the
// structurally-fixed couplings of the common-axis parameterization.
func (p Parameterization) GeneralDistortionVector(theta []float64) [9]float64 {
	d := theta[p.DistortionOffset():]
	if !p.CommonAxis {
		var out [9]float64
		copy(out[:], d[:9])
		return out
	}
	// sx, sy, sz, mxy, mxz, myx=0, myz, mzx=0, mzy=0
	return [9]float64{d[0], d[1], d[2], d[3], d[4], 0, d[5], 0, 0}
}

// Model is the evaluator consumed by the fitter: for one sample it fills the
// residual vector and its Jacobian with respect to the parameters. jac is
// row-major, ResidualDim()×NumParams(). Implementations are pure functions
// of finite floating-point inputs; NaN/Inf propagate silently and are
// guarded upstream.
type Model interface {
	NumSamples() int
	NumParams() int
	ResidualDim() int
	Eval(theta []float64, sample int, resid, jac []float64) error
}

// FrameModel is the vector measurement model for frame-based calibration:
// the true field vector in the body frame is known per sample, and the
// residual is the 3-component difference m̂(t, θ) − m.
type FrameModel struct {
	Param     Parameterization
	True      [][3]float64
	Measured  [][3]float64
	KnownBias [3]float64 // consulted only when bias is not estimated
}

// NumSamples implements Model.
func (m *FrameModel) NumSamples() int { return len(m.Measured) }

// NumParams implements Model.
func (m *FrameModel) NumParams() int { return m.Param.NumParams() }

// ResidualDim implements Model.
func (m *FrameModel) ResidualDim() int { return 3 }

// Predict returns the modelled measurement for a true vector.
func (m *FrameModel) Predict(theta []float64, t [3]float64) [3]float64 {
	b := m.Param.Bias(theta, m.KnownBias)
	c := m.Param.Distortion(theta)
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = b[i] + t[i] + c[3*i]*t[0] + c[3*i+1]*t[1] + c[3*i+2]*t[2]
	}
	return out
}

// Eval implements Model.
func (m *FrameModel) Eval(theta []float64, sample int, resid, jac []float64) error {
	t := m.True[sample]
	y := m.Measured[sample]
	pred := m.Predict(theta, t)
	for i := 0; i < 3; i++ {
		resid[i] = pred[i] - y[i]
	}

	np := m.NumParams()
	for i := range jac {
		jac[i] = 0
	}
	off := m.Param.DistortionOffset()
	if m.Param.EstimateBias {
		jac[0*np+0] = 1
		jac[1*np+1] = 1
		jac[2*np+2] = 1
	}
	// Scale factors multiply the matching true component.
	jac[0*np+off+0] = t[0]
	jac[1*np+off+1] = t[1]
	jac[2*np+off+2] = t[2]
	if m.Param.CommonAxis {
		// mxy, mxz, myz
		jac[0*np+off+3] = t[1]
		jac[0*np+off+4] = t[2]
		jac[1*np+off+5] = t[2]
	} else {
		// mxy, mxz, myx, myz, mzx, mzy
		jac[0*np+off+3] = t[1]
		jac[0*np+off+4] = t[2]
		jac[1*np+off+5] = t[0]
		jac[1*np+off+6] = t[2]
		jac[2*np+off+7] = t[0]
		jac[2*np+off+8] = t[1]
	}
	return nil
}

// NormModel is the scalar measurement model for norm-based calibration: only
// the reference field magnitude is known, and the residual is
// ‖(I+C)⁻¹(m−b)‖ − ‖B‖, the distance of the corrected measurement from the
// reference sphere.
type NormModel struct {
	Param     Parameterization
	Measured  [][3]float64
	Norm      float64 // ground-truth field norm, tesla
	KnownBias [3]float64
}

// NumSamples implements Model.
func (m *NormModel) NumSamples() int { return len(m.Measured) }

// NumParams implements Model.
func (m *NormModel) NumParams() int { return m.Param.NumParams() }

// ResidualDim implements Model.
func (m *NormModel) ResidualDim() int { return 1 }

// Correct applies the inverse calibration to a raw measurement, returning
// the estimated true field vector.
func (m *NormModel) Correct(theta []float64, raw [3]float64) ([3]float64, error) {
	b := m.Param.Bias(theta, m.KnownBias)
	c := m.Param.Distortion(theta)
	a := [9]float64{
		1 + c[0], c[1], c[2],
		c[3], 1 + c[4], c[5],
		c[6], c[7], 1 + c[8],
	}
	inv, ok := invert3(a)
	if !ok {
		return [3]float64{}, fmt.Errorf("singular soft-iron matrix")
	}
	d := [3]float64{raw[0] - b[0], raw[1] - b[1], raw[2] - b[2]}
	return [3]float64{
		inv[0]*d[0] + inv[1]*d[1] + inv[2]*d[2],
		inv[3]*d[0] + inv[4]*d[1] + inv[5]*d[2],
		inv[6]*d[0] + inv[7]*d[1] + inv[8]*d[2],
	}, nil
}

// Eval implements Model.
func (m *NormModel) Eval(theta []float64, sample int, resid, jac []float64) error {
	b := m.Param.Bias(theta, m.KnownBias)
	c := m.Param.Distortion(theta)
	a := [9]float64{
		1 + c[0], c[1], c[2],
		c[3], 1 + c[4], c[5],
		c[6], c[7], 1 + c[8],
	}
	inv, ok := invert3(a)
	if !ok {
		return fmt.Errorf("singular soft-iron matrix at sample %d", sample)
	}

	raw := m.Measured[sample]
	d := [3]float64{raw[0] - b[0], raw[1] - b[1], raw[2] - b[2]}
	// Corrected vector cvec = A⁻¹ (m − b).
	cvec := [3]float64{
		inv[0]*d[0] + inv[1]*d[1] + inv[2]*d[2],
		inv[3]*d[0] + inv[4]*d[1] + inv[5]*d[2],
		inv[6]*d[0] + inv[7]*d[1] + inv[8]*d[2],
	}
	norm := math.Sqrt(cvec[0]*cvec[0] + cvec[1]*cvec[1] + cvec[2]*cvec[2])
	resid[0] = norm - m.Norm

	for i := range jac {
		jac[i] = 0
	}
	if norm == 0 {
		return nil
	}
	u := [3]float64{cvec[0] / norm, cvec[1] / norm, cvec[2] / norm}
	// v = A⁻ᵀ u; then ∂r/∂A_kl = −v_k·cvec_l and ∂r/∂b_j = −v_j.
	v := [3]float64{
		inv[0]*u[0] + inv[3]*u[1] + inv[6]*u[2],
		inv[1]*u[0] + inv[4]*u[1] + inv[7]*u[2],
		inv[2]*u[0] + inv[5]*u[1] + inv[8]*u[2],
	}

	off := m.Param.DistortionOffset()
	if m.Param.EstimateBias {
		jac[0] = -v[0]
		jac[1] = -v[1]
		jac[2] = -v[2]
	}
	dC := func(k, l int) float64 { return -v[k] * cvec[l] }
	jac[off+0] = dC(0, 0) // sx
	jac[off+1] = dC(1, 1) // sy
	jac[off+2] = dC(2, 2) // sz
	if m.Param.CommonAxis {
		jac[off+3] = dC(0, 1) // mxy
		jac[off+4] = dC(0, 2) // mxz
		jac[off+5] = dC(1, 2) // myz
	} else {
		jac[off+3] = dC(0, 1) // mxy
		jac[off+4] = dC(0, 2) // mxz
		jac[off+5] = dC(1, 0) // myx
		jac[off+6] = dC(1, 2) // myz
		jac[off+7] = dC(2, 0) // mzx
		jac[off+8] = dC(2, 1) // mzy
	}
	return nil
}

// MinFrameMeasurements is the smallest measurement count accepted for
// frame-based calibration: each measurement contributes three equations.
// This is an equation-count bound, not a full-rank guarantee — residual
// rows do not couple across axes, and at the bound the bias-estimating
// layouts put four unknowns into an axis row with fewer equations. The
// fitter resolves the free directions as the minimum-norm solution and
// reports zero variance along them.
func MinFrameMeasurements(p Parameterization) int {
	return (p.NumParams() + 2) / 3
}

// MinNormMeasurements is the smallest measurement count accepted for
// norm-based calibration: one scalar equation per measurement, plus one for
// a residual degree of freedom (13 general, 10 common-axis when bias is
// estimated).
func MinNormMeasurements(p Parameterization) int {
	return p.NumParams() + 1
}

// invert3 inverts a 3×3 row-major matrix via the adjugate. Returns false
// when the determinant vanishes.
func invert3(a [9]float64) ([9]float64, bool) {
	det := a[0]*(a[4]*a[8]-a[5]*a[7]) -
		a[1]*(a[3]*a[8]-a[5]*a[6]) +
		a[2]*(a[3]*a[7]-a[4]*a[6])
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return [9]float64{}, false
	}
	inv := [9]float64{
		(a[4]*a[8] - a[5]*a[7]) / det,
		(a[2]*a[7] - a[1]*a[8]) / det,
		(a[1]*a[5] - a[2]*a[4]) / det,
		(a[5]*a[6] - a[3]*a[8]) / det,
		(a[0]*a[8] - a[2]*a[6]) / det,
		(a[2]*a[3] - a[0]*a[5]) / det,
		(a[3]*a[7] - a[4]*a[6]) / det,
		(a[1]*a[6] - a[0]*a[7]) / det,
		(a[0]*a[4] - a[1]*a[3]) / det,
	}
	return inv, true
}
