package fitter

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Canonical full-space distortion ordering:
// sx, sy, sz, mxy, mxz, myx, myz, mzx, mzy.
// The common-axis reduced ordering drops the structurally-zero lower
// triangle: sx, sy, sz, mxy, mxz, myz.
//
// fullFromReduced maps each full-space slot to its reduced-space source, or
// -1 for the structurally-zero slots.
var fullFromReduced = [9]int{0, 1, 2, 3, 4, -1, 5, -1, -1}

// ExpandCommonAxisCovariance expands a reduced common-axis covariance into
// the full distortion space via Cov_full = J·Cov_reduced·Jᵀ, where J is the
// fixed linear embedding. Rows and columns for the structurally-zero
// couplings come out exactly zero.
//
// When withBias is true the reduced covariance is (3+6)×(3+6) with the bias
// block leading, and the expansion is block-diagonal: bias passes through
// identity, the distortion block through the 9×6 embedding.
func ExpandCommonAxisCovariance(covReduced mat.Matrix, withBias bool) (*mat.Dense, error) {
	nRed, cRed := covReduced.Dims()
	if nRed != cRed {
		return nil, fmt.Errorf("covariance must be square, got %dx%d", nRed, cRed)
	}
	wantRed, biasN := 6, 0
	if withBias {
		wantRed, biasN = 9, 3
	}
	if nRed != wantRed {
		return nil, fmt.Errorf("reduced covariance is %dx%d, want %dx%d", nRed, cRed, wantRed, wantRed)
	}

	nFull := biasN + 9
	j := mat.NewDense(nFull, nRed, nil)
	for b := 0; b < biasN; b++ {
		j.Set(b, b, 1)
	}
	for full, red := range fullFromReduced {
		if red < 0 {
			continue
		}
		j.Set(biasN+full, biasN+red, 1)
	}

	var jc mat.Dense
	jc.Mul(j, covReduced)
	out := mat.NewDense(nFull, nFull, nil)
	out.Mul(&jc, j.T())
	return out, nil
}
