// Package fitter implements the damped Gauss-Newton (Levenberg-Marquardt)
// solver used for both direct least-squares calibration and the per-subset
// candidate fits inside the robust estimation loop.
package fitter

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/sensorkit/magcal/internal/magmodel"
)

// Failure conditions surfaced by Fit. Callers classify them with errors.Is.
var (
	// ErrSingular indicates a singular weighted information matrix,
	// typically from fewer distinct orientations than unknowns.
	ErrSingular = errors.New("singular information matrix")
	// ErrNoConvergence indicates the damping parameter reached its cap
	// without producing an improving step.
	ErrNoConvergence = errors.New("no convergence: damping exhausted")
)

// Options tunes the Levenberg-Marquardt iteration. Zero values select the
// defaults.
type Options struct {
	MaxIterations int     // outer iterations (default 100)
	Tolerance     float64 // relative cost-improvement convergence threshold (default 1e-12)
	InitialLambda float64 // starting damping (default 1e-3)
	LambdaFactor  float64 // damping multiplier on rejection (default 10)
	MaxLambda     float64 // damping cap (default 1e12)
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 100
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 1e-12
	}
	if o.InitialLambda <= 0 {
		o.InitialLambda = 1e-3
	}
	if o.LambdaFactor <= 1 {
		o.LambdaFactor = 10
	}
	if o.MaxLambda <= 0 {
		o.MaxLambda = 1e12
	}
	return o
}

// Result holds the fitted parameters and goodness-of-fit statistics.
type Result struct {
	Params []float64
	// Covariance is the inverse (pseudo-inverse for rank-deficient optima)
	// of the weighted normal-equations matrix at the optimum, scaled by
	// the residual variance. Dimensions match the
	// fitted parameter vector.
	Covariance *mat.Dense
	// ChiSq is the weighted sum of squared residuals at the optimum.
	ChiSq float64
	// MSE is the unweighted mean squared residual per equation.
	MSE        float64
	Iterations int
}

// normalEquations accumulates the weighted cost, the information matrix
// JᵀWJ and the gradient-side vector JᵀWr over the selected samples.
// Weights are per-sample inverse standard deviations; they enter squared.
func normalEquations(m magmodel.Model, weights []float64, indices []int, theta []float64,
	n *mat.SymDense, g *mat.VecDense) (cost float64, err error) {

	np := m.NumParams()
	rd := m.ResidualDim()
	resid := make([]float64, rd)
	jac := make([]float64, rd*np)

	if n != nil {
		n.Zero()
		g.Zero()
	}

	for _, idx := range indices {
		if err := m.Eval(theta, idx, resid, jac); err != nil {
			return 0, err
		}
		w := weights[idx]
		w2 := w * w
		for r := 0; r < rd; r++ {
			cost += w2 * resid[r] * resid[r]
			if n == nil {
				continue
			}
			row := jac[r*np : (r+1)*np]
			for a := 0; a < np; a++ {
				if row[a] == 0 {
					continue
				}
				g.SetVec(a, g.AtVec(a)+w2*row[a]*resid[r])
				for b := a; b < np; b++ {
					n.SetSym(a, b, n.At(a, b)+w2*row[a]*row[b])
				}
			}
		}
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return 0, fmt.Errorf("non-finite residual cost")
	}
	return cost, nil
}

// Fit runs Levenberg-Marquardt on the model restricted to the given sample
// indices (nil means all samples). weights has one entry per model sample
// (the full set, not the subset). The initial guess is not modified.
//
// It fails with ErrSingular when there are fewer equations than
// parameters or the information matrix is unusable from the start, and
// with ErrNoConvergence when the damping cap is reached without an
// improving step. A rank-deficient information matrix at a converged
// optimum is not an error; see finalize.
func Fit(m magmodel.Model, weights []float64, indices []int, initial []float64, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	np := m.NumParams()
	rd := m.ResidualDim()

	if indices == nil {
		indices = make([]int, m.NumSamples())
		for i := range indices {
			indices[i] = i
		}
	}
	nEq := len(indices) * rd
	if nEq < np {
		return nil, fmt.Errorf("%w: %d equations for %d parameters", ErrSingular, nEq, np)
	}
	if len(initial) != np {
		return nil, fmt.Errorf("initial guess has %d parameters, model needs %d", len(initial), np)
	}

	theta := append([]float64(nil), initial...)
	n := mat.NewSymDense(np, nil)
	g := mat.NewVecDense(np, nil)
	damped := mat.NewSymDense(np, nil)
	delta := mat.NewVecDense(np, nil)
	trial := make([]float64, np)

	cost, err := normalEquations(m, weights, indices, theta, n, g)
	if err != nil {
		return nil, err
	}

	lambda := opts.InitialLambda
	iterations := 0
	for iter := 0; iter < opts.MaxIterations; iter++ {
		iterations = iter + 1

		improved := false
		for lambda <= opts.MaxLambda {
			// Damped normal equations with Marquardt diagonal scaling:
			// (N + λ·diag(N))·δ = −g.
			damped.CopySym(n)
			for a := 0; a < np; a++ {
				d := n.At(a, a)
				if d == 0 {
					// A structurally-unobservable parameter leaves a zero
					// diagonal; damp it absolutely so the solve is defined.
					d = 1
				}
				damped.SetSym(a, a, n.At(a, a)+lambda*d)
			}

			var ch mat.Cholesky
			if !ch.Factorize(damped) {
				lambda *= opts.LambdaFactor
				continue
			}
			if err := ch.SolveVecTo(delta, g); err != nil {
				lambda *= opts.LambdaFactor
				continue
			}

			for a := 0; a < np; a++ {
				trial[a] = theta[a] - delta.AtVec(a)
			}
			trialCost, err := normalEquations(m, weights, indices, trial, nil, nil)
			if err != nil || trialCost >= cost {
				lambda *= opts.LambdaFactor
				continue
			}

			// Accept the step.
			improvement := cost - trialCost
			copy(theta, trial)
			cost = trialCost
			lambda /= opts.LambdaFactor
			if lambda < 1e-12 {
				lambda = 1e-12
			}
			improved = true

			if _, err := normalEquations(m, weights, indices, theta, n, g); err != nil {
				return nil, err
			}
			if improvement <= opts.Tolerance*(cost+1e-300) {
				return finalize(m, weights, indices, theta, n, cost, nEq, iterations)
			}
			break
		}

		if !improved {
			// An already-optimal starting point is convergence, not
			// failure, whatever the rank of the information matrix there.
			if gradientNorm(g) <= opts.Tolerance {
				return finalize(m, weights, indices, theta, n, cost, nEq, iterations)
			}
			// Either the solver never produced a usable step (singular
			// system) or no step reduced the cost before the damping cap.
			if iter == 0 {
				var ch mat.Cholesky
				if !ch.Factorize(n) {
					return nil, fmt.Errorf("%w: %d equations, %d parameters", ErrSingular, nEq, np)
				}
			}
			return nil, fmt.Errorf("%w at lambda=%.3g, cost=%.6g", ErrNoConvergence, lambda, cost)
		}
	}

	return finalize(m, weights, indices, theta, n, cost, nEq, iterations)
}

// pseudoInverse computes the Moore-Penrose inverse of the information
// matrix, dropping singular values below a relative floor. Directions in
// the null space come back with zero variance.
func pseudoInverse(n *mat.SymDense) (*mat.Dense, error) {
	np := n.SymmetricDim()
	var svd mat.SVD
	if !svd.Factorize(n, mat.SVDFull) {
		return nil, fmt.Errorf("%w at optimum: SVD did not converge", ErrSingular)
	}
	values := svd.Values(nil)
	if values[0] <= 0 {
		return nil, fmt.Errorf("%w at optimum: no information", ErrSingular)
	}
	tol := float64(np) * 1e-14 * values[0]

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	scaled := mat.NewDense(np, np, nil)
	for j := 0; j < np; j++ {
		var s float64
		if values[j] > tol {
			s = 1 / values[j]
		}
		for i := 0; i < np; i++ {
			scaled.Set(i, j, v.At(i, j)*s)
		}
	}
	pinv := mat.NewDense(np, np, nil)
	pinv.Mul(scaled, u.T())
	return pinv, nil
}

func gradientNorm(g *mat.VecDense) float64 {
	var s float64
	for i := 0; i < g.Len(); i++ {
		v := g.AtVec(i)
		s += v * v
	}
	return math.Sqrt(s)
}

// finalize computes the covariance and fit statistics at the optimum.
func finalize(m magmodel.Model, weights []float64, indices []int, theta []float64,
	n *mat.SymDense, chiSq float64, nEq, iterations int) (*Result, error) {

	np := m.NumParams()

	// A converged fit can still carry a rank-deficient information matrix:
	// the norm residual is blind to rotations of the soft-iron matrix, and
	// a minimal frame set leaves one direction per axis undetermined. The
	// pseudo-inverse reports zero variance along such directions instead
	// of failing the fit.
	var src mat.Matrix
	var inv mat.SymDense
	var ch mat.Cholesky
	if ch.Factorize(n) {
		if err := ch.InverseTo(&inv); err == nil {
			src = &inv
		}
	}
	if src == nil {
		pinv, err := pseudoInverse(n)
		if err != nil {
			return nil, err
		}
		src = pinv
	}

	// Scale by the residual variance estimate. With an exactly-determined
	// system there is no residual degree of freedom and the raw inverse
	// stands.
	s2 := 1.0
	if dof := nEq - np; dof > 0 {
		s2 = chiSq / float64(dof)
	}
	cov := mat.NewDense(np, np, nil)
	for a := 0; a < np; a++ {
		for b := 0; b < np; b++ {
			cov.Set(a, b, src.At(a, b)*s2)
		}
	}

	// Unweighted MSE over the fitted equations.
	rd := m.ResidualDim()
	resid := make([]float64, rd)
	jac := make([]float64, rd*np)
	var sse float64
	for _, idx := range indices {
		if err := m.Eval(theta, idx, resid, jac); err != nil {
			return nil, err
		}
		for r := 0; r < rd; r++ {
			sse += resid[r] * resid[r]
		}
	}

	return &Result{
		Params:     theta,
		Covariance: cov,
		ChiSq:      chiSq,
		MSE:        sse / float64(nEq),
		Iterations: iterations,
	}, nil
}
