// Package robust implements outlier-tolerant parameter estimation by
// repeated minimal-subset sampling: candidates fitted from random subsets
// are scored against the full measurement set, the best candidate defines
// an inlier set, and the caller refines on those inliers.
package robust

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Scorer ranks candidate solutions by their residuals over the full
// measurement set and derives the inlier threshold for the best candidate.
// residuals are absolute (non-negative) values.
type Scorer interface {
	Name() string
	// Score condenses the full residual set into a single figure of merit.
	Score(residuals []float64) float64
	// Better reports whether score a beats score b.
	Better(a, b float64) bool
	// WorstScore is the sentinel assigned to discarded candidates.
	WorstScore() float64
	// Done reports whether the best score is already good enough to stop
	// sampling early.
	Done(best float64) bool
	// InlierThreshold derives the absolute-residual inlier threshold from
	// the best candidate's residuals. numParams is the model's parameter
	// count, used for small-sample correction.
	InlierThreshold(residuals []float64, numParams int) float64
	// AbsoluteThreshold returns the fixed inlier threshold when the scorer
	// has one that does not depend on the candidate under evaluation. Only
	// such a threshold yields an inlier ratio that can drive the
	// confidence-derived iteration count: a threshold scaled from the
	// candidate's own residuals calls most measurements inliers no matter
	// how bad the candidate is. Scorers returning ok=false sample until
	// their stop rule fires or the iteration cap is reached.
	AbsoluteThreshold() (threshold float64, ok bool)
}

// LMedS scores candidates by the median of squared residuals — robust to
// up to half the measurements being grossly corrupted.
type LMedS struct {
	// StopThreshold ends sampling once the best median squared residual
	// drops below it. Must be positive.
	StopThreshold float64
	// InlierFactor scales the robust sigma into the inlier threshold.
	// Zero selects the conventional 2.5.
	InlierFactor float64
}

// Name implements Scorer.
func (LMedS) Name() string { return "lmeds" }

// Score implements Scorer: the median of squared residuals.
func (LMedS) Score(residuals []float64) float64 {
	return medianSquared(residuals)
}

// Better implements Scorer: lower median wins.
func (LMedS) Better(a, b float64) bool { return a < b }

// WorstScore implements Scorer.
func (LMedS) WorstScore() float64 { return math.Inf(1) }

// Done implements Scorer.
func (s LMedS) Done(best float64) bool { return best < s.StopThreshold }

// InlierThreshold implements Scorer using the standard LMedS robust
// standard-deviation estimate with finite-sample correction,
// σ = 1.4826·(1 + 5/(n−p))·√median.
func (s LMedS) InlierThreshold(residuals []float64, numParams int) float64 {
	med := medianSquared(residuals)
	n := len(residuals)
	corr := 1.0
	if n > numParams {
		corr = 1 + 5/float64(n-numParams)
	}
	sigma := 1.4826 * corr * math.Sqrt(med)
	factor := s.InlierFactor
	if factor <= 0 {
		factor = 2.5
	}
	return factor * sigma
}

// AbsoluteThreshold implements Scorer: the LMedS threshold is relative to
// the candidate's own residual scale, so it cannot bound the iteration
// count.
func (LMedS) AbsoluteThreshold() (float64, bool) { return 0, false }

// RANSAC scores candidates by the number of residuals under a fixed
// threshold; more inliers wins.
type RANSAC struct {
	// Threshold is the absolute residual below which a measurement counts
	// as an inlier. Must be positive.
	Threshold float64
}

// Name implements Scorer.
func (RANSAC) Name() string { return "ransac" }

// Score implements Scorer: the inlier count.
func (r RANSAC) Score(residuals []float64) float64 {
	count := 0
	for _, v := range residuals {
		if v <= r.Threshold {
			count++
		}
	}
	return float64(count)
}

// Better implements Scorer: higher count wins.
func (RANSAC) Better(a, b float64) bool { return a > b }

// WorstScore implements Scorer.
func (RANSAC) WorstScore() float64 { return math.Inf(-1) }

// Done implements Scorer: inlier counting has no early-success rule beyond
// the confidence-derived iteration budget.
func (RANSAC) Done(float64) bool { return false }

// InlierThreshold implements Scorer: the configured threshold as-is.
func (r RANSAC) InlierThreshold([]float64, int) float64 { return r.Threshold }

// AbsoluteThreshold implements Scorer.
func (r RANSAC) AbsoluteThreshold() (float64, bool) { return r.Threshold, true }

// medianSquared returns the median of the squared residuals.
func medianSquared(residuals []float64) float64 {
	if len(residuals) == 0 {
		return math.NaN()
	}
	sq := make([]float64, len(residuals))
	for i, v := range residuals {
		sq[i] = v * v
	}
	sort.Float64s(sq)
	return stat.Quantile(0.5, stat.Empirical, sq, nil)
}
