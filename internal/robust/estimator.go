package robust

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
)

// Failure conditions surfaced by Estimate. Callers classify with errors.Is.
var (
	// ErrLocked means Estimate was invoked while a run was already in
	// progress on the same estimator instance.
	ErrLocked = errors.New("estimator already running")
	// ErrNotReady means the measurement count is below the minimal subset
	// size. Raised before any numerical work.
	ErrNotReady = errors.New("not enough measurements")
	// ErrNoConsensus means no sampled subset ever produced a finite score,
	// or the best candidate's consensus set is too small to refit.
	ErrNoConsensus = errors.New("no valid consensus subset found")
	// ErrExhausted means the iteration budget ran out before the
	// confidence-derived iteration count was reached.
	ErrExhausted = errors.New("iteration budget exhausted without reaching confidence")
	// ErrBadConfig means the estimator configuration is invalid.
	ErrBadConfig = errors.New("invalid estimator configuration")
)

// State is the estimator lifecycle state. A run moves Idle → Sampling →
// Converged or Failed; the terminal state stays readable until the next
// invocation resets it to Sampling.
type State string

const (
	StateIdle      State = "idle"
	StateSampling  State = "sampling"
	StateConverged State = "converged"
	StateFailed    State = "failed"
)

// Problem is the estimation problem fed to the sampling loop: it fits a
// candidate from a measurement subset and evaluates the absolute residual
// of any measurement against a candidate. Implementations are expected to
// surface per-subset numerical failures as errors; the loop discards such
// candidates rather than aborting.
type Problem interface {
	NumMeasurements() int
	NumParams() int
	FitSubset(indices []int) ([]float64, error)
	Residual(theta []float64, sample int) float64
}

// Config holds the recognised robust-estimation options.
type Config struct {
	// Confidence is the probability that at least one sampled subset is
	// outlier-free. It shortens the sampling loop only for scorers with a
	// fixed inlier threshold. Must be in (0, 1). Default 0.99.
	Confidence float64
	// MaxIterations caps the sampling loop. Default 5000.
	MaxIterations int
	// SubsetSize is the minimal subset size — the minimum measurements the
	// model needs. Required.
	SubsetSize int
	// ProgressDelta is the progress-report granularity in (0, 1].
	// Default 0.05.
	ProgressDelta float64
	// Seed seeds the subset sampler. Runs are deterministic for a fixed
	// seed.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.Confidence == 0 {
		c.Confidence = 0.99
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 5000
	}
	if c.ProgressDelta == 0 {
		c.ProgressDelta = 0.05
	}
	return c
}

func (c Config) validate() error {
	if c.Confidence <= 0 || c.Confidence >= 1 {
		return fmt.Errorf("%w: confidence %v outside (0, 1)", ErrBadConfig, c.Confidence)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations %d < 1", ErrBadConfig, c.MaxIterations)
	}
	if c.SubsetSize < 1 {
		return fmt.Errorf("%w: subset size %d < 1", ErrBadConfig, c.SubsetSize)
	}
	if c.ProgressDelta <= 0 || c.ProgressDelta > 1 {
		return fmt.Errorf("%w: progress delta %v outside (0, 1]", ErrBadConfig, c.ProgressDelta)
	}
	return nil
}

// Callbacks are the synchronous lifecycle notifications. They run on the
// calling goroutine, are purely informational, and must not reenter the
// estimator.
type Callbacks struct {
	OnStart     func()
	OnEnd       func(final State)
	OnIteration func(iteration int)
	OnProgress  func(fraction float64)
}

// Preliminary is a candidate solution fitted from a minimal subset. It
// carries no covariance; the caller refines it on the inlier set.
type Preliminary struct {
	Params []float64
	Score  float64
}

// Inliers is the per-measurement consensus of the best candidate.
type Inliers struct {
	Mask      []bool
	Threshold float64
	Residuals []float64
	Count     int
}

// Indices returns the inlier sample indices in order.
func (in *Inliers) Indices() []int {
	out := make([]int, 0, in.Count)
	for i, ok := range in.Mask {
		if ok {
			out = append(out, i)
		}
	}
	return out
}

// Estimator runs the minimal-subset sampling loop with a pluggable scorer.
// The zero value is not usable; use New.
type Estimator struct {
	cfg    Config
	scorer Scorer
	cb     Callbacks

	running atomic.Bool
	mu      sync.RWMutex
	state   State
}

// New returns an estimator with the given scorer, configuration and
// callbacks. Configuration is validated on Estimate, not here.
func New(scorer Scorer, cfg Config, cb Callbacks) *Estimator {
	return &Estimator{cfg: cfg.withDefaults(), scorer: scorer, cb: cb, state: StateIdle}
}

// Running reports whether an estimation run is in progress.
func (e *Estimator) Running() bool { return e.running.Load() }

// State returns the current lifecycle state.
func (e *Estimator) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Estimator) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Estimate runs the sampling loop against the problem and returns the best
// preliminary candidate together with its consensus set. The call blocks
// until a result or failure is produced. A concurrent or reentrant call
// fails fast with ErrLocked and performs no computation.
func (e *Estimator) Estimate(p Problem) (*Preliminary, *Inliers, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, nil, ErrLocked
	}
	defer e.running.Store(false)

	if err := e.cfg.validate(); err != nil {
		e.setState(StateFailed)
		return nil, nil, err
	}

	n := p.NumMeasurements()
	if n < e.cfg.SubsetSize {
		e.setState(StateFailed)
		return nil, nil, fmt.Errorf("%w: have %d, need %d", ErrNotReady, n, e.cfg.SubsetSize)
	}

	e.setState(StateSampling)
	if e.cb.OnStart != nil {
		e.cb.OnStart()
	}
	pre, in, err := e.sample(p, n)
	final := StateConverged
	if err != nil {
		final = StateFailed
	}
	e.setState(final)
	if e.cb.OnEnd != nil {
		e.cb.OnEnd(final)
	}
	return pre, in, err
}

func (e *Estimator) sample(p Problem, n int) (*Preliminary, *Inliers, error) {
	rng := rand.New(rand.NewSource(e.cfg.Seed))
	subset := make([]int, e.cfg.SubsetSize)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	bestScore := e.scorer.WorstScore()
	var bestParams []float64
	var bestResiduals []float64
	residuals := make([]float64, n)

	// required is the confidence-derived iteration count; it stays at the
	// sentinel until a candidate with a usable inlier ratio appears, and
	// only a scorer with a fixed threshold produces one. The configured
	// maximum bounds the loop regardless.
	absThreshold, adaptive := e.scorer.AbsoluteThreshold()
	required := math.MaxInt32
	lastProgress := 0.0
	doneEarly := false

	iter := 0
	for ; iter < e.cfg.MaxIterations && iter < required; iter++ {
		drawSubset(rng, perm, subset)

		if theta, ok := e.evaluate(p, subset, residuals); ok {
			score := e.scorer.Score(residuals)
			if !math.IsNaN(score) && (bestParams == nil || e.scorer.Better(score, bestScore)) {
				bestScore = score
				bestParams = theta
				bestResiduals = append(bestResiduals[:0], residuals...)

				// More inliers in the best candidate mean fewer further
				// iterations are needed for the configured confidence. The
				// ratio is taken against the fixed threshold only.
				if adaptive {
					ratio := inlierRatio(bestResiduals, absThreshold)
					if want := requiredIterations(e.cfg.Confidence, ratio, e.cfg.SubsetSize); want < required {
						required = want
					}
				}
			}
		}

		if e.cb.OnIteration != nil {
			e.cb.OnIteration(iter)
		}
		if e.cb.OnProgress != nil {
			bound := e.cfg.MaxIterations
			if required < bound {
				bound = required
			}
			frac := float64(iter+1) / float64(bound)
			if frac > 1 {
				frac = 1
			}
			if frac-lastProgress >= e.cfg.ProgressDelta || frac == 1 {
				lastProgress = frac
				e.cb.OnProgress(frac)
			}
		}

		if bestParams != nil && e.scorer.Done(bestScore) {
			iter++
			doneEarly = true
			break
		}
	}

	if bestParams == nil {
		return nil, nil, fmt.Errorf("%w after %d iterations", ErrNoConsensus, iter)
	}
	// Without an adaptive target the cap itself is the planned sample
	// count, so exhausting it keeps the best candidate.
	if !doneEarly && adaptive && iter >= e.cfg.MaxIterations && required > iter {
		return nil, nil, fmt.Errorf("%w: %d iterations run, %d required", ErrExhausted, iter, required)
	}

	threshold := e.scorer.InlierThreshold(bestResiduals, p.NumParams())
	in := &Inliers{
		Mask:      make([]bool, n),
		Threshold: threshold,
		Residuals: bestResiduals,
	}
	for i, r := range bestResiduals {
		if r <= threshold {
			in.Mask[i] = true
			in.Count++
		}
	}
	if in.Count < e.cfg.SubsetSize {
		return nil, nil, fmt.Errorf("%w: only %d inliers for subset size %d",
			ErrNoConsensus, in.Count, e.cfg.SubsetSize)
	}

	// One completion report, so an early stop still reaches 1.
	if e.cb.OnProgress != nil && lastProgress < 1 {
		e.cb.OnProgress(1)
	}
	return &Preliminary{Params: bestParams, Score: bestScore}, in, nil
}

// evaluate fits a candidate from the subset and fills residuals for the
// full measurement set. Numerical failures and non-finite residuals mark
// the candidate as discarded.
func (e *Estimator) evaluate(p Problem, subset []int, residuals []float64) ([]float64, bool) {
	theta, err := p.FitSubset(subset)
	if err != nil {
		return nil, false
	}
	for i := range residuals {
		r := p.Residual(theta, i)
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return nil, false
		}
		residuals[i] = r
	}
	return theta, true
}

// drawSubset fills subset with distinct indices via a partial
// Fisher-Yates shuffle of perm.
func drawSubset(rng *rand.Rand, perm, subset []int) {
	n := len(perm)
	for i := range subset {
		j := i + rng.Intn(n-i)
		perm[i], perm[j] = perm[j], perm[i]
		subset[i] = perm[i]
	}
}

func inlierRatio(residuals []float64, threshold float64) float64 {
	count := 0
	for _, r := range residuals {
		if r <= threshold {
			count++
		}
	}
	return float64(count) / float64(len(residuals))
}

// requiredIterations returns the number of random subsets needed so that,
// with the given confidence, at least one of them is outlier-free when the
// inlier ratio is w: N = log(1−c) / log(1−wˢ).
func requiredIterations(confidence, inlierRatio float64, subsetSize int) int {
	if inlierRatio >= 1 {
		return 1
	}
	if inlierRatio <= 0 {
		return math.MaxInt32
	}
	pGood := math.Pow(inlierRatio, float64(subsetSize))
	if pGood <= 0 || pGood >= 1 {
		if pGood >= 1 {
			return 1
		}
		return math.MaxInt32
	}
	n := math.Log(1-confidence) / math.Log(1-pGood)
	if n < 1 {
		return 1
	}
	if n > float64(math.MaxInt32) {
		return math.MaxInt32
	}
	return int(math.Ceil(n))
}
