// Package fmax searches for the highest clock frequency at which a design
// still meets timing.
//
// The search is a bisection over integer MHz. Controller is a stepper that
// proposes the next frequency and consumes verdicts; it performs no I/O and
// can be driven synchronously (Search) or from an event loop (Session).
package fmax

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/fmaxsweep/pkg/job"
)

// DefaultMaxProbes bounds the number of synthesis passes of one search.
const DefaultMaxProbes = 64

var (
	// ErrInvalidBounds rejects a search whose upper bound is below its lower
	// bound.
	ErrInvalidBounds = errors.New("upper_bound is lower than lower_bound")

	// ErrNoSlack reports a pass whose timing report held no slack reading
	// after earlier passes did.
	ErrNoSlack = errors.New("timing report has no slack reading")

	// ErrProbeLimit reports a search that did not converge within MaxProbes.
	ErrProbeLimit = errors.New("probe limit reached before convergence")
)

// Verdict is the timing outcome of one pass.
type Verdict int

const (
	Unknown Verdict = iota
	Met
	Violated
)

func (v Verdict) String() string {
	switch v {
	case Met:
		return "MET"
	case Violated:
		return "VIOLATED"
	default:
		return "UNKNOWN"
	}
}

// Judge classifies a worst negative slack reading.
func Judge(wns float64, ok bool) Verdict {
	switch {
	case !ok:
		return Unknown
	case wns >= 0:
		return Met
	default:
		return Violated
	}
}

// Outcome is the terminal classification of a search.
type Outcome string

const (
	OutcomeConverged      Outcome = "converged"
	OutcomeUnconstrained  Outcome = "unconstrained"
	OutcomeAlwaysMet      Outcome = "always_met"
	OutcomeAlwaysViolated Outcome = "always_violated"
	OutcomeToolError      Outcome = "tool_error"
)

// ExitCode maps the outcome to the job exit code.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeConverged:
		return job.ExitOK
	case OutcomeUnconstrained:
		return job.ExitUnconstrained
	case OutcomeAlwaysMet:
		return job.ExitAlwaysMet
	case OutcomeAlwaysViolated:
		return job.ExitAlwaysViolated
	default:
		return job.ExitFailed
	}
}

// Reason maps the outcome to the failure reason recorded on the job.
func (o Outcome) Reason() job.Reason {
	switch o {
	case OutcomeConverged:
		return job.ReasonNone
	case OutcomeUnconstrained:
		return job.ReasonUnconstrained
	case OutcomeAlwaysMet:
		return job.ReasonAlwaysMet
	case OutcomeAlwaysViolated:
		return job.ReasonAlwaysViolated
	default:
		return job.ReasonToolError
	}
}

// BoundaryError reports a search that ended without bracketing Fmax.
type BoundaryError struct {
	Outcome Outcome
	Lower   int
	Upper   int
}

func (e *BoundaryError) Error() string {
	switch e.Outcome {
	case OutcomeAlwaysMet:
		return fmt.Sprintf("timing met at every probed frequency in [%d, %d] MHz: %s", e.Lower, e.Upper, e.Hint())
	case OutcomeAlwaysViolated:
		return fmt.Sprintf("timing violated at every probed frequency in [%d, %d] MHz: %s", e.Lower, e.Upper, e.Hint())
	default:
		return "design is unconstrained: no timing path between registered boundaries: " + e.Hint()
	}
}

// Hint is a one-line remediation for the operator.
func (e *BoundaryError) Hint() string {
	switch e.Outcome {
	case OutcomeAlwaysMet:
		return "raise upper_bound"
	case OutcomeAlwaysViolated:
		return "lower lower_bound"
	default:
		return "register the design's inputs and outputs"
	}
}

// Config configures one search. Frequencies are in MHz.
type Config struct {
	Lower     int
	Upper     int
	Tolerance int

	// Explore widens the interval when it has become narrower than
	// SafetyMargin without both verdicts having been observed.
	Explore      bool
	SafetyMargin int

	MaxProbes int
}

// Interval is the mutable state of one search.
type Interval struct {
	Lower        int
	Upper        int
	SeenMet      bool
	SeenViolated bool
	Probes       int
}

// Probe is one recorded pass.
type Probe struct {
	FreqMHz int
	Verdict Verdict
}

// Result is the outcome of a finished search.
type Result struct {
	Outcome  Outcome
	FmaxMHz  int
	Interval Interval
	Probes   []Probe
	Err      error
}

// Controller is the bisection state machine for one job.
type Controller struct {
	cfg     Config
	iv      Interval
	pending int
	probes  []Probe
	result  *Result
}

// New validates cfg and returns a controller positioned before its first
// probe.
func New(cfg Config) (*Controller, error) {
	if cfg.Upper < cfg.Lower {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidBounds, cfg.Lower, cfg.Upper)
	}
	if cfg.Lower < 1 {
		return nil, fmt.Errorf("%w: lower_bound must be at least 1 MHz, got %d", ErrInvalidBounds, cfg.Lower)
	}
	if cfg.Tolerance < 1 {
		cfg.Tolerance = 1
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = DefaultMaxProbes
	}
	return &Controller{
		cfg: cfg,
		iv:  Interval{Lower: cfg.Lower, Upper: cfg.Upper},
	}, nil
}

// Interval returns a copy of the current search interval.
func (c *Controller) Interval() Interval {
	return c.iv
}

// Next returns the frequency to probe, or done once the search has ended.
// Calling Next again before Record returns the same frequency.
func (c *Controller) Next() (int, bool) {
	if c.result != nil {
		return 0, true
	}
	if c.pending > 0 {
		return c.pending, false
	}

	c.explore()
	if c.iv.Upper-c.iv.Lower < c.cfg.Tolerance+1 {
		c.finish()
		return 0, true
	}
	if c.iv.Probes >= c.cfg.MaxProbes {
		c.stop(OutcomeToolError, fmt.Errorf("%w (%d probes)", ErrProbeLimit, c.iv.Probes))
		return 0, true
	}

	c.pending = (c.iv.Lower + c.iv.Upper) / 2
	return c.pending, false
}

// explore pushes the unconfirmed side of a narrow interval outward.
func (c *Controller) explore() {
	m := c.cfg.SafetyMargin
	if !c.cfg.Explore || m <= 0 || c.iv.Probes <= 2 || c.iv.Upper-c.iv.Lower >= m {
		return
	}
	switch {
	case !c.iv.SeenMet:
		c.iv.Lower -= 2 * m
		if c.iv.Lower < 1 {
			c.iv.Lower = 1
		}
	case !c.iv.SeenViolated:
		c.iv.Upper += 2 * m
	}
}

// Record consumes the verdict for the pending probe.
func (c *Controller) Record(v Verdict) {
	if c.result != nil || c.pending == 0 {
		return
	}
	f := c.pending
	c.pending = 0

	if v == Unknown {
		if !c.iv.SeenMet && !c.iv.SeenViolated {
			c.stop(OutcomeUnconstrained, &BoundaryError{Outcome: OutcomeUnconstrained, Lower: c.cfg.Lower, Upper: c.cfg.Upper})
			return
		}
		c.stop(OutcomeToolError, fmt.Errorf("%w at %d MHz", ErrNoSlack, f))
		return
	}

	c.iv.Probes++
	c.probes = append(c.probes, Probe{FreqMHz: f, Verdict: v})
	if v == Met {
		c.iv.Lower = f
		c.iv.SeenMet = true
	} else {
		c.iv.Upper = f
		c.iv.SeenViolated = true
	}
}

// Abort ends the search with a tool error.
func (c *Controller) Abort(err error) {
	if c.result != nil {
		return
	}
	c.pending = 0
	c.stop(OutcomeToolError, err)
}

// Done reports whether the search has ended.
func (c *Controller) Done() bool {
	return c.result != nil
}

// Result returns the terminal result. It is only meaningful once Next has
// reported done.
func (c *Controller) Result() Result {
	if c.result == nil {
		return Result{Interval: c.iv, Probes: append([]Probe(nil), c.probes...)}
	}
	r := *c.result
	r.Probes = append([]Probe(nil), c.probes...)
	return r
}

func (c *Controller) finish() {
	switch {
	case c.iv.SeenMet && c.iv.SeenViolated:
		c.stop(OutcomeConverged, nil)
		c.result.FmaxMHz = c.iv.Lower
	case c.iv.SeenMet:
		c.stop(OutcomeAlwaysMet, &BoundaryError{Outcome: OutcomeAlwaysMet, Lower: c.cfg.Lower, Upper: c.iv.Upper})
		c.result.FmaxMHz = c.iv.Lower
	case c.iv.SeenViolated:
		c.stop(OutcomeAlwaysViolated, &BoundaryError{Outcome: OutcomeAlwaysViolated, Lower: c.iv.Lower, Upper: c.cfg.Upper})
	default:
		c.stop(OutcomeUnconstrained, &BoundaryError{Outcome: OutcomeUnconstrained, Lower: c.cfg.Lower, Upper: c.cfg.Upper})
	}
}

func (c *Controller) stop(o Outcome, err error) {
	c.result = &Result{Outcome: o, Interval: c.iv, Err: err}
}

// Oracle runs one synthesis pass at freqMHz and judges its timing.
type Oracle interface {
	Probe(ctx context.Context, freqMHz int) (Verdict, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, freqMHz int) (Verdict, error)

func (f OracleFunc) Probe(ctx context.Context, freqMHz int) (Verdict, error) {
	return f(ctx, freqMHz)
}

// Search runs a complete bisection synchronously. The returned error is
// non-nil only for invalid bounds or cancellation; search-boundary and tool
// errors are reported in Result.Err.
func Search(ctx context.Context, oracle Oracle, cfg Config) (Result, error) {
	c, err := New(cfg)
	if err != nil {
		return Result{}, err
	}
	for {
		f, done := c.Next()
		if done {
			return c.Result(), nil
		}
		if err := ctx.Err(); err != nil {
			return c.Result(), err
		}
		v, err := oracle.Probe(ctx, f)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return c.Result(), ctxErr
			}
			c.Abort(err)
			continue
		}
		c.Record(v)
	}
}
