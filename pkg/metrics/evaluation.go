package metrics

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/oneclass"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/stats"
)

// State is the lifecycle position of an Evaluation.
type State int

const (
	Uninitialized State = iota
	RealReady
	SynthReady
	Computed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case RealReady:
		return "real-stats-ready"
	case SynthReady:
		return "synth-stats-ready"
	case Computed:
		return "computed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrOutOfOrder is returned when an Evaluation step is called in the wrong
// state.
var ErrOutOfOrder = errors.New("evaluation step out of order")

// Evaluation carries one metric from its inputs to its result. Metrics that do
// not use real statistics start in RealReady.
type Evaluation struct {
	kind     Kind
	params   Params
	detector *oneclass.Detector

	state  State
	real   *stats.Statistics
	synth  *stats.Statistics
	result *Result
}

// NewEvaluation prepares an evaluation of kind.
func NewEvaluation(kind Kind, params Params) *Evaluation {
	e := &Evaluation{kind: kind, params: params}
	if !kind.Requirements().Real {
		e.state = RealReady
	}
	return e
}

// Kind returns the metric being evaluated.
func (e *Evaluation) Kind() Kind { return e.kind }

// State returns the current lifecycle state.
func (e *Evaluation) State() State { return e.state }

// SetDetector supplies the one-class detector used by PRAuth. Without one the
// detector is fitted on the real samples at compute time.
func (e *Evaluation) SetDetector(d *oneclass.Detector) {
	e.detector = d
}

// SetReal records the real statistics.
func (e *Evaluation) SetReal(st *stats.Statistics) error {
	if e.state != Uninitialized {
		return errors.Wrapf(ErrOutOfOrder, "%s: set real statistics in state %s", e.kind, e.state)
	}
	if err := checkForms(e.kind, st); err != nil {
		return err
	}
	e.real = st
	e.state = RealReady
	return nil
}

// SetSynthetic records the synthetic statistics.
func (e *Evaluation) SetSynthetic(st *stats.Statistics) error {
	if e.state != RealReady {
		return errors.Wrapf(ErrOutOfOrder, "%s: set synthetic statistics in state %s", e.kind, e.state)
	}
	if err := checkForms(e.kind, st); err != nil {
		return err
	}
	e.synth = st
	e.state = SynthReady
	return nil
}

// Compute evaluates the metric. It may be called once, after both inputs are
// set. Failures are wrapped in a MetricError.
func (e *Evaluation) Compute(ctx context.Context) (*Result, error) {
	if e.state != SynthReady {
		return nil, errors.Wrapf(ErrOutOfOrder, "%s: compute in state %s", e.kind, e.state)
	}
	res, err := Compute(ctx, e.kind, e.params, e.real, e.synth, e.detector)
	if err != nil {
		return nil, &errdefs.MetricError{Metric: e.kind.String(), Err: err}
	}
	e.result = res
	e.state = Computed
	return res, nil
}

// Result returns the computed result, or nil before Compute succeeds.
func (e *Evaluation) Result() *Result { return e.result }

func checkForms(kind Kind, st *stats.Statistics) error {
	if st.Empty() {
		return nil
	}
	req := kind.Requirements()
	if req.Moments && st.Moments == nil {
		return errors.Errorf("%s: statistics lack the moment form", kind)
	}
	if req.Raw && st.Samples == nil {
		return errors.Errorf("%s: statistics lack raw samples", kind)
	}
	return nil
}

// Compute evaluates kind on the given statistics. real is ignored by metrics
// that only use the synthetic set, and det only matters for PRAuth.
func Compute(ctx context.Context, kind Kind, p Params, real, synth *stats.Statistics, det *oneclass.Detector) (*Result, error) {
	req := kind.Requirements()
	if req.Real && real.Empty() {
		return nil, errdefs.InsufficientSamples("real", 0, minimumSamples(kind, p))
	}
	if synth.Empty() {
		return nil, errdefs.InsufficientSamples("synthetic", 0, minimumSamples(kind, p))
	}
	if req.Real {
		if real.Dim != synth.Dim {
			return nil, errdefs.ShapeMismatch("feature dimension", real.Dim, synth.Dim)
		}
		if err := checkForms(kind, real); err != nil {
			return nil, err
		}
	}
	if err := checkForms(kind, synth); err != nil {
		return nil, err
	}

	switch kind {
	case FID:
		return computeFID(real, synth)
	case KID:
		r, s := samples(real), samples(synth)
		kid, std, err := KernelDistance(r, s, p.KID, p.Seed)
		if err != nil {
			return nil, err
		}
		return newResult(KID, map[string]float64{"kid": kid, "kid_std": std}), nil
	case IS:
		mean, std, err := InceptionScore(samples(synth), p.NumSplits)
		if err != nil {
			return nil, err
		}
		return newResult(IS, map[string]float64{"is_mean": mean, "is_std": std}), nil
	case PR:
		return computePR(ctx, samples(real), samples(synth), p.NhoodSize.PR)
	case PRDC:
		return computePRDC(ctx, samples(real), samples(synth), p.NhoodSize.PRDC)
	case PRAuth:
		return computePRAuth(ctx, det, samples(real), samples(synth), p.NhoodSize.PRAuth, p.AlphaSteps)
	case KNN:
		return computeKNN(ctx, samples(real), samples(synth), real.Samples.Indices, synth.Samples.Indices, p.KNN)
	}
	return nil, errdefs.Configf("metrics", "unknown metric kind %d", int(kind))
}

func samples(st *stats.Statistics) *mat.Dense {
	return st.Samples.Matrix()
}

func minimumSamples(kind Kind, p Params) int {
	switch kind {
	case PR, PRDC, PRAuth:
		return kind.NhoodSize(p) + 1
	case KNN:
		return p.KNN.NumSynth
	}
	return 2
}
