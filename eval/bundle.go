package eval

import (
	"sync/atomic"

	"github.com/outofforest/implicit/tape"
)

// Bundle groups one evaluator of each kind around a private tape session.
// Each build worker owns a bundle; evaluators are never shared across
// goroutines.
type Bundle struct {
	Tape     *tape.Tape
	Interval *IntervalEvaluator
	Array    *ArrayEvaluator
	Deriv    *DerivArrayEvaluator
	Feature  *FeatureEvaluator
}

// NewBundle clones the tape into a private session and builds the four
// evaluators over it.
func NewBundle(t *tape.Tape) *Bundle {
	session := t.Clone()
	array := NewArrayEvaluator(session)
	return &Bundle{
		Tape:     session,
		Interval: NewIntervalEvaluator(session),
		Array:    array,
		Deriv:    NewDerivArrayEvaluator(array),
		Feature:  NewFeatureEvaluator(session),
	}
}

// SetAbort installs the shared cancellation flag on every evaluator.
func (b *Bundle) SetAbort(abort *atomic.Bool) {
	b.Interval.SetAbort(abort)
	b.Array.SetAbort(abort)
	b.Feature.SetAbort(abort)
}
