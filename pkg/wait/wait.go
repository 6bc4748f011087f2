// Package wait implements the bounded polling primitive used by every
// "wait for X" step of the encryption workflows.
package wait

import (
	"context"
	"time"

	"github.com/fly-io/brkt/pkg/errors"
	"k8s.io/utils/clock"
)

// ConditionFunc reads remote state. It returns done=true once the target is
// reached, or a non-nil error when the target entered a terminal error
// state, which stops polling immediately.
type ConditionFunc func(ctx context.Context) (done bool, err error)

// Poller polls a condition at a fixed interval until a deadline.
type Poller struct {
	Clock    clock.Clock
	Interval time.Duration
	Timeout  time.Duration
}

// Until polls cond every interval until it reports completion, returns an
// error, or timeout elapses. The condition is always evaluated at least
// once. Cancelling ctx stops polling between checks.
func Until(ctx context.Context, clk clock.Clock, what string, timeout, interval time.Duration, cond ConditionFunc) error {
	return Poller{Clock: clk, Interval: interval, Timeout: timeout}.Until(ctx, what, cond)
}

// Until runs the poll loop described by the package-level Until.
func (p Poller) Until(ctx context.Context, what string, cond ConditionFunc) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	deadline := clk.Now().Add(p.Timeout)
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "waiting for %s", what)
		}

		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if !clk.Now().Before(deadline) {
			return errors.Timeout(what, p.Timeout)
		}
		clk.Sleep(p.Interval)
	}
}
