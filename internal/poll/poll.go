// Package poll runs a polling loop as an explicit state machine: each tick calls a poll
// function that reports a state and whether the loop is done.
package poll

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultInitial = 500 * time.Millisecond
	DefaultMax     = 5 * time.Second
	DefaultFactor  = 2.0
)

// Step is the outcome of one poll.
type Step[T any] struct {
	Value T
	// Done stops the loop after this step.
	Done bool
	// Progressed resets the interval to its initial value. Without progress the
	// interval grows by Factor up to Max.
	Progressed bool
}

// Func performs one poll.
type Func[T any] func(ctx context.Context) (Step[T], error)

// Poller calls Poll until it reports done, it fails or the context is cancelled.
type Poller[T any] struct {
	Poll    Func[T]
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// OnStep is called with every step, including the last one.
	OnStep func(Step[T])
	Logger *slog.Logger
}

// Run polls until done. It returns the last value seen together with the poll error or
// the context error.
func (p *Poller[T]) Run(ctx context.Context) (T, error) {
	initial, ceiling, factor := p.Initial, p.Max, p.Factor
	if initial <= 0 {
		initial = DefaultInitial
	}
	if ceiling <= 0 {
		ceiling = DefaultMax
	}
	if ceiling < initial {
		ceiling = initial
	}
	if factor < 1 {
		factor = DefaultFactor
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var last T
	interval := initial
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-timer.C:
		}

		step, err := p.Poll(ctx)
		if err != nil {
			return last, err
		}
		last = step.Value
		if p.OnStep != nil {
			p.OnStep(step)
		}
		if step.Done {
			return last, nil
		}

		interval = next(interval, initial, ceiling, factor, step.Progressed)
		logger.Debug("Poll scheduled", "interval_ms", interval.Milliseconds(), "progressed", step.Progressed)
		timer.Reset(interval)
	}
}

func next(current, initial, ceiling time.Duration, factor float64, progressed bool) time.Duration {
	if progressed {
		return initial
	}
	grown := time.Duration(float64(current) * factor)
	if grown > ceiling {
		return ceiling
	}
	return grown
}
