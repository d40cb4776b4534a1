package client

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrAlreadyRunning reports a RunAll started while a previous one is live.
var ErrAlreadyRunning = errors.New("run already in progress")

// Runner executes the registry strictly in registration order, awaiting each
// result to completion before dispatching the next.
type Runner struct {
	reg *Registry
	log *zap.Logger

	// running guards against overlapping sequences; stop records a stop
	// request. Kept separate: stopping must not release the guard while a
	// test is still awaited, or a second RunAll could interleave.
	running atomic.Bool
	stop    atomic.Bool
}

// NewRunner creates a sequential runner over reg.
func NewRunner(reg *Registry, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{reg: reg, log: log.Named("runall")}
}

// RunAll dispatches every registered test in order. Test k+1 is never sent
// before test k's outcome arrives. An empty registry completes immediately
// with the running flag back at false. Individual failures do not stop the
// sequence.
func (r *Runner) RunAll(ctx context.Context, s Sender) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)
	r.stop.Store(false)

	for _, id := range r.reg.IDs() {
		// Stop is checked between tests only; it never cancels an
		// in-flight awaited request.
		if r.stop.Load() {
			break
		}
		if err := r.reg.Run(ctx, s, id); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Debug("test did not pass", zap.String("test_id", id), zap.Error(err))
		}
	}
	return nil
}

// Stop requests the sequence end after the current test. Cosmetic only: the
// currently awaited test still runs to its result, and the run stays live
// (rejecting new starts) until that result arrives.
func (r *Runner) Stop() {
	r.stop.Store(true)
}

// Running reports whether a RunAll sequence is live.
func (r *Runner) Running() bool {
	return r.running.Load()
}
