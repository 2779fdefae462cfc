package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hutchcloud/hutch/pkg/controller"
	"github.com/hutchcloud/hutch/pkg/log"
	"github.com/hutchcloud/hutch/pkg/metrics"
	"github.com/hutchcloud/hutch/pkg/namespace"
	"github.com/hutchcloud/hutch/pkg/types"
)

// DefaultParallel bounds concurrent creates when the caller does not.
const DefaultParallel = 4

// Creator provisions one box. Satisfied by *controller.Controller.
type Creator interface {
	Create(ctx context.Context, ns, role string, opts controller.CreateOptions) (*types.Instance, error)
}

// GrowOptions shapes one grow run.
type GrowOptions struct {
	// Count is the number of boxes to add. Required.
	Count int

	// Parallel bounds how many creates run at once. Defaults to
	// DefaultParallel, never more than Count.
	Parallel int

	// Per-box create options. Ordinals are always allocated, never
	// pinned; a pinned ordinal cannot name more than one box.
	ImageID      string
	InstanceType string
	Timeout      time.Duration
	KeepVolumes  bool
}

// BoxResult is the outcome of one slot in a grow run.
type BoxResult struct {
	Instance *types.Instance // the ready box, nil when Err is set
	Err      error
}

// Result collects every slot of a grow run in launch order.
type Result struct {
	Boxes []BoxResult
}

// Ready returns the boxes that reached the ready state.
func (r *Result) Ready() []*types.Instance {
	var out []*types.Instance
	for _, b := range r.Boxes {
		if b.Err == nil && b.Instance != nil {
			out = append(out, b.Instance)
		}
	}
	return out
}

// Failed returns the slots that did not produce a ready box.
func (r *Result) Failed() []BoxResult {
	var out []BoxResult
	for _, b := range r.Boxes {
		if b.Err != nil {
			out = append(out, b)
		}
	}
	return out
}

// GrowError aggregates the per-slot failures of a partially failed grow.
type GrowError struct {
	Requested int
	Failed    int
	Errs      []error
}

func (e *GrowError) Error() string {
	return fmt.Sprintf("%d of %d boxes failed: %v", e.Failed, e.Requested, e.Errs[0])
}

func (e *GrowError) Unwrap() []error { return e.Errs }

// Fleet runs multi-box operations on top of a single-box creator.
type Fleet struct {
	creator Creator
	logger  zerolog.Logger
}

func New(creator Creator) *Fleet {
	return &Fleet{creator: creator, logger: log.WithComponent("fleet")}
}

// Grow adds opts.Count boxes of the given role, at most opts.Parallel
// provisioning at once. Slots fail independently: one box's failure
// never tears down its siblings, only ctx cancellation does. The Result
// always covers every slot; the error is nil only when all succeeded.
func (f *Fleet) Grow(ctx context.Context, ns, role string, opts GrowOptions) (*Result, error) {
	if err := namespace.Validate(ns); err != nil {
		return nil, err
	}
	if opts.Count < 1 {
		return nil, fmt.Errorf("grow count %d: need at least one box", opts.Count)
	}
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = DefaultParallel
	}
	if parallel > opts.Count {
		parallel = opts.Count
	}

	f.logger.Info().
		Str("namespace", ns).
		Str("role", role).
		Int("count", opts.Count).
		Int("parallel", parallel).
		Msg("growing fleet")

	start := time.Now()
	result := &Result{Boxes: make([]BoxResult, opts.Count)}
	sem := semaphore.NewWeighted(int64(parallel))
	g, gctx := errgroup.WithContext(ctx)

	for i := range result.Boxes {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				result.Boxes[i] = BoxResult{Err: err}
				return nil
			}
			defer sem.Release(1)
			result.Boxes[i] = f.createOne(gctx, ns, role, opts)
			return nil
		})
	}
	// Slot failures land in result, never in Wait.
	_ = g.Wait()

	failed := result.Failed()
	outcome := "success"
	if len(failed) > 0 {
		outcome = "failure"
	}
	metrics.ObserveOperation("grow", outcome, time.Since(start))
	f.logger.Info().
		Int("ready", len(result.Ready())).
		Int("failed", len(failed)).
		Dur("elapsed", time.Since(start)).
		Msg("grow finished")

	if len(failed) > 0 {
		errs := make([]error, 0, len(failed))
		for _, b := range failed {
			errs = append(errs, b.Err)
		}
		return result, &GrowError{Requested: opts.Count, Failed: len(failed), Errs: errs}
	}
	return result, nil
}

// createOne provisions a single slot, retrying ordinal races. Concurrent
// creates can draw the same next free ordinal; losers get a
// ConflictError and simply draw again. Anything else is a real failure.
func (f *Fleet) createOne(ctx context.Context, ns, role string, opts GrowOptions) BoxResult {
	create := controller.CreateOptions{
		ImageID:      opts.ImageID,
		InstanceType: opts.InstanceType,
		Timeout:      opts.Timeout,
		KeepVolumes:  opts.KeepVolumes,
	}
	for attempt := 0; ; attempt++ {
		inst, err := f.creator.Create(ctx, ns, role, create)
		var conflict *controller.ConflictError
		if errors.As(err, &conflict) && attempt < opts.Count {
			f.logger.Debug().
				Stringer("identity", conflict.Identity).
				Msg("lost ordinal race, drawing again")
			continue
		}
		return BoxResult{Instance: inst, Err: err}
	}
}
