// Package repetition implements the two repetition modes spec.md §4.5
// describes for a program step's cycles block: QuantityMode, which simply
// repeats the block back-to-back a fixed number of times, and TimeMode,
// which fires the block on a wall-clock-aligned schedule and skips (never
// queues) a firing whose predecessor is still running. TimeMode is built
// on go-co-op/gocron/v2, whose singleton-mode reschedule policy is
// exactly the skip-not-queue semantics spec.md §8 property 7 requires.
package repetition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Mode is either QuantityMode or TimeMode.
type Mode interface {
	isMode()
}

// QuantityMode repeats the cycles block count times, back-to-back, with
// no pacing between repetitions (spec.md §4.5 "repeats the entire cycles
// block count times consecutively").
type QuantityMode struct {
	Count int
}

func (QuantityMode) isMode() {}

// TimeMode fires the cycles block once every Interval until Duration has
// elapsed, using wall-clock alignment: total firings = floor(Duration /
// Interval), at t0 + k*Interval for k in [0, total) (spec.md §4.5, §8
// property 7).
type TimeMode struct {
	Interval time.Duration
	Duration time.Duration
}

func (TimeMode) isMode() {}

// Runner drives a cycles-block task through either repetition mode.
type Runner struct {
	scheduler gocron.Scheduler
}

func NewRunner() (*Runner, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("repetition: creating scheduler: %w", err)
	}
	return &Runner{scheduler: s}, nil
}

// Close releases the underlying scheduler's resources.
func (r *Runner) Close() error {
	return r.scheduler.Shutdown()
}

// Run executes task once per firing under mode, stopping early if ctx is
// cancelled or task returns an error. task is expected to check
// cancellation at its own checkpoints (spec.md §4.6 "Cancellation
// checkpoints"); Run only stops scheduling further firings, it does not
// interrupt a firing already in progress.
func (r *Runner) Run(ctx context.Context, mode Mode, task func(ctx context.Context) error) error {
	switch m := mode.(type) {
	case QuantityMode:
		return r.runQuantityMode(ctx, m, task)
	case TimeMode:
		return r.runTimeMode(ctx, m, task)
	default:
		return fmt.Errorf("repetition: unknown mode %T", mode)
	}
}

func (r *Runner) runQuantityMode(ctx context.Context, m QuantityMode, task func(ctx context.Context) error) error {
	for i := 0; i < m.Count; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := task(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runTimeMode(ctx context.Context, m TimeMode, task func(ctx context.Context) error) error {
	totalFirings := int(m.Duration / m.Interval)
	if totalFirings <= 0 {
		return nil
	}

	done := make(chan error, 1)
	var mu sync.Mutex
	fired := 0
	reported := false

	report := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if reported {
			return
		}
		reported = true
		done <- err
	}

	fire := func() {
		mu.Lock()
		fired++
		n := fired
		mu.Unlock()

		if err := task(ctx); err != nil {
			report(fmt.Errorf("repetition: firing %d: %w", n, err))
			return
		}
		if n >= totalFirings {
			report(nil)
		}
	}

	job, err := r.scheduler.NewJob(
		gocron.DurationJob(m.Interval),
		gocron.NewTask(fire),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithLimitedRuns(uint(totalFirings)),
	)
	if err != nil {
		return fmt.Errorf("repetition: scheduling time-mode job: %w", err)
	}
	defer func() { _ = r.scheduler.RemoveJob(job.ID()) }()

	r.scheduler.Start()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
