// Package control implements the Execution Controller (spec.md §4.6, §5):
// the single binary motion lock, the cancellation flag, and the publishing
// of StatusSnapshot/LogRing that every other entry point reads without
// needing the lock. It is the only component that talks to the Pipetting
// Executor, and the only one that translates executor errors across an API
// boundary.
package control

import (
	"errors"

	"pipetcore/internal/executor"
)

// ErrBusy is returned by every entry point that requires the motion lock
// when another operation already holds it (spec.md §5 "Acquisition is
// non-blocking").
var ErrBusy = errors.New("control: motion lock held by another operation")

// ErrNotInitialized is returned by a motion request that arrives before
// home_all has succeeded (spec.md §7 "NotInitialized").
var ErrNotInitialized = errors.New("control: home_all has not succeeded")

// Kind is the HTTP-facing error taxonomy spec.md §7 groups together, so
// internal/httpapi needs one switch instead of importing every package's
// concrete error types.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindBusy           Kind = "busy"
	KindNotInitialized Kind = "not_initialized"
	KindCancelled      Kind = "cancelled"
	KindMotionFault    Kind = "motion_fault"
	KindLogicFault     Kind = "logic_fault"
	KindInternal       Kind = "internal"
)

// Classify maps any error returned by this package or by the Pipetting
// Executor beneath it to the taxonomy above (spec.md §7 "Propagation:...
// Only the Execution Controller communicates errors across the API
// boundary, mapping to the HTTP codes").
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrNotInitialized):
		return KindNotInitialized
	case errors.Is(err, executor.ErrCancelled):
		return KindCancelled
	}
	var ve executor.ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	var mf executor.MotionFault
	if errors.As(err, &mf) {
		return KindMotionFault
	}
	var lf executor.LogicFault
	if errors.As(err, &lf) {
		return KindLogicFault
	}
	return KindInternal
}
