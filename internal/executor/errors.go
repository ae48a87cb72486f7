package executor

import "fmt"

// ValidationError is rejected at the boundary before any motion — bad well
// id, bad volume, bad pipette count, bad axis, or a geometry check that
// fails before the first primitive runs (spec.md §7 "Validation").
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return "executor: validation: " + e.Reason }

// MotionFaultKind enumerates the fatal-for-the-job motion failures spec.md
// §7 groups as MotionFault.
type MotionFaultKind string

const (
	UnexpectedLimit MotionFaultKind = "unexpected_limit"
	OutOfEnvelope   MotionFaultKind = "out_of_envelope"
	MCUError        MotionFaultKind = "mcu_error"
)

// MotionFault is fatal for the current job; the controller forces
// stop_all and clears initialized (spec.md §7).
type MotionFault struct {
	Kind MotionFaultKind
	Err  error
}

func (e MotionFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("executor: motion fault %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("executor: motion fault %s", e.Kind)
}

func (e MotionFault) Unwrap() error { return e.Err }

// LogicFaultKind enumerates the fatal-but-initialized-stays-true failures
// spec.md §7 groups as LogicFault.
type LogicFaultKind string

const (
	Overflow        LogicFaultKind = "overflow"
	Underflow       LogicFaultKind = "underflow"
	InvalidGeometry LogicFaultKind = "invalid_geometry"
)

// LogicFault is fatal for the current job but does not clear initialized
// (spec.md §7).
type LogicFault struct {
	Kind LogicFaultKind
	Err  error
}

func (e LogicFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("executor: logic fault %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("executor: logic fault %s", e.Kind)
}

func (e LogicFault) Unwrap() error { return e.Err }

// ErrCancelled is returned when a job observes the cancellation flag at one
// of its checkpoints (spec.md §4.6 "Cancellation checkpoints").
var ErrCancelled = fmt.Errorf("executor: cancelled")
