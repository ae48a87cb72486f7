// Package position holds the single mutable source of truth for where the
// machine physically is: axis step counts, last visited well, Z state,
// loaded pipette volume, and whether a home cycle has ever succeeded
// (spec.md §4.4). Its writers are the executor and the Execution
// Controller, each calling the Apply*/Set*/Mark* methods only while holding
// the motion lock, so one writer runs at a time. It publishes an
// immutable snapshot for every other reader via atomic.Pointer, the same
// swap-and-read discipline used by internal/config.
package position

import (
	"sync/atomic"

	"github.com/shopspring/decimal"

	"pipetcore/internal/wellid"
)

// ZState is the pipette head's vertical state.
type ZState int

const (
	ZUp ZState = iota
	ZDown
)

func (z ZState) String() string {
	if z == ZUp {
		return "up"
	}
	return "down"
}

// Snapshot is an immutable, cloneable view of the tracker's state,
// returned to every reader outside the executor (spec.md §4.4 "Readers
// obtain a cloned immutable snapshot").
type Snapshot struct {
	XSteps       int64
	YSteps       int64
	ZSteps       int64
	PipetteSteps int64
	LastWell     wellid.WellId
	HasLastWell  bool
	Z            ZState
	LoadedML     decimal.Decimal
	PipetteCount int
	Initialized  bool
}

// Tracker is the Position Tracker component (spec.md §4.4).
type Tracker struct {
	state atomic.Pointer[Snapshot]
}

// New creates a tracker in its startup state: zeroed axes,
// initialized=false, pipette_count=1 (spec.md §3 "created at process start
// with initialized=false").
func New() *Tracker {
	t := &Tracker{}
	t.state.Store(&Snapshot{PipetteCount: 1})
	return t
}

// Snapshot returns the current state by value; safe to call from any
// goroutine without coordination.
func (t *Tracker) Snapshot() Snapshot {
	return *t.state.Load()
}

func (t *Tracker) mutate(fn func(s Snapshot) Snapshot) {
	cur := *t.state.Load()
	next := fn(cur)
	t.state.Store(&next)
}

// ApplyAxisDelta updates one axis after a confirmed MCU reply (spec.md
// §4.4). direction 0 subtracts from the axis's step count and 1 adds to
// it; for X, Y and Z that is mcuproto's encoding (0=CCW, 1=CW), while the
// pipette's callers pass 1 for CCW, since aspirating adds plunger steps.
// When limitTriggered is true, homing
// moves zero the axis (the switch defines the origin); non-homing moves
// freeze the axis at its pre-move value plus executedSteps, and the
// caller (the executor) is responsible for transitioning the job to
// Error{limit_unexpected} — the tracker itself never rejects a
// limit-triggered update.
func (t *Tracker) ApplyAxisDelta(axis string, executedSteps int64, direction int, limitTriggered, isHoming bool) {
	t.mutate(func(s Snapshot) Snapshot {
		signed := executedSteps
		if direction == 0 {
			signed = -signed
		}
		switch axis {
		case "x":
			if limitTriggered && isHoming {
				s.XSteps = 0
			} else {
				s.XSteps += signed
			}
		case "y":
			if limitTriggered && isHoming {
				s.YSteps = 0
			} else {
				s.YSteps += signed
			}
		case "z":
			if limitTriggered && isHoming {
				s.ZSteps = 0
			} else {
				s.ZSteps += signed
			}
		case "pipette":
			if limitTriggered && isHoming {
				s.PipetteSteps = 0
			} else {
				s.PipetteSteps += signed
			}
		}
		return s
	})
}

// SetWell records the last completed X+Y relocation (spec.md §4.4 "called
// only after a completed X+Y relocation").
func (t *Tracker) SetWell(w wellid.WellId) {
	t.mutate(func(s Snapshot) Snapshot {
		s.LastWell = w
		s.HasLastWell = true
		return s
	})
}

// SetZ records a confirmed Z move (spec.md §4.4 "updated only after Z move
// confirmed").
func (t *Tracker) SetZ(z ZState) {
	t.mutate(func(s Snapshot) Snapshot {
		s.Z = z
		return s
	})
}

// SetLoadedVolume records the pipette's in-memory loaded-volume counter
// (spec.md §4.5 Aspirate/Dispense primitive contracts). Volume is never a
// float (SPEC_FULL.md §3 "floating point is never used for volume").
func (t *Tracker) SetLoadedVolume(ml decimal.Decimal) {
	t.mutate(func(s Snapshot) Snapshot {
		s.LoadedML = ml
		return s
	})
}

// SetPipetteCount records the active pipette tip count (1 or 3); refused
// by the controller while a job is running, not by the tracker itself
// (spec.md §4.6 "refused while a job is running").
func (t *Tracker) SetPipetteCount(n int) {
	t.mutate(func(s Snapshot) Snapshot {
		s.PipetteCount = n
		return s
	})
}

// MarkHomed zeroes every axis and sets initialized=true, the terminal
// effect of a successful home_all (spec.md §4.6 "on success sets
// initialized=true and zeroes the Position Tracker").
func (t *Tracker) MarkHomed() {
	t.mutate(func(s Snapshot) Snapshot {
		s.XSteps, s.YSteps, s.ZSteps, s.PipetteSteps = 0, 0, 0, 0
		s.Z = ZUp
		s.Initialized = true
		return s
	})
}

// MarkUninitialized reverts the tracker after a fatal motion error,
// forcing a re-home before any further motion request is accepted
// (spec.md §3 "A fatal motion error reverts it to initialized=false").
func (t *Tracker) MarkUninitialized() {
	t.mutate(func(s Snapshot) Snapshot {
		s.Initialized = false
		return s
	})
}
