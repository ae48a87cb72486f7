package executor

import (
	"github.com/shopspring/decimal"

	"pipetcore/internal/repetition"
	"pipetcore/internal/wellid"
)

// ProgramStep is one declarative pipetting step (spec.md §3 "ProgramStep").
// DropoffWell and RinseWell are optional; HasDropoff/HasRinse mark whether
// the corresponding optional primitive legs run at all (spec.md §4.5 "Optional
// states (marked ?) are skipped when their well is absent").
type ProgramStep struct {
	PickupWell  wellid.WellId
	DropoffWell wellid.WellId
	HasDropoff  bool
	RinseWell   wellid.WellId
	HasRinse    bool

	SampleVolumeML decimal.Decimal
	WaitSeconds    int
	Cycles         int
	PipetteCount   int
	Repetition     repetition.Mode
}

// Program is an ordered sequence of steps.
type Program struct {
	Steps []ProgramStep
}

// Validate rejects a step with out-of-range fields before any motion
// (spec.md §3's field constraints; §7 "Validation").
func (s ProgramStep) Validate() error {
	if err := s.PickupWell.Validate(); err != nil {
		return ValidationError{Reason: "pickup_well: " + err.Error()}
	}
	if s.HasDropoff {
		if err := s.DropoffWell.Validate(); err != nil {
			return ValidationError{Reason: "dropoff_well: " + err.Error()}
		}
	}
	if s.HasRinse {
		if err := s.RinseWell.Validate(); err != nil {
			return ValidationError{Reason: "rinse_well: " + err.Error()}
		}
	}
	if s.SampleVolumeML.LessThanOrEqual(decimal.Zero) || s.SampleVolumeML.GreaterThan(decimal.NewFromInt(10)) {
		return ValidationError{Reason: "sample_volume_ml must be in (0, 10]"}
	}
	if s.WaitSeconds < 0 {
		return ValidationError{Reason: "wait_seconds must be >= 0"}
	}
	if s.Cycles < 1 {
		return ValidationError{Reason: "cycles must be >= 1"}
	}
	if s.PipetteCount != 1 && s.PipetteCount != 3 {
		return ValidationError{Reason: "pipette_count must be 1 or 3"}
	}
	switch m := s.Repetition.(type) {
	case repetition.QuantityMode:
		if m.Count < 1 {
			return ValidationError{Reason: "repetition count must be >= 1"}
		}
	case repetition.TimeMode:
		if m.Interval <= 0 {
			return ValidationError{Reason: "repetition interval must be > 0"}
		}
		if m.Duration < m.Interval {
			return ValidationError{Reason: "repetition duration must be >= interval"}
		}
	default:
		return ValidationError{Reason: "repetition mode is required"}
	}
	return nil
}

// wellsNeedingGeometryCheck returns every well this step touches, for the
// multi-pipette 3-tuple neighborhood check (spec.md §4.5 "Multi-pipette
// geometry").
func (s ProgramStep) wellsNeedingGeometryCheck() []wellid.WellId {
	wells := []wellid.WellId{s.PickupWell}
	if s.HasDropoff {
		wells = append(wells, s.DropoffWell)
	}
	if s.HasRinse {
		wells = append(wells, s.RinseWell)
	}
	return wells
}
