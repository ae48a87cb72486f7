// Package kinematics implements the pure, deterministic coordinate
// conversions described in spec.md §4.3: well <-> (x,y) steps, depth <-> z
// steps, volume <-> pipette steps. Every function takes a config.Snapshot
// value, never a live registry, so a running job's unit conversions are
// pinned to the snapshot it started with (spec.md §5, scenario S6).
package kinematics

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"pipetcore/internal/config"
	"pipetcore/internal/wellid"
)

// ErrOutOfEnvelope is returned by ClampToEnvelope when a target exceeds the
// configured travel envelope (spec.md §4.3).
type ErrOutOfEnvelope struct {
	Axis  string
	Steps int64
	Max   int64
}

func (e ErrOutOfEnvelope) Error() string {
	return fmt.Sprintf("kinematics: %s target %d steps exceeds travel envelope %d", e.Axis, e.Steps, e.Max)
}

// WellToXY maps a WellId to absolute (x, y) step coordinates. Row A and
// column 1 map to the origin (spec.md §4.3).
func WellToXY(w wellid.WellId, cfg config.Snapshot) (x, y int64, err error) {
	if err := w.Validate(); err != nil {
		return 0, 0, err
	}
	x = int64(math.Floor(float64(w.ColumnIndex()) * cfg.WellSpacingMM * cfg.StepsPerMMX))
	y = int64(math.Floor(float64(w.RowIndex()) * cfg.WellSpacingMM * cfg.StepsPerMMY))
	return x, y, nil
}

// CenterXY computes the commanded (x, y) position for a 3-tuple pipette
// head centered on w (spec.md §4.5 "Multi-pipette geometry"): the center
// well's own coordinate, since the three tips share pitch with the plate.
func CenterXY(w wellid.WellId, cfg config.Snapshot) (x, y int64, err error) {
	if _, _, _, err := w.Neighbors3(); err != nil {
		return 0, 0, err
	}
	return WellToXY(w, cfg)
}

// XYToWell is the inverse of WellToXY, rounding to the nearest well on the
// grid. Used to verify the round-trip invariant (spec.md §8 property 6) and
// to report the well underneath an arbitrary axis position.
func XYToWell(x, y int64, cfg config.Snapshot) (wellid.WellId, error) {
	colIdx := int(math.Round(float64(x) / (cfg.WellSpacingMM * cfg.StepsPerMMX)))
	rowIdx := int(math.Round(float64(y) / (cfg.WellSpacingMM * cfg.StepsPerMMY)))
	return wellid.New(byte(wellid.MinRow+rowIdx), wellid.MinColumn+colIdx)
}

// ZFor converts a depth in mm (measured down from the safe height) into a
// z-axis step count, where the safe height itself produces z_steps=0
// (spec.md §3, §4.3).
func ZFor(depthMM float64, cfg config.Snapshot) int64 {
	return int64(math.Floor(depthMM * cfg.StepsPerMMZ))
}

// VolumeToPipetteSteps converts a sample volume in mL into plunger step
// counts using the configured PIPETTE_STEPS_PER_ML (spec.md §4.3). Rounding
// happens once here, at the conversion boundary, never per intermediate
// step (spec.md §9 "Unit arithmetic").
func VolumeToPipetteSteps(volumeML decimal.Decimal, cfg config.Snapshot) int64 {
	stepsPerML := decimal.NewFromFloat(cfg.PipetteStepsPerML)
	steps := volumeML.Mul(stepsPerML).Floor()
	return steps.IntPart()
}

// PipetteStepsToVolume is the inverse of VolumeToPipetteSteps, used when
// reporting remaining/loaded volume (spec.md §4.3).
func PipetteStepsToVolume(steps int64, cfg config.Snapshot) decimal.Decimal {
	stepsPerML := decimal.NewFromFloat(cfg.PipetteStepsPerML)
	if stepsPerML.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(steps).DivRound(stepsPerML, 6)
}

// ClampToEnvelope rejects a target step count that exceeds the configured
// plate travel envelope for the named axis (spec.md §4.3). The envelope for
// X/Y is the full 8x12 grid span; for Z, the pickup/dropoff/safe depths.
func ClampToEnvelope(axis string, steps int64, cfg config.Snapshot) error {
	var maxSteps int64
	switch axis {
	case "x":
		maxSteps = int64(math.Ceil(float64(wellid.MaxColumn-1) * cfg.WellSpacingMM * cfg.StepsPerMMX))
	case "y":
		maxSteps = int64(math.Ceil(float64(wellid.MaxRow-wellid.MinRow) * cfg.WellSpacingMM * cfg.StepsPerMMY))
	case "z":
		deepest := cfg.PickupDepthMM
		if cfg.DropoffDepthMM > deepest {
			deepest = cfg.DropoffDepthMM
		}
		maxSteps = int64(math.Ceil(deepest * cfg.StepsPerMMZ))
	case "pipette":
		maxSteps = int64(math.Ceil(cfg.PipetteCapacityML * cfg.PipetteStepsPerML))
	default:
		return fmt.Errorf("kinematics: unknown axis %q", axis)
	}
	if steps < 0 || steps > maxSteps {
		return ErrOutOfEnvelope{Axis: axis, Steps: steps, Max: maxSteps}
	}
	return nil
}
