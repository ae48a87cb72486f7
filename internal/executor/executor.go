// Package executor implements the Pipetting Executor (spec.md §4.5): the
// per-step state machine that turns one ProgramStep into an ordered
// sequence of primitive motor operations, enforcing Z-safe travel, volume
// conservation, and multi-pipette geometry along the way.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pipetcore/internal/config"
	"pipetcore/internal/kinematics"
	"pipetcore/internal/mcuproto"
	"pipetcore/internal/motordriver"
	"pipetcore/internal/position"
	"pipetcore/internal/repetition"
	"pipetcore/internal/wellid"
)

// Axis motor IDs (spec.md §2 "four stepper axes (X, Y, Z, pipette/gripper)").
const (
	motorX       = 1
	motorY       = 2
	motorZ       = 3
	motorPipette = 4
)

// cancelCheckInterval bounds how often Wait re-checks the cancellation
// flag (spec.md §4.5 "cooperatively sleep... checking cancellation at
// least every 100 ms").
const cancelCheckInterval = 100 * time.Millisecond

// StatusFunc lets the executor announce a transient execution state and
// operation well to whatever is publishing StatusSnapshot (spec.md §3,
// §4.6); the Execution Controller supplies the real implementation.
type StatusFunc func(state string, well wellid.WellId, hasWell bool)

// Executor drives one program step's primitives against a Motor Driver
// Client, updating the Position Tracker as each MCU reply is confirmed.
// It holds no lock itself: the caller (internal/control) acquires the
// motion lock before invoking any method here, per spec.md §4.6.
type Executor struct {
	motors  *motordriver.Client
	pos     *position.Tracker
	rep     *repetition.Runner
	log     zerolog.Logger
	cfg     config.Snapshot
	status  StatusFunc
	cancelled func() bool

	loadedML decimal.Decimal
}

// New constructs an Executor pinned to cfg for the duration of one job
// (spec.md §5, scenario S6: "a running job keeps its start-time
// snapshot"). cancelled reports the controller's cancellation flag;
// status reports transient state transitions for the live StatusSnapshot.
func New(motors *motordriver.Client, pos *position.Tracker, rep *repetition.Runner, cfg config.Snapshot, log zerolog.Logger, cancelled func() bool, status StatusFunc) *Executor {
	if status == nil {
		status = func(string, wellid.WellId, bool) {}
	}
	return &Executor{
		motors:    motors,
		pos:       pos,
		rep:       rep,
		cfg:       cfg,
		log:       log.With().Str("component", "executor").Logger(),
		cancelled: cancelled,
		status:    status,
		loadedML:  pos.Snapshot().LoadedML,
	}
}

func (e *Executor) checkCancel() error {
	if e.cancelled != nil && e.cancelled() {
		return ErrCancelled
	}
	return nil
}

// RunStep runs one ProgramStep through its full repetition schedule
// (spec.md §4.5 "Cycle & repetition semantics"). Multi-pipette geometry is
// validated once, before any motion fires, regardless of how many times
// repetition will run the cycles block (spec.md §4.5 "the step fails
// InvalidGeometry before any motion").
func (e *Executor) RunStep(ctx context.Context, step ProgramStep) error {
	if err := step.Validate(); err != nil {
		return err
	}
	if step.PipetteCount == 3 {
		for _, w := range step.wellsNeedingGeometryCheck() {
			if _, _, _, err := w.Neighbors3(); err != nil {
				return LogicFault{Kind: InvalidGeometry, Err: err}
			}
		}
	}
	e.loadedML = decimal.Zero

	return e.rep.Run(ctx, step.Repetition, func(ctx context.Context) error {
		return e.runCyclesBlock(ctx, step)
	})
}

func (e *Executor) runCyclesBlock(ctx context.Context, step ProgramStep) error {
	for i := 0; i < step.Cycles; i++ {
		if err := e.checkCancel(); err != nil {
			return err
		}
		if err := e.runTraversal(ctx, step); err != nil {
			return err
		}
	}
	return e.wait(ctx, step.WaitSeconds)
}

// runTraversal is one pickup -> optional dropoff -> optional rinse leg
// (spec.md §4.5's per-step state machine, minus the outer AtStart/Done
// bookends which carry no observable behavior of their own).
func (e *Executor) runTraversal(ctx context.Context, step ProgramStep) error {
	if err := e.checkCancel(); err != nil {
		return err
	}
	if err := e.ensureZUp(ctx); err != nil {
		return err
	}
	if err := e.travel(ctx, step.PickupWell, "Moving"); err != nil {
		return err
	}
	if err := e.zDown(ctx, e.cfg.PickupDepthMM); err != nil {
		return err
	}
	if err := e.aspirate(ctx, step.SampleVolumeML, step.PickupWell); err != nil {
		return err
	}
	if err := e.ensureZUp(ctx); err != nil {
		return err
	}

	if step.HasDropoff {
		if err := e.travel(ctx, step.DropoffWell, "Moving"); err != nil {
			return err
		}
		if err := e.zDown(ctx, e.cfg.DropoffDepthMM); err != nil {
			return err
		}
		if err := e.dispense(ctx, step.SampleVolumeML, step.DropoffWell); err != nil {
			return err
		}
		if err := e.ensureZUp(ctx); err != nil {
			return err
		}
	}

	if step.HasRinse {
		if err := e.travel(ctx, step.RinseWell, "Moving"); err != nil {
			return err
		}
		if err := e.rinse(ctx, step.RinseWell); err != nil {
			return err
		}
		if err := e.ensureZUp(ctx); err != nil {
			return err
		}
	}
	return nil
}

// travel computes the target (x, y) via Kinematics and emits a move_batch
// over X and Y (spec.md §4.5 "Travel"). Z-safe travel is enforced first:
// it refuses to move X/Y while Z is not UP.
func (e *Executor) travel(ctx context.Context, w wellid.WellId, state string) error {
	if err := e.checkCancel(); err != nil {
		return err
	}
	if e.pos.Snapshot().Z != position.ZUp {
		return LogicFault{Kind: InvalidGeometry, Err: fmt.Errorf("executor: refusing to travel in X/Y while Z is not up")}
	}

	var targetX, targetY int64
	var err error
	if e.currentPipetteCount() == 3 {
		targetX, targetY, err = kinematics.CenterXY(w, e.cfg)
	} else {
		targetX, targetY, err = kinematics.WellToXY(w, e.cfg)
	}
	if err != nil {
		return LogicFault{Kind: InvalidGeometry, Err: err}
	}
	if err := kinematics.ClampToEnvelope("x", targetX, e.cfg); err != nil {
		return MotionFault{Kind: OutOfEnvelope, Err: err}
	}
	if err := kinematics.ClampToEnvelope("y", targetY, e.cfg); err != nil {
		return MotionFault{Kind: OutOfEnvelope, Err: err}
	}

	snap := e.pos.Snapshot()
	deltaX := targetX - snap.XSteps
	deltaY := targetY - snap.YSteps
	delayUS := speedToDelayUS(e.cfg.TravelSpeedSPerStep)

	e.status(state, w, true)
	movements := []mcuproto.Movement{
		{MotorID: motorX, Steps: int(abs64(deltaX)), Direction: directionFor(deltaX), DelayUS: delayUS},
		{MotorID: motorY, Steps: int(abs64(deltaY)), Direction: directionFor(deltaY), DelayUS: delayUS},
	}
	results, err := e.motors.MoveBatch(ctx, movements, true)
	if err != nil {
		return e.classifyTransport(err)
	}
	for i, axis := range []string{"x", "y"} {
		limitHit := i < len(results) && results[i].LimitTriggered
		executed := int64(0)
		if i < len(results) {
			executed = int64(results[i].StepsExecuted)
		}
		e.pos.ApplyAxisDelta(axis, executed, movements[i].Direction, limitHit, false)
		if limitHit {
			e.pos.MarkUninitialized()
			return MotionFault{Kind: UnexpectedLimit, Err: fmt.Errorf("executor: unexpected limit hit on %s axis during travel", axis)}
		}
	}
	e.pos.SetWell(w)
	return nil
}

// MoveToWell is the single-primitive entry point for an ad hoc X/Y
// relocation outside a full job (spec.md §4.6 "move_to_well"). It reuses
// the same Z-safe travel primitive a program step uses internally.
func (e *Executor) MoveToWell(ctx context.Context, w wellid.WellId) error {
	if err := e.checkCancel(); err != nil {
		return err
	}
	return e.travel(ctx, w, "Moving")
}

// Aspirate is the single-primitive entry point for an ad hoc draw outside
// a full job (spec.md §4.6 "aspirate"). It checks overflow against the
// pipette's real physically-tracked loaded volume, seeded at construction
// from the Position Tracker rather than assumed empty.
func (e *Executor) Aspirate(ctx context.Context, volumeML decimal.Decimal) error {
	return e.aspirate(ctx, volumeML, e.currentWell())
}

// Dispense is the single-primitive entry point for an ad hoc expel outside
// a full job (spec.md §4.6 "dispense").
func (e *Executor) Dispense(ctx context.Context, volumeML decimal.Decimal) error {
	return e.dispense(ctx, volumeML, e.currentWell())
}

// ToggleZ is the single-primitive entry point for an ad hoc Z move outside
// a full job (spec.md §4.6 "toggle_z"). up raises to the safe travel
// height; down lowers to the pickup depth (with the defaults, the deeper
// of the two configured depths), by convention for a bare manual jog with
// no well context to pick a dropoff vs. pickup depth from.
func (e *Executor) ToggleZ(ctx context.Context, up bool) error {
	if up {
		return e.ensureZUp(ctx)
	}
	return e.zDown(ctx, e.cfg.PickupDepthMM)
}

// AxisJog is the single-primitive entry point for raw manual per-axis
// control, bypassing well/kinematics semantics entirely (spec.md §4.6
// "axis_jog"). It still enforces the axis's configured step envelope and
// updates the Position Tracker from the confirmed MCU reply like every
// other primitive.
func (e *Executor) AxisJog(ctx context.Context, axis string, steps int, direction mcuproto.Direction) (motordriver.StepResult, error) {
	if err := e.checkCancel(); err != nil {
		return motordriver.StepResult{}, err
	}
	motorID, ok := axisMotorID(axis)
	if !ok {
		return motordriver.StepResult{}, ValidationError{Reason: "axis must be one of x, y, z, pipette"}
	}

	snap := e.pos.Snapshot()
	delta := int64(steps)
	if direction == mcuproto.CCW {
		delta = -delta
	}
	// The pipette plunger counts the other way: CCW (aspirate) adds steps.
	if axis == "pipette" {
		delta = -delta
	}
	var current int64
	switch axis {
	case "x":
		current = snap.XSteps
	case "y":
		current = snap.YSteps
	case "z":
		current = snap.ZSteps
	case "pipette":
		current = snap.PipetteSteps
	}
	if err := kinematics.ClampToEnvelope(axis, current+delta, e.cfg); err != nil {
		return motordriver.StepResult{}, MotionFault{Kind: OutOfEnvelope, Err: err}
	}

	delayUS := speedToDelayUS(e.cfg.TravelSpeedSPerStep)
	if axis == "pipette" {
		delayUS = speedToDelayUS(e.cfg.PipetteSpeedSPerStep)
	}
	res, err := e.motors.Step(ctx, motorID, steps, direction, delayUS, true)
	if err != nil {
		return motordriver.StepResult{}, e.classifyTransport(err)
	}
	dirSign := 1
	if direction == mcuproto.CCW {
		dirSign = 0
	}
	if axis == "pipette" {
		dirSign = 1 - dirSign
	}
	isHoming := false
	e.pos.ApplyAxisDelta(axis, int64(res.StepsExecuted), dirSign, res.LimitTriggered, isHoming)
	if axis == "z" {
		e.pos.SetZ(zStateFor(e.pos.Snapshot().ZSteps))
	}
	if res.LimitTriggered {
		e.pos.MarkUninitialized()
		return res, MotionFault{Kind: UnexpectedLimit, Err: fmt.Errorf("executor: unexpected limit hit on %s axis during jog", axis)}
	}
	return res, nil
}

func axisMotorID(axis string) (int, bool) {
	switch axis {
	case "x":
		return motorX, true
	case "y":
		return motorY, true
	case "z":
		return motorZ, true
	case "pipette":
		return motorPipette, true
	default:
		return 0, false
	}
}

func (e *Executor) currentWell() wellid.WellId {
	snap := e.pos.Snapshot()
	if snap.HasLastWell {
		return snap.LastWell
	}
	return wellid.WellId{}
}

func (e *Executor) currentPipetteCount() int {
	return e.pos.Snapshot().PipetteCount
}

// ensureZUp raises Z to the safe height if it is not already up (spec.md
// §4.5 "if Z already not UP, raise first").
func (e *Executor) ensureZUp(ctx context.Context) error {
	if e.pos.Snapshot().Z == position.ZUp {
		return nil
	}
	return e.moveZ(ctx, 0, "Moving")
}

func (e *Executor) zDown(ctx context.Context, depthMM float64) error {
	target := kinematics.ZFor(depthMM, e.cfg)
	return e.moveZ(ctx, target, "Moving")
}

func (e *Executor) moveZ(ctx context.Context, targetZSteps int64, state string) error {
	if err := e.checkCancel(); err != nil {
		return err
	}
	if err := kinematics.ClampToEnvelope("z", targetZSteps, e.cfg); err != nil {
		return MotionFault{Kind: OutOfEnvelope, Err: err}
	}
	snap := e.pos.Snapshot()
	delta := targetZSteps - snap.ZSteps
	if delta == 0 {
		e.pos.SetZ(zStateFor(targetZSteps))
		return nil
	}
	delayUS := speedToDelayUS(e.cfg.TravelSpeedSPerStep)
	res, err := e.motors.Step(ctx, motorZ, int(abs64(delta)), directionEnum(delta), delayUS, true)
	if err != nil {
		return e.classifyTransport(err)
	}
	e.pos.ApplyAxisDelta("z", int64(res.StepsExecuted), directionFor(delta), res.LimitTriggered, false)
	if res.LimitTriggered {
		e.pos.MarkUninitialized()
		return MotionFault{Kind: UnexpectedLimit, Err: fmt.Errorf("executor: unexpected limit hit on z axis")}
	}
	e.pos.SetZ(zStateFor(targetZSteps))
	return nil
}

func zStateFor(zSteps int64) position.ZState {
	if zSteps == 0 {
		return position.ZUp
	}
	return position.ZDown
}

// aspirate steps the pipette axis to draw volumeML, enforcing 0 <= loaded
// <= capacity (spec.md §4.5 "Aspirate(v)/Dispense(v)").
func (e *Executor) aspirate(ctx context.Context, volumeML decimal.Decimal, w wellid.WellId) error {
	if err := e.checkCancel(); err != nil {
		return err
	}
	if e.loadedML.Add(volumeML).GreaterThan(decimal.NewFromFloat(e.cfg.PipetteCapacityML)) {
		return LogicFault{Kind: Overflow, Err: fmt.Errorf("executor: aspirating %s would exceed capacity %.3f mL", volumeML, e.cfg.PipetteCapacityML)}
	}
	e.status("Aspirating", w, true)
	steps := kinematics.VolumeToPipetteSteps(volumeML, e.cfg)
	if err := e.stepPipette(ctx, steps, mcuproto.CCW); err != nil {
		return err
	}
	e.loadedML = e.loadedML.Add(volumeML)
	e.pos.SetLoadedVolume(e.loadedML)
	return nil
}

// dispense steps the pipette axis to expel volumeML.
func (e *Executor) dispense(ctx context.Context, volumeML decimal.Decimal, w wellid.WellId) error {
	if err := e.checkCancel(); err != nil {
		return err
	}
	if volumeML.GreaterThan(e.loadedML) {
		return LogicFault{Kind: Underflow, Err: fmt.Errorf("executor: dispensing %s exceeds loaded volume %s", volumeML, e.loadedML)}
	}
	e.status("Dispensing", w, true)
	steps := kinematics.VolumeToPipetteSteps(volumeML, e.cfg)
	if err := e.stepPipette(ctx, steps, mcuproto.CW); err != nil {
		return err
	}
	e.loadedML = e.loadedML.Sub(volumeML)
	e.pos.SetLoadedVolume(e.loadedML)
	return nil
}

func (e *Executor) stepPipette(ctx context.Context, steps int64, direction mcuproto.Direction) error {
	snap := e.pos.Snapshot()
	target := snap.PipetteSteps + steps
	if direction == mcuproto.CW {
		target = snap.PipetteSteps - steps
	}
	if err := kinematics.ClampToEnvelope("pipette", target, e.cfg); err != nil {
		return MotionFault{Kind: OutOfEnvelope, Err: err}
	}

	delayUS := speedToDelayUS(e.cfg.PipetteSpeedSPerStep)
	res, err := e.motors.Step(ctx, motorPipette, int(steps), direction, delayUS, true)
	if err != nil {
		return e.classifyTransport(err)
	}
	// The plunger counts up while aspirating (CCW) and down while
	// dispensing (CW), matching the target computed above.
	dirSign := 0
	if direction == mcuproto.CCW {
		dirSign = 1
	}
	e.pos.ApplyAxisDelta("pipette", int64(res.StepsExecuted), dirSign, res.LimitTriggered, false)
	if res.LimitTriggered {
		e.pos.MarkUninitialized()
		return MotionFault{Kind: UnexpectedLimit, Err: fmt.Errorf("executor: unexpected limit hit on pipette axis")}
	}
	return nil
}

// rinse repeats ZDown(dropoff_depth) -> Dispense(loaded) -> Aspirate(loaded)
// -> ZUp for RinseCycles iterations, then ensures loaded=0 with a final
// dispense (spec.md §4.5 "Rinse").
func (e *Executor) rinse(ctx context.Context, w wellid.WellId) error {
	e.status("Rinsing", w, true)
	for i := 0; i < e.cfg.RinseCycles; i++ {
		if err := e.checkCancel(); err != nil {
			return err
		}
		preLoaded := e.loadedML
		if err := e.zDown(ctx, e.cfg.DropoffDepthMM); err != nil {
			return err
		}
		if err := e.dispense(ctx, preLoaded, w); err != nil {
			return err
		}
		if err := e.aspirate(ctx, preLoaded, w); err != nil {
			return err
		}
		if err := e.ensureZUp(ctx); err != nil {
			return err
		}
	}
	if !e.loadedML.IsZero() {
		if err := e.dispense(ctx, e.loadedML, w); err != nil {
			return err
		}
	}
	return nil
}

// wait cooperatively sleeps for seconds, checking cancellation at least
// every 100 ms (spec.md §4.5 "Wait").
func (e *Executor) wait(ctx context.Context, seconds int) error {
	if seconds <= 0 {
		return e.checkCancel()
	}
	e.status("Waiting", wellid.WellId{}, false)
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	ticker := time.NewTicker(cancelCheckInterval)
	defer ticker.Stop()
	for {
		if time.Now().After(deadline) {
			return e.checkCancel()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.checkCancel(); err != nil {
				return err
			}
		}
	}
}

// classifyTransport wraps any Motor Driver Client error — transport
// failures and the client's own validation errors alike — as a
// MotionFault, since by the time a primitive calls into the driver, any
// of these is fatal for the current job (spec.md §7).
func (e *Executor) classifyTransport(err error) error {
	var te motordriver.TransportError
	if asTransportError(err, &te) {
		return MotionFault{Kind: MCUError, Err: te}
	}
	return MotionFault{Kind: MCUError, Err: err}
}

func asTransportError(err error, target *motordriver.TransportError) bool {
	te, ok := err.(motordriver.TransportError)
	if ok {
		*target = te
	}
	return ok
}

func speedToDelayUS(secondsPerStep float64) int {
	us := int(secondsPerStep * 1e6)
	if us < motordriver.MinDelayUS {
		us = motordriver.MinDelayUS
	}
	return us
}

func directionFor(delta int64) int {
	if delta < 0 {
		return int(mcuproto.CCW)
	}
	return int(mcuproto.CW)
}

func directionEnum(delta int64) mcuproto.Direction {
	if delta < 0 {
		return mcuproto.CCW
	}
	return mcuproto.CW
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
