package control

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pipetcore/internal/config"
	"pipetcore/internal/executor"
	"pipetcore/internal/logring"
	"pipetcore/internal/mcuproto"
	"pipetcore/internal/motordriver"
	"pipetcore/internal/position"
	"pipetcore/internal/repetition"
	"pipetcore/internal/wellid"
)

// Homing constants (spec.md §4.6 "home(motor_id, HOME_DIRECTION,
// home_delay_us, HOME_MAX_STEPS)"). These aren't Configuration Registry
// keys — spec.md §4.7 doesn't list them among the recognized keys — so
// they're fixed here rather than made runtime-configurable.
const (
	homeDelayUS  = 800
	homeMaxSteps = motordriver.MaxSafetySteps
)

// homeOrder is the fixed axis sequence spec.md §4.6 names: "X, then Y,
// then Z, then pipette". Every axis homes toward step 0 (SPEC_FULL.md
// §11.1: X=CCW, Y=CCW, Z=CCW, pipette=CW). X, Y and Z use CCW, the
// direction that lowers their step count (for Z, upward to the top
// switch at the safe height); the pipette uses CW, its dispense
// direction, toward empty.
var homeOrder = []struct {
	axis      string
	motorID   int
	direction mcuproto.Direction
}{
	{"x", 1, mcuproto.CCW},
	{"y", 2, mcuproto.CCW},
	{"z", 3, mcuproto.CCW},
	{"pipette", 4, mcuproto.CW},
}

// StatusSnapshot is the atomically-published, UI-facing view of the
// machine (spec.md §3 "StatusSnapshot"). It is produced whole, never
// exposing a mid-update Position Tracker.
type StatusSnapshot struct {
	Initialized      bool
	HasCurrentWell   bool
	CurrentWell      wellid.WellId
	ZState           position.ZState
	PipetteCount     int
	CurrentOperation string
	HasOperationWell bool
	OperationWell    wellid.WellId
	IsExecuting      bool
	Message          string
}

// Execution states (spec.md §3 "ExecutionState").
const (
	StateIdle       = "Idle"
	StateHoming     = "Homing"
	StateMoving     = "Moving"
	StateAspirating = "Aspirating"
	StateDispensing = "Dispensing"
	StateRinsing    = "Rinsing"
	StateWaiting    = "Waiting"
	StateStopping   = "Stopping"
	StateError      = "Error"
)

// Controller is the Execution Controller: one binary motion lock guarding
// the Motor Driver Client, the Position Tracker, and the cancellation
// flag, plus the status/log publishing every UI poll reads without taking
// that lock (spec.md §4.6, §5).
type Controller struct {
	motionLock sync.Mutex
	cancelled  atomic.Bool

	statusPtr atomic.Pointer[StatusSnapshot]
	logs      *logring.Ring

	motors *motordriver.Client
	pos    *position.Tracker
	rep    *repetition.Runner
	cfg    *config.Registry
	log    zerolog.Logger

	// jobID correlates one running job's log lines; only ever written by
	// the goroutine holding motionLock, so no separate guard is needed.
	jobID string
}

// New constructs a Controller in its startup state, Idle with whatever
// initialized/pipette_count the Position Tracker already holds (spec.md
// §3 "created at process start with initialized=false").
func New(motors *motordriver.Client, pos *position.Tracker, rep *repetition.Runner, cfg *config.Registry, log zerolog.Logger, logs *logring.Ring) *Controller {
	c := &Controller{
		motors: motors,
		pos:    pos,
		rep:    rep,
		cfg:    cfg,
		log:    log.With().Str("component", "control").Logger(),
		logs:   logs,
	}
	c.publish(StateIdle, wellid.WellId{}, false, false, "")
	return c
}

func (c *Controller) logLine(msg string) {
	if c.jobID != "" {
		c.log.Info().Str("job_id", c.jobID).Msg(msg)
		return
	}
	c.log.Info().Msg(msg)
}

// publish builds and atomically stores a fresh StatusSnapshot from the
// Position Tracker's current state plus the transient fields the caller
// supplies (spec.md §3 "Produced atomically").
func (c *Controller) publish(operation string, operationWell wellid.WellId, hasOperationWell, executing bool, message string) {
	snap := c.pos.Snapshot()
	c.statusPtr.Store(&StatusSnapshot{
		Initialized:      snap.Initialized,
		HasCurrentWell:   snap.HasLastWell,
		CurrentWell:      snap.LastWell,
		ZState:           snap.Z,
		PipetteCount:     snap.PipetteCount,
		CurrentOperation: operation,
		HasOperationWell: hasOperationWell,
		OperationWell:    operationWell,
		IsExecuting:      executing,
		Message:          message,
	})
}

// statusFunc adapts publish to executor.StatusFunc, always reporting
// is_executing=true since it's only invoked while a job or single
// primitive is in flight under the motion lock.
func (c *Controller) statusFunc(state string, well wellid.WellId, hasWell bool) {
	c.publish(state, well, hasWell, true, "")
}

// Status is a non-blocking snapshot read (spec.md §4.6 "status()");
// callers never take the motion lock.
func (c *Controller) Status() StatusSnapshot {
	return *c.statusPtr.Load()
}

// Logs returns up to the last n lines of the LogRing (spec.md §4.6
// "logs(last_n)").
func (c *Controller) Logs(lastN int) []string {
	return c.logs.Last(lastN)
}

// Positions is the raw per-axis step count, the payload of `GET
// /axis/positions` and the response to `POST /axis/move` (spec.md §6).
type Positions struct {
	XSteps       int64
	YSteps       int64
	ZSteps       int64
	PipetteSteps int64
}

// Positions reads the current per-axis step counts without the motion
// lock, the same non-blocking discipline as Status.
func (c *Controller) Positions() Positions {
	snap := c.pos.Snapshot()
	return Positions{XSteps: snap.XSteps, YSteps: snap.YSteps, ZSteps: snap.ZSteps, PipetteSteps: snap.PipetteSteps}
}

// Config returns the live Configuration Registry snapshot, the payload
// of `GET /config` (spec.md §6).
func (c *Controller) Config() config.Snapshot {
	return c.cfg.Snapshot()
}

// ReplaceConfig validates and swaps in a new Configuration Registry
// snapshot, the handler behind `POST /config` (spec.md §6). A job
// already running keeps its own start-time snapshot regardless
// (spec.md §4.7, scenario S6).
func (c *Controller) ReplaceConfig(next config.Snapshot) error {
	return c.cfg.Replace(next)
}

func (c *Controller) checkInitialized() error {
	if !c.pos.Snapshot().Initialized {
		return ErrNotInitialized
	}
	return nil
}

func (c *Controller) newExecutor() *executor.Executor {
	return executor.New(c.motors, c.pos, c.rep, c.cfg.Snapshot(), c.log, c.cancelled.Load, c.statusFunc)
}

// StartProgram accepts one long-running job at a time (spec.md §4.6
// "start_program(Program) — acquires the lock; refuses with Busy if
// held... Returns an accepted/rejected verdict, not the result").
func (c *Controller) StartProgram(program executor.Program) error {
	if err := c.checkInitialized(); err != nil {
		return err
	}
	if !c.motionLock.TryLock() {
		return ErrBusy
	}
	c.cancelled.Store(false)
	c.jobID = uuid.NewString()
	c.logLine("program accepted")
	go c.runProgram(program)
	return nil
}

func (c *Controller) runProgram(program executor.Program) {
	defer c.motionLock.Unlock()
	defer func() { c.jobID = "" }()
	ex := c.newExecutor()
	for _, step := range program.Steps {
		if err := ex.RunStep(context.Background(), step); err != nil {
			c.handleJobError(err)
			return
		}
	}
	c.cancelled.Store(false)
	c.publish(StateIdle, wellid.WellId{}, false, false, "")
	c.logLine("program completed")
}

// handleJobError applies spec.md §7's per-kind fallout (stop_all +
// cleared initialized for MotionFault, stop_all only for cancellation,
// initialized left alone for LogicFault/Validation) and always leaves a
// human-readable line in the LogRing.
func (c *Controller) handleJobError(err error) {
	switch Classify(err) {
	case KindCancelled:
		c.publish(StateStopping, wellid.WellId{}, false, true, "")
		c.stopAllBestEffort()
		c.cancelled.Store(false)
		c.publish(StateIdle, wellid.WellId{}, false, false, "")
		c.logLine("stopped by user")
	case KindMotionFault:
		c.stopAllBestEffort()
		c.pos.MarkUninitialized()
		c.publish(StateError, wellid.WellId{}, false, false, err.Error())
		c.logLine("motion fault: " + err.Error())
	default:
		// LogicFault and ValidationError: fatal for the job, initialized
		// untouched (spec.md §7).
		c.publish(StateError, wellid.WellId{}, false, false, err.Error())
		c.logLine("job error: " + err.Error())
	}
}

func (c *Controller) stopAllBestEffort() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.motors.StopAll(ctx); err != nil {
		c.logLine("stop_all failed: " + err.Error())
	}
}

// Stop sets the cancellation flag, which wakes the job at its next
// checkpoint, and enqueues stop_all. It is idempotent and a no-op while
// Idle (spec.md §4.6 "stop()").
func (c *Controller) Stop() {
	if c.motionLock.TryLock() {
		c.motionLock.Unlock()
		return
	}
	c.cancelled.Store(true)
	c.stopAllBestEffort()
}

// HomeAll runs home for every axis in the fixed X, Y, Z, pipette order,
// and on success zeroes the Position Tracker and sets initialized=true
// (spec.md §4.6 "home_all()"). It acquires the motion lock like any
// other entry point, refusing with Busy if a job or primitive already
// holds it.
func (c *Controller) HomeAll(ctx context.Context) error {
	if !c.motionLock.TryLock() {
		return ErrBusy
	}
	defer c.motionLock.Unlock()

	c.publish(StateHoming, wellid.WellId{}, false, true, "")
	for _, leg := range homeOrder {
		res, err := c.motors.Home(ctx, leg.motorID, leg.direction, homeDelayUS, homeMaxSteps)
		if err != nil {
			c.publish(StateError, wellid.WellId{}, false, false, err.Error())
			c.logLine("home_all failed on " + leg.axis + ": " + err.Error())
			return err
		}
		if !res.Homed {
			c.publish(StateError, wellid.WellId{}, false, false, "home_all: "+leg.axis+" never reached its limit switch")
			c.logLine("home_all: " + leg.axis + " exhausted max steps without homing")
			return ErrNotInitialized
		}
	}
	c.pos.MarkHomed()
	c.publish(StateIdle, wellid.WellId{}, false, false, "")
	c.logLine("home_all succeeded")
	return nil
}

// MoveToWell is the single-primitive move_to_well entry point (spec.md
// §4.6), acquiring the lock for one Z-safe relocation.
func (c *Controller) MoveToWell(ctx context.Context, w wellid.WellId) error {
	if err := c.checkInitialized(); err != nil {
		return err
	}
	if !c.motionLock.TryLock() {
		return ErrBusy
	}
	defer c.motionLock.Unlock()
	c.cancelled.Store(false)

	ex := c.newExecutor()
	err := ex.MoveToWell(ctx, w)
	c.finishPrimitive(err)
	return err
}

// Aspirate is the single-primitive aspirate(ml) entry point (spec.md §4.6).
func (c *Controller) Aspirate(ctx context.Context, volumeML decimal.Decimal) error {
	if err := c.checkInitialized(); err != nil {
		return err
	}
	if !c.motionLock.TryLock() {
		return ErrBusy
	}
	defer c.motionLock.Unlock()
	c.cancelled.Store(false)

	ex := c.newExecutor()
	err := ex.Aspirate(ctx, volumeML)
	c.finishPrimitive(err)
	return err
}

// Dispense is the single-primitive dispense(ml) entry point (spec.md §4.6).
func (c *Controller) Dispense(ctx context.Context, volumeML decimal.Decimal) error {
	if err := c.checkInitialized(); err != nil {
		return err
	}
	if !c.motionLock.TryLock() {
		return ErrBusy
	}
	defer c.motionLock.Unlock()
	c.cancelled.Store(false)

	ex := c.newExecutor()
	err := ex.Dispense(ctx, volumeML)
	c.finishPrimitive(err)
	return err
}

// ToggleZ is the single-primitive toggle_z(UP|DOWN) entry point (spec.md
// §4.6).
func (c *Controller) ToggleZ(ctx context.Context, up bool) error {
	if err := c.checkInitialized(); err != nil {
		return err
	}
	if !c.motionLock.TryLock() {
		return ErrBusy
	}
	defer c.motionLock.Unlock()
	c.cancelled.Store(false)

	ex := c.newExecutor()
	err := ex.ToggleZ(ctx, up)
	c.finishPrimitive(err)
	return err
}

// AxisJog is the single-primitive axis_jog(axis, steps, direction) entry
// point (spec.md §4.6), bypassing well/kinematics semantics.
func (c *Controller) AxisJog(ctx context.Context, axis string, steps int, direction mcuproto.Direction) (motordriver.StepResult, error) {
	if err := c.checkInitialized(); err != nil {
		return motordriver.StepResult{}, err
	}
	if !c.motionLock.TryLock() {
		return motordriver.StepResult{}, ErrBusy
	}
	defer c.motionLock.Unlock()
	c.cancelled.Store(false)

	ex := c.newExecutor()
	res, err := ex.AxisJog(ctx, axis, steps, direction)
	c.finishPrimitive(err)
	return res, err
}

// finishPrimitive applies the same fallout a job error would (stop_all +
// clear initialized for MotionFault) and republishes Idle on success,
// since a single primitive has no further steps to run.
func (c *Controller) finishPrimitive(err error) {
	if err == nil {
		c.publish(StateIdle, wellid.WellId{}, false, false, "")
		return
	}
	c.handleJobError(err)
}

// SetPipetteCount records the active tip count, refused while a job or
// primitive is running (spec.md §4.6 "refused while a job is running").
func (c *Controller) SetPipetteCount(n int) error {
	if n != 1 && n != 3 {
		return executor.ValidationError{Reason: "pipette_count must be 1 or 3"}
	}
	if !c.motionLock.TryLock() {
		return ErrBusy
	}
	defer c.motionLock.Unlock()
	c.pos.SetPipetteCount(n)
	return nil
}
