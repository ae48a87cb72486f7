package executor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pipetcore/internal/config"
	"pipetcore/internal/mcuproto"
	"pipetcore/internal/motordriver"
	"pipetcore/internal/position"
	"pipetcore/internal/repetition"
	"pipetcore/internal/wellid"
)

// echoHandler answers every command with a successful reply that executed
// exactly the requested steps and never triggers a limit switch, letting
// tests exercise the happy path without firmware-specific logic.
func echoHandler(req mcuproto.Request) (mcuproto.Response, error) {
	switch req.Cmd {
	case mcuproto.CmdStep:
		return mcuproto.Response{
			Status:         mcuproto.StatusOK,
			StepsExecuted:  mcuproto.IntPtr(*req.Steps),
			LimitTriggered: mcuproto.BoolPtr(false),
		}, nil
	case mcuproto.CmdMoveBatch:
		results := make([]mcuproto.MoveResult, len(req.Movements))
		for i, m := range req.Movements {
			results[i] = mcuproto.MoveResult{MotorID: m.MotorID, StepsExecuted: m.Steps, LimitHit: false}
		}
		return mcuproto.Response{Status: mcuproto.StatusOK, Results: results}, nil
	default:
		return mcuproto.Response{Status: mcuproto.StatusOK}, nil
	}
}

func newTestExecutor(t *testing.T, handler func(mcuproto.Request) (mcuproto.Response, error)) (*Executor, *position.Tracker) {
	t.Helper()
	conn := mcuproto.NewMockConn(handler)
	transport := mcuproto.NewFrameTransport(mcuproto.StaticOpener(conn), zerolog.Nop())
	motors := motordriver.New(transport)
	for _, id := range []int{motorX, motorY, motorZ, motorPipette} {
		if err := motors.Init(context.Background(), id, id, id+10, id+20); err != nil {
			t.Fatal(err)
		}
	}
	pos := position.New()
	pos.MarkHomed()
	rep, err := repetition.NewRunner()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rep.Close() })
	cfg := config.Default()
	ex := New(motors, pos, rep, cfg, zerolog.Nop(), func() bool { return false }, nil)
	return ex, pos
}

func mustWell(t *testing.T, s string) wellid.WellId {
	t.Helper()
	w, err := wellid.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestRunStepSingleTransfer(t *testing.T) {
	ex, pos := newTestExecutor(t, echoHandler)
	step := ProgramStep{
		PickupWell:     mustWell(t, "A1"),
		DropoffWell:    mustWell(t, "A2"),
		HasDropoff:     true,
		RinseWell:      mustWell(t, "A3"),
		HasRinse:       true,
		SampleVolumeML: decimal.NewFromFloat(0.5),
		WaitSeconds:    0,
		Cycles:         1,
		PipetteCount:   1,
		Repetition:     repetition.QuantityMode{Count: 1},
	}
	if err := ex.RunStep(context.Background(), step); err != nil {
		t.Fatal(err)
	}
	snap := pos.Snapshot()
	if !snap.HasLastWell || snap.LastWell != step.RinseWell {
		t.Errorf("expected last well %v, got %+v", step.RinseWell, snap)
	}
	if snap.Z != position.ZUp {
		t.Errorf("expected Z up at end of step, got %v", snap.Z)
	}
	if !snap.LoadedML.IsZero() {
		t.Errorf("expected loaded volume conservation (0 at end), got %s", snap.LoadedML)
	}
}

func TestRunStepMultiPipetteGeometryReject(t *testing.T) {
	ex, _ := newTestExecutor(t, echoHandler)
	step := ProgramStep{
		PickupWell:     mustWell(t, "A1"),
		SampleVolumeML: decimal.NewFromFloat(0.5),
		Cycles:         1,
		PipetteCount:   3,
		Repetition:     repetition.QuantityMode{Count: 1},
	}
	err := ex.RunStep(context.Background(), step)
	if _, ok := err.(LogicFault); !ok {
		t.Fatalf("expected LogicFault{InvalidGeometry}, got %v", err)
	}
	lf := err.(LogicFault)
	if lf.Kind != InvalidGeometry {
		t.Errorf("expected InvalidGeometry, got %s", lf.Kind)
	}
}

func TestAspirateOverflowRejected(t *testing.T) {
	ex, _ := newTestExecutor(t, echoHandler)
	ex.cfg.PipetteCapacityML = 0.1
	step := ProgramStep{
		PickupWell:     mustWell(t, "A1"),
		SampleVolumeML: decimal.NewFromFloat(0.5),
		Cycles:         1,
		PipetteCount:   1,
		Repetition:     repetition.QuantityMode{Count: 1},
	}
	err := ex.RunStep(context.Background(), step)
	lf, ok := err.(LogicFault)
	if !ok || lf.Kind != Overflow {
		t.Fatalf("expected LogicFault{Overflow}, got %v", err)
	}
}

func TestUnexpectedLimitDuringTravelMarksUninitialized(t *testing.T) {
	handler := func(req mcuproto.Request) (mcuproto.Response, error) {
		if req.Cmd == mcuproto.CmdMoveBatch {
			results := make([]mcuproto.MoveResult, len(req.Movements))
			for i, m := range req.Movements {
				results[i] = mcuproto.MoveResult{MotorID: m.MotorID, StepsExecuted: m.Steps / 2, LimitHit: m.MotorID == motorX}
			}
			return mcuproto.Response{Status: mcuproto.StatusOK, Results: results}, nil
		}
		return echoHandler(req)
	}
	ex, pos := newTestExecutor(t, handler)
	step := ProgramStep{
		PickupWell:     mustWell(t, "C5"),
		SampleVolumeML: decimal.NewFromFloat(0.5),
		Cycles:         1,
		PipetteCount:   1,
		Repetition:     repetition.QuantityMode{Count: 1},
	}
	err := ex.RunStep(context.Background(), step)
	mf, ok := err.(MotionFault)
	if !ok || mf.Kind != UnexpectedLimit {
		t.Fatalf("expected MotionFault{UnexpectedLimit}, got %v", err)
	}
	if pos.Snapshot().Initialized {
		t.Error("expected initialized=false after an unexpected limit fault")
	}
}

func TestCancellationStopsBeforeNextPrimitive(t *testing.T) {
	ex, _ := newTestExecutor(t, echoHandler)
	cancelled := false
	ex.cancelled = func() bool { return cancelled }

	step := ProgramStep{
		PickupWell:     mustWell(t, "A1"),
		DropoffWell:    mustWell(t, "A2"),
		HasDropoff:     true,
		SampleVolumeML: decimal.NewFromFloat(0.2),
		Cycles:         3,
		PipetteCount:   1,
		Repetition:     repetition.QuantityMode{Count: 1},
	}
	// Cancel at the fourth "Moving" status (the second cycle's travel to
	// its dropoff well), observed at the next checkpoint (spec.md §4.6
	// "before every primitive").
	calls := 0
	ex.status = func(state string, w wellid.WellId, hasWell bool) {
		if state == "Moving" {
			calls++
			if calls == 4 {
				cancelled = true
			}
		}
	}
	err := ex.RunStep(context.Background(), step)
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestWaitRespectsCancellation(t *testing.T) {
	ex, _ := newTestExecutor(t, echoHandler)
	start := time.Now()
	cancelAt := start.Add(120 * time.Millisecond)
	ex.cancelled = func() bool { return time.Now().After(cancelAt) }
	err := ex.wait(context.Background(), 10)
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("expected wait to observe cancellation promptly, took %v", elapsed)
	}
}
