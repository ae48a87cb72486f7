package position

import (
	"testing"

	"pipetcore/internal/wellid"
)

func TestNewTrackerStartsUninitialized(t *testing.T) {
	tr := New()
	s := tr.Snapshot()
	if s.Initialized {
		t.Fatal("expected initialized=false at startup")
	}
	if s.PipetteCount != 1 {
		t.Errorf("expected default pipette_count=1, got %d", s.PipetteCount)
	}
}

func TestMarkHomedZeroesAxesAndInitializes(t *testing.T) {
	tr := New()
	tr.ApplyAxisDelta("x", 100, 0, false, false)
	tr.MarkHomed()
	s := tr.Snapshot()
	if !s.Initialized {
		t.Fatal("expected initialized=true after MarkHomed")
	}
	if s.XSteps != 0 || s.YSteps != 0 || s.ZSteps != 0 || s.PipetteSteps != 0 {
		t.Errorf("expected all axes zeroed, got %+v", s)
	}
	if s.Z != ZUp {
		t.Errorf("expected Z=up after homing, got %v", s.Z)
	}
}

func TestApplyAxisDeltaAccumulates(t *testing.T) {
	tr := New()
	tr.ApplyAxisDelta("x", 100, 1, false, false) // CW, +100
	tr.ApplyAxisDelta("x", 30, 0, false, false)  // CCW, -30
	s := tr.Snapshot()
	if s.XSteps != 70 {
		t.Errorf("expected x=70, got %d", s.XSteps)
	}
}

func TestApplyAxisDeltaLimitDuringHomingZeroes(t *testing.T) {
	tr := New()
	tr.ApplyAxisDelta("y", 500, 1, false, false)
	tr.ApplyAxisDelta("y", 10, 0, true, true)
	s := tr.Snapshot()
	if s.YSteps != 0 {
		t.Errorf("expected y reset to 0 on homing limit trigger, got %d", s.YSteps)
	}
}

func TestApplyAxisDeltaLimitDuringTravelFreezesAtExecuted(t *testing.T) {
	tr := New()
	tr.ApplyAxisDelta("x", 1000, 1, false, false)
	tr.ApplyAxisDelta("x", 50, 1, true, false)
	s := tr.Snapshot()
	if s.XSteps != 1050 {
		t.Errorf("expected x frozen at pre-move + executed = 1050, got %d", s.XSteps)
	}
}

func TestMarkUninitializedAfterFatalError(t *testing.T) {
	tr := New()
	tr.MarkHomed()
	tr.MarkUninitialized()
	s := tr.Snapshot()
	if s.Initialized {
		t.Fatal("expected initialized=false after MarkUninitialized")
	}
	// axes are not retouched by MarkUninitialized itself
	if s.XSteps != 0 {
		t.Errorf("unexpected x steps: %d", s.XSteps)
	}
}

func TestSetWellAndSetZ(t *testing.T) {
	tr := New()
	w, err := wellid.Parse("C5")
	if err != nil {
		t.Fatal(err)
	}
	tr.SetWell(w)
	tr.SetZ(ZDown)
	s := tr.Snapshot()
	if !s.HasLastWell || s.LastWell != w {
		t.Errorf("expected last well %v, got %+v", w, s)
	}
	if s.Z != ZDown {
		t.Errorf("expected z=down, got %v", s.Z)
	}
}

func TestSnapshotIsolationAcrossMutation(t *testing.T) {
	tr := New()
	before := tr.Snapshot()
	tr.ApplyAxisDelta("z", 42, 0, false, false)
	if before.ZSteps != 0 {
		t.Fatal("snapshot taken before mutation must not observe later writes")
	}
	after := tr.Snapshot()
	if after.ZSteps == before.ZSteps {
		t.Fatal("snapshot taken after mutation must observe the write")
	}
}

func TestSetPipetteCount(t *testing.T) {
	tr := New()
	tr.SetPipetteCount(3)
	if tr.Snapshot().PipetteCount != 3 {
		t.Errorf("expected pipette_count=3, got %d", tr.Snapshot().PipetteCount)
	}
}
