package kinematics

import (
	"testing"

	"github.com/shopspring/decimal"

	"pipetcore/internal/config"
	"pipetcore/internal/wellid"
)

func testConfig() config.Snapshot {
	return config.Default()
}

func TestWellToXYOrigin(t *testing.T) {
	cfg := testConfig()
	a1, _ := wellid.New('A', 1)
	x, y, err := WellToXY(a1, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if x != 0 || y != 0 {
		t.Errorf("A1 should be the origin, got (%d, %d)", x, y)
	}
}

func TestWellToXYScenarioS1(t *testing.T) {
	// spec.md §8 S1: steps_per_mm=100, spacing=4mm -> A2 is 400 steps in X.
	cfg := testConfig()
	a2, _ := wellid.New('A', 2)
	x, y, err := WellToXY(a2, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if x != 400 || y != 0 {
		t.Errorf("A2 expected (400, 0), got (%d, %d)", x, y)
	}
}

func TestWellToXYRoundTrip(t *testing.T) {
	cfg := testConfig()
	for row := wellid.MinRow; row <= wellid.MaxRow; row++ {
		for col := wellid.MinColumn; col <= wellid.MaxColumn; col++ {
			w, _ := wellid.New(row, col)
			x, y, err := WellToXY(w, cfg)
			if err != nil {
				t.Fatalf("WellToXY(%v): %v", w, err)
			}
			back, err := XYToWell(x, y, cfg)
			if err != nil {
				t.Fatalf("XYToWell(%d,%d): %v", x, y, err)
			}
			if back != w {
				t.Errorf("round trip failed: %v -> (%d,%d) -> %v", w, x, y, back)
			}
		}
	}
}

func TestZForSafeHeightIsZero(t *testing.T) {
	cfg := testConfig()
	if z := ZFor(0, cfg); z != 0 {
		t.Errorf("ZFor(0) should be 0, got %d", z)
	}
}

func TestVolumeToPipetteStepsRoundTrip(t *testing.T) {
	cfg := testConfig()
	vol := decimal.NewFromFloat(0.5)
	steps := VolumeToPipetteSteps(vol, cfg)
	if steps != 500 {
		t.Errorf("0.5mL at 1000 steps/mL should be 500 steps, got %d", steps)
	}
	back := PipetteStepsToVolume(steps, cfg)
	if !back.Equal(vol) {
		t.Errorf("PipetteStepsToVolume(%d) = %v, want %v", steps, back, vol)
	}
}

func TestClampToEnvelopeRejectsOutOfRange(t *testing.T) {
	cfg := testConfig()
	if err := ClampToEnvelope("x", 999999, cfg); err == nil {
		t.Error("expected OutOfEnvelope for absurd x target")
	}
	if err := ClampToEnvelope("x", 0, cfg); err != nil {
		t.Errorf("origin should be in envelope: %v", err)
	}
}

func TestCenterXYRejectsEdgeColumns(t *testing.T) {
	cfg := testConfig()
	edge, _ := wellid.New('A', 1)
	if _, _, err := CenterXY(edge, cfg); err == nil {
		t.Error("expected InvalidGeometry for pipette_count=3 at column 1 (spec.md S2)")
	}
}
