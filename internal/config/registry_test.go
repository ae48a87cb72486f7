package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate, got: %v", err)
	}
}

func TestValidateRejectsNonPositive(t *testing.T) {
	s := Default()
	s.StepsPerMMX = 0
	if err := s.Validate(); err == nil {
		t.Error("expected rejection of zero STEPS_PER_MM_X")
	}
}

func TestValidateAllowsZeroRinseCycles(t *testing.T) {
	s := Default()
	s.RinseCycles = 0
	if err := s.Validate(); err != nil {
		t.Errorf("RINSE_CYCLES=0 should validate, got: %v", err)
	}
}

func TestRegistryReplaceRejectsInvalid(t *testing.T) {
	r, err := New(Default(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	before := r.Snapshot()
	bad := Default()
	bad.PipetteCapacityML = -1
	if err := r.Replace(bad); err == nil {
		t.Fatal("expected rejection of negative pipette capacity")
	}
	if r.Snapshot() != before {
		t.Error("rejected replacement must not mutate the live snapshot")
	}
}

func TestLoadFilePartialOverridesKeepDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipetcore.properties")
	if err := os.WriteFile(path, []byte("TRAVEL_SPEED=0.002\nRINSE_CYCLES=5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := LoadFile(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got := r.Snapshot()
	want := Default()
	if got.TravelSpeedSPerStep != 0.002 {
		t.Errorf("TRAVEL_SPEED override not applied: got %v", got.TravelSpeedSPerStep)
	}
	if got.RinseCycles != 5 {
		t.Errorf("RINSE_CYCLES override not applied: got %v", got.RinseCycles)
	}
	if got.StepsPerMMX != want.StepsPerMMX {
		t.Errorf("untouched key should keep default: got %v want %v", got.StepsPerMMX, want.StepsPerMMX)
	}
}

func TestJobKeepsSnapshotDuringHotSwap(t *testing.T) {
	r, err := New(Default(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	jobSnapshot := r.Snapshot()

	next := Default()
	next.TravelSpeedSPerStep = 0.01
	if err := r.Replace(next); err != nil {
		t.Fatal(err)
	}

	if jobSnapshot.TravelSpeedSPerStep == r.Snapshot().TravelSpeedSPerStep {
		t.Fatal("test setup invalid: replace should have changed the live value")
	}
	if jobSnapshot.TravelSpeedSPerStep != Default().TravelSpeedSPerStep {
		t.Error("a snapshot taken before Replace must not observe the new value (S6)")
	}
}
