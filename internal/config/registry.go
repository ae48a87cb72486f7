// Package config implements the Configuration Registry: the in-memory set
// of numeric hardware parameters consumed by Kinematics and the Executor,
// refreshable from and persisted to a key=value file by the external web
// collaborator (spec.md §4.7).
package config

import (
	"fmt"
	"sync/atomic"

	"github.com/magiconair/properties"
	"github.com/rs/zerolog"
)

// Recognized keys, spec.md §4.7 plus PIPETTE_CAPACITY_ML (SPEC_FULL.md §3,
// resolving the pipette-capacity Open Question from spec.md §9).
const (
	KeyWellSpacingMM      = "WELL_SPACING"
	KeyWellDiameterMM     = "WELL_DIAMETER"
	KeyWellHeightMM       = "WELL_HEIGHT"
	KeyStepsPerMMX        = "STEPS_PER_MM_X"
	KeyStepsPerMMY        = "STEPS_PER_MM_Y"
	KeyStepsPerMMZ        = "STEPS_PER_MM_Z"
	KeyPipetteStepsPerML  = "PIPETTE_STEPS_PER_ML"
	KeyPickupDepthMM      = "PICKUP_DEPTH"
	KeyDropoffDepthMM     = "DROPOFF_DEPTH"
	KeySafeHeightMM       = "SAFE_HEIGHT"
	KeyRinseCycles        = "RINSE_CYCLES"
	KeyTravelSpeedSPerStep = "TRAVEL_SPEED"
	KeyPipetteSpeedSPerStep = "PIPETTE_SPEED"
	KeyPipetteCapacityML  = "PIPETTE_CAPACITY_ML"
)

var allKeys = []string{
	KeyWellSpacingMM, KeyWellDiameterMM, KeyWellHeightMM,
	KeyStepsPerMMX, KeyStepsPerMMY, KeyStepsPerMMZ,
	KeyPipetteStepsPerML, KeyPickupDepthMM, KeyDropoffDepthMM,
	KeySafeHeightMM, KeyRinseCycles, KeyTravelSpeedSPerStep,
	KeyPipetteSpeedSPerStep, KeyPipetteCapacityML,
}

// Snapshot is an immutable read of the registry at a point in time. Readers
// already executing a job keep their original snapshot for the job's
// duration (spec.md §4.7, tested by scenario S6).
type Snapshot struct {
	WellSpacingMM        float64 `json:"WELL_SPACING"`
	WellDiameterMM       float64 `json:"WELL_DIAMETER"`
	WellHeightMM         float64 `json:"WELL_HEIGHT"`
	StepsPerMMX          float64 `json:"STEPS_PER_MM_X"`
	StepsPerMMY          float64 `json:"STEPS_PER_MM_Y"`
	StepsPerMMZ          float64 `json:"STEPS_PER_MM_Z"`
	PipetteStepsPerML    float64 `json:"PIPETTE_STEPS_PER_ML"`
	PickupDepthMM        float64 `json:"PICKUP_DEPTH"`
	DropoffDepthMM       float64 `json:"DROPOFF_DEPTH"`
	SafeHeightMM         float64 `json:"SAFE_HEIGHT"`
	RinseCycles          int     `json:"RINSE_CYCLES"`
	TravelSpeedSPerStep  float64 `json:"TRAVEL_SPEED"`
	PipetteSpeedSPerStep float64 `json:"PIPETTE_SPEED"`
	PipetteCapacityML    float64 `json:"PIPETTE_CAPACITY_ML"`
}

// Default returns the defaults used by scenario S1 in spec.md §8.
func Default() Snapshot {
	return Snapshot{
		WellSpacingMM:        4,
		WellDiameterMM:       6.4,
		WellHeightMM:         10.9,
		StepsPerMMX:          100,
		StepsPerMMY:          100,
		StepsPerMMZ:          100,
		PipetteStepsPerML:    1000,
		PickupDepthMM:        8,
		DropoffDepthMM:       6,
		SafeHeightMM:         0,
		RinseCycles:          3,
		TravelSpeedSPerStep:  0.0005,
		PipetteSpeedSPerStep: 0.001,
		PipetteCapacityML:    1.0,
	}
}

// Validate enforces spec.md §4.7: every value strictly positive except
// RinseCycles, which must be non-negative.
func (s Snapshot) Validate() error {
	positive := map[string]float64{
		KeyWellSpacingMM:        s.WellSpacingMM,
		KeyWellDiameterMM:       s.WellDiameterMM,
		KeyWellHeightMM:         s.WellHeightMM,
		KeyStepsPerMMX:          s.StepsPerMMX,
		KeyStepsPerMMY:          s.StepsPerMMY,
		KeyStepsPerMMZ:          s.StepsPerMMZ,
		KeyPipetteStepsPerML:    s.PipetteStepsPerML,
		KeyPickupDepthMM:        s.PickupDepthMM,
		KeyDropoffDepthMM:       s.DropoffDepthMM,
		KeyTravelSpeedSPerStep:  s.TravelSpeedSPerStep,
		KeyPipetteSpeedSPerStep: s.PipetteSpeedSPerStep,
		KeyPipetteCapacityML:    s.PipetteCapacityML,
	}
	for key, v := range positive {
		if v <= 0 {
			return fmt.Errorf("config: %s must be strictly positive, got %v", key, v)
		}
	}
	if s.RinseCycles < 0 {
		return fmt.Errorf("config: %s must be >= 0, got %d", KeyRinseCycles, s.RinseCycles)
	}
	// SafeHeightMM is permitted to be 0 (Z up is commonly the mechanical
	// zero); spec.md does not list it among the strictly-positive keys
	// despite grouping it with the others, because z_steps=0 at safe
	// height is the invariant spec.md §3 requires.
	if s.SafeHeightMM < 0 {
		return fmt.Errorf("config: %s must be >= 0, got %v", KeySafeHeightMM, s.SafeHeightMM)
	}
	return nil
}

// Registry holds the live Configuration snapshot behind an atomic pointer so
// readers never observe a mid-write value (spec.md §5 "snapshot-swap
// discipline").
type Registry struct {
	current atomic.Pointer[Snapshot]
	log     zerolog.Logger
}

// New constructs a Registry seeded with the given snapshot.
func New(initial Snapshot, log zerolog.Logger) (*Registry, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{log: log.With().Str("component", "config").Logger()}
	r.current.Store(&initial)
	return r, nil
}

// Snapshot returns the current configuration.
func (r *Registry) Snapshot() Snapshot {
	return *r.current.Load()
}

// Replace validates and atomically swaps in a new snapshot, the path used by
// both `POST /config` and a detected rewrite of the backing file.
func (r *Registry) Replace(next Snapshot) error {
	if err := next.Validate(); err != nil {
		return err
	}
	r.current.Store(&next)
	r.log.Info().Msg("configuration replaced")
	return nil
}

// LoadFile reads the key=value file with magiconair/properties, applies its
// values over Default(), and builds a new Registry from the result.
// Unrecognized keys are ignored; missing keys keep their Default() value.
func LoadFile(path string, log zerolog.Logger) (*Registry, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	snap := Default()
	if err := applyProperties(&snap, p); err != nil {
		return nil, err
	}
	return New(snap, log)
}

// ReloadFile re-reads the backing file and swaps in the new snapshot,
// starting from the current values so a partial file edit doesn't revert
// untouched keys to defaults.
func (r *Registry) ReloadFile(path string) error {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return fmt.Errorf("config: reloading %s: %w", path, err)
	}
	next := r.Snapshot()
	if err := applyProperties(&next, p); err != nil {
		return err
	}
	return r.Replace(next)
}

func applyProperties(s *Snapshot, p *properties.Properties) error {
	floatFields := map[string]*float64{
		KeyWellSpacingMM:        &s.WellSpacingMM,
		KeyWellDiameterMM:       &s.WellDiameterMM,
		KeyWellHeightMM:         &s.WellHeightMM,
		KeyStepsPerMMX:          &s.StepsPerMMX,
		KeyStepsPerMMY:          &s.StepsPerMMY,
		KeyStepsPerMMZ:          &s.StepsPerMMZ,
		KeyPipetteStepsPerML:    &s.PipetteStepsPerML,
		KeyPickupDepthMM:        &s.PickupDepthMM,
		KeyDropoffDepthMM:       &s.DropoffDepthMM,
		KeySafeHeightMM:         &s.SafeHeightMM,
		KeyTravelSpeedSPerStep:  &s.TravelSpeedSPerStep,
		KeyPipetteSpeedSPerStep: &s.PipetteSpeedSPerStep,
		KeyPipetteCapacityML:    &s.PipetteCapacityML,
	}
	for key, dst := range floatFields {
		if _, ok := p.Get(key); ok {
			v, err := p.Float64(key)
			if err != nil {
				return fmt.Errorf("config: parsing %s: %w", key, err)
			}
			*dst = v
		}
	}
	if _, ok := p.Get(KeyRinseCycles); ok {
		v, err := p.Int(KeyRinseCycles)
		if err != nil {
			return fmt.Errorf("config: parsing %s: %w", KeyRinseCycles, err)
		}
		s.RinseCycles = v
	}
	return s.Validate()
}

// Keys lists every recognized key, used by the REST layer to render the
// full snapshot (spec.md §6 `GET /config`).
func Keys() []string {
	out := make([]string, len(allKeys))
	copy(out, allKeys)
	return out
}
