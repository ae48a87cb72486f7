// Package motordriver is a typed wrapper over mcuproto.FrameTransport
// (spec.md §4.2): one method per MCU command, translating between Go
// values and wire frames and normalizing the firmware's replies into the
// InvalidMotor/NotInitialized/BadParameter/Transport{...} error taxonomy.
package motordriver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pipetcore/internal/mcuproto"
)

// Safety bounds enforced client-side before a request ever reaches the
// wire, chosen conservatively since spec.md §4.2 names the bounds
// (MAX_SAFETY, MIN_DELAY) without fixing values.
const (
	MaxSafetySteps = 20000
	MinDelayUS     = 50
)

// InvalidMotor is returned for a motor index outside 1..4.
type InvalidMotor struct{ MotorID int }

func (e InvalidMotor) Error() string {
	return fmt.Sprintf("motordriver: invalid motor id %d", e.MotorID)
}

// NotInitialized is returned when a motion request is sent to a motor
// that Init has not (yet) been called for.
type NotInitialized struct{ MotorID int }

func (e NotInitialized) Error() string {
	return fmt.Sprintf("motordriver: motor %d not initialized", e.MotorID)
}

// BadParameter is returned for a request whose parameters violate a
// client-side safety bound (step count, delay) before being sent.
type BadParameter struct{ Reason string }

func (e BadParameter) Error() string { return "motordriver: bad parameter: " + e.Reason }

// TransportError wraps a failure from the underlying Transport, carrying
// the Kind so callers can distinguish Timeout/IoError/LinkLost without a
// type switch on the mcuproto package's sentinels (spec.md §4.1, §5
// "Transport (Timeout/IoError/LinkLost)").
type TransportError struct {
	Kind string
	Err  error
}

func (e TransportError) Error() string { return fmt.Sprintf("motordriver: transport %s: %v", e.Kind, e.Err) }
func (e TransportError) Unwrap() error { return e.Err }

func wrapTransportErr(err error) error {
	switch {
	case errors.Is(err, mcuproto.ErrTimeout):
		return TransportError{Kind: "timeout", Err: err}
	case errors.Is(err, mcuproto.ErrLinkLost):
		return TransportError{Kind: "link_lost", Err: err}
	default:
		return TransportError{Kind: "io_error", Err: err}
	}
}

func validMotorID(id int) bool {
	return id >= 1 && id <= 4
}

// Client is the Motor Driver Client: a typed façade over a
// mcuproto.FrameTransport tracking which motors have been initialized.
// It holds no motion lock itself — the Execution Controller serializes
// all callers (spec.md §5 "Motion lock").
type Client struct {
	transport *mcuproto.FrameTransport
	initSet   map[int]bool
}

func New(transport *mcuproto.FrameTransport) *Client {
	return &Client{transport: transport, initSet: make(map[int]bool)}
}

// defaultRetryBudget sizes the single retry attempt below when the
// caller's context carries no deadline of its own to re-derive one from.
const defaultRetryBudget = 2 * time.Second

// send issues req over the transport, retrying exactly once if the first
// attempt comes back as a Timeout (spec.md §4.5 "Transient Timeout on a
// single request may be retried at most once; further timeouts are
// fatal"; spec.md §7 "single retry for Timeout; otherwise fatal for
// current job"). The retry runs against a fresh context sized to the
// same budget the original request started with, since by the time a
// Timeout comes back the caller's own context is already expired.
func (c *Client) send(ctx context.Context, req mcuproto.Request) (mcuproto.Response, error) {
	budget := defaultRetryBudget
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			budget = d
		}
	}
	resp, err := c.transport.SendRequest(ctx, req)
	if err == nil || !errors.Is(err, mcuproto.ErrTimeout) {
		return resp, err
	}
	retryCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	return c.transport.SendRequest(retryCtx, req)
}

// StepResult is the outcome of Step or one leg of MoveBatch.
type StepResult struct {
	StepsExecuted  int
	LimitTriggered bool
}

// HomeResult is the outcome of Home.
type HomeResult struct {
	StepsToHome int
	Homed       bool
}

// Init registers pin assignments for motorID with the firmware. Idempotent
// (spec.md §4.2 "Idempotent; called once at startup"): calling it again
// for the same motor simply re-sends the same pins.
func (c *Client) Init(ctx context.Context, motorID, pulsePin, dirPin, limitPin int) error {
	if !validMotorID(motorID) {
		return InvalidMotor{MotorID: motorID}
	}
	req := mcuproto.Request{
		Cmd:      mcuproto.CmdInitMotor,
		MotorID:  mcuproto.IntPtr(motorID),
		PulsePin: mcuproto.IntPtr(pulsePin),
		DirPin:   mcuproto.IntPtr(dirPin),
		LimitPin: mcuproto.IntPtr(limitPin),
	}
	resp, err := c.send(ctx, req)
	if err != nil {
		return wrapTransportErr(err)
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	c.initSet[motorID] = true
	return nil
}

// Step commands a single motor to move |steps| pulses in direction,
// pacing each pulse by delayUS, honoring respectLimit at the firmware.
// The caller receives steps actually executed, which can be less than
// requested only when a limit switch tripped mid-move (spec.md §4.2).
func (c *Client) Step(ctx context.Context, motorID int, steps int, direction mcuproto.Direction, delayUS int, respectLimit bool) (StepResult, error) {
	if !validMotorID(motorID) {
		return StepResult{}, InvalidMotor{MotorID: motorID}
	}
	if !c.initSet[motorID] {
		return StepResult{}, NotInitialized{MotorID: motorID}
	}
	if steps < 0 {
		steps = -steps
	}
	if steps > MaxSafetySteps {
		return StepResult{}, BadParameter{Reason: fmt.Sprintf("steps %d exceeds MaxSafetySteps %d", steps, MaxSafetySteps)}
	}
	if delayUS < MinDelayUS {
		return StepResult{}, BadParameter{Reason: fmt.Sprintf("delay_us %d below MinDelayUS %d", delayUS, MinDelayUS)}
	}

	req := mcuproto.Request{
		Cmd:          mcuproto.CmdStep,
		MotorID:      mcuproto.IntPtr(motorID),
		Steps:        mcuproto.IntPtr(steps),
		Direction:    mcuproto.IntPtr(int(direction)),
		DelayUS:      mcuproto.IntPtr(delayUS),
		RespectLimit: mcuproto.BoolPtr(respectLimit),
	}
	resp, err := c.send(ctx, req)
	if err != nil {
		return StepResult{}, wrapTransportErr(err)
	}
	if err := checkStatus(resp); err != nil {
		return StepResult{}, err
	}
	result := StepResult{}
	if resp.StepsExecuted != nil {
		result.StepsExecuted = *resp.StepsExecuted
	}
	if resp.LimitTriggered != nil {
		result.LimitTriggered = *resp.LimitTriggered
	}
	if !result.LimitTriggered && result.StepsExecuted != steps {
		return result, BadParameter{Reason: fmt.Sprintf("firmware executed %d of %d steps without reporting a limit trigger", result.StepsExecuted, steps)}
	}
	return result, nil
}

// Home drives motorID toward its limit switch, up to maxSteps pulses.
// Homed is false exactly when maxSteps was exhausted without tripping the
// switch (spec.md §4.2).
func (c *Client) Home(ctx context.Context, motorID int, direction mcuproto.Direction, delayUS int, maxSteps int) (HomeResult, error) {
	if !validMotorID(motorID) {
		return HomeResult{}, InvalidMotor{MotorID: motorID}
	}
	if !c.initSet[motorID] {
		return HomeResult{}, NotInitialized{MotorID: motorID}
	}
	if delayUS < MinDelayUS {
		return HomeResult{}, BadParameter{Reason: fmt.Sprintf("delay_us %d below MinDelayUS %d", delayUS, MinDelayUS)}
	}
	req := mcuproto.Request{
		Cmd:       mcuproto.CmdHomeMotor,
		MotorID:   mcuproto.IntPtr(motorID),
		Direction: mcuproto.IntPtr(int(direction)),
		DelayUS:   mcuproto.IntPtr(delayUS),
		MaxSteps:  mcuproto.IntPtr(maxSteps),
	}
	resp, err := c.send(ctx, req)
	if err != nil {
		return HomeResult{}, wrapTransportErr(err)
	}
	if err := checkStatus(resp); err != nil {
		return HomeResult{}, err
	}
	result := HomeResult{}
	if resp.StepsToHome != nil {
		result.StepsToHome = *resp.StepsToHome
	}
	if resp.Homed != nil {
		result.Homed = *resp.Homed
	}
	return result, nil
}

// MoveBatch steps several motors in lockstep (spec.md §4.2). Each leg
// carries its own delay_us to the firmware unchanged; the client does not
// pick a shared delay and leaves pacing to the firmware.
func (c *Client) MoveBatch(ctx context.Context, movements []mcuproto.Movement, respectLimits bool) ([]StepResult, error) {
	for _, m := range movements {
		if !validMotorID(m.MotorID) {
			return nil, InvalidMotor{MotorID: m.MotorID}
		}
		if !c.initSet[m.MotorID] {
			return nil, NotInitialized{MotorID: m.MotorID}
		}
		if abs(m.Steps) > MaxSafetySteps {
			return nil, BadParameter{Reason: fmt.Sprintf("motor %d steps %d exceeds MaxSafetySteps", m.MotorID, m.Steps)}
		}
	}
	req := mcuproto.Request{
		Cmd:           mcuproto.CmdMoveBatch,
		Movements:     movements,
		RespectLimits: mcuproto.BoolPtr(respectLimits),
	}
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, wrapTransportErr(err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	results := make([]StepResult, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = StepResult{StepsExecuted: r.StepsExecuted, LimitTriggered: r.LimitHit}
	}
	return results, nil
}

// GetLimits reports the current limit-switch state of every configured
// motor.
func (c *Client) GetLimits(ctx context.Context) ([]mcuproto.LimitStatus, error) {
	resp, err := c.send(ctx, mcuproto.Request{Cmd: mcuproto.CmdGetLimits})
	if err != nil {
		return nil, wrapTransportErr(err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return resp.Limits, nil
}

// Stop de-energizes a single motor, best-effort.
func (c *Client) Stop(ctx context.Context, motorID int) error {
	if !validMotorID(motorID) {
		return InvalidMotor{MotorID: motorID}
	}
	req := mcuproto.Request{Cmd: mcuproto.CmdStop, MotorID: mcuproto.IntPtr(motorID)}
	resp, err := c.send(ctx, req)
	if err != nil {
		return wrapTransportErr(err)
	}
	return checkStatus(resp)
}

// StopAll de-energizes every motor, best-effort.
func (c *Client) StopAll(ctx context.Context) error {
	resp, err := c.send(ctx, mcuproto.Request{Cmd: mcuproto.CmdStopAll})
	if err != nil {
		return wrapTransportErr(err)
	}
	return checkStatus(resp)
}

// Ping checks liveness of the MCU link.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, mcuproto.Request{Cmd: mcuproto.CmdPing})
	if err != nil {
		return wrapTransportErr(err)
	}
	if resp.Status != mcuproto.StatusPong {
		return checkStatus(resp)
	}
	return nil
}

func checkStatus(resp mcuproto.Response) error {
	if resp.Status == mcuproto.StatusError {
		msg := resp.Message
		if msg == "" {
			msg = "unspecified firmware error"
		}
		return fmt.Errorf("motordriver: firmware error: %s", msg)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
