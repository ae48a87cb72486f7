// Package mcuproto implements the MCU wire protocol and its framed
// transport (spec.md §4.1, §6): newline-delimited JSON request/response
// pairs, strictly serialized, one outstanding request at a time.
package mcuproto

import "fmt"

// Direction encodes the commanded rotation sense. 1 = clockwise (spec.md
// §6 "Direction encoding: 1 = clockwise").
type Direction int

const (
	CCW Direction = 0
	CW  Direction = 1
)

// MotorID identifies one of the four stepper axes, spec.md §2's "four
// stepper axes (X, Y, Z, pipette/gripper)".
type MotorID int

const (
	MotorX MotorID = 1
	MotorY MotorID = 2
	MotorZ MotorID = 3
	MotorPipette MotorID = 4
)

// Cmd tags the command a request frame carries, matching spec.md §6's
// recognized command strings exactly.
type Cmd string

const (
	CmdInitMotor  Cmd = "init_motor"
	CmdStep       Cmd = "step"
	CmdHomeMotor  Cmd = "home_motor"
	CmdHomeAll    Cmd = "home_all"
	CmdMoveBatch  Cmd = "move_batch"
	CmdGetLimits  Cmd = "get_limits"
	CmdStop       Cmd = "stop"
	CmdStopAll    Cmd = "stop_all"
	CmdPing       Cmd = "ping"
)

// Status tags the status a response frame carries.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
	StatusReady Status = "ready"
	StatusPong  Status = "pong"
)

// Request is the envelope sent to the MCU: {cmd, ...command-specific
// fields}. All command-specific fields are optional and only the ones
// relevant to Cmd are populated, serialized by encoding/json's omitempty.
type Request struct {
	Cmd Cmd `json:"cmd"`

	MotorID     *int `json:"motor_id,omitempty"`
	PulsePin    *int `json:"pulse_pin,omitempty"`
	DirPin      *int `json:"dir_pin,omitempty"`
	LimitPin    *int `json:"limit_pin,omitempty"`
	Direction   *int `json:"direction,omitempty"`
	Steps       *int `json:"steps,omitempty"`
	DelayUS     *int `json:"delay_us,omitempty"`
	RespectLimit *bool `json:"respect_limit,omitempty"`
	MaxSteps    *int `json:"max_steps,omitempty"`
	RespectLimits *bool `json:"respect_limits,omitempty"`
	Movements   []Movement `json:"movements,omitempty"`
}

// Movement is a single motor's leg of a move_batch request.
type Movement struct {
	MotorID   int `json:"motor_id"`
	Steps     int `json:"steps"`
	Direction int `json:"direction"`
	DelayUS   int `json:"delay_us"`
}

// Response is the envelope received from the MCU: {status, ...reply
// fields}. All reply fields are optional and populated according to which
// command produced the response.
type Response struct {
	Status Status `json:"status"`

	StepsExecuted   *int          `json:"steps_executed,omitempty"`
	LimitTriggered  *bool         `json:"limit_triggered,omitempty"`
	StepsToHome     *int          `json:"steps_to_home,omitempty"`
	Homed           *bool         `json:"homed,omitempty"`
	StepsToHomeAll  []int         `json:"steps_to_home_all,omitempty"`
	HomedAll        []bool        `json:"homed_all,omitempty"`
	Results         []MoveResult  `json:"results,omitempty"`
	Limits          []LimitStatus `json:"limits,omitempty"`
	Message         string        `json:"message,omitempty"`
}

// MoveResult is one motor's leg of a move_batch response.
type MoveResult struct {
	MotorID       int  `json:"motor_id"`
	StepsExecuted int  `json:"steps_executed"`
	LimitHit      bool `json:"limit_hit"`
}

// LimitStatus reports a single axis's limit-switch state from get_limits.
type LimitStatus struct {
	MotorID   int  `json:"motor_id"`
	Triggered bool `json:"triggered"`
	Pin       int  `json:"pin"`
}

// UnknownStatusError is returned when a response carries a status value
// outside {ok, error, ready, pong} (spec.md §9: "unknown tags are hard
// errors, not warnings").
type UnknownStatusError struct {
	Got string
}

func (e UnknownStatusError) Error() string {
	return fmt.Sprintf("mcuproto: unknown response status %q", e.Got)
}

// ValidateStatus rejects any status value this client doesn't recognize.
func ValidateStatus(s Status) error {
	switch s {
	case StatusOK, StatusError, StatusReady, StatusPong:
		return nil
	default:
		return UnknownStatusError{Got: string(s)}
	}
}

// IntPtr and BoolPtr are small helpers for building Request literals, whose
// optional fields are pointers so omitempty can distinguish "zero" from
// "absent" (e.g. direction=0 is a real CCW command, not an unset field).
func IntPtr(v int) *int    { return &v }
func BoolPtr(v bool) *bool { return &v }
