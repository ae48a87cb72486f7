// Package httpapi implements the REST surface consumed by the UI
// (spec.md §6): a thin chi.Router translating JSON requests into calls on
// internal/control.Controller and mapping its error taxonomy to the HTTP
// status codes spec.md §6 names (200/400/409/500/503). No business logic
// lives here — every handler is parse, call, classify, respond.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pipetcore/internal/config"
	"pipetcore/internal/control"
	"pipetcore/internal/executor"
	"pipetcore/internal/mcuproto"
	"pipetcore/internal/repetition"
	"pipetcore/internal/wellid"
)

// Server wires a control.Controller into a chi.Router.
type Server struct {
	ctrl *control.Controller
	log  zerolog.Logger
}

// NewRouter builds the complete routed handler, CORS-wrapped for a
// browser-hosted UI on a different origin (spec.md §1 "a thin REST/web
// collaborator").
func NewRouter(ctrl *control.Controller, log zerolog.Logger) http.Handler {
	s := &Server{ctrl: ctrl, log: log.With().Str("component", "httpapi").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/pipetting", func(r chi.Router) {
		r.Post("/execute", s.handleExecute)
		r.Post("/stop", s.handleStop)
		r.Post("/home", s.handleHome)
		r.Post("/move-to-well", s.handleMoveToWell)
		r.Post("/aspirate", s.handleAspirate)
		r.Post("/dispense", s.handleDispense)
		r.Post("/toggle-z", s.handleToggleZ)
		r.Post("/set-pipette-count", s.handleSetPipetteCount)
		r.Get("/status", s.handleStatus)
		r.Get("/logs", s.handleLogs)
	})
	r.Route("/axis", func(r chi.Router) {
		r.Post("/move", s.handleAxisMove)
		r.Get("/positions", s.handlePositions)
	})
	r.Route("/config", func(r chi.Router) {
		r.Get("/", s.handleGetConfig)
		r.Post("/", s.handleSetConfig)
		r.Get("/keys", s.handleConfigKeys)
	})

	return cors.AllowAll().Handler(r)
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := httpStatusFor(err)
	s.log.Warn().Err(err).Int("status", status).Msg("request failed")
	writeJSON(w, status, messageResponse{Message: err.Error()})
}

// httpStatusFor maps an internal/control error to spec.md §6's exit
// codes: "200 on success; 400 invalid input; 409 busy or
// state-disallowed; 500 transport/internal; 503 MCU disconnected."
// Transport-level link loss is distinguished from a generic MotionFault
// with errors.Is against mcuproto.ErrLinkLost or mcuproto.ErrTimeout;
// either maps to 503 rather than 500.
func httpStatusFor(err error) int {
	switch control.Classify(err) {
	case control.KindValidation, control.KindLogicFault:
		return http.StatusBadRequest
	case control.KindBusy, control.KindNotInitialized, control.KindCancelled:
		return http.StatusConflict
	case control.KindMotionFault:
		if isLinkLost(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func isLinkLost(err error) bool {
	return errors.Is(err, mcuproto.ErrLinkLost) || errors.Is(err, mcuproto.ErrTimeout)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type executeRequest struct {
	Steps []stepRequest `json:"steps"`
}

type stepRequest struct {
	PickupWell     string  `json:"pickup_well"`
	DropoffWell    string  `json:"dropoff_well,omitempty"`
	RinseWell      string  `json:"rinse_well,omitempty"`
	SampleVolumeML float64 `json:"sample_volume_ml"`
	WaitSeconds    int     `json:"wait_seconds"`
	Cycles         int     `json:"cycles"`
	PipetteCount   int     `json:"pipette_count"`
	RepeatCount    int     `json:"repeat_count,omitempty"`
	IntervalS      float64 `json:"interval_s,omitempty"`
	DurationS      float64 `json:"duration_s,omitempty"`
}

func (s stepRequest) toProgramStep() (executor.ProgramStep, error) {
	pickup, err := wellid.Parse(s.PickupWell)
	if err != nil {
		return executor.ProgramStep{}, executor.ValidationError{Reason: err.Error()}
	}
	step := executor.ProgramStep{
		PickupWell:     pickup,
		SampleVolumeML: decimal.NewFromFloat(s.SampleVolumeML),
		WaitSeconds:    s.WaitSeconds,
		Cycles:         s.Cycles,
		PipetteCount:   s.PipetteCount,
	}
	if s.DropoffWell != "" {
		w, err := wellid.Parse(s.DropoffWell)
		if err != nil {
			return executor.ProgramStep{}, executor.ValidationError{Reason: err.Error()}
		}
		step.DropoffWell, step.HasDropoff = w, true
	}
	if s.RinseWell != "" {
		w, err := wellid.Parse(s.RinseWell)
		if err != nil {
			return executor.ProgramStep{}, executor.ValidationError{Reason: err.Error()}
		}
		step.RinseWell, step.HasRinse = w, true
	}
	if s.DurationS > 0 {
		step.Repetition = repetition.TimeMode{
			Interval: time.Duration(s.IntervalS * float64(time.Second)),
			Duration: time.Duration(s.DurationS * float64(time.Second)),
		}
	} else {
		count := s.RepeatCount
		if count == 0 {
			count = 1
		}
		step.Repetition = repetition.QuantityMode{Count: count}
	}
	return step, nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, executor.ValidationError{Reason: "malformed request body"})
		return
	}
	steps := make([]executor.ProgramStep, 0, len(req.Steps))
	for _, sr := range req.Steps {
		step, err := sr.toProgramStep()
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := step.Validate(); err != nil {
			s.writeError(w, err)
			return
		}
		steps = append(steps, step)
	}
	if err := s.ctrl.StartProgram(executor.Program{Steps: steps}); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{Message: "program accepted"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusOK, messageResponse{Message: "stop requested"})
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.HomeAll(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "homed"})
}

type wellRequest struct {
	WellID string `json:"wellId"`
}

func (s *Server) handleMoveToWell(w http.ResponseWriter, r *http.Request) {
	var req wellRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, executor.ValidationError{Reason: "malformed request body"})
		return
	}
	well, err := wellid.Parse(req.WellID)
	if err != nil {
		s.writeError(w, executor.ValidationError{Reason: err.Error()})
		return
	}
	if err := s.ctrl.MoveToWell(r.Context(), well); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "moved to " + well.String()})
}

type volumeRequest struct {
	Volume float64 `json:"volume"`
}

func (s *Server) handleAspirate(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, executor.ValidationError{Reason: "malformed request body"})
		return
	}
	if err := s.ctrl.Aspirate(r.Context(), decimal.NewFromFloat(req.Volume)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "aspirated"})
}

func (s *Server) handleDispense(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, executor.ValidationError{Reason: "malformed request body"})
		return
	}
	if err := s.ctrl.Dispense(r.Context(), decimal.NewFromFloat(req.Volume)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "dispensed"})
}

type toggleZRequest struct {
	Direction string `json:"direction"`
}

func (s *Server) handleToggleZ(w http.ResponseWriter, r *http.Request) {
	var req toggleZRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, executor.ValidationError{Reason: "malformed request body"})
		return
	}
	var up bool
	switch req.Direction {
	case "UP":
		up = true
	case "DOWN":
		up = false
	default:
		s.writeError(w, executor.ValidationError{Reason: "direction must be UP or DOWN"})
		return
	}
	if err := s.ctrl.ToggleZ(r.Context(), up); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "z toggled"})
}

type axisMoveRequest struct {
	Axis      string `json:"axis"`
	Steps     int    `json:"steps"`
	Direction string `json:"direction"`
}

type positionsResponse struct {
	Positions control.Positions `json:"positions"`
}

func (s *Server) handleAxisMove(w http.ResponseWriter, r *http.Request) {
	var req axisMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, executor.ValidationError{Reason: "malformed request body"})
		return
	}
	var direction mcuproto.Direction
	switch req.Direction {
	case "cw":
		direction = mcuproto.CW
	case "ccw":
		direction = mcuproto.CCW
	default:
		s.writeError(w, executor.ValidationError{Reason: "direction must be cw or ccw"})
		return
	}
	if _, err := s.ctrl.AxisJog(r.Context(), req.Axis, req.Steps, direction); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionsResponse{Positions: s.ctrl.Positions()})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, positionsResponse{Positions: s.ctrl.Positions()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

type logsResponse struct {
	Logs []string `json:"logs"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lastN := 0
	if v := r.URL.Query().Get("last_n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, executor.ValidationError{Reason: "last_n must be an integer"})
			return
		}
		lastN = n
	}
	writeJSON(w, http.StatusOK, logsResponse{Logs: s.ctrl.Logs(lastN)})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Config())
}

func (s *Server) handleConfigKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.Keys())
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	next := s.ctrl.Config()
	if err := decodeJSON(r, &next); err != nil {
		s.writeError(w, executor.ValidationError{Reason: "malformed request body"})
		return
	}
	if err := s.ctrl.ReplaceConfig(next); err != nil {
		s.writeError(w, executor.ValidationError{Reason: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, next)
}

type pipetteCountRequest struct {
	PipetteCount int `json:"pipetteCount"`
}

func (s *Server) handleSetPipetteCount(w http.ResponseWriter, r *http.Request) {
	var req pipetteCountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, executor.ValidationError{Reason: "malformed request body"})
		return
	}
	if err := s.ctrl.SetPipetteCount(req.PipetteCount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "pipette count set"})
}
