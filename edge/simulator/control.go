package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/alimk/nightwatch/internal/service"
	"github.com/alimk/nightwatch/pkg/device"
	"github.com/alimk/nightwatch/pkg/models"
)

// maxAdvance bounds a single manual clock step.
const maxAdvance = time.Hour

// controlAPI is the presentation-facing surface: two setters, a snapshot
// read, a live stream and, in manual clock mode, a time step.
type controlAPI struct {
	deviceID string
	sim      *device.Simulator
	clock    *device.ManualClock // nil unless SIM_CLOCK=manual
	hub      *streamHub
	now      func() time.Time
}

func newControlAPI(deviceID string, sim *device.Simulator, clock *device.ManualClock, hub *streamHub) *controlAPI {
	return &controlAPI{
		deviceID: deviceID,
		sim:      sim,
		clock:    clock,
		hub:      hub,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *controlAPI) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", service.Healthz)
	mux.HandleFunc("GET /api/v1/state", a.handleState)
	mux.HandleFunc("GET /api/v1/state/stream", a.handleStream)
	mux.HandleFunc("POST /api/v1/light", a.handleLight)
	mux.HandleFunc("POST /api/v1/motion", a.handleMotion)
	mux.HandleFunc("POST /api/v1/clock/advance", a.handleAdvance)
	return mux
}

func (a *controlAPI) snapshot() models.DeviceSnapshot {
	return models.NewDeviceSnapshot(a.deviceID, a.now(), a.sim.Snapshot())
}

type lightRequest struct {
	Level *int `json:"level"`
}

type motionRequest struct {
	Detected *bool `json:"detected"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		service.WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func (a *controlAPI) handleState(w http.ResponseWriter, _ *http.Request) {
	service.WriteJSON(w, http.StatusOK, a.snapshot())
}

// handleLight serves POST /api/v1/light. Out-of-range levels are clamped,
// not rejected.
func (a *controlAPI) handleLight(w http.ResponseWriter, r *http.Request) {
	var req lightRequest
	if !decodeBody(w, r, &req) {
		inputsRejected.WithLabelValues(sourceHTTP, inputLight).Inc()
		return
	}
	if req.Level == nil {
		inputsRejected.WithLabelValues(sourceHTTP, inputLight).Inc()
		service.WriteError(w, http.StatusUnprocessableEntity, "validation_failed", "level is required")
		return
	}
	a.sim.SetLightLevel(*req.Level)
	inputsTotal.WithLabelValues(sourceHTTP, inputLight).Inc()
	service.WriteJSON(w, http.StatusOK, a.snapshot())
}

func (a *controlAPI) handleMotion(w http.ResponseWriter, r *http.Request) {
	var req motionRequest
	if !decodeBody(w, r, &req) {
		inputsRejected.WithLabelValues(sourceHTTP, inputMotion).Inc()
		return
	}
	if req.Detected == nil {
		inputsRejected.WithLabelValues(sourceHTTP, inputMotion).Inc()
		service.WriteError(w, http.StatusUnprocessableEntity, "validation_failed", "detected is required")
		return
	}
	a.sim.SetMotion(*req.Detected)
	inputsTotal.WithLabelValues(sourceHTTP, inputMotion).Inc()
	service.WriteJSON(w, http.StatusOK, a.snapshot())
}

// handleAdvance serves POST /api/v1/clock/advance?by=<duration>, defaulting
// to one second. Only available when the simulator runs on a manual clock.
func (a *controlAPI) handleAdvance(w http.ResponseWriter, r *http.Request) {
	if a.clock == nil {
		service.WriteError(w, http.StatusConflict, "clock_not_manual", "simulator runs on the system clock")
		return
	}

	by := time.Second
	if raw := r.URL.Query().Get("by"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxAdvance {
			service.WriteError(w, http.StatusBadRequest, "invalid_duration",
				"by must be a positive duration no longer than "+maxAdvance.String())
			return
		}
		by = d
	}

	a.clock.Advance(by)
	service.WriteJSON(w, http.StatusOK, a.snapshot())
}

var controlRoutes = service.NewRoutes(
	"/healthz",
	"/api/v1/state",
	"/api/v1/state/stream",
	"/api/v1/light",
	"/api/v1/motion",
	"/api/v1/clock/advance",
)

func loggingMiddleware(next http.Handler) http.Handler {
	return service.AccessLog(logger, controlRoutes, httpMetrics, next)
}
