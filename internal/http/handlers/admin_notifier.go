package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/triage-notifier/internal/dispatch"
	"github.com/wolfman30/triage-notifier/internal/history"
	"github.com/wolfman30/triage-notifier/internal/http/middleware"
	"github.com/wolfman30/triage-notifier/internal/ledger"
	"github.com/wolfman30/triage-notifier/internal/lifecycle"
	"github.com/wolfman30/triage-notifier/internal/scheduler"
	"github.com/wolfman30/triage-notifier/internal/settings"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

// SchedulerControl is the control surface the admin API drives.
type SchedulerControl interface {
	Pause() error
	Resume() error
	Status() scheduler.Status
	TriggerNow(ctx context.Context) (dispatch.Outcome, error)
}

// SettingsReader exposes the active settings snapshot.
type SettingsReader interface {
	Current() *settings.Snapshot
}

// AdminNotifierHandler serves the notifier's admin endpoints.
type AdminNotifierHandler struct {
	scheduler SchedulerControl
	settings  SettingsReader
	lifecycle lifecycle.Store
	history   history.Store
	ledger    ledger.Store
	logger    *logging.Logger
}

// AdminNotifierConfig wires an AdminNotifierHandler. History is optional.
type AdminNotifierConfig struct {
	Scheduler SchedulerControl
	Settings  SettingsReader
	Lifecycle lifecycle.Store
	History   history.Store
	Ledger    ledger.Store
	Logger    *logging.Logger
}

func NewAdminNotifierHandler(cfg AdminNotifierConfig) *AdminNotifierHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminNotifierHandler{
		scheduler: cfg.Scheduler,
		settings:  cfg.Settings,
		lifecycle: cfg.Lifecycle,
		history:   cfg.History,
		ledger:    cfg.Ledger,
		logger:    logger.Component("admin"),
	}
}

// Routes mounts the handler under an admin router.
func (h *AdminNotifierHandler) Routes(r chi.Router) {
	r.Get("/scheduler", h.GetScheduler)
	r.Post("/scheduler/pause", h.PauseScheduler)
	r.Post("/scheduler/resume", h.ResumeScheduler)
	r.Post("/scheduler/trigger", h.TriggerTick)
	r.Get("/settings", h.GetSettings)
	r.Get("/patients", h.ListWaitingPatients)
	r.Get("/patients/{patientID}", h.GetPatient)
	r.Get("/patients/{patientID}/history", h.GetPatientHistory)
	r.Get("/reservations/{tag}", h.GetReservation)
}

func (h *AdminNotifierHandler) GetScheduler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *AdminNotifierHandler) PauseScheduler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "pause", h.scheduler.Pause)
}

func (h *AdminNotifierHandler) ResumeScheduler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resume", h.scheduler.Resume)
}

func (h *AdminNotifierHandler) transition(w http.ResponseWriter, r *http.Request, action string, fn func() error) {
	if err := fn(); err != nil {
		if errors.Is(err, scheduler.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("scheduler "+action, "by", middleware.AdminSubject(r.Context()))
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

type triggerResponse struct {
	Outcome dispatch.Outcome `json:"outcome"`
	Error   string           `json:"error,omitempty"`
}

func (h *AdminNotifierHandler) TriggerTick(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("manual tick requested", "by", middleware.AdminSubject(r.Context()))
	out, err := h.scheduler.TriggerNow(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, triggerResponse{Outcome: out})
	case errors.Is(err, scheduler.ErrTickInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, new(*dispatch.FetchError)):
		writeJSON(w, http.StatusBadGateway, triggerResponse{Outcome: out, Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, triggerResponse{Outcome: out, Error: err.Error()})
	}
}

type settingsResponse struct {
	Settings settings.Settings `json:"settings"`
	LoadedAt time.Time         `json:"loaded_at"`
}

func (h *AdminNotifierHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	snap := h.settings.Current()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "settings not loaded")
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{Settings: snap.Settings, LoadedAt: snap.LoadedAt})
}

func (h *AdminNotifierHandler) ListWaitingPatients(w http.ResponseWriter, r *http.Request) {
	records, err := h.lifecycle.ListWaiting(r.Context())
	if err != nil {
		h.logger.Error("list waiting failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list patients")
		return
	}
	if records == nil {
		records = []lifecycle.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patients": records})
}

func (h *AdminNotifierHandler) GetPatient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "patientID")
	rec, err := h.lifecycle.Get(r.Context(), id)
	if errors.Is(err, lifecycle.ErrNotFound) {
		writeError(w, http.StatusNotFound, "patient not found")
		return
	}
	if err != nil {
		h.logger.Error("get patient failed", "patient_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load patient")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *AdminNotifierHandler) GetPatientHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "history not configured")
		return
	}
	id := chi.URLParam(r, "patientID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.history.List(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("list history failed", "patient_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patient_id": id, "entries": entries})
}

func (h *AdminNotifierHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	res, err := h.ledger.Get(r.Context(), tag)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reservation not found")
		return
	}
	if err != nil {
		h.logger.Error("get reservation failed", "tag", tag, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load reservation")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HealthCheck reports liveness.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
