// Package api serves the sequence control endpoints: launch, pause,
// resume and reset. The endpoints validate and return immediately; the
// fan-out itself runs asynchronously on the queue.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/models"
	"github.com/dropocol/coldjot/internal/pkg/logger"
	"github.com/dropocol/coldjot/internal/queue"
	"github.com/dropocol/coldjot/internal/ratelimit"
	"github.com/dropocol/coldjot/internal/store"
)

// Handler serves the control API.
type Handler struct {
	store   *store.Store
	queue   *queue.Queue
	limiter *ratelimit.Limiter
	log     *logger.Logger
}

// NewHandler wires the control API.
func NewHandler(st *store.Store, q *queue.Queue, rl *ratelimit.Limiter) *Handler {
	return &Handler{store: st, queue: q, limiter: rl, log: logger.New("api")}
}

// Routes mounts the sequence control endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sequences/{id}", func(r chi.Router) {
		r.Post("/launch", h.handleLaunch)
		r.Post("/pause", h.handlePause)
		r.Post("/resume", h.handleResume)
		r.Post("/reset", h.handleReset)
	})
}

type controlRequest struct {
	UserID   uuid.UUID `json:"userId"`
	TestMode bool      `json:"testMode"`
}

type launchResponse struct {
	Success      bool   `json:"success"`
	JobID        string `json:"jobId"`
	ContactCount int    `json:"contactCount"`
	StepCount    int    `json:"stepCount"`
}

// decodeControl parses the path sequence id and request body. A nil
// return means the response was already written.
func (h *Handler) decodeControl(w http.ResponseWriter, r *http.Request) (uuid.UUID, *controlRequest) {
	seqID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sequence id")
		return uuid.Nil, nil
	}
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "userId required")
		return uuid.Nil, nil
	}
	return seqID, &req
}

func (h *Handler) handleLaunch(w http.ResponseWriter, r *http.Request) {
	seqID, req := h.decodeControl(w, r)
	if req == nil {
		return
	}

	seq, err := h.store.GetSequenceForUser(r.Context(), seqID, req.UserID)
	if err != nil {
		h.serverError(w, "load sequence", err)
		return
	}
	if seq == nil {
		writeError(w, http.StatusNotFound, "sequence not found")
		return
	}
	if len(seq.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "sequence has no steps")
		return
	}

	contacts, err := h.store.GetActiveSequenceContacts(r.Context(), seqID)
	if err != nil {
		h.serverError(w, "load contacts", err)
		return
	}
	if len(contacts) == 0 {
		writeError(w, http.StatusBadRequest, "sequence has no active contacts")
		return
	}

	if err := h.store.UpdateSequenceStatus(r.Context(), seqID, models.SequenceStatusActive); err != nil {
		h.serverError(w, "activate sequence", err)
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), queue.SequenceJobs, queue.SequencePayload{
		SequenceID: seqID,
		UserID:     req.UserID,
		TestMode:   req.TestMode,
	}, queue.Options{Priority: queue.PriorityHigh, MaxAttempts: 3})
	if err != nil {
		h.serverError(w, "enqueue launch", err)
		return
	}

	h.log.Info("sequence launched", "sequenceId", seqID.String(),
		"contacts", len(contacts), "testMode", req.TestMode)
	writeJSON(w, http.StatusOK, launchResponse{
		Success:      true,
		JobID:        jobID,
		ContactCount: len(contacts),
		StepCount:    len(seq.Steps),
	})
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, models.SequenceStatusPaused)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, models.SequenceStatusActive)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, status string) {
	seqID, req := h.decodeControl(w, r)
	if req == nil {
		return
	}

	seq, err := h.store.GetSequenceForUser(r.Context(), seqID, req.UserID)
	if err != nil {
		h.serverError(w, "load sequence", err)
		return
	}
	if seq == nil {
		writeError(w, http.StatusNotFound, "sequence not found")
		return
	}

	if err := h.store.UpdateSequenceStatus(r.Context(), seqID, status); err != nil {
		h.serverError(w, "update status", err)
		return
	}
	h.log.Info("sequence status changed", "sequenceId", seqID.String(), "status", status)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "status": status})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	seqID, req := h.decodeControl(w, r)
	if req == nil {
		return
	}

	seq, err := h.store.GetSequenceForUser(r.Context(), seqID, req.UserID)
	if err != nil {
		h.serverError(w, "load sequence", err)
		return
	}
	if seq == nil {
		writeError(w, http.StatusNotFound, "sequence not found")
		return
	}

	if err := h.store.ResetSequence(r.Context(), seqID); err != nil {
		h.serverError(w, "reset sequence", err)
		return
	}
	if err := h.limiter.Reset(r.Context(), req.UserID, seqID); err != nil {
		h.log.Warn("rate counters not reset", "sequenceId", seqID.String(), "error", err.Error())
	}

	h.log.Info("sequence reset", "sequenceId", seqID.String())
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) serverError(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, "error", err.Error())
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}
