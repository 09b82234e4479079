// Package server exposes the session API over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/webpilot-ai/webpilot/pkg/session"
	"github.com/webpilot-ai/webpilot/pkg/types"
)

// Handler serves the session API.
type Handler struct {
	controller *session.Controller
}

// NewHandler creates a Handler.
func NewHandler(controller *session.Controller) *Handler {
	return &Handler{controller: controller}
}

// RegisterRoutes mounts the API routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", h.healthz)
		r.Post("/start", h.start)
		r.Get("/status/{id}", h.status)
		r.Post("/confirm/{id}", h.confirm)
		r.Post("/cancel/{id}", h.cancel)
		r.Post("/send-command/{id}", h.sendCommand)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// sessionView is the API shape of a session. The conversation history stays
// server-side; clients get the live state they can render.
type sessionView struct {
	ID            string               `json:"id"`
	Goal          string               `json:"goal"`
	Status        types.SessionStatus  `json:"status"`
	CurrentURL    string               `json:"currentUrl,omitempty"`
	LiveViewURL   string               `json:"liveViewUrl,omitempty"`
	Screenshot    string               `json:"screenshot,omitempty"`
	CurrentTurn   int                  `json:"currentTurn"`
	Thoughts      []string             `json:"thoughts,omitempty"`
	Actions       []types.ActionRecord `json:"actions,omitempty"`
	PendingAction *types.PendingAction `json:"pendingAction,omitempty"`
	FinalResult   string               `json:"finalResult,omitempty"`
	Error         string               `json:"error,omitempty"`
	CreatedAt     int64                `json:"createdAt"`
	UpdatedAt     int64                `json:"updatedAt"`
}

func viewOf(sess *types.Session) sessionView {
	return sessionView{
		ID:            sess.ID,
		Goal:          sess.Goal,
		Status:        sess.Status,
		CurrentURL:    sess.CurrentURL,
		LiveViewURL:   sess.LiveViewURL,
		Screenshot:    sess.Screenshot,
		CurrentTurn:   sess.CurrentTurn,
		Thoughts:      sess.Thoughts,
		Actions:       sess.Actions,
		PendingAction: sess.PendingAction,
		FinalResult:   sess.FinalResult,
		Error:         sess.Error,
		CreatedAt:     sess.CreatedAt.UnixMilli(),
		UpdatedAt:     sess.UpdatedAt.UnixMilli(),
	}
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Goal       string `json:"goal"`
		InitialURL string `json:"initialUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Goal == "" {
		Error(w, http.StatusBadRequest, "goal is required")
		return
	}

	sess, err := h.controller.Start(r.Context(), req.Goal, req.InitialURL)
	if err != nil {
		// A session record may still exist with the failure recorded.
		if sess != nil {
			JSON(w, http.StatusInternalServerError, viewOf(sess))
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusCreated, viewOf(sess))
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	sess, err := h.controller.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeControllerError(w, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(sess))
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, err := h.controller.Confirm(r.Context(), chi.URLParam(r, "id"), req.Approved)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(sess))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	sess, err := h.controller.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeControllerError(w, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(sess))
}

func (h *Handler) sendCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Command == "" {
		Error(w, http.StatusBadRequest, "command is required")
		return
	}

	sess, err := h.controller.SendCommand(r.Context(), chi.URLParam(r, "id"), req.Command)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(sess))
}

func writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNotAwaitingConfirmation),
		errors.Is(err, session.ErrTerminal),
		errors.Is(err, session.ErrBusy):
		Error(w, http.StatusConflict, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}
