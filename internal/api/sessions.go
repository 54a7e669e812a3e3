// Package api holds the daemon's JSON HTTP handlers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/peterje/pulsar/internal/session"
)

type SessionsHandler struct {
	registry *session.Registry
	logger   *zap.Logger
}

func NewSessionsHandler(registry *session.Registry, logger *zap.Logger) *SessionsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionsHandler{registry: registry, logger: logger}
}

// HandleList serves the same summaries as list_sessions.
func (h *SessionsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.registry.List())
}

func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string       `json:"name"`
		Type session.Type `json:"type"`
		Rows uint16       `json:"rows"`
		Cols uint16       `json:"cols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	sess, err := h.registry.Create(r.Context(), session.CreateOptions{
		Name: body.Name,
		Type: body.Type,
		Rows: body.Rows,
		Cols: body.Cols,
	})
	if errors.Is(err, session.ErrUnsupportedType) {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("create session", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, sess.Summary())
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.Terminate(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
