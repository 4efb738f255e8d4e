package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/memory"
)

// HistoryResponse is the body of GET /v1/users/{id}/history.
type HistoryResponse struct {
	UserID  string         `json:"user_id"`
	Entries []memory.Entry `json:"entries"`
}

// PreferenceUpdate is the body of PUT /v1/users/{id}/preferences/{key}.
type PreferenceUpdate struct {
	Value any `json:"value"`
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errorResponse(w, http.StatusNotFound, "history not configured")
		return
	}
	userID := r.PathValue("id")

	entries, err := s.history.Get(r.Context(), userID)
	if err != nil {
		s.logger.Error("failed to load history", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	if n := parseIntParam(r, "limit", 0); n > 0 && n < len(entries) {
		entries = entries[len(entries)-n:]
	}
	if entries == nil {
		entries = []memory.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, HistoryResponse{UserID: userID, Entries: entries}, s.logger)
}

func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errorResponse(w, http.StatusNotFound, "history not configured")
		return
	}
	userID := r.PathValue("id")

	if err := s.history.Clear(r.Context(), userID); err != nil {
		s.logger.Error("failed to clear history", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to clear history")
		return
	}

	s.logger.Info("history cleared", "user", userID)
	s.bus.Emit(events.SourceAPI, events.KindHistoryCleared, map[string]any{"user_id": userID})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePreferencesGet(w http.ResponseWriter, r *http.Request) {
	if s.prefs == nil {
		s.errorResponse(w, http.StatusNotFound, "preferences not configured")
		return
	}
	userID := r.PathValue("id")

	prefs, err := s.prefs.GetPreferences(r.Context(), userID)
	if err != nil {
		s.logger.Error("failed to load preferences", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	if prefs == nil {
		prefs = memory.Preferences{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"user_id": userID, "preferences": prefs}, s.logger)
}

func (s *Server) handlePreferenceSet(w http.ResponseWriter, r *http.Request) {
	if s.prefs == nil {
		s.errorResponse(w, http.StatusNotFound, "preferences not configured")
		return
	}
	userID := r.PathValue("id")
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		s.errorResponse(w, http.StatusBadRequest, "preference key is required")
		return
	}

	var body PreferenceUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Value == nil {
		s.errorResponse(w, http.StatusBadRequest, "value is required")
		return
	}

	if err := s.prefs.SetPreference(r.Context(), userID, key, body.Value); err != nil {
		s.logger.Error("failed to save preference", "user", userID, "key", key, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to save preference")
		return
	}

	s.logger.Info("preference set", "user", userID, "key", key)
	s.bus.Emit(events.SourceAPI, events.KindPreferenceSet, map[string]any{"user_id": userID, "key": key})

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"user_id": userID, "key": key, "value": body.Value}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
