// Package api provides HTTP handlers for the docchat API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/docchat/internal/chat"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]interface{}{"success": false, "error": message})
}

// writeServiceError maps controller errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		Error(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, chat.ErrEmptyMessage):
		Error(w, http.StatusBadRequest, "message is required")
	case errors.Is(err, chat.ErrUnsupportedFormat):
		Error(w, http.StatusBadRequest, "Only PDF files are supported")
	case errors.Is(err, chat.ErrExtraction):
		Error(w, http.StatusUnprocessableEntity, "Could not extract text from the PDF")
	case errors.Is(err, chat.ErrSessionExists):
		Error(w, http.StatusConflict, "Session already exists")
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes a JSON request body into v. An empty body leaves v untouched
// when allowEmpty is set.
func decodeBody(r *http.Request, v interface{}, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	return err
}
