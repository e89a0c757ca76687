package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coralnet/visionbackend/internal/api/response"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// uuidParam parses a UUID URL parameter, writing a 404 if it isn't one.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.NotFound(w, "Resource not found")
		return uuid.Nil, false
	}
	return id, true
}

// intQuery reads an integer query parameter within [lo, hi].
func intQuery(r *http.Request, name string, def, lo, hi int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	response.InternalError(w)
}
