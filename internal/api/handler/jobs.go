package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/coralnet/visionbackend/internal/api/response"
	"github.com/coralnet/visionbackend/internal/jobs"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// NewJobDashboardHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// It accepts optional source_id and status (comma-separated) filters.
func NewJobDashboardHandler(st store.JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var sourceID *uuid.UUID
		if v := q.Get("source_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				response.BadRequest(w, "source_id must be a UUID")
				return
			}
			sourceID = &id
		}

		var statuses []models.JobStatus
		if v := q.Get("status"); v != "" {
			for _, part := range strings.Split(v, ",") {
				s := models.JobStatus(strings.TrimSpace(part))
				if !s.Valid() {
					response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
						"status must be one of pending, in_progress, success, failure", nil)
					return
				}
				statuses = append(statuses, s)
			}
		}

		d, err := jobs.BuildDashboard(r.Context(), st, sourceID, statuses, time.Now().UTC())
		if err != nil {
			internalError(w, r, err)
			return
		}
		response.JSON(w, d)
	}
}
