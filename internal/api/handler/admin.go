package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/coralnet/visionbackend/internal/api/response"
	"github.com/coralnet/visionbackend/internal/apijob"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ApiJobAdmin defines the admin views of API jobs.
type ApiJobAdmin interface {
	List(ctx context.Context, limit int) ([]apijob.Summary, error)
	Detail(ctx context.Context, apiJobID uuid.UUID) (*apijob.Detail, error)
}

// NewListApiJobsHandler returns an http.HandlerFunc for
// GET /api/v1/admin/api-jobs.
func NewListApiJobsHandler(svc ApiJobAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := intQuery(r, "limit", defaultListLimit, 1, maxListLimit)
		if !ok {
			response.BadRequest(w, "limit must be between 1 and 500")
			return
		}
		list, err := svc.List(r.Context(), limit)
		if err != nil {
			internalError(w, r, err)
			return
		}
		response.JSON(w, list)
	}
}

// NewGetApiJobHandler returns an http.HandlerFunc for
// GET /api/v1/admin/api-jobs/{jobID}.
func NewGetApiJobHandler(svc ApiJobAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}
		d, err := svc.Detail(r.Context(), id)
		if errors.Is(err, apijob.ErrNotFound) {
			response.NotFound(w, "API job not found")
			return
		}
		if err != nil {
			internalError(w, r, err)
			return
		}
		response.JSON(w, d)
	}
}
