package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coralnet/visionbackend/internal/api/middleware"
	"github.com/coralnet/visionbackend/internal/api/response"
	"github.com/coralnet/visionbackend/internal/apijob"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

// Deployer defines the deploy operations the handlers depend on.
type Deployer interface {
	CreateDeployJob(ctx context.Context, userID, classifierID uuid.UUID, in *apijob.DeployInput) (*models.ApiJob, error)
	Status(ctx context.Context, userID, apiJobID uuid.UUID) (*apijob.Progress, error)
	Result(ctx context.Context, userID, apiJobID uuid.UUID) (*apijob.Result, error)
}

func statusURL(id uuid.UUID) string {
	return fmt.Sprintf("/api/v1/deploy/%s/status", id)
}

func resultURL(id uuid.UUID) string {
	return fmt.Sprintf("/api/v1/deploy/%s/result", id)
}

// NewDeployHandler returns an http.HandlerFunc for
// POST /api/v1/deploy/{classifierID}.
func NewDeployHandler(svc Deployer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserID(r)
		if !ok {
			response.Unauthorized(w, "Missing user")
			return
		}
		classifierID, ok := uuidParam(w, r, "classifierID")
		if !ok {
			return
		}

		var in apijob.DeployInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}

		job, err := svc.CreateDeployJob(r.Context(), userID, classifierID, &in)
		var verr *apijob.ValidationError
		switch {
		case errors.As(err, &verr):
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "Invalid deploy request", verr.Details)
			return
		case errors.Is(err, apijob.ErrClassifierNotFound):
			response.NotFound(w, "This classifier doesn't exist or is not accessible")
			return
		case err != nil:
			internalError(w, r, err)
			return
		}

		response.AcceptedAt(w, statusURL(job.ID), map[string]any{
			"id":         job.ID,
			"type":       job.Type,
			"status_url": statusURL(job.ID),
		})
	}
}

// NewDeployStatusHandler returns an http.HandlerFunc for
// GET /api/v1/deploy/{jobID}/status. Finished jobs redirect to their result.
func NewDeployStatusHandler(svc Deployer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserID(r)
		if !ok {
			response.Unauthorized(w, "Missing user")
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		p, err := svc.Status(r.Context(), userID, jobID)
		if errors.Is(err, apijob.ErrNotFound) {
			response.NotFound(w, "This deploy job doesn't exist or is not accessible")
			return
		}
		if err != nil {
			internalError(w, r, err)
			return
		}
		if p.Done() {
			http.Redirect(w, r, resultURL(jobID), http.StatusSeeOther)
			return
		}
		response.JSON(w, map[string]any{
			"id":        jobID,
			"status":    p.Status,
			"successes": p.Successes,
			"failures":  p.Failures,
			"total":     p.Total,
		})
	}
}

// NewDeployResultHandler returns an http.HandlerFunc for
// GET /api/v1/deploy/{jobID}/result.
func NewDeployResultHandler(svc Deployer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserID(r)
		if !ok {
			response.Unauthorized(w, "Missing user")
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		res, err := svc.Result(r.Context(), userID, jobID)
		switch {
		case errors.Is(err, apijob.ErrNotFound):
			response.NotFound(w, "This deploy job doesn't exist or is not accessible")
			return
		case errors.Is(err, apijob.ErrNotDone):
			response.Error(w, http.StatusConflict, response.CodeNotDone, "This job isn't finished yet", nil)
			return
		case err != nil:
			internalError(w, r, err)
			return
		}
		response.JSON(w, res.Data)
	}
}
