package handler

import (
	"errors"
	"net/http"

	"github.com/coralnet/visionbackend/internal/api/response"
	"github.com/coralnet/visionbackend/internal/evaluation"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

type classifierHistory struct {
	SourceID          uuid.UUID            `json:"source_id"`
	ValidClassifierID *uuid.UUID           `json:"valid_classifier_id"`
	Classifiers       []*models.Classifier `json:"classifiers"`
}

// NewSourceClassifiersHandler returns an http.HandlerFunc for
// GET /api/v1/sources/{sourceID}/classifiers.
func NewSourceClassifiersHandler(st store.VisionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceID, ok := uuidParam(w, r, "sourceID")
		if !ok {
			return
		}
		if _, err := st.GetSource(r.Context(), sourceID); errors.Is(err, store.ErrNotFound) {
			response.NotFound(w, "Source not found")
			return
		} else if err != nil {
			internalError(w, r, err)
			return
		}

		classifiers, err := st.ListClassifiers(r.Context(), sourceID)
		if err != nil {
			internalError(w, r, err)
			return
		}
		out := classifierHistory{SourceID: sourceID, Classifiers: classifiers}
		if out.Classifiers == nil {
			out.Classifiers = []*models.Classifier{}
		}
		for _, c := range classifiers {
			if c.Valid {
				out.ValidClassifierID = &c.ID
				break
			}
		}
		response.JSON(w, out)
	}
}

// NewClassifierEvaluationHandler returns an http.HandlerFunc for
// GET /api/v1/classifiers/{classifierID}/evaluation. Query parameters are
// label_mode (full or func) and confidence_threshold (0-99).
func NewClassifierEvaluationHandler(st store.VisionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		classifierID, ok := uuidParam(w, r, "classifierID")
		if !ok {
			return
		}
		mode := r.URL.Query().Get("label_mode")
		if mode == "" {
			mode = evaluation.ModeFull
		}
		if mode != evaluation.ModeFull && mode != evaluation.ModeFunc {
			response.BadRequest(w, "label_mode must be full or func")
			return
		}
		threshold, ok := intQuery(r, "confidence_threshold", 0, 0, 99)
		if !ok {
			response.BadRequest(w, "confidence_threshold must be between 0 and 99")
			return
		}

		report, err := evaluation.Evaluate(r.Context(), st, classifierID, mode, threshold)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.NotFound(w, "Classifier not found")
			return
		case errors.Is(err, evaluation.ErrNoValResult):
			response.Error(w, http.StatusConflict, response.CodeNoValidationResult, "This classifier has no validation results", nil)
			return
		case err != nil:
			internalError(w, r, err)
			return
		}
		response.JSON(w, report)
	}
}
