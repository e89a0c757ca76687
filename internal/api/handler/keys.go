package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coralnet/visionbackend/internal/api/middleware"
	"github.com/coralnet/visionbackend/internal/api/response"
	"github.com/coralnet/visionbackend/internal/apikey"
	"github.com/coralnet/visionbackend/internal/store"
)

// NewCreateKeyHandler returns an http.HandlerFunc for
// POST /api/v1/admin/keys. The raw key is only ever returned here.
func NewCreateKeyHandler(st store.AuthStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserID(r)
		if !ok {
			response.Unauthorized(w, "Missing user")
			return
		}
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		if req.Name == "" {
			response.BadRequest(w, "name is required")
			return
		}

		raw, key, err := apikey.New(userID, req.Name, req.Scopes)
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}
		err = st.CreateAPIKey(r.Context(), key)
		if errors.Is(err, store.ErrDuplicateKey) {
			response.Error(w, http.StatusConflict, response.CodeDuplicateKey, "An API key with this name already exists", nil)
			return
		}
		if err != nil {
			internalError(w, r, err)
			return
		}
		response.Created(w, map[string]any{
			"id":     key.ID,
			"name":   key.Name,
			"key":    raw,
			"scopes": key.Scopes,
		})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(st store.AuthStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserID(r)
		if !ok {
			response.Unauthorized(w, "Missing user")
			return
		}
		keys, err := st.ListAPIKeys(r.Context(), userID)
		if err != nil {
			internalError(w, r, err)
			return
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for
// DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(st store.AuthStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserID(r)
		if !ok {
			response.Unauthorized(w, "Missing user")
			return
		}
		keyID, ok := uuidParam(w, r, "keyID")
		if !ok {
			return
		}
		err := st.RevokeAPIKey(r.Context(), keyID, userID)
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(w, "API key not found")
			return
		}
		if err != nil {
			internalError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
