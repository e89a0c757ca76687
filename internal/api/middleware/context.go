package middleware

import (
	"context"
	"net/http"

	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, principalKey{}, key)
}

// principalFrom returns the API key the request authenticated with.
func principalFrom(r *http.Request) (*models.APIKey, bool) {
	key, ok := r.Context().Value(principalKey{}).(*models.APIKey)
	return key, ok
}

// GetUserID returns the user that owns the request's API key.
func GetUserID(r *http.Request) (uuid.UUID, bool) {
	key, ok := principalFrom(r)
	if !ok {
		return uuid.Nil, false
	}
	return key.UserID, true
}

func hasScope(r *http.Request, scope string) bool {
	key, ok := principalFrom(r)
	return ok && key.HasScope(scope)
}
