// Package apikey issues API keys. Only a bcrypt hash of each key is stored,
// next to a short clear-text prefix used to find candidates at login.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"github.com/coralnet/visionbackend/internal/api/middleware"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefix = "vb_"

// KnownScopes are the scopes a key can carry.
var KnownScopes = []string{"deploy", middleware.ScopeAdmin}

// New generates a key for the user. The raw key is returned once and never
// stored.
func New(userID uuid.UUID, name string, scopes []string) (string, *models.APIKey, error) {
	for _, s := range scopes {
		if !slices.Contains(KnownScopes, s) {
			return "", nil, fmt.Errorf("unknown scope %q", s)
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := keyPrefix + hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}
	now := time.Now().UTC()
	return raw, &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:middleware.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
