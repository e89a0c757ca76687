package models

import (
	"time"

	"github.com/google/uuid"
)

// User owns API keys and the ApiJobs requested with them.
type User struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Username  string    `db:"username"   json:"username"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
