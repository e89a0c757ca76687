package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// DeployStatusKey holds the status payload of a finished deploy job.
func DeployStatusKey(apiJobID uuid.UUID) string {
	return fmt.Sprintf("deploy:status:%s", apiJobID)
}

func DeployResultKey(apiJobID uuid.UUID) string {
	return fmt.Sprintf("deploy:result:%s", apiJobID)
}
