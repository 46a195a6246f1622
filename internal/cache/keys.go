package cache

import (
	"fmt"

	"github.com/google/uuid"
)

const keyPrefix = "reviewpipe:"

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("%sjob:%s:status", keyPrefix, jobID)
}

// RateLimitKey buckets requests per owner per minute window.
func RateLimitKey(owner string, window int64) string {
	return fmt.Sprintf("%sratelimit:%s:%d", keyPrefix, owner, window)
}
