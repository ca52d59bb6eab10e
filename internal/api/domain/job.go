package domain

import (
	"errors"
)

const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
)

var (
	ErrJobNotFound = errors.New("job not found")
)
