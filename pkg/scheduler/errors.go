package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies task and schedule validation failures.
	ErrValidation = errors.New("scheduler validation error")
	// ErrConflict classifies state conflicts such as a duplicate task.
	ErrConflict = errors.New("scheduler conflict")
	// ErrNotFound classifies unknown task names.
	ErrNotFound = errors.New("scheduler not found")
	// ErrNotInitialized classifies missing runtime initialization.
	ErrNotInitialized = errors.New("scheduler not initialized")
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
