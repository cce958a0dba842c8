package model

import "errors"

var (
	// ErrJobNotFound is returned when no import job exists for an id.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status change would move a job
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrJobNotFailed is returned when a resubmission targets a job that did not fail.
	ErrJobNotFailed = errors.New("job has not failed")
)
