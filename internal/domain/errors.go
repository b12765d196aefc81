package domain

import "errors"

// Sentinel errors shared by repositories, the automation engine and services.
var (
	ErrInvalidDefinition  = errors.New("invalid campaign definition")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyEnrolled    = errors.New("lead already enrolled in campaign")
	ErrDuplicateExecution = errors.New("open execution already exists for enrollment and block")
)
