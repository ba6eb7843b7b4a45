package memory

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrStorageWriteFailed  = errors.New("storage write failed")
	ErrMetadataWriteFailed = errors.New("metadata write failed")
	ErrBackupSoftFailure   = errors.New("backup failed")
	ErrForbidden           = errors.New("you do not own this memory")
	ErrNotFound            = errors.New("memory not found")
	ErrFileNotFound        = errors.New("file not found")
	ErrConstraintViolation = errors.New("constraint violation")
)

// ValidationError names the offending field. It matches ErrValidation
// with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
