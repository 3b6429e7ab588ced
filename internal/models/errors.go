package models

import "errors"

var (
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing city, in the store or at the geocoding provider.
	ErrNotFound = errors.New("city not found")
	// ErrConflict marks a create for a name that is already stored.
	ErrConflict = errors.New("city already exists")
)
