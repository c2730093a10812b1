package box

import "errors"

// Domain-specific errors for box operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrBoxNotFound is returned when a box does not exist.
	ErrBoxNotFound = errors.New("box: not found")

	// ErrBoxExists is returned when inserting a box id that is already stored.
	ErrBoxExists = errors.New("box: already exists")

	// ErrBoxChanged is returned when a box was modified after it was read.
	ErrBoxChanged = errors.New("box: modified concurrently")

	// ErrSensorNotFound is returned when a sensor does not exist.
	ErrSensorNotFound = errors.New("box: sensor not found")

	// ErrUserNotFound is returned when no user holds an apikey.
	ErrUserNotFound = errors.New("box: user not found")

	// ErrDuplicateAPIKey is returned when an apikey is already held by a user.
	ErrDuplicateAPIKey = errors.New("box: apikey already in use")
)
