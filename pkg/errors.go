package pkg

import "errors"

var (
	// ErrKeyNotFound is returned when a key doesn't exist
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyOutOfRange is returned for keys outside the identifier space
	ErrKeyOutOfRange = errors.New("key outside identifier space")

	// ErrInvalidValue is returned for empty values or values containing whitespace
	ErrInvalidValue = errors.New("value must be a non-empty token without whitespace")

	// ErrStorageUnavailable is returned when storage is closed
	ErrStorageUnavailable = errors.New("storage unavailable")
)
