package storage

import "errors"

// Common local storage errors
var (
	// ErrChangeNotFound indicates that no pending change is queued for
	// the item
	ErrChangeNotFound = errors.New("pending change not found")

	// ErrItemNotFound indicates that the replica holds no such record
	ErrItemNotFound = errors.New("replica item not found")

	// ErrConflictNotFound indicates that the conflict does not exist
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrCredentialsNotFound indicates that no credentials are stored
	ErrCredentialsNotFound = errors.New("credentials not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")

	// ErrCorrupted indicates the queue or replica could not be decoded;
	// sync must be suspended until the operator clears it
	ErrCorrupted = errors.New("local storage corrupted")
)
