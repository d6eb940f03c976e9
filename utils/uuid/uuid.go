package uuid

import (
	google_uuid "github.com/google/uuid"
)

// MustUUID returns a new random (v4) UUID string. It is used
// for request ids and for naming temporary stores.
func MustUUID() string {
	return google_uuid.New().String()
}

// Short returns the first eight characters of a new UUID.
// It is suitable for log correlation, not for uniqueness
// across a fleet.
func Short() string {
	return MustUUID()[:8]
}
