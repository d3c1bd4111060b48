package util

import "github.com/google/uuid"

// NewID returns a UUIDv7 string. Ids sort by creation time, which keeps
// primary-key inserts append-only in Postgres.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
