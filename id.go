package bub

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for message ids on the bus envelope and session bookkeeping.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowISO returns the current UTC time in ISO-8601 form, the timestamp
// format of the bus payload envelope.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
