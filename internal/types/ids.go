package types

import (
	"time"

	"github.com/google/uuid"
)

// NewMatchID generates a UUIDv7 match run identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewMatchID() MatchID {
	return MatchID(uuid.Must(uuid.NewV7()).String())
}

// NewRequestID generates a UUIDv7 request identifier.
func NewRequestID() RequestID {
	return RequestID(uuid.Must(uuid.NewV7()).String())
}

// ParseRequestID validates a caller-supplied request ID.
// Rejects non-UUID values so log correlation keys stay well-formed.
func ParseRequestID(s string) (RequestID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return RequestID(s), nil
}

// MatchIDTime extracts the timestamp embedded in a UUIDv7 match ID.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func MatchIDTime(id MatchID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
