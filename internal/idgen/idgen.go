package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RunID returns a ULID string. Run identifiers sort lexicographically by
// creation time, which keeps a task's run-detail files listable in
// execution order.
func RunID() string {
	return ulid.Make().String()
}
