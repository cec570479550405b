// Package ids mints unique identifiers for client-created entities.
package ids

import "github.com/google/uuid"

// UUIDGenerator issues random UUIDv4 strings.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}
