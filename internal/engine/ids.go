package engine

import "github.com/google/uuid"

// IDGenerator produces run IDs. Tests substitute testutil.SequentialIDs.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator is the production IDGenerator. A UUIDv7 carries its
// creation time in the leading bits, so run IDs sort by submission order
// across processes that share a store.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
