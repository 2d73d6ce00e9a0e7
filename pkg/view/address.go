package view

import (
    "bytes"
    "fmt"

    "github.com/google/uuid"
)

// Address identifies one channel instance. The ID is unique and totally
// ordered (uuid v7 is time-ordered, so older channels sort first). Name is the
// logical, human-readable label and Endpoint is the transport-specific location
// used to reach the channel (empty for in-process transports).
type Address struct {
    ID       uuid.UUID `json:"id"`
    Name     string    `json:"name,omitempty"`
    Endpoint string    `json:"endpoint,omitempty"`
}

// NewAddress allocates a fresh address with the given logical name and endpoint.
func NewAddress(name, endpoint string) Address {
    id, err := uuid.NewV7()
    if err != nil {
        id = uuid.New()
    }
    return Address{ID: id, Name: name, Endpoint: endpoint}
}

// IsZero reports whether a has not been assigned.
func (a Address) IsZero() bool { return a.ID == uuid.Nil }

// Equal compares identity only; Name and Endpoint are descriptive.
func (a Address) Equal(b Address) bool { return a.ID == b.ID }

// Compare orders addresses by identifier bytes.
func (a Address) Compare(b Address) int { return bytes.Compare(a.ID[:], b.ID[:]) }

// Less reports whether a sorts before b.
func (a Address) Less(b Address) bool { return a.Compare(b) < 0 }

func (a Address) String() string {
    if a.IsZero() { return "<nil>" }
    if a.Name != "" { return a.Name }
    return a.ID.String()[:8]
}

// GoString includes the identifier, useful in test failures.
func (a Address) GoString() string {
    return fmt.Sprintf("%s(%s)", a.String(), a.ID)
}
