// Package uuid generates and validates job identities.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// jobIDPattern accepts lowercase RFC 4122 identities of versions 1 to 5.
var jobIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// Valid reports whether id is an acceptable job identity.
func Valid(id string) bool {
	return jobIDPattern.MatchString(id)
}

// Generator creates job identities.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a random UUIDv4 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return id.String(), nil
}

// MustNewID is NewID for callers that cannot handle an error, such as the
// simulated backend.
func (g Generator) MustNewID() string {
	id, err := g.NewID()
	if err != nil {
		panic(err)
	}
	return id
}
