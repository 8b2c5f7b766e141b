// Package identity persists the identity of the job currently being
// followed so that a later run can reconnect to it.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/jobstream/internal/id/uuid"
)

// ErrInvalid is returned by Save for identities outside the job id pattern.
var ErrInvalid = errors.New("invalid job identity")

// Store holds at most one job identity.
type Store interface {
	// Load returns the stored identity. ok is false when nothing is stored.
	Load(ctx context.Context) (id string, ok bool, err error)
	// Save replaces the stored identity.
	Save(ctx context.Context, id string) error
	// Clear removes the stored identity. Clearing an empty store is not an
	// error.
	Clear(ctx context.Context) error
}

// Validate checks id before it is persisted.
func Validate(id string) error {
	if !uuid.Valid(id) {
		return fmt.Errorf("%w: %q", ErrInvalid, id)
	}
	return nil
}
