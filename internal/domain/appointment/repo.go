package appointment

import (
	"context"
)

// Repository stores appointments. Implementations return copies so callers
// never share a row with the store, and report missing ids as
// apperr.KindNotFound.
type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id string) (*Appointment, error)
	// Update writes a only while the stored row is still at a.VersionID and
	// bumps a.VersionID on success. A row changed since it was read is
	// reported as apperr.KindConflict and left untouched.
	Update(ctx context.Context, a *Appointment) error
	// List returns every appointment of the facility ordered by creation.
	List(ctx context.Context) ([]*Appointment, error)
	ListByProcedure(ctx context.Context, procedureID string) ([]*Appointment, error)
	// NextToken hands out the next queue token for a calendar day, starting at 1.
	NextToken(ctx context.Context, date string) (int, error)
}
