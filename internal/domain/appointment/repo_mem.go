package appointment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hospital/frontdesk/internal/platform/apperr"
	"github.com/hospital/frontdesk/internal/platform/db"
)

type book struct {
	rows   map[string]*Appointment
	order  []string
	tokens map[string]int
}

type memRepo struct {
	mu    sync.RWMutex
	books map[string]*book // facility -> book
}

// NewMemRepo returns a process-local repository, one book per facility.
func NewMemRepo() Repository {
	return &memRepo{books: make(map[string]*book)}
}

func (r *memRepo) book(ctx context.Context) *book {
	facility := db.FacilityFromContext(ctx)
	b, ok := r.books[facility]
	if !ok {
		b = &book{rows: make(map[string]*Appointment), tokens: make(map[string]int)}
		r.books[facility] = b
	}
	return b
}

func (r *memRepo) Create(ctx context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	a.VersionID = 1

	b := r.book(ctx)
	if _, exists := b.rows[a.ID]; exists {
		return apperr.Conflict("appointment.create", "appointment already exists")
	}
	b.rows[a.ID] = a.clone()
	b.order = append(b.order, a.ID)
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.book(ctx).rows[id]
	if !ok {
		return nil, errNotFound("appointment.get")
	}
	return a.clone(), nil
}

func (r *memRepo) Update(ctx context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.book(ctx)
	stored, ok := b.rows[a.ID]
	if !ok {
		return errNotFound("appointment.update")
	}
	if stored.VersionID != a.VersionID {
		return errStale("appointment.update")
	}
	a.VersionID++
	a.UpdatedAt = time.Now().UTC()
	b.rows[a.ID] = a.clone()
	return nil
}

func (r *memRepo) List(ctx context.Context) ([]*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.book(ctx)
	out := make([]*Appointment, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.rows[id].clone())
	}
	return out, nil
}

func (r *memRepo) ListByProcedure(ctx context.Context, procedureID string) ([]*Appointment, error) {
	all, _ := r.List(ctx)
	var out []*Appointment
	for _, a := range all {
		if a.ProcedureID == procedureID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) NextToken(ctx context.Context, date string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.book(ctx)
	b.tokens[date]++
	return b.tokens[date], nil
}

func errNotFound(op string) error {
	return apperr.NotFound(op, "appointment not found")
}

func errStale(op string) error {
	return apperr.Conflict(op, "appointment was changed by another request, reload and retry")
}
