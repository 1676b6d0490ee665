package consultation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hospital/frontdesk/internal/platform/apperr"
	"github.com/hospital/frontdesk/internal/platform/db"
	"github.com/hospital/frontdesk/internal/platform/events"
	"github.com/hospital/frontdesk/internal/platform/telemetry"
)

// Errors callers can match with errors.Is.
var (
	ErrNotFound             = apperr.NotFound("", "consultation not found")
	ErrNoActiveConsultation = apperr.NotFound("", "no active consultation")
	ErrAnotherActive        = apperr.InvalidTransition("", "another consultation is active")
	ErrHeldByOtherSession   = apperr.InvalidTransition("", "consultation open in another session")
	ErrCompletedVisit       = apperr.InvalidTransition("", "cannot edit completed visit")
	ErrCancelledVisit       = apperr.InvalidTransition("", "consultation was cancelled")
	ErrNotInProgress        = apperr.InvalidTransition("", "consultation is not in progress")
	ErrIncompleteVisits     = apperr.InvalidTransition("", "patient has incomplete visits")
	ErrFollowUpSource       = apperr.InvalidTransition("", "follow-up requires a completed consultation")
	ErrConfirmationRequired = apperr.Validation("", "unsaved changes, confirmation required")
)

func fail(op string, sentinel *apperr.Error) error {
	return &apperr.Error{Kind: sentinel.Kind, Op: op, Msg: sentinel.Msg}
}

func incompleteVisits(op string, open []Consultation) error {
	dates := make([]string, 0, len(open))
	for _, c := range open {
		dates = append(dates, c.VisitDate)
	}
	sort.Strings(dates)
	return &apperr.Error{
		Kind: ErrIncompleteVisits.Kind,
		Op:   op,
		Msg:  ErrIncompleteVisits.Msg,
		Err:  fmt.Errorf("complete or abandon the visits of %s first", strings.Join(dates, ", ")),
	}
}

type slot struct {
	c       Consultation
	unsaved bool
}

// ledger is the registry state of one facility.
type ledger struct {
	history []Consultation
	slots   map[string]*slot // session -> active consultation
}

// ActiveConsultation is what a session is currently editing.
type ActiveConsultation struct {
	Consultation Consultation `json:"consultation"`
	Unsaved      bool         `json:"unsaved"`
}

// Registry owns the consultation history and the active consultation of
// every desk session. All operations are serialised by one mutex.
type Registry struct {
	mu      sync.Mutex
	store   *HistoryStore
	ledgers map[string]*ledger // facility -> state
	events  events.Publisher
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewRegistry(store *HistoryStore, pub events.Publisher, logger zerolog.Logger) *Registry {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Registry{
		store:   store,
		ledgers: make(map[string]*ledger),
		events:  pub,
		logger:  logger.With().Str("component", "consultation_registry").Logger(),
		tracer:  telemetry.Tracer("consultation"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ledger returns the facility's state, reading the history on first use.
// Callers hold r.mu.
func (r *Registry) ledger(ctx context.Context, op string) (*ledger, error) {
	facility := db.FacilityFromContext(ctx)
	if l, ok := r.ledgers[facility]; ok {
		return l, nil
	}
	records, migrated, err := r.store.Load(ctx)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if migrated {
		r.logger.Info().Str("facility_id", facility).Int("records", len(records)).
			Msg("migrated legacy consultation history, next save writes the current format")
	}
	l := &ledger{history: records, slots: make(map[string]*slot)}
	r.ledgers[facility] = l
	return l, nil
}

func (l *ledger) find(id string) (int, bool) {
	for i := range l.history {
		if l.history[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// holder returns the session whose slot holds id, or "".
func (l *ledger) holder(id string) string {
	for session, s := range l.slots {
		if s.c.ID == id {
			return session
		}
	}
	return ""
}

// openFor returns the in-progress consultations of a patient, saved or only
// held in a session slot.
func (l *ledger) openFor(patientID string) []Consultation {
	var out []Consultation
	seen := map[string]bool{}
	for _, c := range l.history {
		if c.PatientID == patientID && c.Status == StatusInProgress {
			out = append(out, c.clone())
			seen[c.ID] = true
		}
	}
	for _, s := range l.slots {
		if s.c.PatientID == patientID && s.c.Status == StatusInProgress && !seen[s.c.ID] {
			out = append(out, s.c.clone())
		}
	}
	return out
}

// persist upserts c into the history and writes it out. On failure the
// in-memory history is restored and nothing else changes.
func (r *Registry) persist(ctx context.Context, op string, l *ledger, c Consultation) error {
	prev := l.history
	next := make([]Consultation, len(prev), len(prev)+1)
	copy(next, prev)
	if i, ok := l.find(c.ID); ok {
		next[i] = c.clone()
	} else {
		next = append(next, c.clone())
	}

	l.history = next
	if err := r.store.Save(ctx, next); err != nil {
		l.history = prev
		r.logger.Error().Err(err).Str("op", op).Str("consultation_id", c.ID).
			Str("facility_id", db.FacilityFromContext(ctx)).Msg("failed to persist consultation history")
		return apperr.Persistence(op, err)
	}
	return nil
}

func (r *Registry) publish(ctx context.Context, eventType string, c Consultation) {
	_ = r.events.Publish(ctx, events.New(eventType, events.ConsultationTopic(c.PatientID),
		db.FacilityFromContext(ctx), c.ID, c))
}

func (r *Registry) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartNewConsultation opens a visit for the session. An in-progress visit
// for the same patient and day is resumed instead of duplicated, in which
// case resumed is true and the existing id is returned.
func (r *Registry) StartNewConsultation(ctx context.Context, session string, info StartInfo) (c Consultation, resumed bool, err error) {
	const op = "consultation.start"
	ctx, span := r.startSpan(ctx, op, attribute.String("patient.id", info.PatientID))
	defer func() { endSpan(span, err) }()

	if err := info.validate(); err != nil {
		return Consultation{}, false, apperr.Validation(op, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.ledger(ctx, op)
	if err != nil {
		return Consultation{}, false, err
	}

	if s, ok := l.slots[session]; ok {
		if s.c.PatientID == info.PatientID && s.c.VisitDate == info.VisitDate && s.c.Status == StatusInProgress {
			return s.c.clone(), true, nil
		}
		return Consultation{}, false, fail(op, ErrAnotherActive)
	}

	var open, otherDays []Consultation
	for _, oc := range l.openFor(info.PatientID) {
		if oc.VisitDate == info.VisitDate {
			open = append(open, oc)
		} else {
			otherDays = append(otherDays, oc)
		}
	}

	if len(open) > 0 {
		existing := open[0]
		if holder := l.holder(existing.ID); holder != "" && holder != session {
			return Consultation{}, false, fail(op, ErrHeldByOtherSession)
		}
		l.slots[session] = &slot{c: existing.clone()}
		r.logger.Info().Str("session", session).Str("consultation_id", existing.ID).Msg("resumed consultation")
		return existing, true, nil
	}

	if len(otherDays) > 0 {
		return Consultation{}, false, incompleteVisits(op, otherDays)
	}

	c = newConsultation(info, r.now())
	l.slots[session] = &slot{c: c.clone()}
	r.logger.Info().Str("session", session).Str("consultation_id", c.ID).Str("patient_id", c.PatientID).
		Msg("started consultation")
	return c, false, nil
}

// LoadConsultation makes a saved in-progress consultation the session's
// active one. Completed and cancelled visits cannot be reopened. The active
// slot is left alone on any error.
func (r *Registry) LoadConsultation(ctx context.Context, session, id string) (Consultation, error) {
	const op = "consultation.load"
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.ledger(ctx, op)
	if err != nil {
		return Consultation{}, err
	}
	i, ok := l.find(id)
	if !ok {
		return Consultation{}, fail(op, ErrNotFound)
	}
	c := l.history[i]
	switch c.Status {
	case StatusCompleted:
		return Consultation{}, fail(op, ErrCompletedVisit)
	case StatusCancelled:
		return Consultation{}, fail(op, ErrCancelledVisit)
	}
	if holder := l.holder(id); holder != "" && holder != session {
		return Consultation{}, fail(op, ErrHeldByOtherSession)
	}

	if s, ok := l.slots[session]; ok {
		if s.c.ID == id {
			return s.c.clone(), nil
		}
		if s.unsaved {
			return Consultation{}, fail(op, ErrAnotherActive)
		}
	}
	l.slots[session] = &slot{c: c.clone()}
	return c.clone(), nil
}

// UpdateConsultationData applies p to the session's active consultation.
func (r *Registry) UpdateConsultationData(ctx context.Context, session string, p Patch) (Consultation, error) {
	const op = "consultation.update"
	if err := p.Validate(); err != nil {
		return Consultation{}, apperr.Validation(op, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.ledger(ctx, op)
	if err != nil {
		return Consultation{}, err
	}
	s, ok := l.slots[session]
	if !ok {
		return Consultation{}, fail(op, ErrNoActiveConsultation)
	}

	next := p.Apply(s.c)
	next.UpdatedAt = r.now()
	s.c = next
	s.unsaved = true
	return next.clone(), nil
}

// SaveConsultation checkpoints the active consultation into the history
// without changing its status. On a persistence failure the slot stays
// unsaved and the caller may retry.
func (r *Registry) SaveConsultation(ctx context.Context, session string) (c Consultation, err error) {
	const op = "consultation.save"
	ctx, span := r.startSpan(ctx, op)
	defer func() { endSpan(span, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.ledger(ctx, op)
	if err != nil {
		return Consultation{}, err
	}
	s, ok := l.slots[session]
	if !ok {
		return Consultation{}, fail(op, ErrNoActiveConsultation)
	}
	span.SetAttributes(attribute.String("consultation.id", s.c.ID))

	if err := r.persist(ctx, op, l, s.c); err != nil {
		return Consultation{}, err
	}
	s.unsaved = false
	r.publish(ctx, events.TypeConsultationSaved, s.c)
	return s.c.clone(), nil
}

// CompleteVisit finalises the session's active consultation and clears the
// slot. A visit with no clinical content is rejected and nothing changes.
func (r *Registry) CompleteVisit(ctx context.Context, session string) (c Consultation, err error) {
	const op = "consultation.complete_visit"
	ctx, span := r.startSpan(ctx, op)
	defer func() { endSpan(span, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.ledger(ctx, op)
	if err != nil {
		return Consultation{}, err
	}
	s, ok := l.slots[session]
	if !ok {
		return Consultation{}, fail(op, ErrNoActiveConsultation)
	}
	span.SetAttributes(attribute.String("consultation.id", s.c.ID))

	done, err := r.complete(ctx, op, l, s.c)
	if err != nil {
		return Consultation{}, err
	}
	delete(l.slots, session)
	return done, nil
}

// CompleteConsultation finalises a saved in-progress consultation that no
// session has open.
func (r *Registry) CompleteConsultation(ctx context.Context, id string) (c Consultation, err error) {
	const op = "consultation.complete"
	ctx, span := r.startSpan(ctx, op, attribute.String("consultation.id", id))
	defer func() { endSpan(span, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.ledger(ctx, op)
	if err != nil {
		return Consultation{}, err
	}
	i, ok := l.find(id)
	if !ok {
		return Consultation{}, fail(op, ErrNotFound)
	}
	switch l.history[i].Status {
	case StatusCompleted:
		return Consultation{}, fail(op, ErrCompletedVisit)
	case StatusCancelled:
		return Consultation{}, fail(op, ErrCancelledVisit)
	}
	if l.holder(id) != "" {
		return Consultation{}, fail(op, ErrHeldByOtherSession)
	}
	return r.complete(ctx, op, l, l.history[i])
}

func (r *Registry) complete(ctx context.Context, op string, l *ledger, c Consultation) (Consultation, error) {
	if missing := c.missingContent(); len(missing) > 0 {
		return Consultation{}, apperr.Validation(op,
			"cannot complete visit without clinical content, missing "+strings.Join(missing, ", "))
	}

	now := r.now()
	done := c.clone()
	done.Status = StatusCompleted
	done.UpdatedAt = now
	done.CompletedAt = &now

	if err := r.persist(ctx, op, l, done); err != nil {
		return Consultation{}, err
	}
	r.logger.Info().Str("consultation_id", done.ID).Str("patient_id", done.PatientID).Msg("consultation completed")
	r.publish(ctx, events.TypeConsultationCompleted, done)
	return done.clone(), nil
}

// CancelConsultation discards the session's active consultation without
// persisting it. Unsaved edits are only thrown away when confirmed.
func (r *Registry) CancelConsultation(ctx context.Context, session string, confirmed bool) error {
	const op = "consultation.cancel"
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.ledger(ctx, op)
	if err != nil {
		return err
	}
	s, ok := l.slots[session]
	if !ok {
		return fail(op, ErrNoActiveConsultation)
	}
	if s.unsaved && !confirmed {
		return fail(op, ErrConfirmationRequired)
	}
	delete(l.slots, session)
	r.logger.Info().Str("session", session).Str("consultation_id", s.c.ID).Bool("discarded_changes", s.unsaved).
		Msg("consultation closed without saving")
	return nil
}

// AbandonConsultation resolves a stale saved visit by cancelling it.
func (r *Registry) AbandonConsultation(ctx context.Context, id string) (c Consultation, err error) {
	const op = "consultation.abandon"
	ctx, span := r.startSpan(ctx, op, attribute.String("consultation.id", id))
	defer func() { endSpan(span, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.ledger(ctx, op)
	if err != nil {
		return Consultation{}, err
	}
	i, ok := l.find(id)
	if !ok {
		return Consultation{}, fail(op, ErrNotFound)
	}
	if l.history[i].Status != StatusInProgress {
		return Consultation{}, fail(op, ErrNotInProgress)
	}
	if l.holder(id) != "" {
		return Consultation{}, fail(op, ErrHeldByOtherSession)
	}

	abandoned := l.history[i].clone()
	abandoned.Status = StatusCancelled
	abandoned.UpdatedAt = r.now()
	if err := r.persist(ctx, op, l, abandoned); err != nil {
		return Consultation{}, err
	}
	r.publish(ctx, events.TypeConsultationAbandoned, abandoned)
	return abandoned.clone(), nil
}

// StartFollowUp opens a follow-up of a completed consultation in the
// session. The new visit is unsaved until the first save.
func (r *Registry) StartFollowUp(ctx context.Context, session, sourceID, visitDate, visitTime string) (Consultation, error) {
	const op = "consultation.follow_up"
	if _, err := time.Parse(dateLayout, visitDate); err != nil {
		return Consultation{}, apperr.Validation(op, fmt.Sprintf("invalid visitDate %q, expected YYYY-MM-DD", visitDate))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.ledger(ctx, op)
	if err != nil {
		return Consultation{}, err
	}
	i, ok := l.find(sourceID)
	if !ok {
		return Consultation{}, fail(op, ErrNotFound)
	}
	src := l.history[i]
	if src.Status != StatusCompleted {
		return Consultation{}, fail(op, ErrFollowUpSource)
	}
	if _, ok := l.slots[session]; ok {
		return Consultation{}, fail(op, ErrAnotherActive)
	}
	if open := l.openFor(src.PatientID); len(open) > 0 {
		return Consultation{}, incompleteVisits(op, open)
	}

	c := FollowUpFrom(src, visitDate, visitTime, r.now())
	l.slots[session] = &slot{c: c.clone(), unsaved: true}
	return c, nil
}

// GetPatientConsultations lists a patient's saved consultations, latest
// visit first.
func (r *Registry) GetPatientConsultations(ctx context.Context, patientID string) ([]Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.ledger(ctx, "consultation.list")
	if err != nil {
		return nil, err
	}
	out := []Consultation{}
	for _, c := range l.history {
		if c.PatientID == patientID {
			out = append(out, c.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].VisitDate != out[j].VisitDate {
			return out[i].VisitDate > out[j].VisitDate
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// HasIncompleteVisits returns the patient's saved in-progress consultations.
func (r *Registry) HasIncompleteVisits(ctx context.Context, patientID string) ([]Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.ledger(ctx, "consultation.incomplete")
	if err != nil {
		return nil, err
	}
	out := []Consultation{}
	for _, c := range l.history {
		if c.PatientID == patientID && c.Status == StatusInProgress {
			out = append(out, c.clone())
		}
	}
	return out, nil
}

// Active returns the session's active consultation, if any.
func (r *Registry) Active(ctx context.Context, session string) (*ActiveConsultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.ledger(ctx, "consultation.active")
	if err != nil {
		return nil, err
	}
	s, ok := l.slots[session]
	if !ok {
		return nil, nil
	}
	return &ActiveConsultation{Consultation: s.c.clone(), Unsaved: s.unsaved}, nil
}
