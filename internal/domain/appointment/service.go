package appointment

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hospital/frontdesk/internal/platform/apperr"
	"github.com/hospital/frontdesk/internal/platform/db"
	"github.com/hospital/frontdesk/internal/platform/events"
	"github.com/hospital/frontdesk/internal/platform/telemetry"
	"github.com/hospital/frontdesk/pkg/pagination"
)

// Service owns every appointment mutation. Handlers go through it and never
// write rows themselves.
type Service struct {
	repo   Repository
	events events.Publisher
	loc    *time.Location
	now    func() time.Time
	tracer trace.Tracer
}

// NewService builds the service. loc decides the clinic's calendar day; a
// nil publisher or location falls back to no events and time.Local.
func NewService(repo Repository, pub events.Publisher, loc *time.Location) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		repo:   repo,
		events: pub,
		loc:    loc,
		now:    time.Now,
		tracer: telemetry.Tracer("appointment"),
	}
}

// Today is the clinic-local calendar day as YYYY-MM-DD.
func (s *Service) Today() string {
	return s.now().In(s.loc).Format(DateLayout)
}

func validateDate(d string) error {
	if _, err := time.Parse(DateLayout, d); err != nil {
		return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", d)
	}
	return nil
}

func validateTime(t string) error {
	if _, err := time.Parse(TimeLayout, t); err != nil {
		return fmt.Errorf("invalid time %q, expected hh:mm AM/PM", t)
	}
	return nil
}

func validatePayment(op string, method PaymentMethod, amount string) error {
	if strings.TrimSpace(amount) == "" {
		return apperr.Validation(op, "payment amount is required")
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(amount), 64); err != nil || v <= 0 {
		return apperr.Validation(op, fmt.Sprintf("invalid payment amount %q", amount))
	}
	if !validMethods[method] {
		return apperr.Validation(op, fmt.Sprintf("invalid payment method %q", method))
	}
	return nil
}

func (s *Service) Create(ctx context.Context, a *Appointment) error {
	const op = "appointment.create"
	ctx, span := s.tracer.Start(ctx, op)
	defer span.End()

	if err := s.validateNew(a); err != nil {
		return apperr.Validation(op, err.Error())
	}

	a.Status = StatusScheduled
	if a.PaymentStatus == "" {
		a.PaymentStatus = PaymentUnpaid
	}
	a.PaymentMethod, a.PaymentAmount = "", ""
	a.Token = nil

	// Only same-day and past bookings join a queue.
	if a.Date <= s.Today() {
		token, err := s.repo.NextToken(ctx, a.Date)
		if err != nil {
			return err
		}
		a.Token = &token
	}

	if err := s.repo.Create(ctx, a); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("appointment.id", a.ID))
	s.publish(ctx, events.TypeAppointmentCreated, a)
	return nil
}

func (s *Service) validateNew(a *Appointment) error {
	switch {
	case strings.TrimSpace(a.PatientID) == "":
		return fmt.Errorf("patientId is required")
	case strings.TrimSpace(a.PatientName) == "":
		return fmt.Errorf("patientName is required")
	case strings.TrimSpace(a.Doctor) == "":
		return fmt.Errorf("doctor is required")
	case strings.TrimSpace(a.Department) == "":
		return fmt.Errorf("department is required")
	}
	if err := validateDate(a.Date); err != nil {
		return err
	}
	if err := validateTime(a.Time); err != nil {
		return err
	}
	if a.DurationMinutes < 0 {
		return fmt.Errorf("durationMinutes must not be negative")
	}
	if a.DurationMinutes == 0 {
		a.DurationMinutes = 30
	}
	if a.Fee < 0 {
		return fmt.Errorf("fee must not be negative")
	}

	switch a.AppointmentType {
	case "":
		a.AppointmentType = TypeGeneral
	case TypeGeneral, TypeSpecialized:
	default:
		return fmt.Errorf("invalid appointmentType %q", a.AppointmentType)
	}
	if a.AppointmentType == TypeSpecialized && a.ProcedureID == "" {
		return fmt.Errorf("procedureId is required for specialized appointments")
	}
	if a.AppointmentType == TypeGeneral && (a.ProcedureID != "" || a.SessionDay != nil) {
		return fmt.Errorf("procedure fields are only valid for specialized appointments")
	}
	if a.SessionDay != nil && *a.SessionDay < 1 {
		return fmt.Errorf("sessionDay must be at least 1")
	}

	switch a.PaymentStatus {
	case "", PaymentUnpaid, PaymentPending:
	default:
		return fmt.Errorf("new appointments cannot be created as %q", a.PaymentStatus)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &View{Appointment: a, Actions: AvailableActions(a, s.Today())}, nil
}

// List filters and sorts the whole list, then returns one page of it along
// with the number of matching rows.
func (s *Service) List(ctx context.Context, f Filter, order Sort, page pagination.Params) ([]*View, int, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, apperr.Validation("appointment.list", err.Error())
	}
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, 0, err
	}

	today := s.Today()
	matched := f.Apply(all, today)
	order.Apply(matched)

	start, end := page.Bounds(len(matched))
	views := make([]*View, 0, end-start)
	for _, a := range matched[start:end] {
		views = append(views, &View{Appointment: a, Actions: AvailableActions(a, today)})
	}
	return views, len(matched), nil
}

// TransitionStatus moves an appointment along the workflow. Completion is
// rejected here because it needs a payment decision; use Complete.
func (s *Service) TransitionStatus(ctx context.Context, id, status string) (*Appointment, error) {
	const op = "appointment.transition"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("appointment.id", id),
		attribute.String("appointment.status", status),
	))
	defer span.End()

	to, err := ParseStatus(status)
	if err != nil {
		return nil, apperr.Validation(op, err.Error())
	}
	if to == StatusCompleted {
		return nil, apperr.InvalidTransition(op, "completing an appointment requires a payment decision")
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return nil, apperr.InvalidTransition(op, fmt.Sprintf("appointment is %s", a.Status))
	}
	if !CanTransition(a.Status, to) {
		return nil, apperr.InvalidTransition(op, fmt.Sprintf("cannot move appointment from %s to %s", a.Status, to))
	}
	if err := s.checkDue(op, a); err != nil {
		return nil, err
	}

	a.Status = to
	if err := s.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeAppointmentUpdated, a)
	return a, nil
}

// Complete finishes the visit and settles payment in one step. Paying now
// records method and amount; paying later leaves the row unpaid with no
// method or amount.
func (s *Service) Complete(ctx context.Context, id string, res PaymentResolution) (*Appointment, error) {
	const op = "appointment.complete"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("appointment.id", id)))
	defer span.End()

	if res.Paid {
		if err := validatePayment(op, res.Method, res.Amount); err != nil {
			return nil, err
		}
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return nil, apperr.InvalidTransition(op, fmt.Sprintf("appointment is already %s", a.Status))
	}
	if !CanTransition(a.Status, StatusCompleted) {
		return nil, apperr.InvalidTransition(op, fmt.Sprintf("cannot complete appointment from %s", a.Status))
	}
	if err := s.checkDue(op, a); err != nil {
		return nil, err
	}

	a.Status = StatusCompleted
	if res.Paid {
		a.PaymentStatus = PaymentPaid
		a.PaymentMethod = res.Method
		a.PaymentAmount = strings.TrimSpace(res.Amount)
	} else {
		a.PaymentStatus = PaymentUnpaid
		a.PaymentMethod = ""
		a.PaymentAmount = ""
	}

	if err := s.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeAppointmentUpdated, a)
	return a, nil
}

// CollectPayment records a payment against an already completed appointment.
// Status never changes.
func (s *Service) CollectPayment(ctx context.Context, id string, method PaymentMethod, amount string) (*Appointment, error) {
	const op = "appointment.collect_payment"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("appointment.id", id)))
	defer span.End()

	if err := validatePayment(op, method, amount); err != nil {
		return nil, err
	}
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusCompleted {
		return nil, apperr.InvalidTransition(op, "payment can only be collected for completed appointments")
	}
	if a.PaymentStatus == PaymentPaid {
		return nil, apperr.InvalidTransition(op, "appointment is already paid")
	}

	a.PaymentStatus = PaymentPaid
	a.PaymentMethod = method
	a.PaymentAmount = strings.TrimSpace(amount)
	if err := s.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeAppointmentUpdated, a)
	return a, nil
}

// RecordPayment is the single payment entry point used by the desk. Open
// appointments are completed with the given resolution; completed ones have
// their payment collected. Deferring payment on a completed row changes
// nothing.
func (s *Service) RecordPayment(ctx context.Context, id string, res PaymentResolution) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusCompleted {
		return s.Complete(ctx, id, res)
	}
	if !res.Paid {
		if a.PaymentStatus == PaymentPaid {
			return nil, apperr.InvalidTransition("appointment.record_payment", "appointment is already paid")
		}
		return a, nil
	}
	return s.CollectPayment(ctx, id, res.Method, res.Amount)
}

// UpdateFields edits the booking details of an open appointment. Moving the
// date re-queues the patient: the old token is dropped and a new one is
// issued when the new day is today or earlier.
func (s *Service) UpdateFields(ctx context.Context, id string, p Patch) (*Appointment, error) {
	const op = "appointment.update"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("appointment.id", id)))
	defer span.End()

	if p.Empty() {
		return nil, apperr.Validation(op, "no fields to update")
	}
	if err := validatePatch(p); err != nil {
		return nil, apperr.Validation(op, err.Error())
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.Editable() {
		return nil, apperr.InvalidTransition(op, "appointment not editable")
	}

	if p.Date != nil && *p.Date != a.Date {
		a.Date = *p.Date
		a.Token = nil
		if a.Date <= s.Today() {
			token, err := s.repo.NextToken(ctx, a.Date)
			if err != nil {
				return nil, err
			}
			a.Token = &token
		}
	}
	if p.Time != nil {
		a.Time = *p.Time
	}
	if p.Doctor != nil {
		a.Doctor = strings.TrimSpace(*p.Doctor)
	}
	if p.Department != nil {
		a.Department = strings.TrimSpace(*p.Department)
	}
	if p.DurationMinutes != nil {
		a.DurationMinutes = *p.DurationMinutes
	}
	if p.Fee != nil {
		a.Fee = *p.Fee
	}

	if err := s.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeAppointmentUpdated, a)
	return a, nil
}

// checkDue rejects status changes on appointments dated after today, matching
// the empty action list the desk sees for them.
func (s *Service) checkDue(op string, a *Appointment) error {
	if a.Date > s.Today() {
		return apperr.InvalidTransition(op, "appointment is scheduled for a future date")
	}
	return nil
}

func validatePatch(p Patch) error {
	if p.Date != nil {
		if err := validateDate(*p.Date); err != nil {
			return err
		}
	}
	if p.Time != nil {
		if err := validateTime(*p.Time); err != nil {
			return err
		}
	}
	if p.Doctor != nil && strings.TrimSpace(*p.Doctor) == "" {
		return fmt.Errorf("doctor must not be empty")
	}
	if p.Department != nil && strings.TrimSpace(*p.Department) == "" {
		return fmt.Errorf("department must not be empty")
	}
	if p.DurationMinutes != nil && *p.DurationMinutes <= 0 {
		return fmt.Errorf("durationMinutes must be positive")
	}
	if p.Fee != nil && *p.Fee < 0 {
		return fmt.Errorf("fee must not be negative")
	}
	return nil
}

// SessionSeries returns the sessions of a multi-day procedure ordered by
// session day. Current is set on the earliest open session that is due.
// Sessions are independent rows; nothing here cascades between them.
func (s *Service) SessionSeries(ctx context.Context, procedureID string) ([]*Session, error) {
	if strings.TrimSpace(procedureID) == "" {
		return nil, apperr.Validation("appointment.sessions", "procedureId is required")
	}
	rows, err := s.repo.ListByProcedure(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("appointment.sessions", "procedure not found")
	}

	sort.SliceStable(rows, func(i, j int) bool {
		di, dj := sessionOrder(rows[i]), sessionOrder(rows[j])
		if di != dj {
			return di < dj
		}
		return lessByDate(rows[i], rows[j])
	})

	today := s.Today()
	sessions := make([]*Session, 0, len(rows))
	currentSet := false
	for _, a := range rows {
		sess := &Session{View: View{Appointment: a, Actions: AvailableActions(a, today)}}
		if !currentSet && !a.Status.Terminal() && a.Date <= today {
			sess.Current = true
			currentSet = true
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func sessionOrder(a *Appointment) int {
	if a.SessionDay == nil {
		return int(^uint(0) >> 1)
	}
	return *a.SessionDay
}

func (s *Service) publish(ctx context.Context, eventType string, a *Appointment) {
	_ = s.events.Publish(ctx, events.New(eventType, events.TopicAppointments, db.FacilityFromContext(ctx), a.ID, a))
}
