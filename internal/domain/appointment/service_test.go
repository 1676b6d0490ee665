package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hospital/frontdesk/internal/platform/apperr"
	"github.com/hospital/frontdesk/internal/platform/db"
	"github.com/hospital/frontdesk/internal/platform/events"
	"github.com/hospital/frontdesk/pkg/pagination"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

const testToday = "2024-05-10"

func newTestService() (*Service, *recordingPublisher) {
	pub := &recordingPublisher{}
	svc := NewService(NewMemRepo(), pub, time.UTC)
	svc.now = func() time.Time { return time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC) }
	return svc, pub
}

func newAppt(date string) *Appointment {
	return &Appointment{
		PatientID:   "p-100",
		PatientName: "Asha Rao",
		Date:        date,
		Time:        "09:30 AM",
		Doctor:      "Dr. Mehta",
		Department:  "cardiology",
		Fee:         500,
	}
}

func mustCreate(t *testing.T, svc *Service, a *Appointment) *Appointment {
	t.Helper()
	if err := svc.Create(context.Background(), a); err != nil {
		t.Fatalf("create: %v", err)
	}
	return a
}

func TestService_Today_UsesClinicZone(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	svc := NewService(NewMemRepo(), nil, loc)
	svc.now = func() time.Time { return time.Date(2024, 5, 10, 20, 0, 0, 0, time.UTC) }
	if got := svc.Today(); got != "2024-05-11" {
		t.Errorf("Today() = %s, want 2024-05-11", got)
	}
}

func TestService_Create_Defaults(t *testing.T) {
	svc, pub := newTestService()
	a := mustCreate(t, svc, newAppt(testToday))

	if a.ID == "" {
		t.Error("expected id to be assigned")
	}
	if a.Status != StatusScheduled || a.PaymentStatus != PaymentUnpaid {
		t.Errorf("unexpected defaults: %s/%s", a.Status, a.PaymentStatus)
	}
	if a.AppointmentType != TypeGeneral || a.DurationMinutes != 30 {
		t.Errorf("unexpected type/duration: %s/%d", a.AppointmentType, a.DurationMinutes)
	}
	if got := pub.types(); len(got) != 1 || got[0] != events.TypeAppointmentCreated {
		t.Errorf("expected one created event, got %v", got)
	}
}

func TestService_Create_IgnoresClientStatusAndPayment(t *testing.T) {
	svc, _ := newTestService()
	a := newAppt(testToday)
	a.Status = StatusCompleted
	a.PaymentMethod = MethodCash
	a.PaymentAmount = "500"
	mustCreate(t, svc, a)
	if a.Status != StatusScheduled || a.PaymentMethod != "" || a.PaymentAmount != "" {
		t.Errorf("expected status and payment details reset, got %+v", a)
	}

	paid := newAppt(testToday)
	paid.PaymentStatus = PaymentPaid
	if err := svc.Create(context.Background(), paid); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error for paid booking, got %v", err)
	}
}

func TestService_Create_TokensPerDay(t *testing.T) {
	svc, _ := newTestService()
	first := mustCreate(t, svc, newAppt(testToday))
	second := mustCreate(t, svc, newAppt(testToday))
	past := mustCreate(t, svc, newAppt("2024-05-09"))
	future := mustCreate(t, svc, newAppt("2024-05-11"))

	if first.Token == nil || *first.Token != 1 {
		t.Errorf("expected token 1, got %v", first.Token)
	}
	if second.Token == nil || *second.Token != 2 {
		t.Errorf("expected token 2, got %v", second.Token)
	}
	if past.Token == nil || *past.Token != 1 {
		t.Errorf("expected a separate sequence for another day, got %v", past.Token)
	}
	if future.Token != nil {
		t.Errorf("future booking must not get a token, got %d", *future.Token)
	}
}

func TestService_Create_TokensPerFacility(t *testing.T) {
	svc, _ := newTestService()
	ctxA := db.WithFacility(context.Background(), "north")
	ctxB := db.WithFacility(context.Background(), "south")

	a := newAppt(testToday)
	b := newAppt(testToday)
	if err := svc.Create(ctxA, a); err != nil {
		t.Fatal(err)
	}
	if err := svc.Create(ctxB, b); err != nil {
		t.Fatal(err)
	}
	if *a.Token != 1 || *b.Token != 1 {
		t.Errorf("expected independent sequences, got %d and %d", *a.Token, *b.Token)
	}
	if _, err := svc.Get(ctxB, a.ID); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected appointment to be invisible from another facility, got %v", err)
	}
}

func TestService_Create_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *Appointment)
	}{
		{"missing patient", func(a *Appointment) { a.PatientID = "" }},
		{"missing doctor", func(a *Appointment) { a.Doctor = " " }},
		{"bad date", func(a *Appointment) { a.Date = "10-05-2024" }},
		{"bad time", func(a *Appointment) { a.Time = "9:30" }},
		{"unknown type", func(a *Appointment) { a.AppointmentType = "surgery" }},
		{"specialized without procedure", func(a *Appointment) { a.AppointmentType = TypeSpecialized }},
		{"negative fee", func(a *Appointment) { a.Fee = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, pub := newTestService()
			a := newAppt(testToday)
			tt.mutate(a)
			err := svc.Create(context.Background(), a)
			if !apperr.IsKind(err, apperr.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if len(pub.types()) != 0 {
				t.Error("no event should be published for a rejected booking")
			}
		})
	}
}

func TestService_TransitionStatus(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc, newAppt(testToday))

	got, err := svc.TransitionStatus(ctx, a.ID, "waiting")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusWaiting {
		t.Errorf("expected waiting, got %s", got.Status)
	}

	if _, err := svc.TransitionStatus(ctx, a.ID, "scheduled"); !apperr.IsKind(err, apperr.KindInvalidTransition) {
		t.Errorf("expected invalid transition going backwards, got %v", err)
	}
	if _, err := svc.TransitionStatus(ctx, a.ID, "completed"); !apperr.IsKind(err, apperr.KindInvalidTransition) {
		t.Errorf("expected completion to require a payment decision, got %v", err)
	}
	if _, err := svc.TransitionStatus(ctx, a.ID, "archived"); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error for unknown status, got %v", err)
	}
	if _, err := svc.TransitionStatus(ctx, "missing", "waiting"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	if _, err := svc.TransitionStatus(ctx, a.ID, "cancelled"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.TransitionStatus(ctx, a.ID, "waiting"); !apperr.IsKind(err, apperr.KindInvalidTransition) {
		t.Errorf("expected cancelled to be terminal, got %v", err)
	}
}

func TestService_TransitionStatus_FutureRejected(t *testing.T) {
	svc, _ := newTestService()
	a := mustCreate(t, svc, newAppt("2024-05-12"))
	if _, err := svc.TransitionStatus(context.Background(), a.ID, "waiting"); !apperr.IsKind(err, apperr.KindInvalidTransition) {
		t.Errorf("expected future appointment to reject status changes, got %v", err)
	}
}

func TestService_Complete_Paid(t *testing.T) {
	svc, _ := newTestService()
	a := mustCreate(t, svc, newAppt(testToday))

	got, err := svc.Complete(context.Background(), a.ID, PaymentResolution{Paid: true, Method: MethodUPI, Amount: " 500 "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCompleted || got.PaymentStatus != PaymentPaid || got.PaymentMethod != MethodUPI || got.PaymentAmount != "500" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestService_Complete_PayLater(t *testing.T) {
	svc, _ := newTestService()
	a := newAppt(testToday)
	a.PaymentStatus = PaymentPending
	mustCreate(t, svc, a)

	got, err := svc.Complete(context.Background(), a.ID, PaymentResolution{Paid: false, Method: MethodCash, Amount: "100"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCompleted || got.PaymentStatus != PaymentUnpaid {
		t.Errorf("unexpected status: %s/%s", got.Status, got.PaymentStatus)
	}
	if got.PaymentMethod != "" || got.PaymentAmount != "" {
		t.Errorf("pay-later must not record method or amount: %+v", got)
	}
}

func TestService_Complete_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc, newAppt(testToday))

	bad := []PaymentResolution{
		{Paid: true, Method: MethodCash},
		{Paid: true, Method: "cheque", Amount: "500"},
		{Paid: true, Method: MethodCard, Amount: "five hundred"},
	}
	for _, res := range bad {
		if _, err := svc.Complete(ctx, a.ID, res); !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("Complete(%+v) expected validation error, got %v", res, err)
		}
	}
	stored, _ := svc.Get(ctx, a.ID)
	if stored.Status != StatusScheduled {
		t.Errorf("failed completion must not change status, got %s", stored.Status)
	}

	if _, err := svc.Complete(ctx, a.ID, PaymentResolution{}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, a.ID, PaymentResolution{}); !apperr.IsKind(err, apperr.KindInvalidTransition) {
		t.Errorf("expected second completion to fail, got %v", err)
	}
}

func TestService_CollectPayment(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc, newAppt(testToday))

	if _, err := svc.CollectPayment(ctx, a.ID, MethodCash, "500"); !apperr.IsKind(err, apperr.KindInvalidTransition) {
		t.Errorf("expected open appointment to reject payment collection, got %v", err)
	}

	if _, err := svc.Complete(ctx, a.ID, PaymentResolution{}); err != nil {
		t.Fatal(err)
	}
	got, err := svc.CollectPayment(ctx, a.ID, MethodCard, "500")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCompleted || got.PaymentStatus != PaymentPaid || got.PaymentMethod != MethodCard {
		t.Errorf("unexpected result: %+v", got)
	}

	if _, err := svc.CollectPayment(ctx, a.ID, MethodCard, "500"); !apperr.IsKind(err, apperr.KindInvalidTransition) {
		t.Errorf("expected already paid to be rejected, got %v", err)
	}
}

func TestService_RecordPayment(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc, newAppt(testToday))

	// open row: completes with the resolution
	got, err := svc.RecordPayment(ctx, a.ID, PaymentResolution{Paid: false})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.PaymentStatus != PaymentUnpaid {
		t.Fatalf("unexpected result: %+v", got)
	}

	// completed and unpaid: deferring again is a no-op
	got, err = svc.RecordPayment(ctx, a.ID, PaymentResolution{Paid: false})
	if err != nil || got.PaymentStatus != PaymentUnpaid {
		t.Fatalf("expected no-op, got %+v, %v", got, err)
	}

	got, err = svc.RecordPayment(ctx, a.ID, PaymentResolution{Paid: true, Method: MethodCash, Amount: "500"})
	if err != nil {
		t.Fatal(err)
	}
	if got.PaymentStatus != PaymentPaid {
		t.Errorf("expected paid, got %s", got.PaymentStatus)
	}

	if _, err := svc.RecordPayment(ctx, a.ID, PaymentResolution{Paid: false}); !apperr.IsKind(err, apperr.KindInvalidTransition) {
		t.Errorf("expected already paid to be rejected, got %v", err)
	}
}

func TestService_UpdateFields(t *testing.T) {
	svc, pub := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc, newAppt(testToday))

	doctor := "Dr. Iyer"
	fee := 750.0
	got, err := svc.UpdateFields(ctx, a.ID, Patch{Doctor: &doctor, Fee: &fee})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Doctor != doctor || got.Fee != fee {
		t.Errorf("patch not applied: %+v", got)
	}
	if got.Token == nil || *got.Token != 1 {
		t.Errorf("token should be kept when the date is unchanged, got %v", got.Token)
	}
	if types := pub.types(); types[len(types)-1] != events.TypeAppointmentUpdated {
		t.Errorf("expected an update event, got %v", types)
	}

	if _, err := svc.UpdateFields(ctx, a.ID, Patch{}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected empty patch to be rejected, got %v", err)
	}
}

func TestService_UpdateFields_DateChangeRequeues(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	mustCreate(t, svc, newAppt("2024-05-09"))
	a := mustCreate(t, svc, newAppt(testToday))

	future := "2024-05-20"
	got, err := svc.UpdateFields(ctx, a.ID, Patch{Date: &future})
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != nil {
		t.Errorf("moving to a future date must clear the token, got %d", *got.Token)
	}

	past := "2024-05-09"
	got, err = svc.UpdateFields(ctx, a.ID, Patch{Date: &past})
	if err != nil {
		t.Fatal(err)
	}
	if got.Token == nil || *got.Token != 2 {
		t.Errorf("expected the next token of the new day, got %v", got.Token)
	}
}

func TestService_UpdateFields_NotEditable(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc, newAppt(testToday))
	if _, err := svc.Complete(ctx, a.ID, PaymentResolution{}); err != nil {
		t.Fatal(err)
	}

	tm := "11:00 AM"
	_, err := svc.UpdateFields(ctx, a.ID, Patch{Time: &tm})
	if !errors.Is(err, apperr.InvalidTransition("", "appointment not editable")) {
		t.Errorf("expected appointment not editable, got %v", err)
	}
}

func TestService_List(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	for _, name := range []string{"Zoya", "Asha", "Meera"} {
		a := newAppt(testToday)
		a.PatientName = name
		mustCreate(t, svc, a)
	}
	mustCreate(t, svc, newAppt("2024-05-11"))

	items, total, err := svc.List(ctx,
		Filter{Date: DateRange{Kind: DateToday}},
		Sort{Key: SortPatient},
		pagination.Params{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("expected 3 matches, got %d", total)
	}
	if len(items) != 2 || items[0].PatientName != "Asha" || items[1].PatientName != "Meera" {
		t.Errorf("unexpected page: %v", items)
	}
	if len(items[0].Actions) == 0 {
		t.Error("expected actions on list items")
	}

	if _, _, err := svc.List(ctx, Filter{Payment: "refunded"}, Sort{}, pagination.Params{Limit: 10}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error for bad filter, got %v", err)
	}
}

func TestService_SessionSeries(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	create := func(day int, date string) *Appointment {
		a := newAppt(date)
		a.AppointmentType = TypeSpecialized
		a.ProcedureID = "proc-1"
		a.ProcedureName = "Panchakarma"
		a.SessionDay = intPtr(day)
		return mustCreate(t, svc, a)
	}
	d3 := create(3, "2024-05-12")
	d1 := create(1, "2024-05-08")
	d2 := create(2, testToday)

	if _, err := svc.Complete(ctx, d1.ID, PaymentResolution{}); err != nil {
		t.Fatal(err)
	}

	sessions, err := svc.SessionSeries(ctx, "proc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	wantOrder := []string{d1.ID, d2.ID, d3.ID}
	for i, s := range sessions {
		if s.ID != wantOrder[i] {
			t.Errorf("session %d = %s, want %s", i, s.ID, wantOrder[i])
		}
	}
	if sessions[0].Current || !sessions[1].Current || sessions[2].Current {
		t.Errorf("expected day 2 to be current, got %v %v %v", sessions[0].Current, sessions[1].Current, sessions[2].Current)
	}

	// no cascading between sessions
	if _, err := svc.TransitionStatus(ctx, d2.ID, "cancelled"); err != nil {
		t.Fatal(err)
	}
	v, _ := svc.Get(ctx, d3.ID)
	if v.Status != StatusScheduled {
		t.Errorf("sibling session changed to %s", v.Status)
	}

	if _, err := svc.SessionSeries(ctx, "unknown"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

// interleavingRepo runs beforeUpdate once, between a service's read and its
// write, to simulate a second desk acting on the same row.
type interleavingRepo struct {
	Repository
	beforeUpdate func()
}

func (r *interleavingRepo) Update(ctx context.Context, a *Appointment) error {
	if hook := r.beforeUpdate; hook != nil {
		r.beforeUpdate = nil
		hook()
	}
	return r.Repository.Update(ctx, a)
}

func TestService_ConcurrentCancelWinsOverComplete(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc, newAppt(testToday))

	repo := &interleavingRepo{Repository: svc.repo}
	svc.repo = repo
	repo.beforeUpdate = func() {
		if _, err := svc.TransitionStatus(ctx, a.ID, "cancelled"); err != nil {
			t.Fatalf("cancel: %v", err)
		}
	}

	_, err := svc.Complete(ctx, a.ID, PaymentResolution{Paid: true, Method: MethodCash, Amount: "500"})
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	v, _ := svc.Get(ctx, a.ID)
	if v.Status != StatusCancelled {
		t.Errorf("expected cancelled to stick, got %s", v.Status)
	}
	if v.PaymentStatus == PaymentPaid {
		t.Error("payment recorded on a cancelled appointment")
	}
}

func TestService_ConcurrentCollectPaymentOnce(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc, newAppt(testToday))
	if _, err := svc.Complete(ctx, a.ID, PaymentResolution{}); err != nil {
		t.Fatal(err)
	}

	repo := &interleavingRepo{Repository: svc.repo}
	svc.repo = repo
	repo.beforeUpdate = func() {
		if _, err := svc.CollectPayment(ctx, a.ID, MethodCard, "500"); err != nil {
			t.Fatalf("first collect: %v", err)
		}
	}

	if _, err := svc.CollectPayment(ctx, a.ID, MethodCash, "450"); !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	v, _ := svc.Get(ctx, a.ID)
	if v.PaymentMethod != MethodCard || v.PaymentAmount != "500" {
		t.Errorf("expected the first payment to stand, got %s %s", v.PaymentMethod, v.PaymentAmount)
	}
}

func TestMemRepo_UpdateRejectsStaleVersion(t *testing.T) {
	repo := NewMemRepo()
	ctx := context.Background()
	a := newAppt(testToday)
	if err := repo.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	if a.VersionID != 1 {
		t.Fatalf("expected version 1, got %d", a.VersionID)
	}

	first, _ := repo.GetByID(ctx, a.ID)
	second, _ := repo.GetByID(ctx, a.ID)

	first.Status = StatusWaiting
	if err := repo.Update(ctx, first); err != nil {
		t.Fatal(err)
	}
	if first.VersionID != 2 {
		t.Errorf("expected version 2, got %d", first.VersionID)
	}

	second.Status = StatusCancelled
	if err := repo.Update(ctx, second); !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := repo.GetByID(ctx, a.ID)
	if got.Status != StatusWaiting {
		t.Errorf("stale write applied, status=%s", got.Status)
	}
}
