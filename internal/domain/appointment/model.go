package appointment

import (
	"fmt"
	"time"
)

// Status is the appointment workflow state.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// transitions is the only place the workflow edges are defined. Entering
// completed is listed here but is only reachable through Service.Complete,
// which resolves payment first.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusWaiting, StatusCancelled, StatusCompleted},
	StatusWaiting:    {StatusInProgress, StatusCancelled, StatusCompleted},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("invalid appointment status: %q", s)
	}
	return st, nil
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Editable reports whether date, time, doctor, department, duration and fee
// may still change.
func (s Status) Editable() bool {
	return s == StatusScheduled || s == StatusWaiting || s == StatusInProgress
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Type string

const (
	TypeGeneral     Type = "general"
	TypeSpecialized Type = "specialized"
)

type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPaid    PaymentStatus = "paid"
	PaymentPending PaymentStatus = "pending"
)

type PaymentMethod string

const (
	MethodCash PaymentMethod = "cash"
	MethodCard PaymentMethod = "card"
	MethodUPI  PaymentMethod = "upi"
)

var validMethods = map[PaymentMethod]bool{MethodCash: true, MethodCard: true, MethodUPI: true}

const (
	DateLayout = "2006-01-02"
	// TimeLayout is the zero-padded slot label the desk books with.
	TimeLayout = "03:04 PM"
)

type Appointment struct {
	ID                 string        `json:"id"`
	PatientID          string        `json:"patientId"`
	PatientName        string        `json:"patientName"`
	Date               string        `json:"date"`
	Time               string        `json:"time"`
	Doctor             string        `json:"doctor"`
	Department         string        `json:"department"`
	DurationMinutes    int           `json:"durationMinutes"`
	AppointmentType    Type          `json:"appointmentType"`
	ProcedureID        string        `json:"procedureId,omitempty"`
	ProcedureName      string        `json:"procedureName,omitempty"`
	SessionDay         *int          `json:"sessionDay,omitempty"`
	SessionDescription string        `json:"sessionDescription,omitempty"`
	Status             Status        `json:"status"`
	Fee                float64       `json:"fee"`
	PaymentStatus      PaymentStatus `json:"paymentStatus"`
	PaymentMethod      PaymentMethod `json:"paymentMethod,omitempty"`
	PaymentAmount      string        `json:"paymentAmount,omitempty"`
	Token              *int          `json:"token,omitempty"`
	VersionID          int           `json:"versionId"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

func (a *Appointment) clone() *Appointment {
	c := *a
	if a.SessionDay != nil {
		d := *a.SessionDay
		c.SessionDay = &d
	}
	if a.Token != nil {
		t := *a.Token
		c.Token = &t
	}
	return &c
}

// Action is something the desk can do to an appointment right now.
type Action string

const (
	ActionStart          Action = "start"    // scheduled -> waiting
	ActionBegin          Action = "begin"    // waiting -> in-progress
	ActionComplete       Action = "complete" // -> completed, resolves payment
	ActionCancel         Action = "cancel"
	ActionEdit           Action = "edit"
	ActionCollectPayment Action = "collect-payment"
)

// AvailableActions lists the actions offered for a at the given clinic day.
// Appointments dated after today get no status actions until their day comes.
func AvailableActions(a *Appointment, today string) []Action {
	actions := []Action{}
	if a.Date <= today {
		switch a.Status {
		case StatusScheduled:
			actions = append(actions, ActionStart, ActionComplete, ActionCancel)
		case StatusWaiting:
			actions = append(actions, ActionBegin, ActionComplete, ActionCancel)
		case StatusInProgress:
			actions = append(actions, ActionComplete, ActionCancel)
		case StatusCompleted:
			if a.PaymentStatus != PaymentPaid {
				actions = append(actions, ActionCollectPayment)
			}
		}
	}
	if a.Status.Editable() {
		actions = append(actions, ActionEdit)
	}
	return actions
}

// View is an appointment together with the actions currently offered on it.
type View struct {
	*Appointment
	Actions []Action `json:"actions"`
}

// Session is one row of a multi-day procedure. Current marks the session the
// desk should be working on.
type Session struct {
	View
	Current bool `json:"current"`
}

// PaymentResolution is the outcome of the payment step when completing.
type PaymentResolution struct {
	Paid   bool          `json:"paid"`
	Method PaymentMethod `json:"method,omitempty"`
	Amount string        `json:"amount,omitempty"`
}

// Patch holds the editable fields; nil fields are left alone.
type Patch struct {
	Date            *string  `json:"date,omitempty"`
	Time            *string  `json:"time,omitempty"`
	Doctor          *string  `json:"doctor,omitempty"`
	Department      *string  `json:"department,omitempty"`
	DurationMinutes *int     `json:"durationMinutes,omitempty"`
	Fee             *float64 `json:"fee,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Date == nil && p.Time == nil && p.Doctor == nil &&
		p.Department == nil && p.DurationMinutes == nil && p.Fee == nil
}
