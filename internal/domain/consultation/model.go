package consultation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

type Type string

const (
	TypeRoutine   Type = "routine"
	TypeFollowUp  Type = "followup"
	TypeEmergency Type = "emergency"
)

func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeRoutine, TypeFollowUp, TypeEmergency:
		return t, nil
	default:
		return "", fmt.Errorf("invalid consultation type: %q", s)
	}
}

const dateLayout = "2006-01-02"

type History struct {
	PresentIllness string `json:"presentIllness,omitempty"`
	Past           string `json:"past,omitempty"`
	Family         string `json:"family,omitempty"`
	Social         string `json:"social,omitempty"`
	Allergies      string `json:"allergies,omitempty"`
}

// Vitals are kept as entered at the desk; only BMI is ever computed.
type Vitals struct {
	BloodPressure   string `json:"bloodPressure,omitempty"`
	Pulse           string `json:"pulse,omitempty"`
	Temperature     string `json:"temperature,omitempty"`
	RespiratoryRate string `json:"respiratoryRate,omitempty"`
	SpO2            string `json:"spo2,omitempty"`
	Weight          string `json:"weight,omitempty"` // kg
	Height          string `json:"height,omitempty"` // cm
	BMI             string `json:"bmi,omitempty"`
}

// withBMI fills BMI from weight and height when it is blank and both are
// positive numbers.
func (v Vitals) withBMI() Vitals {
	if v.BMI != "" {
		return v
	}
	w, errW := strconv.ParseFloat(strings.TrimSpace(v.Weight), 64)
	h, errH := strconv.ParseFloat(strings.TrimSpace(v.Height), 64)
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return v
	}
	m := h / 100
	v.BMI = strconv.FormatFloat(w/(m*m), 'f', 1, 64)
	return v
}

type Diagnoses struct {
	Provisional  []string `json:"provisional"`
	Differential []string `json:"differential"`
}

func (d Diagnoses) count() int {
	n := 0
	for _, s := range append(append([]string(nil), d.Provisional...), d.Differential...) {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	return n
}

type Prescription struct {
	Medicine     string `json:"medicine"`
	Dosage       string `json:"dosage,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	FoodTiming   string `json:"foodTiming,omitempty"`
}

type Prescriptions struct {
	Allopathic []Prescription `json:"allopathic"`
	Ayurvedic  []Prescription `json:"ayurvedic"`
}

// Consultation is one clinical visit. Values are treated as immutable: edits
// go through Patch.Apply, which returns a new value.
type Consultation struct {
	ID               string            `json:"id"`
	PatientID        string            `json:"patientId"`
	PatientName      string            `json:"patientName"`
	VisitDate        string            `json:"visitDate"`
	VisitTime        string            `json:"visitTime,omitempty"`
	Department       string            `json:"department,omitempty"`
	DoctorName       string            `json:"doctorName,omitempty"`
	ConsultationType Type              `json:"consultationType"`
	Status           Status            `json:"status"`
	Fee              *float64          `json:"fee,omitempty"`
	ChiefComplaint   string            `json:"chiefComplaint"`
	History          History           `json:"history"`
	Vitals           Vitals            `json:"vitals"`
	SystemReview     map[string]string `json:"systemReview"`
	Diagnoses        Diagnoses         `json:"diagnoses"`
	ClinicalNotes    string            `json:"clinicalNotes"`
	Investigations   []string          `json:"investigations"`
	Prescriptions    Prescriptions     `json:"prescriptions"`
	FollowUpOf       string            `json:"followUpOf,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
}

// NewID builds the record id from the patient, the visit day and the
// creation instant.
func NewID(patientID, visitDate string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d", patientID, visitDate, at.UnixMilli())
}

// clone returns a deep copy; no slice, map or pointer is shared with c.
func (c Consultation) clone() Consultation {
	out := c
	if c.Fee != nil {
		f := *c.Fee
		out.Fee = &f
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	out.SystemReview = cloneMap(c.SystemReview)
	out.Diagnoses = Diagnoses{
		Provisional:  cloneStrings(c.Diagnoses.Provisional),
		Differential: cloneStrings(c.Diagnoses.Differential),
	}
	out.Investigations = cloneStrings(c.Investigations)
	out.Prescriptions = Prescriptions{
		Allopathic: clonePrescriptions(c.Prescriptions.Allopathic),
		Ayurvedic:  clonePrescriptions(c.Prescriptions.Ayurvedic),
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clonePrescriptions(p []Prescription) []Prescription {
	if p == nil {
		return nil
	}
	out := make([]Prescription, len(p))
	copy(out, p)
	return out
}

// missingContent names what a visit needs before it can be completed. A
// visit needs at least one of chief complaint, clinical notes or a diagnosis;
// the result is empty when any is present.
func (c Consultation) missingContent() []string {
	if strings.TrimSpace(c.ChiefComplaint) != "" ||
		strings.TrimSpace(c.ClinicalNotes) != "" ||
		c.Diagnoses.count() > 0 {
		return nil
	}
	return []string{"chief complaint", "clinical notes", "diagnosis"}
}

// StartInfo describes a visit being opened at the desk.
type StartInfo struct {
	PatientID        string   `json:"patientId"`
	PatientName      string   `json:"patientName"`
	VisitDate        string   `json:"visitDate"`
	VisitTime        string   `json:"visitTime"`
	Department       string   `json:"department"`
	DoctorName       string   `json:"doctorName"`
	ConsultationType Type     `json:"consultationType"`
	Fee              *float64 `json:"fee,omitempty"`
}

func (s *StartInfo) validate() error {
	if strings.TrimSpace(s.PatientID) == "" {
		return fmt.Errorf("patientId is required")
	}
	if strings.TrimSpace(s.PatientName) == "" {
		return fmt.Errorf("patientName is required")
	}
	if _, err := time.Parse(dateLayout, s.VisitDate); err != nil {
		return fmt.Errorf("invalid visitDate %q, expected YYYY-MM-DD", s.VisitDate)
	}
	if s.ConsultationType == "" {
		s.ConsultationType = TypeRoutine
	}
	if _, err := ParseType(string(s.ConsultationType)); err != nil {
		return err
	}
	if s.Fee != nil && *s.Fee < 0 {
		return fmt.Errorf("fee must not be negative")
	}
	return nil
}

func newConsultation(info StartInfo, now time.Time) Consultation {
	return Consultation{
		ID:               NewID(info.PatientID, info.VisitDate, now),
		PatientID:        info.PatientID,
		PatientName:      info.PatientName,
		VisitDate:        info.VisitDate,
		VisitTime:        info.VisitTime,
		Department:       info.Department,
		DoctorName:       info.DoctorName,
		ConsultationType: info.ConsultationType,
		Status:           StatusInProgress,
		Fee:              info.Fee,
		SystemReview:     map[string]string{},
		Diagnoses:        Diagnoses{Provisional: []string{}, Differential: []string{}},
		Investigations:   []string{},
		Prescriptions:    Prescriptions{Allopathic: []Prescription{}, Ayurvedic: []Prescription{}},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
