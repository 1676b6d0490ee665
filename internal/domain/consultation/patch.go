package consultation

import (
	"fmt"
	"strings"
)

// Patch is a set of top-level replacements for an in-progress consultation.
// A nil field leaves the current value alone; a set field replaces the whole
// value, sub-objects included.
type Patch struct {
	VisitTime        *string           `json:"visitTime,omitempty"`
	Department       *string           `json:"department,omitempty"`
	DoctorName       *string           `json:"doctorName,omitempty"`
	ConsultationType *Type             `json:"consultationType,omitempty"`
	Fee              *float64          `json:"fee,omitempty"`
	ChiefComplaint   *string           `json:"chiefComplaint,omitempty"`
	History          *History          `json:"history,omitempty"`
	Vitals           *Vitals           `json:"vitals,omitempty"`
	SystemReview     map[string]string `json:"systemReview,omitempty"`
	Diagnoses        *Diagnoses        `json:"diagnoses,omitempty"`
	ClinicalNotes    *string           `json:"clinicalNotes,omitempty"`
	Investigations   *[]string         `json:"investigations,omitempty"`
	Prescriptions    *Prescriptions    `json:"prescriptions,omitempty"`
}

func (p Patch) Validate() error {
	if p.ConsultationType != nil {
		if _, err := ParseType(string(*p.ConsultationType)); err != nil {
			return err
		}
	}
	if p.Fee != nil && *p.Fee < 0 {
		return fmt.Errorf("fee must not be negative")
	}
	if p.Prescriptions != nil {
		for _, rx := range append(append([]Prescription(nil), p.Prescriptions.Allopathic...), p.Prescriptions.Ayurvedic...) {
			if strings.TrimSpace(rx.Medicine) == "" {
				return fmt.Errorf("every prescription needs a medicine")
			}
		}
	}
	return nil
}

// Apply returns c with the patch applied. c itself is not modified and the
// result shares no mutable state with c or p.
func (p Patch) Apply(c Consultation) Consultation {
	out := c.clone()
	if p.VisitTime != nil {
		out.VisitTime = *p.VisitTime
	}
	if p.Department != nil {
		out.Department = *p.Department
	}
	if p.DoctorName != nil {
		out.DoctorName = *p.DoctorName
	}
	if p.ConsultationType != nil {
		out.ConsultationType = *p.ConsultationType
	}
	if p.Fee != nil {
		f := *p.Fee
		out.Fee = &f
	}
	if p.ChiefComplaint != nil {
		out.ChiefComplaint = *p.ChiefComplaint
	}
	if p.History != nil {
		out.History = *p.History
	}
	if p.Vitals != nil {
		out.Vitals = p.Vitals.withBMI()
	}
	if p.SystemReview != nil {
		out.SystemReview = cloneMap(p.SystemReview)
	}
	if p.Diagnoses != nil {
		out.Diagnoses = Diagnoses{
			Provisional:  nonNil(p.Diagnoses.Provisional),
			Differential: nonNil(p.Diagnoses.Differential),
		}
	}
	if p.ClinicalNotes != nil {
		out.ClinicalNotes = *p.ClinicalNotes
	}
	if p.Investigations != nil {
		out.Investigations = nonNil(*p.Investigations)
	}
	if p.Prescriptions != nil {
		out.Prescriptions = Prescriptions{
			Allopathic: clonePrescriptions(p.Prescriptions.Allopathic),
			Ayurvedic:  clonePrescriptions(p.Prescriptions.Ayurvedic),
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return cloneStrings(s)
}
