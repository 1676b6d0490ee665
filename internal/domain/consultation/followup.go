package consultation

import (
	"strings"
	"time"
)

const followUpPrefix = "Follow-up: "

// FollowUpFrom builds a new in-progress consultation seeded with the clinical
// picture of src. The source is not touched. Administrative fields such as
// the fee start over, and the chief complaint is marked as a follow-up.
func FollowUpFrom(src Consultation, visitDate, visitTime string, now time.Time) Consultation {
	seed := src.clone()

	complaint := strings.TrimSpace(seed.ChiefComplaint)
	if complaint != "" && !strings.HasPrefix(complaint, followUpPrefix) {
		complaint = followUpPrefix + complaint
	}

	return Consultation{
		ID:               NewID(src.PatientID, visitDate, now),
		PatientID:        src.PatientID,
		PatientName:      src.PatientName,
		VisitDate:        visitDate,
		VisitTime:        visitTime,
		Department:       src.Department,
		DoctorName:       src.DoctorName,
		ConsultationType: TypeFollowUp,
		Status:           StatusInProgress,
		ChiefComplaint:   complaint,
		History:          seed.History,
		Vitals:           seed.Vitals,
		SystemReview:     seed.SystemReview,
		Diagnoses:        seed.Diagnoses,
		ClinicalNotes:    seed.ClinicalNotes,
		Investigations:   seed.Investigations,
		Prescriptions:    seed.Prescriptions,
		FollowUpOf:       src.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
