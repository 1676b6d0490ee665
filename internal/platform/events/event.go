// Package events pushes appointment and consultation changes to connected
// desk clients over WebSockets.
package events

import (
	"context"
	"encoding/json"
	"time"
)

const (
	TypeAppointmentCreated = "appointment.created"
	TypeAppointmentUpdated = "appointment.updated"

	TypeConsultationSaved     = "consultation.saved"
	TypeConsultationCompleted = "consultation.completed"
	TypeConsultationAbandoned = "consultation.abandoned"

	TopicAppointments = "appointments"
)

// ConsultationTopic is the topic that carries one patient's consultation events.
func ConsultationTopic(patientID string) string {
	return "consultations:" + patientID
}

type Event struct {
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	FacilityID string          `json:"facilityId"`
	ResourceID string          `json:"resourceId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// New builds an event whose Data is the JSON encoding of payload. A payload
// that fails to encode is dropped from the event rather than failing it.
func New(eventType, topic, facilityID, resourceID string, payload interface{}) Event {
	evt := Event{
		Type:       eventType,
		Topic:      topic,
		FacilityID: facilityID,
		ResourceID: resourceID,
		Timestamp:  time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			evt.Data = data
		}
	}
	return evt
}

// Publisher is what the domain services notify after a successful write.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
