package engine

import "time"

// EventType identifies a domain event delivered by collaborators. The values
// double as wait_trigger_type / trigger_type strings where the two overlap.
type EventType string

const (
	EventNewContact           EventType = "new_contact"
	EventTagAdded             EventType = "tag_added"
	EventStatusChanged        EventType = "status_changed"
	EventAppointmentBooked    EventType = "appointment_booked"
	EventAppointmentCompleted EventType = "appointment_completed"
	EventEmailOpened          EventType = "email_opened"
	EventLinkClicked          EventType = "link_clicked"
	EventEmailReplied         EventType = "email_replied"
)

// Event is the engine's ingress record. Only the payload fields relevant to
// the event type are set.
type Event struct {
	Type       EventType `json:"type"`
	ContactID  uint      `json:"contact_id"`
	OccurredAt time.Time `json:"occurred_at"`

	// email_opened / link_clicked / email_replied
	MessageID string `json:"message_id,omitempty"`

	// tag_added
	TagID uint `json:"tag_id,omitempty"`

	// status_changed
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
}

// Transition describes a persisted enrollment/step state change. Delivered to
// the optional transition hook (the websocket progress feed subscribes there).
type Transition struct {
	EnrollmentID    uint      `json:"enrollment_id"`
	AutoresponderID uint      `json:"autoresponder_id"`
	ContactID       uint      `json:"contact_id"`
	SequenceOrder   int       `json:"sequence_order"`
	State           string    `json:"state"`
	At              time.Time `json:"at"`
}
