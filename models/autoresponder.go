package models

import (
	"fmt"

	"gorm.io/gorm"
)

// Primary trigger types: what enrolls a contact into an autoresponder.
const (
	TriggerNewContact           = "new_contact"
	TriggerTagAdded             = "tag_added"
	TriggerDateBased            = "date_based"
	TriggerAppointmentBooked    = "appointment_booked"
	TriggerAppointmentCompleted = "appointment_completed"
)

// Wait trigger types: what a sequence step may wait on.
const (
	WaitEmailOpened       = "email_opened"
	WaitLinkClicked       = "link_clicked"
	WaitEmailReplied      = "email_replied"
	WaitTagAdded          = "tag_added"
	WaitStatusChanged     = "status_changed"
	WaitAppointmentBooked = "appointment_booked"
)

// Timing modes for sequence steps.
const (
	TimingFixedDuration  = "fixed_duration"
	TimingWaitForTrigger = "wait_for_trigger"
	TimingEitherOr       = "either_or"
	TimingBoth           = "both"
)

// Autoresponder represents an automated follow-up definition
type Autoresponder struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	TriggerType   string        `gorm:"not null" json:"trigger_type"`
	TriggerConfig TriggerConfig `gorm:"type:jsonb;serializer:json" json:"trigger_config"`

	IsActive        bool `gorm:"default:false;index" json:"is_active"`
	SequenceEnabled bool `gorm:"default:false" json:"sequence_enabled"`

	// Primary content ("step 0"), sent at enrollment time
	TemplateID *uint  `json:"template_id,omitempty"`
	Subject    string `json:"subject"`
	BodyHTML   string `gorm:"type:text" json:"body_html"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:AutoresponderID" json:"steps,omitempty"`
}

// TriggerConfig holds the parameters of the primary trigger. Which fields
// are meaningful depends on TriggerType.
type TriggerConfig struct {
	TagID      uint   `json:"tag_id,omitempty"`      // tag_added
	DateField  string `json:"date_field,omitempty"`  // date_based
	DaysBefore int    `json:"days_before,omitempty"` // date_based
}

// SequenceStep represents one step of an autoresponder's follow-up chain
type SequenceStep struct {
	gorm.Model
	AutoresponderID uint `gorm:"not null;index;uniqueIndex:idx_sequence_steps_order" json:"autoresponder_id"`

	SequenceOrder int    `gorm:"not null;uniqueIndex:idx_sequence_steps_order" json:"sequence_order"` // 1-based, contiguous
	TimingMode    string `gorm:"not null" json:"timing_mode"`

	DelayDays  int `gorm:"default:0" json:"delay_days"`
	DelayHours int `gorm:"default:0" json:"delay_hours"`

	WaitTriggerType   string            `json:"wait_trigger_type"`
	WaitTriggerConfig WaitTriggerConfig `gorm:"type:jsonb;serializer:json" json:"wait_trigger_config"`

	// Content: either a template reference or inline subject/body
	TemplateID *uint  `json:"template_id,omitempty"`
	Subject    string `json:"subject"`
	BodyHTML   string `gorm:"type:text" json:"body_html"`

	// Tracking
	SentCount    int `gorm:"default:0" json:"sent_count"`
	SkippedCount int `gorm:"default:0" json:"skipped_count"`
}

// WaitTriggerConfig holds the parameters of a step's wait trigger. The shape
// is keyed by WaitTriggerType: tag_added needs TagID, status_changed needs
// ToStatus (FromStatus optional), the rest carry no parameters.
type WaitTriggerConfig struct {
	TagID      uint   `json:"tag_id,omitempty"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
}

// Validate checks the config against the given wait trigger type. Called at
// enrollment-open time so malformed steps are skipped up front rather than
// discovered during event matching.
func (c WaitTriggerConfig) Validate(waitTriggerType string) error {
	switch waitTriggerType {
	case WaitTagAdded:
		if c.TagID == 0 {
			return fmt.Errorf("wait trigger %s requires tag_id", waitTriggerType)
		}
	case WaitStatusChanged:
		if c.ToStatus == "" {
			return fmt.Errorf("wait trigger %s requires to_status", waitTriggerType)
		}
	case WaitEmailOpened, WaitLinkClicked, WaitEmailReplied, WaitAppointmentBooked:
		// no parameters
	default:
		return fmt.Errorf("unknown wait trigger type %q", waitTriggerType)
	}
	return nil
}

// NeedsTime reports whether the timing mode has a time leg.
func NeedsTime(mode string) bool {
	return mode == TimingFixedDuration || mode == TimingEitherOr || mode == TimingBoth
}

// NeedsTrigger reports whether the timing mode has a trigger leg.
func NeedsTrigger(mode string) bool {
	return mode == TimingWaitForTrigger || mode == TimingEitherOr || mode == TimingBoth
}
