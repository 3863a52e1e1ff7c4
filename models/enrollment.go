package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses
const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentCancelled = "cancelled"
)

// Step instance states
const (
	StepPending        = "pending"
	StepWaitingTime    = "waiting_time"
	StepWaitingTrigger = "waiting_trigger"
	StepWaitingBoth    = "waiting_both"
	StepReady          = "ready"
	StepSent           = "sent"
	StepSkipped        = "skipped"
	StepCancelled      = "cancelled"
)

// Enrollment tracks one contact moving through one autoresponder. The partial
// unique index lets the database enforce the at-most-one-active invariant
// under concurrent enrollment attempts.
type Enrollment struct {
	gorm.Model
	ContactID       uint `gorm:"not null;index;uniqueIndex:idx_enrollments_one_active,where:status = 'active'" json:"contact_id"`
	AutoresponderID uint `gorm:"not null;index;uniqueIndex:idx_enrollments_one_active,where:status = 'active'" json:"autoresponder_id"`

	Status string `gorm:"not null;default:'active';index" json:"status"`

	// 0-based pointer into the step chain; -1 until step 1 starts. The active
	// chain step always has sequence_order = CurrentStepIndex + 1.
	CurrentStepIndex int `gorm:"not null;default:-1" json:"current_step_index"`

	EnrolledAt   time.Time  `gorm:"not null" json:"enrolled_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`

	// Relations
	StepInstances []StepInstance `gorm:"foreignKey:EnrollmentID" json:"step_instances,omitempty"`
}

// StepInstance is the durable record of one step of one enrollment. It
// carries a full snapshot of the step definition taken at creation time, so
// edits to the autoresponder never change a step already in flight.
//
// SequenceOrder 0 is the autoresponder's primary send, created READY at
// enrollment time and dispatched through the same path as chain steps.
type StepInstance struct {
	gorm.Model
	EnrollmentID  uint   `gorm:"not null;index;uniqueIndex:idx_step_instances_order" json:"enrollment_id"`
	SequenceOrder int    `gorm:"not null;uniqueIndex:idx_step_instances_order" json:"sequence_order"`
	State         string `gorm:"not null;default:'pending';index" json:"state"`

	// Policy snapshot
	TimingMode        string            `gorm:"not null" json:"timing_mode"`
	DelayDays         int               `gorm:"default:0" json:"delay_days"`
	DelayHours        int               `gorm:"default:0" json:"delay_hours"`
	WaitTriggerType   string            `json:"wait_trigger_type"`
	WaitTriggerConfig WaitTriggerConfig `gorm:"type:jsonb;serializer:json" json:"wait_trigger_config"`
	TemplateID        *uint             `json:"template_id,omitempty"`
	Subject           string            `json:"subject"`
	BodyHTML          string            `gorm:"type:text" json:"body_html"`

	// Condition tracking
	StepStartedAt         time.Time  `gorm:"not null" json:"step_started_at"`
	WakeAt                *time.Time `gorm:"index" json:"wake_at,omitempty"` // durable timer; nil = no pending wake
	TimeConditionMetAt    *time.Time `json:"time_condition_met_at,omitempty"`
	TriggerConditionMetAt *time.Time `json:"trigger_condition_met_at,omitempty"`

	// Dispatch outcome
	SentAt        *time.Time `json:"sent_at,omitempty"`
	MessageID     string     `gorm:"index" json:"message_id,omitempty"`
	AttemptCount  int        `gorm:"default:0" json:"attempt_count"`
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	SkipReason    string     `json:"skip_reason,omitempty"`

	// Optimistic lock; every state transition bumps it
	Version int `gorm:"not null;default:0" json:"-"`
}

// Terminal reports whether the step can no longer transition.
func (s *StepInstance) Terminal() bool {
	return s.State == StepSent || s.State == StepSkipped || s.State == StepCancelled
}

// Delay returns the step's configured time leg duration.
func (s *StepInstance) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}
