package models

import (
	"time"

	"gorm.io/gorm"
)

// Contact represents a single CRM contact
type Contact struct {
	gorm.Model
	UserID uint `gorm:"index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Phone     string `json:"phone"`

	// Pipeline status, e.g. lead, qualified, customer
	Status string `gorm:"default:'lead';index" json:"status"`

	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`

	// Relations
	ContactTags  []ContactTag  `gorm:"foreignKey:ContactID" json:"tags,omitempty"`
	Appointments []Appointment `gorm:"foreignKey:ContactID" json:"appointments,omitempty"`
}

// Tag represents a reusable contact tag
type Tag struct {
	gorm.Model
	UserID uint   `gorm:"index" json:"user_id"`
	Name   string `gorm:"not null;index" json:"name"`
}

// ContactTag joins contacts to tags
type ContactTag struct {
	gorm.Model
	ContactID uint `gorm:"not null;index;uniqueIndex:idx_contact_tags" json:"contact_id"`
	TagID     uint `gorm:"not null;uniqueIndex:idx_contact_tags" json:"tag_id"`
}

// Appointment represents a booked appointment for a contact
type Appointment struct {
	gorm.Model
	ContactID uint `gorm:"not null;index" json:"contact_id"`
	UserID    uint `gorm:"index" json:"user_id"`

	Title       string     `json:"title"`
	ScheduledAt time.Time  `gorm:"not null" json:"scheduled_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
