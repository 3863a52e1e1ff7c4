package models

import "gorm.io/gorm"

// Template represents a reusable email template
type Template struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Subject     string `gorm:"not null" json:"subject"`
	HTMLContent string `gorm:"type:text" json:"html_content"`
	TextContent string `gorm:"type:text" json:"text_content"`

	Category string `json:"category"`
}

// User is the account owning autoresponders, contacts and templates. Identity
// management itself lives in a separate service; this table only backs the
// JWT guard on the API.
type User struct {
	gorm.Model
	Email    string `gorm:"not null;uniqueIndex" json:"email"`
	Name     string `json:"name"`
	IsActive bool   `gorm:"default:true" json:"is_active"`
}
