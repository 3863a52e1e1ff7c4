package utils

import (
	"fmt"
	"strings"

	"nurtura/engine"
	"nurtura/models"

	"gorm.io/gorm"
)

// DBTemplateResolver implements engine.TemplateResolver over the templates
// table, applying contact variable substitution so the engine receives fully
// rendered content in one call.
type DBTemplateResolver struct {
	DB *gorm.DB
}

func NewDBTemplateResolver(db *gorm.DB) *DBTemplateResolver {
	return &DBTemplateResolver{DB: db}
}

func (r *DBTemplateResolver) Resolve(templateID, contactID uint) (string, string, error) {
	var tmpl models.Template
	if err := r.DB.First(&tmpl, templateID).Error; err != nil {
		return "", "", fmt.Errorf("template %d: %w", templateID, err)
	}

	var contact models.Contact
	if err := r.DB.First(&contact, contactID).Error; err != nil {
		return "", "", fmt.Errorf("contact %d: %w", contactID, err)
	}

	replacer := strings.NewReplacer(
		"{{first_name}}", contact.FirstName,
		"{{last_name}}", contact.LastName,
		"{{email}}", contact.Email,
		"{{company}}", contact.Company,
		"{{phone}}", contact.Phone,
	)

	return replacer.Replace(tmpl.Subject), replacer.Replace(tmpl.HTMLContent), nil
}

var _ engine.TemplateResolver = (*DBTemplateResolver)(nil)
