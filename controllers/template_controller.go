package controller

import (
	"log"

	"nurtura/models"
	"nurtura/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type TemplateController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewTemplateController(db *gorm.DB, logger *log.Logger) *TemplateController {
	return &TemplateController{
		DB:     db,
		Logger: logger,
	}
}

type templateInput struct {
	Name        string `json:"name" validate:"required,min=1,max=200"`
	Subject     string `json:"subject" validate:"required"`
	HTMLContent string `json:"html_content" validate:"required"`
	TextContent string `json:"text_content"`
	Category    string `json:"category"`
}

// CreateTemplate creates an email template
func (tc *TemplateController) CreateTemplate(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input templateInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	template := models.Template{
		UserID:      user.ID,
		Name:        input.Name,
		Subject:     input.Subject,
		HTMLContent: input.HTMLContent,
		TextContent: input.TextContent,
		Category:    input.Category,
	}

	if err := tc.DB.Create(&template).Error; err != nil {
		tc.Logger.Printf("Failed to create template: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create template",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":  "Template created successfully",
		"template": template,
	})
}

// GetTemplates lists the user's templates
func (tc *TemplateController) GetTemplates(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	query := tc.DB.Where("user_id = ?", user.ID)
	if category := c.Query("category"); category != "" {
		query = query.Where("category = ?", category)
	}

	var templates []models.Template
	if err := query.Find(&templates).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch templates",
		})
	}

	return c.JSON(templates)
}

// GetTemplate returns one template
func (tc *TemplateController) GetTemplate(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var template models.Template
	if err := tc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&template).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Template not found",
		})
	}

	return c.JSON(template)
}

// UpdateTemplate updates a template. Step instances already snapshotted keep
// their old content; future sends resolve the updated template.
func (tc *TemplateController) UpdateTemplate(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input templateInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var template models.Template
	if err := tc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&template).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Template not found",
		})
	}

	template.Name = input.Name
	template.Subject = input.Subject
	template.HTMLContent = input.HTMLContent
	template.TextContent = input.TextContent
	template.Category = input.Category

	if err := tc.DB.Save(&template).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update template",
		})
	}

	return c.JSON(fiber.Map{
		"message":  "Template updated successfully",
		"template": template,
	})
}

// DeleteTemplate removes a template
func (tc *TemplateController) DeleteTemplate(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var template models.Template
	if err := tc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&template).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Template not found",
		})
	}

	var inUse int64
	tc.DB.Model(&models.Autoresponder{}).Where("template_id = ?", template.ID).Count(&inUse)
	if inUse > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Template is referenced by an autoresponder",
		})
	}

	if err := tc.DB.Delete(&template).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete template",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Template deleted successfully",
	})
}
