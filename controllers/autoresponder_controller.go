package controller

import (
	"log"

	"nurtura/engine"
	"nurtura/models"
	"nurtura/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type AutoresponderController struct {
	DB     *gorm.DB
	Logger *log.Logger
	Engine *engine.Engine
}

func NewAutoresponderController(db *gorm.DB, logger *log.Logger, eng *engine.Engine) *AutoresponderController {
	return &AutoresponderController{
		DB:     db,
		Logger: logger,
		Engine: eng,
	}
}

type sequenceStepInput struct {
	SequenceOrder int    `json:"sequence_order" validate:"required,gte=1"`
	TimingMode    string `json:"timing_mode" validate:"required,oneof=fixed_duration wait_for_trigger either_or both"`

	DelayDays  int `json:"delay_days" validate:"gte=0"`
	DelayHours int `json:"delay_hours" validate:"gte=0"`

	WaitTriggerType   string                   `json:"wait_trigger_type"`
	WaitTriggerConfig models.WaitTriggerConfig `json:"wait_trigger_config"`

	TemplateID *uint  `json:"template_id"`
	Subject    string `json:"subject"`
	BodyHTML   string `json:"body_html"`
}

type autoresponderInput struct {
	Name        string `json:"name" validate:"required,min=1,max=200"`
	Description string `json:"description"`

	TriggerType   string               `json:"trigger_type" validate:"required,oneof=new_contact tag_added date_based appointment_booked appointment_completed"`
	TriggerConfig models.TriggerConfig `json:"trigger_config"`

	SequenceEnabled bool `json:"sequence_enabled"`

	TemplateID *uint  `json:"template_id"`
	Subject    string `json:"subject"`
	BodyHTML   string `json:"body_html"`

	Steps []sequenceStepInput `json:"steps"`
}

// validateAutoresponderInput checks the parts struct tags cannot express:
// trigger parameters, step ordering and per-step content shape.
func validateAutoresponderInput(input *autoresponderInput) string {
	if input.TriggerType == models.TriggerTagAdded && input.TriggerConfig.TagID == 0 {
		return "tag_added trigger requires trigger_config.tag_id"
	}
	if input.TriggerType == models.TriggerDateBased && input.TriggerConfig.DateField == "" {
		return "date_based trigger requires trigger_config.date_field"
	}

	hasTemplate := input.TemplateID != nil
	hasInline := input.Subject != "" && input.BodyHTML != ""
	if hasTemplate == hasInline {
		return "autoresponder needs exactly one content source: template_id or subject+body_html"
	}

	for i, step := range input.Steps {
		if step.SequenceOrder != i+1 {
			return "steps must be ordered contiguously starting at 1"
		}
		hasTemplate := step.TemplateID != nil
		hasInline := step.Subject != "" && step.BodyHTML != ""
		if hasTemplate == hasInline {
			return "each step needs exactly one content source: template_id or subject+body_html"
		}
		if models.NeedsTrigger(step.TimingMode) {
			if step.WaitTriggerType == "" {
				return "timing mode " + step.TimingMode + " requires wait_trigger_type"
			}
			if err := step.WaitTriggerConfig.Validate(step.WaitTriggerType); err != nil {
				return err.Error()
			}
		}
	}
	return ""
}

// CreateAutoresponder creates an autoresponder with its sequence steps.
// Autoresponders are created inactive; activation is a separate call.
func (ac *AutoresponderController) CreateAutoresponder(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input autoresponderInput
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
	if msg := validateAutoresponderInput(&input); msg != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": msg,
		})
	}

	tx := ac.DB.Begin()

	autoresponder := models.Autoresponder{
		UserID:          user.ID,
		Name:            input.Name,
		Description:     input.Description,
		TriggerType:     input.TriggerType,
		TriggerConfig:   input.TriggerConfig,
		IsActive:        false,
		SequenceEnabled: input.SequenceEnabled,
		TemplateID:      input.TemplateID,
		Subject:         input.Subject,
		BodyHTML:        input.BodyHTML,
	}

	if err := tx.Create(&autoresponder).Error; err != nil {
		tx.Rollback()
		ac.Logger.Printf("Failed to create autoresponder: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create autoresponder",
		})
	}

	for _, stepInput := range input.Steps {
		step := models.SequenceStep{
			AutoresponderID:   autoresponder.ID,
			SequenceOrder:     stepInput.SequenceOrder,
			TimingMode:        stepInput.TimingMode,
			DelayDays:         stepInput.DelayDays,
			DelayHours:        stepInput.DelayHours,
			WaitTriggerType:   stepInput.WaitTriggerType,
			WaitTriggerConfig: stepInput.WaitTriggerConfig,
			TemplateID:        stepInput.TemplateID,
			Subject:           stepInput.Subject,
			BodyHTML:          stepInput.BodyHTML,
		}
		if err := tx.Create(&step).Error; err != nil {
			tx.Rollback()
			ac.Logger.Printf("Failed to create sequence step: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to create sequence step",
			})
		}
	}

	tx.Commit()

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":       "Autoresponder created successfully",
		"autoresponder": autoresponder,
	})
}

// GetAutoresponders returns all autoresponders for the user
func (ac *AutoresponderController) GetAutoresponders(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var autoresponders []models.Autoresponder
	if err := ac.DB.Where("user_id = ?", user.ID).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence_order ASC")
		}).
		Find(&autoresponders).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch autoresponders",
		})
	}

	return c.JSON(autoresponders)
}

// GetAutoresponder returns one autoresponder with its steps
func (ac *AutoresponderController) GetAutoresponder(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var autoresponder models.Autoresponder
	if err := ac.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence_order ASC")
		}).
		First(&autoresponder).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Autoresponder not found",
		})
	}

	return c.JSON(autoresponder)
}

// UpdateAutoresponder replaces an autoresponder's definition and steps.
// Enrollments already in flight keep the snapshot of the old primary content,
// but steps not yet reached pick up the new definitions.
func (ac *AutoresponderController) UpdateAutoresponder(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input autoresponderInput
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
	if msg := validateAutoresponderInput(&input); msg != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": msg,
		})
	}

	var autoresponder models.Autoresponder
	if err := ac.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&autoresponder).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Autoresponder not found",
		})
	}

	tx := ac.DB.Begin()

	autoresponder.Name = input.Name
	autoresponder.Description = input.Description
	autoresponder.TriggerType = input.TriggerType
	autoresponder.TriggerConfig = input.TriggerConfig
	autoresponder.SequenceEnabled = input.SequenceEnabled
	autoresponder.TemplateID = input.TemplateID
	autoresponder.Subject = input.Subject
	autoresponder.BodyHTML = input.BodyHTML

	if err := tx.Save(&autoresponder).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update autoresponder",
		})
	}

	if err := tx.Unscoped().Where("autoresponder_id = ?", autoresponder.ID).
		Delete(&models.SequenceStep{}).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to replace sequence steps",
		})
	}

	for _, stepInput := range input.Steps {
		step := models.SequenceStep{
			AutoresponderID:   autoresponder.ID,
			SequenceOrder:     stepInput.SequenceOrder,
			TimingMode:        stepInput.TimingMode,
			DelayDays:         stepInput.DelayDays,
			DelayHours:        stepInput.DelayHours,
			WaitTriggerType:   stepInput.WaitTriggerType,
			WaitTriggerConfig: stepInput.WaitTriggerConfig,
			TemplateID:        stepInput.TemplateID,
			Subject:           stepInput.Subject,
			BodyHTML:          stepInput.BodyHTML,
		}
		if err := tx.Create(&step).Error; err != nil {
			tx.Rollback()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to create sequence step",
			})
		}
	}

	tx.Commit()

	return c.JSON(fiber.Map{
		"message":       "Autoresponder updated successfully",
		"autoresponder": autoresponder,
	})
}

// ActivateAutoresponder enables triggering for an autoresponder
func (ac *AutoresponderController) ActivateAutoresponder(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var autoresponder models.Autoresponder
	if err := ac.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&autoresponder).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Autoresponder not found",
		})
	}

	if autoresponder.IsActive {
		return c.JSON(fiber.Map{
			"message": "Autoresponder is already active",
		})
	}

	autoresponder.IsActive = true
	if err := ac.DB.Save(&autoresponder).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to activate autoresponder",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Autoresponder activated successfully",
	})
}

// DeactivateAutoresponder stops triggering and cancels every active
// enrollment of the autoresponder.
func (ac *AutoresponderController) DeactivateAutoresponder(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var autoresponder models.Autoresponder
	if err := ac.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&autoresponder).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Autoresponder not found",
		})
	}

	if !autoresponder.IsActive {
		return c.JSON(fiber.Map{
			"message": "Autoresponder is already inactive",
		})
	}

	autoresponder.IsActive = false
	if err := ac.DB.Save(&autoresponder).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to deactivate autoresponder",
		})
	}

	if err := ac.Engine.CancelAutoresponderEnrollments(autoresponder.ID, "autoresponder deactivated"); err != nil {
		ac.Logger.Printf("Failed to cancel enrollments for autoresponder %d: %v", autoresponder.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Autoresponder deactivated but some enrollments could not be cancelled",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Autoresponder deactivated successfully",
	})
}

// DeleteAutoresponder removes an autoresponder after cancelling its
// active enrollments.
func (ac *AutoresponderController) DeleteAutoresponder(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var autoresponder models.Autoresponder
	if err := ac.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&autoresponder).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Autoresponder not found",
		})
	}

	if err := ac.Engine.CancelAutoresponderEnrollments(autoresponder.ID, "autoresponder deleted"); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to cancel active enrollments",
		})
	}

	tx := ac.DB.Begin()
	if err := tx.Where("autoresponder_id = ?", autoresponder.ID).
		Delete(&models.SequenceStep{}).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete sequence steps",
		})
	}
	if err := tx.Delete(&autoresponder).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete autoresponder",
		})
	}
	tx.Commit()

	return c.JSON(fiber.Map{
		"message": "Autoresponder deleted successfully",
	})
}

// GetAutoresponderStats returns per-step send/skip counters plus enrollment
// totals for an autoresponder.
func (ac *AutoresponderController) GetAutoresponderStats(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var autoresponder models.Autoresponder
	if err := ac.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence_order ASC")
		}).
		First(&autoresponder).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Autoresponder not found",
		})
	}

	var counts []struct {
		Status string `json:"status"`
		Count  int64  `json:"count"`
	}
	if err := ac.DB.Model(&models.Enrollment{}).
		Select("status, COUNT(*) as count").
		Where("autoresponder_id = ?", autoresponder.ID).
		Group("status").
		Scan(&counts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch enrollment counts",
		})
	}

	enrollments := fiber.Map{}
	for _, row := range counts {
		enrollments[row.Status] = row.Count
	}

	steps := make([]fiber.Map, 0, len(autoresponder.Steps))
	for _, step := range autoresponder.Steps {
		steps = append(steps, fiber.Map{
			"sequence_order": step.SequenceOrder,
			"sent_count":     step.SentCount,
			"skipped_count":  step.SkippedCount,
		})
	}

	return c.JSON(fiber.Map{
		"enrollments": enrollments,
		"steps":       steps,
	})
}
