package controller

import (
	"errors"
	"log"

	"nurtura/engine"
	"nurtura/models"
	"nurtura/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type EnrollmentController struct {
	DB     *gorm.DB
	Logger *log.Logger
	Engine *engine.Engine
}

func NewEnrollmentController(db *gorm.DB, logger *log.Logger, eng *engine.Engine) *EnrollmentController {
	return &EnrollmentController{
		DB:     db,
		Logger: logger,
		Engine: eng,
	}
}

// ownsAutoresponder verifies the autoresponder belongs to the user.
func (ec *EnrollmentController) ownsAutoresponder(userID uint, autoresponderID string) (*models.Autoresponder, error) {
	var autoresponder models.Autoresponder
	err := ec.DB.Where("id = ? AND user_id = ?", autoresponderID, userID).
		First(&autoresponder).Error
	return &autoresponder, err
}

// GetEnrollmentStatus reports where a contact is in an autoresponder's chain
func (ec *EnrollmentController) GetEnrollmentStatus(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	autoresponder, err := ec.ownsAutoresponder(user.ID, c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Autoresponder not found",
		})
	}

	contactID := utils.ParseUint(c.Params("contactId"))
	status, err := ec.Engine.Status(autoresponder.ID, contactID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Contact is not enrolled in this autoresponder",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch enrollment status",
		})
	}

	return c.JSON(status)
}

// GetEnrollments lists enrollments for an autoresponder, optionally filtered
// by ?status=
func (ec *EnrollmentController) GetEnrollments(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	autoresponder, err := ec.ownsAutoresponder(user.ID, c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Autoresponder not found",
		})
	}

	query := ec.DB.Where("autoresponder_id = ?", autoresponder.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var enrollments []models.Enrollment
	if err := query.Order("enrolled_at DESC").Find(&enrollments).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch enrollments",
		})
	}

	return c.JSON(enrollments)
}

// EnrollContact manually enrolls a contact into an autoresponder
func (ec *EnrollmentController) EnrollContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	autoresponder, err := ec.ownsAutoresponder(user.ID, c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Autoresponder not found",
		})
	}

	var input struct {
		ContactID uint `json:"contact_id" validate:"required"`
	}
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

	var contact models.Contact
	if err := ec.DB.Where("id = ? AND user_id = ?", input.ContactID, user.ID).
		First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	if !autoresponder.IsActive {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Autoresponder is not active",
		})
	}

	if err := ec.Engine.EnrollContact(autoresponder.ID, contact.ID); err != nil {
		ec.Logger.Printf("Failed to enroll contact %d into autoresponder %d: %v",
			contact.ID, autoresponder.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to enroll contact",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Contact enrolled successfully",
	})
}

// CancelEnrollment cancels the active enrollment of a contact in an
// autoresponder
func (ec *EnrollmentController) CancelEnrollment(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	autoresponder, err := ec.ownsAutoresponder(user.ID, c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Autoresponder not found",
		})
	}

	contactID := utils.ParseUint(c.Params("contactId"))
	if err := ec.Engine.CancelPair(autoresponder.ID, contactID, "cancelled via API"); err != nil {
		ec.Logger.Printf("Failed to cancel enrollment: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to cancel enrollment",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Enrollment cancelled",
	})
}
