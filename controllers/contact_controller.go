package controller

import (
	"log"
	"time"

	"nurtura/engine"
	"nurtura/models"
	"nurtura/utils"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// ContactController is the CRM surface and the main event source: contact
// lifecycle changes are published to the engine as domain events.
type ContactController struct {
	DB     *gorm.DB
	Logger *log.Logger
	Engine *engine.Engine
}

func NewContactController(db *gorm.DB, logger *log.Logger, eng *engine.Engine) *ContactController {
	return &ContactController{
		DB:     db,
		Logger: logger,
		Engine: eng,
	}
}

// CreateContact adds a contact and publishes a new_contact event
func (cc *ContactController) CreateContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Email     string `json:"email" validate:"required,email"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Company   string `json:"company"`
		Phone     string `json:"phone"`
		Status    string `json:"status"`
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
	if err := checkmail.ValidateFormat(input.Email); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid email address",
		})
	}

	contact := models.Contact{
		UserID:    user.ID,
		Email:     input.Email,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Company:   input.Company,
		Phone:     input.Phone,
	}
	if input.Status != "" {
		contact.Status = input.Status
	}

	if err := cc.DB.Create(&contact).Error; err != nil {
		cc.Logger.Printf("Failed to create contact: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create contact",
		})
	}

	cc.Engine.Publish(engine.Event{
		Type:      engine.EventNewContact,
		ContactID: contact.ID,
	})

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Contact created successfully",
		"contact": contact,
	})
}

// GetContacts returns a paginated contact list
func (cc *ContactController) GetContacts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := cc.DB.Model(&models.Contact{}).Where("user_id = ?", user.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count contacts",
		})
	}

	var contacts []models.Contact
	if err := query.Offset((page - 1) * limit).Limit(limit).
		Order("created_at DESC").Find(&contacts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch contacts",
		})
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  contacts,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetContact returns one contact with tags and appointments
func (cc *ContactController) GetContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var contact models.Contact
	if err := cc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		Preload("ContactTags").Preload("Appointments").
		First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	return c.JSON(contact)
}

// UpdateContact updates contact fields. A pipeline status change publishes a
// status_changed event with the old and new values.
func (cc *ContactController) UpdateContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		FirstName *string `json:"first_name"`
		LastName  *string `json:"last_name"`
		Company   *string `json:"company"`
		Phone     *string `json:"phone"`
		Status    *string `json:"status"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	var contact models.Contact
	if err := cc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	oldStatus := contact.Status
	if input.FirstName != nil {
		contact.FirstName = *input.FirstName
	}
	if input.LastName != nil {
		contact.LastName = *input.LastName
	}
	if input.Company != nil {
		contact.Company = *input.Company
	}
	if input.Phone != nil {
		contact.Phone = *input.Phone
	}
	if input.Status != nil {
		contact.Status = *input.Status
	}

	if err := cc.DB.Save(&contact).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update contact",
		})
	}

	if contact.Status != oldStatus {
		cc.Engine.Publish(engine.Event{
			Type:       engine.EventStatusChanged,
			ContactID:  contact.ID,
			FromStatus: oldStatus,
			ToStatus:   contact.Status,
		})
	}

	return c.JSON(fiber.Map{
		"message": "Contact updated successfully",
		"contact": contact,
	})
}

// DeleteContact removes a contact after cancelling its active enrollments
func (cc *ContactController) DeleteContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var contact models.Contact
	if err := cc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	if err := cc.Engine.CancelContactEnrollments(contact.ID, "contact deleted"); err != nil {
		cc.Logger.Printf("Failed to cancel enrollments for contact %d: %v", contact.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to cancel active enrollments",
		})
	}

	if err := cc.DB.Delete(&contact).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete contact",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Contact deleted successfully",
	})
}

// UnsubscribeContact marks a contact unsubscribed and cancels its active
// enrollments
func (cc *ContactController) UnsubscribeContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var contact models.Contact
	if err := cc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	contact.IsUnsubscribed = true
	if err := cc.DB.Save(&contact).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to unsubscribe contact",
		})
	}

	if err := cc.Engine.CancelContactEnrollments(contact.ID, "contact unsubscribed"); err != nil {
		cc.Logger.Printf("Failed to cancel enrollments for contact %d: %v", contact.ID, err)
	}

	return c.JSON(fiber.Map{
		"message": "Contact unsubscribed",
	})
}

// AddTag attaches a tag to a contact and publishes a tag_added event
func (cc *ContactController) AddTag(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		TagID uint `json:"tag_id" validate:"required"`
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
	if err := cc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	var tag models.Tag
	if err := cc.DB.Where("id = ? AND user_id = ?", input.TagID, user.ID).
		First(&tag).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Tag not found",
		})
	}

	contactTag := models.ContactTag{ContactID: contact.ID, TagID: tag.ID}
	if err := cc.DB.Create(&contactTag).Error; err != nil {
		// Unique index: tag already attached, nothing to publish
		return c.JSON(fiber.Map{
			"message": "Tag already attached",
		})
	}

	cc.Engine.Publish(engine.Event{
		Type:      engine.EventTagAdded,
		ContactID: contact.ID,
		TagID:     tag.ID,
	})

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Tag added successfully",
	})
}

// RemoveTag detaches a tag from a contact
func (cc *ContactController) RemoveTag(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var contact models.Contact
	if err := cc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	tagID := utils.ParseUint(c.Params("tagId"))
	if err := cc.DB.Unscoped().
		Where("contact_id = ? AND tag_id = ?", contact.ID, tagID).
		Delete(&models.ContactTag{}).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to remove tag",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Tag removed successfully",
	})
}

// CreateAppointment books an appointment and publishes appointment_booked
func (cc *ContactController) CreateAppointment(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Title       string `json:"title"`
		ScheduledAt string `json:"scheduled_at" validate:"required"`
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
	if err := cc.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	scheduledAt, err := time.Parse(time.RFC3339, input.ScheduledAt)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "scheduled_at must be RFC 3339",
		})
	}

	appointment := models.Appointment{
		ContactID:   contact.ID,
		UserID:      user.ID,
		Title:       input.Title,
		ScheduledAt: scheduledAt,
	}
	if err := cc.DB.Create(&appointment).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create appointment",
		})
	}

	cc.Engine.Publish(engine.Event{
		Type:      engine.EventAppointmentBooked,
		ContactID: contact.ID,
	})

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":     "Appointment created successfully",
		"appointment": appointment,
	})
}

// CompleteAppointment marks an appointment completed and publishes
// appointment_completed
func (cc *ContactController) CompleteAppointment(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var appointment models.Appointment
	if err := cc.DB.Where("id = ? AND user_id = ?", c.Params("appointmentId"), user.ID).
		First(&appointment).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Appointment not found",
		})
	}

	if appointment.CompletedAt != nil {
		return c.JSON(fiber.Map{
			"message": "Appointment already completed",
		})
	}

	appointment.CompletedAt = utils.Pointer(time.Now())
	if err := cc.DB.Save(&appointment).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to complete appointment",
		})
	}

	cc.Engine.Publish(engine.Event{
		Type:      engine.EventAppointmentCompleted,
		ContactID: appointment.ContactID,
	})

	return c.JSON(fiber.Map{
		"message": "Appointment completed",
	})
}

// CreateTag creates a reusable tag
func (cc *ContactController) CreateTag(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Name string `json:"name" validate:"required,min=1,max=100"`
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

	tag := models.Tag{UserID: user.ID, Name: input.Name}
	if err := cc.DB.Create(&tag).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create tag",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Tag created successfully",
		"tag":     tag,
	})
}

// GetTags lists the user's tags
func (cc *ContactController) GetTags(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var tags []models.Tag
	if err := cc.DB.Where("user_id = ?", user.ID).Find(&tags).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch tags",
		})
	}

	return c.JSON(tags)
}
